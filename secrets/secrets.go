// Package secrets resolves sensitive material (signer keys, shared
// webhook secrets) without letting it live in configuration files.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Source yields a named secret. The production deployment backs this with
// a managed secret store; env and file sources cover local operation and
// tests.
type Source interface {
	Secret(name string) (string, error)
}

// ErrNotFound is returned when a source has no value for the name.
var ErrNotFound = errors.New("secret not found")

// EnvSource resolves secrets from environment variables.
type EnvSource struct{}

// Secret returns the environment variable named name.
func (EnvSource) Secret(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, name)
	}
	return value, nil
}

// FileSource resolves secrets from a JSON file mapping names to values.
// The signer key file uses the same {"privateKey": "0x..."} shape the
// managed store serves.
type FileSource struct {
	values map[string]string
}

// NewFileSource loads the JSON secret file at path.
func NewFileSource(path string) (*FileSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}
	values := make(map[string]string)
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse secret file: %w", err)
	}
	return &FileSource{values: values}, nil
}

// Secret returns the value stored under name.
func (s *FileSource) Secret(name string) (string, error) {
	value, ok := s.values[name]
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: key %s", ErrNotFound, name)
	}
	return strings.TrimSpace(value), nil
}

// Chain tries each source in order and returns the first hit.
type Chain []Source

// Secret walks the chain until a source yields the name.
func (c Chain) Secret(name string) (string, error) {
	for _, src := range c {
		value, err := src.Secret(name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}
