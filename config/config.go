// Package config loads the bridge daemon configuration. Secrets never
// live in the file itself; the config names environment variables or a
// secret file and the daemon resolves them at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" parse directly.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a Go duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		var seconds int64
		if _, convErr := fmt.Sscanf(raw, "%d", &seconds); convErr == nil && fmt.Sprintf("%d", seconds) == raw {
			d.Duration = time.Duration(seconds) * time.Second
			return nil
		}
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level daemon configuration.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"environment"`
	DatabasePath  string         `yaml:"database_path"`
	Ledger        LedgerConfig   `yaml:"ledger"`
	Gateway       GatewayConfig  `yaml:"gateway"`
	Auth          AuthConfig     `yaml:"auth"`
	Executor      ExecutorConfig `yaml:"executor"`
	RateLimit     RateLimit      `yaml:"rate_limit"`
}

// LedgerConfig describes the chain connection and the burn contract.
type LedgerConfig struct {
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	ChainID         int64    `yaml:"chain_id"`
	Confirmations   uint64   `yaml:"confirmations"`
	PollInterval    Duration `yaml:"poll_interval"`
	// SignerKeyEnv names the env var holding the hex signer key;
	// SignerKeyFile points at a JSON secret file as an alternative.
	SignerKeyEnv  string `yaml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file"`
}

// GatewayConfig describes the payment gateway connection.
type GatewayConfig struct {
	BaseURL            string   `yaml:"base_url"`
	APIKeyEnv          string   `yaml:"api_key_env"`
	WebhookSecretEnv   string   `yaml:"webhook_secret_env"`
	SignatureTolerance Duration `yaml:"signature_tolerance"`
}

// AuthConfig describes authentication on the payment surface.
type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// ExecutorConfig tunes the side-effect executor.
type ExecutorConfig struct {
	CreditMaxAttempts int      `yaml:"credit_max_attempts"`
	CreditBackoff     Duration `yaml:"credit_backoff"`
	ReceiptTimeout    Duration `yaml:"receipt_timeout"`
}

// RateLimit bounds per-client request rates on the payment surface.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// Default returns the configuration defaults applied before the file is
// merged on top.
func Default() Config {
	return Config{
		ListenAddress: ":8080",
		Environment:   "development",
		DatabasePath:  "bridge.db",
		Ledger: LedgerConfig{
			Confirmations: 3,
			PollInterval:  Duration{15 * time.Second},
			SignerKeyEnv:  "BRIDGE_SIGNER_KEY",
		},
		Gateway: GatewayConfig{
			APIKeyEnv:          "GATEWAY_API_KEY",
			WebhookSecretEnv:   "GATEWAY_WEBHOOK_SECRET",
			SignatureTolerance: Duration{5 * time.Minute},
		},
		Auth: AuthConfig{
			JWTSecretEnv: "BRIDGE_JWT_SECRET",
		},
		Executor: ExecutorConfig{
			CreditMaxAttempts: 5,
			CreditBackoff:     Duration{2 * time.Second},
			ReceiptTimeout:    Duration{2 * time.Minute},
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 60,
			Burst:             10,
		},
	}
}

// Load reads and validates the YAML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database_path required")
	}
	if strings.TrimSpace(c.Ledger.RPCURL) == "" {
		return fmt.Errorf("ledger.rpc_url required")
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		return fmt.Errorf("ledger.contract_address %q is not a hex address", c.Ledger.ContractAddress)
	}
	if c.Ledger.ChainID <= 0 {
		return fmt.Errorf("ledger.chain_id must be positive")
	}
	if c.Ledger.PollInterval.Duration <= 0 {
		return fmt.Errorf("ledger.poll_interval must be positive")
	}
	if strings.TrimSpace(c.Ledger.SignerKeyEnv) == "" && strings.TrimSpace(c.Ledger.SignerKeyFile) == "" {
		return fmt.Errorf("one of ledger.signer_key_env or ledger.signer_key_file required")
	}
	if strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url required")
	}
	if strings.TrimSpace(c.Gateway.APIKeyEnv) == "" {
		return fmt.Errorf("gateway.api_key_env required")
	}
	if strings.TrimSpace(c.Gateway.WebhookSecretEnv) == "" {
		return fmt.Errorf("gateway.webhook_secret_env required")
	}
	if strings.TrimSpace(c.Auth.JWTSecretEnv) == "" {
		return fmt.Errorf("auth.jwt_secret_env required")
	}
	if c.Executor.CreditMaxAttempts <= 0 {
		return fmt.Errorf("executor.credit_max_attempts must be positive")
	}
	if c.Executor.CreditBackoff.Duration <= 0 {
		return fmt.Errorf("executor.credit_backoff must be positive")
	}
	return nil
}
