// Package gateway implements the REST client for the payment gateway the
// bridge consumes: charge creation, customer balance credits, and
// customer lookup by reference.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sovrbridge/bridge"
)

// Client is the HTTP payment gateway client. It implements
// bridge.GatewayClient. Gateway mutations accept an Idempotency-Key
// header; repeated calls with the same key produce one effect, which is
// what makes the executor's bounded retry loop safe.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customises the gateway client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a gateway client against the supplied base URL.
func NewClient(baseURL, apiKey string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("gateway base url required")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gateway api key required")
	}
	c := &Client{
		baseURL: trimmed,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type chargeRequest struct {
	Amount   string            `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	CustomerRef  string `json:"customer"`
	Status       string `json:"status"`
}

// CreateCharge opens a charge carrying the correlation metadata so the
// confirmation webhook can be joined back to the settlement.
func (c *Client) CreateCharge(ctx context.Context, amount *big.Int, currency string, metadata map[string]string) (bridge.ChargeIntent, error) {
	if amount == nil || amount.Sign() <= 0 {
		return bridge.ChargeIntent{}, errors.New("charge amount must be positive")
	}
	req := chargeRequest{
		Amount:   amount.String(),
		Currency: strings.ToLower(strings.TrimSpace(currency)),
		Metadata: metadata,
	}
	var resp chargeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/charges", "", req, &resp); err != nil {
		return bridge.ChargeIntent{}, err
	}
	if resp.ID == "" {
		return bridge.ChargeIntent{}, bridge.TransientError("create charge", errors.New("gateway returned no charge id"))
	}
	return bridge.ChargeIntent{
		ChargeRef:    resp.ID,
		ClientSecret: resp.ClientSecret,
		CustomerRef:  resp.CustomerRef,
		Status:       resp.Status,
	}, nil
}

type creditRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type creditResponse struct {
	ID string `json:"id"`
}

// CreateBalanceCredit credits a customer's gateway balance for the burned
// amount. The idempotency key travels as a header, so redelivering the
// same settlement produces one credit.
func (c *Client) CreateBalanceCredit(ctx context.Context, customerRef string, amount *big.Int, currency, idempotencyKey string) (string, error) {
	customer := strings.TrimSpace(customerRef)
	if customer == "" {
		return "", bridge.RejectionError("", "credit requires a customer reference", nil)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", bridge.RejectionError("", "credit amount must be positive", nil)
	}
	req := creditRequest{
		Amount:      amount.String(),
		Currency:    strings.ToLower(strings.TrimSpace(currency)),
		Description: "credit for POS token burn",
	}
	path := "/v1/customers/" + url.PathEscape(customer) + "/balance_credits"
	var resp creditResponse
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

type customerSearchResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// LookupCustomerByReference resolves a gateway customer from the
// correlation reference stored in its metadata. An empty result is not an
// error; the caller decides whether a missing customer is fatal.
func (c *Client) LookupCustomerByReference(ctx context.Context, reference string) (string, error) {
	path := "/v1/customers?reference=" + url.QueryEscape(strings.TrimSpace(reference))
	var resp customerSearchResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].ID, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return bridge.TransientError("gateway request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return bridge.TransientError("read gateway response", err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return bridge.RejectionError("", fmt.Sprintf("gateway rejected %s %s: %s", method, path, gatewayErrorMessage(payload, resp.StatusCode)), nil)
	default:
		return bridge.TransientError("gateway request", fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func gatewayErrorMessage(payload []byte, status int) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return fmt.Sprintf("status %d", status)
}
