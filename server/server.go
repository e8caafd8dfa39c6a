// Package server exposes the bridge's HTTP surface: the gateway webhook
// endpoint guarded by the verification gate, and the authenticated
// payment-initiation API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sovrbridge/bridge"
	"sovrbridge/observability"
	"sovrbridge/observability/logging"
)

// maxWebhookBody bounds how much of a request we will read and sign-check.
const maxWebhookBody = 1 << 20 // 1 MiB

const handoffTimeout = 2 * time.Minute

// Server wires the HTTP handlers to the settlement engine.
type Server struct {
	engine        *bridge.Engine
	auth          *Authenticator
	limiter       *RateLimiter
	webhookSecret string
	tolerance     time.Duration
	logger        *slog.Logger
	metrics       *observability.BridgeMetrics
	nowFn         func() time.Time

	// handoff decouples the webhook response from downstream effects; the
	// gateway's retry behavior is the delivery backstop and the engine's
	// idempotence prevents duplicate settlement.
	handoff func(fn func(ctx context.Context))
}

// ServerOption customises the server.
type ServerOption func(*Server)

// WithServerLogger overrides the default logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logging.Component(logger, "server") }
}

// WithServerClock sets the clock used for signature tolerance checks.
func WithServerClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.nowFn = clock }
}

// WithSignatureTolerance overrides the webhook timestamp window.
func WithSignatureTolerance(d time.Duration) ServerOption {
	return func(s *Server) { s.tolerance = d }
}

// WithRateLimit bounds per-client request rates on the payment surface.
func WithRateLimit(limit RateLimit) ServerOption {
	return func(s *Server) { s.limiter = NewRateLimiter(limit) }
}

// WithServerMetrics overrides the default metrics registry.
func WithServerMetrics(m *observability.BridgeMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// withSyncHandoff processes webhook events inline. Tests use it to avoid
// races on the engine fakes.
func withSyncHandoff() ServerOption {
	return func(s *Server) {
		s.handoff = func(fn func(ctx context.Context)) {
			ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
			defer cancel()
			fn(ctx)
		}
	}
}

// New constructs the HTTP server.
func New(engine *bridge.Engine, auth *Authenticator, webhookSecret string, opts ...ServerOption) *Server {
	s := &Server{
		engine:        engine,
		auth:          auth,
		webhookSecret: webhookSecret,
		tolerance:     DefaultSignatureTolerance,
		logger:        logging.Component(slog.Default(), "server"),
		metrics:       observability.Bridge(),
		nowFn:         time.Now,
	}
	s.handoff = func(fn func(ctx context.Context)) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), handoffTimeout)
			defer cancel()
			fn(ctx)
		}()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook", s.handleWebhook)

	r.Route("/payments", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Use(s.auth.Middleware)
		r.Post("/initiate", s.handleInitiate)
		r.Post("/burn", s.handleBurn)
	})
	r.Route("/settlements", func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/{id}", s.handleGetSettlement)
	})
	return r
}

// webhookEvent is the gateway's delivery envelope.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Currency string            `json:"currency"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.RecordWebhook("read_error")
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	header := r.Header.Get(SignatureHeader)
	if err := VerifySignature(s.webhookSecret, header, body, s.nowFn(), s.tolerance); err != nil {
		s.metrics.RecordWebhook("rejected")
		s.logger.Warn("webhook rejected",
			"error", err,
			logging.MaskField("signature", header))
		http.Error(w, "webhook verification failed", http.StatusBadRequest)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.metrics.RecordWebhook("malformed")
		http.Error(w, "malformed event payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "charge.confirmed":
		charge := bridge.ChargeConfirmed{
			Reference:  event.Data.Object.Metadata["complianceHash"],
			ChargeRef:  event.Data.Object.ID,
			Amount:     big.NewInt(event.Data.Object.Amount),
			Currency:   strings.ToUpper(event.Data.Object.Currency),
			PayerHint:  event.Data.Object.Metadata["payerAddress"],
			MerchantID: event.Data.Object.Metadata["retailerId"],
		}
		s.metrics.RecordWebhook("accepted")
		logger := s.logger
		s.handoff(func(ctx context.Context) {
			if err := s.engine.HandleCharge(ctx, charge); err != nil {
				logger.Error("charge handling failed", "event", event.ID, "error", err)
			}
		})
	default:
		s.metrics.RecordWebhook("ignored")
		s.logger.Info("unhandled webhook event type", "type", event.Type, "event", event.ID)
	}

	// Acknowledge receipt; the gateway retries on anything but 2xx.
	w.WriteHeader(http.StatusOK)
}

type initiateRequest struct {
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Reference    string `json:"reference"`
	RetailerID   string `json:"retailerId"`
	PayerAddress string `json:"payerAddress"`
}

type initiateResponse struct {
	SettlementID string `json:"settlementId"`
	State        string `json:"state"`
	ChargeRef    string `json:"chargeRef"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req initiateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" || strings.TrimSpace(req.Reference) == "" {
		http.Error(w, "amount, currency, and reference are required", http.StatusBadRequest)
		return
	}
	rec, intent, err := s.engine.InitiatePayment(r.Context(), bridge.InitiateRequest{
		Reference:    req.Reference,
		Amount:       big.NewInt(req.Amount),
		Currency:     req.Currency,
		MerchantID:   req.RetailerID,
		PayerAddress: req.PayerAddress,
		UserID:       principal.UserID,
	})
	if err != nil {
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, initiateResponse{
		SettlementID: rec.ID,
		State:        string(rec.State),
		ChargeRef:    rec.ChargeRef,
		ClientSecret: intent.ClientSecret,
	})
}

type burnRequest struct {
	SettlementID string `json:"settlementId"`
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBody)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SettlementID) == "" {
		http.Error(w, "settlementId is required", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.RequestBurn(r.Context(), req.SettlementID)
	if err != nil {
		if errors.Is(err, bridge.ErrRecordNotFound) {
			http.Error(w, "settlement not found", http.StatusNotFound)
			return
		}
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(rec))
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Settlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, bridge.ErrRecordNotFound) {
			http.Error(w, "settlement not found", http.StatusNotFound)
			return
		}
		s.writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementView(rec))
}

type settlementResponse struct {
	SettlementID string `json:"settlementId"`
	State        string `json:"state"`
	ChargeRef    string `json:"chargeRef,omitempty"`
	LedgerRef    string `json:"ledgerRef,omitempty"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency,omitempty"`
	Attempts     int    `json:"attempts,omitempty"`
	LastError    string `json:"lastError,omitempty"`
	Settled      bool   `json:"settled"`
}

func settlementView(rec *bridge.Record) settlementResponse {
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	return settlementResponse{
		SettlementID: rec.ID,
		State:        string(rec.State),
		ChargeRef:    rec.ChargeRef,
		LedgerRef:    rec.LedgerRef,
		Amount:       amount,
		Currency:     rec.Currency,
		Attempts:     rec.Attempts,
		LastError:    rec.LastError,
		Settled:      rec.State.Terminal(),
	}
}

func (s *Server) writeBridgeError(w http.ResponseWriter, err error) {
	switch bridge.KindOf(err) {
	case bridge.KindCorrelation, bridge.KindExternalRejection:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case bridge.KindInvariant:
		http.Error(w, "settlement in conflicting state", http.StatusConflict)
	default:
		http.Error(w, "temporary failure, retry later", http.StatusServiceUnavailable)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
