package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sovrbridge/bridge"
)

const webhookSecret = "whsec_test"

type stubStore struct {
	mu         sync.Mutex
	records    map[string]*bridge.Record
	watermarks map[string]uint64
	links      map[string]string
}

func newStubStore() *stubStore {
	return &stubStore{
		records:    make(map[string]*bridge.Record),
		watermarks: make(map[string]uint64),
		links:      make(map[string]string),
	}
}

func (s *stubStore) CreateRecord(_ context.Context, rec *bridge.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return bridge.ErrRecordExists
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *stubStore) GetRecord(_ context.Context, id string) (*bridge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, bridge.ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (s *stubStore) UpdateRecord(_ context.Context, id string, fn func(*bridge.Record) error) (*bridge.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, bridge.ErrRecordNotFound
	}
	dup := rec.Clone()
	if fn != nil {
		if err := fn(dup); err != nil {
			return nil, err
		}
	}
	s.records[id] = dup
	return dup.Clone(), nil
}

func (s *stubStore) Watermark(_ context.Context, name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[name], nil
}

func (s *stubStore) SetWatermark(_ context.Context, name string, height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if height > s.watermarks[name] {
		s.watermarks[name] = height
	}
	return nil
}

func (s *stubStore) LinkCustomer(_ context.Context, payer, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[payer] = ref
	return nil
}

func (s *stubStore) CustomerByPayer(_ context.Context, payer string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.links[payer]
	if !ok {
		return "", bridge.ErrCustomerNotLinked
	}
	return ref, nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type stubLedger struct{}

func (stubLedger) SubmitBurn(context.Context, bridge.BurnRequest) (string, error) {
	return "0xtxhash", nil
}

func (stubLedger) WaitForReceipt(_ context.Context, txHash string) (bridge.Receipt, error) {
	return bridge.Receipt{TxHash: txHash, BlockNumber: 10}, nil
}

type stubGateway struct{}

func (stubGateway) CreateCharge(context.Context, *big.Int, string, map[string]string) (bridge.ChargeIntent, error) {
	return bridge.ChargeIntent{ChargeRef: "pi_stub", ClientSecret: "pi_stub_secret", CustomerRef: "cus_stub"}, nil
}

func (stubGateway) CreateBalanceCredit(context.Context, string, *big.Int, string, string) (string, error) {
	return "cbt_stub", nil
}

func (stubGateway) LookupCustomerByReference(context.Context, string) (string, error) {
	return "cus_stub", nil
}

func testServer(t *testing.T, opts ...ServerOption) (*Server, *stubStore) {
	t.Helper()
	store := newStubStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executor := bridge.NewExecutor(stubLedger{}, stubGateway{}, store, bridge.WithExecutorLogger(logger))
	engine := bridge.NewEngine(store, executor, bridge.WithEngineLogger(logger))
	auth, err := NewAuthenticator("jwt-secret")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	opts = append([]ServerOption{WithServerLogger(logger), withSyncHandoff()}, opts...)
	return New(engine, auth, webhookSecret, opts...), store
}

func webhookBody(reference string) []byte {
	payload := map[string]any{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_100",
				"amount":   2000,
				"currency": "usd",
				"metadata": map[string]string{
					"complianceHash": reference,
					"retailerId":     "store-42",
					"payerAddress":   "0x00000000000000000000000000000000000000AB",
				},
			},
		},
	}
	body, _ := json.Marshal(payload)
	return body
}

func testRef() string {
	return "0x" + strings.Repeat("ab", 32)
}

func postWebhook(router http.Handler, body []byte, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if header != "" {
		req.Header.Set(SignatureHeader, header)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	srv, store := testServer(t)
	router := srv.Router()
	body := webhookBody(testRef())

	for name, header := range map[string]string{
		"missing":  "",
		"bogus":    "t=123,v1=deadbeef",
		"tampered": SignPayload(webhookSecret, []byte("other"), time.Now()),
	} {
		recorder := postWebhook(router, body, header)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s signature: status %d, want 400", name, recorder.Code)
		}
	}
	if store.count() != 0 {
		t.Fatalf("records created = %d, want 0 for rejected webhooks", store.count())
	}
}

func TestWebhookProcessesVerifiedCharge(t *testing.T) {
	srv, store := testServer(t)
	router := srv.Router()
	body := webhookBody(testRef())

	recorder := postWebhook(router, body, SignPayload(webhookSecret, body, time.Now()))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	rec, err := store.GetRecord(context.Background(), bridge.SettlementID(testRef()))
	if err != nil {
		t.Fatalf("record not created: %v", err)
	}
	if rec.State != bridge.StateBurnSubmitted {
		t.Fatalf("state %s, want BURN_SUBMITTED", rec.State)
	}
	if rec.LedgerRef != "0xtxhash" {
		t.Fatalf("ledger ref %q, want submitted tx hash", rec.LedgerRef)
	}
}

func TestWebhookIgnoresUnknownEventType(t *testing.T) {
	srv, store := testServer(t)
	body := []byte(`{"id":"evt_2","type":"customer.updated","data":{"object":{}}}`)

	recorder := postWebhook(srv.Router(), body, SignPayload(webhookSecret, body, time.Now()))
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, want 200 for ignored event", recorder.Code)
	}
	if store.count() != 0 {
		t.Fatalf("records created = %d, want 0", store.count())
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	srv, _ := testServer(t)
	body := []byte("{not json")
	recorder := postWebhook(srv.Router(), body, SignPayload(webhookSecret, body, time.Now()))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", recorder.Code)
	}
}

func TestInitiatePaymentEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	payload := fmt.Sprintf(`{"amount":2000,"currency":"USD","reference":%q,"retailerId":"store-42"}`, testRef())
	req := httptest.NewRequest(http.MethodPost, "/payments/initiate", strings.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+signToken(t, "jwt-secret", "user-1"))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", recorder.Code, recorder.Body.String())
	}
	var resp struct {
		SettlementID string `json:"settlementId"`
		State        string `json:"state"`
		ChargeRef    string `json:"chargeRef"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SettlementID != bridge.SettlementID(testRef()) {
		t.Fatalf("settlement id %q", resp.SettlementID)
	}
	if resp.State != string(bridge.StateOpened) {
		t.Fatalf("state %s, want OPENED", resp.State)
	}
	if resp.ChargeRef != "pi_stub" {
		t.Fatalf("charge ref %q", resp.ChargeRef)
	}
}

func TestInitiatePaymentRequiresAuth(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/payments/initiate", strings.NewReader(`{}`))
	recorder := httptest.NewRecorder()
	srv.Router().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", recorder.Code)
	}
}

func TestGetSettlement(t *testing.T) {
	srv, store := testServer(t)
	router := srv.Router()
	id := bridge.SettlementID(testRef())
	now := time.Now().UTC()
	if err := store.CreateRecord(context.Background(), &bridge.Record{
		ID:        id,
		State:     bridge.StateCreditIssued,
		Amount:    big.NewInt(2000),
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/settlements/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "jwt-secret", "user-1"))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", recorder.Code)
	}
	var resp settlementResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Settled || resp.State != string(bridge.StateCreditIssued) {
		t.Fatalf("response %+v, want settled CREDIT_ISSUED", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/settlements/0xmissing", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "jwt-secret", "user-1"))
	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404 for unknown settlement", recorder.Code)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	srv.Router().ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", recorder.Code)
	}
}

func TestPaymentRateLimit(t *testing.T) {
	srv, _ := testServer(t, WithRateLimit(RateLimit{RequestsPerMinute: 60, Burst: 2}))
	router := srv.Router()
	token := "Bearer " + signToken(t, "jwt-secret", "user-1")

	var saw429 bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/burn", strings.NewReader(`{"settlementId":"0xmissing"}`))
		req.Header.Set("Authorization", token)
		req.RemoteAddr = "10.0.0.1:5000"
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		if recorder.Code == http.StatusTooManyRequests {
			saw429 = true
		}
	}
	if !saw429 {
		t.Fatal("rate limiter never triggered under burst")
	}
}
