package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"sovrbridge/observability"
)

// Engine owns the settlement records. It correlates events from both
// transports onto a single record, drives the state machine, and triggers
// side effects through the executor. Access to a record is serialized by
// id; unrelated records proceed fully in parallel.
type Engine struct {
	store    Store
	executor *Executor
	logger   *slog.Logger
	metrics  *observability.BridgeMetrics
	nowFn    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// EngineOption customises the engine instance.
type EngineOption func(*Engine)

// WithEngineLogger overrides the default logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithEngineClock sets the function used to derive timestamps.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.nowFn = clock }
}

// WithEngineMetrics overrides the default metrics registry.
func WithEngineMetrics(m *observability.BridgeMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs the settlement engine.
func NewEngine(store Store, executor *Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		executor: executor,
		logger:   slog.Default(),
		metrics:  observability.Bridge(),
		nowFn:    time.Now,
		locks:    make(map[string]*recordLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lock serializes access to one record id. The returned func releases it.
func (e *Engine) lock(id string) func() {
	e.locksMu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &recordLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}

// InitiateRequest carries a payment-initiation call from the HTTP surface.
type InitiateRequest struct {
	Reference    string
	Amount       *big.Int
	Currency     string
	MerchantID   string
	PayerAddress string
	UserID       string
}

// InitiatePayment creates the gateway charge and opens the settlement
// record. The compliance reference supplied by the caller becomes the
// record id; the gateway charge carries it in metadata so the webhook
// confirmation can be joined back.
func (e *Engine) InitiatePayment(ctx context.Context, req InitiateRequest) (*Record, ChargeIntent, error) {
	id := SettlementID(req.Reference)
	if id == "" {
		return nil, ChargeIntent{}, correlationErr("initiate request missing correlation reference")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ChargeIntent{}, correlationErr("initiate request amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, ChargeIntent{}, correlationErr("initiate request missing currency")
	}

	unlock := e.lock(id)
	defer unlock()

	if existing, err := e.store.GetRecord(ctx, id); err == nil {
		// Idempotent re-initiation: answer with the stored record.
		return existing, ChargeIntent{ChargeRef: existing.ChargeRef}, nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, ChargeIntent{}, TransientError("load record", err)
	}

	intent, err := e.executor.CreateCharge(ctx, req.Amount, currency, map[string]string{
		"complianceHash": id,
		"retailerId":     req.MerchantID,
		"userId":         req.UserID,
	})
	if err != nil {
		return nil, ChargeIntent{}, err
	}

	now := e.nowFn().UTC()
	rec := &Record{
		ID:           id,
		State:        StateOpened,
		ChargeRef:    intent.ChargeRef,
		PayerAddress: strings.TrimSpace(req.PayerAddress),
		MerchantID:   strings.TrimSpace(req.MerchantID),
		Amount:       new(big.Int).Set(req.Amount),
		Currency:     currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordExists) {
			existing, getErr := e.store.GetRecord(ctx, id)
			if getErr == nil {
				return existing, intent, nil
			}
		}
		return nil, ChargeIntent{}, TransientError("persist record", err)
	}
	if rec.PayerAddress != "" && intent.CustomerRef != "" {
		if err := e.store.LinkCustomer(ctx, rec.PayerAddress, intent.CustomerRef); err != nil {
			e.logger.Warn("persist customer link failed", "record", id, "error", err)
		}
	}
	e.metrics.RecordTransition(string(StateOpened))
	e.logger.Info("settlement opened", "record", id, "amount", rec.Amount.String(), "currency", currency)
	return rec.Clone(), intent, nil
}

// HandleCharge processes a verified charge-confirmation event. Creation,
// correlation, and the follow-on burn submission all happen under the
// record lock so webhook redelivery cannot double-submit.
func (e *Engine) HandleCharge(ctx context.Context, ev ChargeConfirmed) error {
	if err := ev.Validate(); err != nil {
		// Without a join key no safe correlation is possible; the event is
		// logged and dropped.
		e.logger.Error("charge event dropped", "error", err)
		return err
	}
	id := SettlementID(ev.Reference)

	unlock := e.lock(id)
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		rec, err = e.openFromCharge(ctx, id, ev)
		if err != nil {
			return err
		}
	case err != nil:
		return TransientError("load record", err)
	default:
		rec, err = e.confirmCharge(ctx, rec, ev)
		if err != nil {
			return err
		}
	}

	if rec.State.Terminal() {
		e.logger.Info("charge redelivered for settled record", "record", id, "state", string(rec.State))
		return nil
	}
	return e.requestBurn(ctx, rec)
}

func (e *Engine) openFromCharge(ctx context.Context, id string, ev ChargeConfirmed) (*Record, error) {
	now := e.nowFn().UTC()
	rec := &Record{
		ID:           id,
		State:        StateOpened,
		ChargeRef:    ev.ChargeRef,
		PayerAddress: strings.TrimSpace(ev.PayerHint),
		MerchantID:   strings.TrimSpace(ev.MerchantID),
		Amount:       new(big.Int).Set(ev.Amount),
		Currency:     strings.ToUpper(strings.TrimSpace(ev.Currency)),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil && !errors.Is(err, ErrRecordExists) {
		return nil, TransientError("persist record", err)
	}
	e.metrics.RecordTransition(string(StateOpened))
	return e.applyTransition(ctx, rec, InputChargeConfirmed, func(r *Record) {
		r.ChargeRef = ev.ChargeRef
	})
}

func (e *Engine) confirmCharge(ctx context.Context, rec *Record, ev ChargeConfirmed) (*Record, error) {
	if !rec.matchesAmount(ev.Amount) || !rec.matchesMerchant(ev.MerchantID) {
		reason := fmt.Sprintf("charge payload mismatch: amount %s vs %s, merchant %q vs %q",
			ev.Amount, rec.Amount, ev.MerchantID, rec.MerchantID)
		return nil, e.failRecord(ctx, rec.ID, reason)
	}
	if rec.ChargeRef != "" && rec.ChargeRef != ev.ChargeRef && rec.State != StateOpened {
		// Same reference, different gateway id: the transport id cannot be
		// trusted across retries, but two distinct charges for one
		// settlement is a correlation error.
		return nil, e.failRecord(ctx, rec.ID, fmt.Sprintf("conflicting charge refs %s and %s", rec.ChargeRef, ev.ChargeRef))
	}
	return e.applyTransition(ctx, rec, InputChargeConfirmed, func(r *Record) {
		if r.ChargeRef == "" {
			r.ChargeRef = ev.ChargeRef
		}
		if r.PayerAddress == "" {
			r.PayerAddress = strings.TrimSpace(ev.PayerHint)
		}
	})
}

// requestBurn drives OPENED/CHARGE_CONFIRMED records to BURN_SUBMITTED.
// The caller must hold the record lock.
func (e *Engine) requestBurn(ctx context.Context, rec *Record) error {
	next, effect, err := Next(rec.State, InputBurnRequested)
	if err != nil {
		e.logger.Error("invariant violation", "record", rec.ID, "error", err)
		return err
	}
	if effect != EffectSubmitBurn {
		return nil
	}

	txHash, err := e.executor.SubmitBurn(ctx, rec)
	if err != nil {
		if IsTransient(err) {
			e.noteAttempt(ctx, rec.ID, err)
			return err
		}
		return e.failRecord(ctx, rec.ID, fmt.Sprintf("burn submission rejected: %v", err))
	}

	if _, err := e.store.UpdateRecord(ctx, rec.ID, func(r *Record) error {
		r.State = next
		r.LedgerRef = txHash
		r.UpdatedAt = e.nowFn().UTC()
		return nil
	}); err != nil {
		return TransientError("persist record", err)
	}
	e.metrics.RecordTransition(string(next))
	e.logger.Info("burn submitted", "record", rec.ID, "tx", txHash)
	return nil
}

// RequestBurn exposes the burn submission for the authenticated manual
// surface. It is a no-op when the burn has already been submitted.
func (e *Engine) RequestBurn(ctx context.Context, id string) (*Record, error) {
	id = SettlementID(id)
	if id == "" {
		return nil, correlationErr("burn request missing settlement id")
	}
	unlock := e.lock(id)
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, TransientError("load record", err)
	}
	if err := e.requestBurn(ctx, rec); err != nil {
		return nil, err
	}
	return e.store.GetRecord(ctx, id)
}

// HandleBurn processes one burn event observed by the poller. A transient
// error tells the poller to hold the watermark and re-scan; every other
// outcome is attributed to a record and the event is considered handed off.
func (e *Engine) HandleBurn(ctx context.Context, ev BurnObserved) error {
	if err := ev.Validate(); err != nil {
		e.logger.Error("burn event dropped", "tx", ev.TxHash, "error", err)
		return nil
	}
	id := SettlementID(ev.Reference)

	unlock := e.lock(id)
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return e.unmatchedBurn(ctx, id, ev)
	}
	if err != nil {
		return TransientError("load record", err)
	}

	if rec.State == StateCreditIssued {
		e.logger.Info("burn redelivered for settled record", "record", id)
		return nil
	}
	if rec.State == StateFailed {
		e.logger.Info("burn redelivered for failed record", "record", id)
		return nil
	}
	if !rec.matchesAmount(ev.Amount) || !rec.matchesMerchant(ev.MerchantID) {
		reason := fmt.Sprintf("burn payload mismatch: amount %s vs %s, merchant %q vs %q",
			ev.Amount, rec.Amount, ev.MerchantID, rec.MerchantID)
		return e.failRecord(ctx, rec.ID, reason)
	}

	rec, err = e.applyTransition(ctx, rec, InputBurnObserved, func(r *Record) {
		if r.LedgerRef == "" {
			r.LedgerRef = ev.TxHash
		}
		if r.PayerAddress == "" {
			r.PayerAddress = ev.PayerAddress
		}
		if ev.BlockNumber > r.LastWatermark {
			r.LastWatermark = ev.BlockNumber
		}
	})
	if err != nil {
		return err
	}
	if rec.State != StateBurnConfirmed {
		return nil
	}
	return e.issueCredit(ctx, rec)
}

// issueCredit drives BURN_CONFIRMED to CREDIT_ISSUED. The caller must
// hold the record lock.
func (e *Engine) issueCredit(ctx context.Context, rec *Record) error {
	creditRef, err := e.executor.IssueCredit(ctx, rec)
	if err != nil {
		if IsTransient(err) {
			e.noteAttempt(ctx, rec.ID, err)
			return err
		}
		return e.failRecord(ctx, rec.ID, fmt.Sprintf("credit rejected: %v", err))
	}
	if _, err := e.store.UpdateRecord(ctx, rec.ID, func(r *Record) error {
		r.State = StateCreditIssued
		r.UpdatedAt = e.nowFn().UTC()
		return nil
	}); err != nil {
		return TransientError("persist record", err)
	}
	e.metrics.RecordTransition(string(StateCreditIssued))
	e.logger.Info("credit issued", "record", rec.ID, "credit", creditRef)
	return nil
}

// unmatchedBurn records a burn with no settlement to join. The record is
// created in FAILED so redelivery is answered instead of reprocessed, and
// the alert is surfaced to the operator.
func (e *Engine) unmatchedBurn(ctx context.Context, id string, ev BurnObserved) error {
	now := e.nowFn().UTC()
	rec := &Record{
		ID:           id,
		State:        StateFailed,
		LedgerRef:    ev.TxHash,
		PayerAddress: ev.PayerAddress,
		MerchantID:   ev.MerchantID,
		Amount:       new(big.Int).Set(ev.Amount),
		LastError:    "burn observed with no matching open settlement",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ev.BlockNumber > 0 {
		rec.LastWatermark = ev.BlockNumber
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil && !errors.Is(err, ErrRecordExists) {
		return TransientError("persist record", err)
	}
	e.metrics.RecordTransition(string(StateFailed))
	e.logger.Error("unmatched burn", "record", id, "tx", ev.TxHash, "payer", ev.PayerAddress, "amount", ev.Amount.String())
	return nil
}

// applyTransition runs the pure transition function and persists the
// result. No-op transitions skip the write entirely so redelivery leaves
// attempts and timestamps untouched.
func (e *Engine) applyTransition(ctx context.Context, rec *Record, in Input, mutate func(*Record)) (*Record, error) {
	next, _, err := Next(rec.State, in)
	if err != nil {
		e.logger.Error("invariant violation", "record", rec.ID, "input", in.String(), "state", string(rec.State))
		return nil, &Error{Kind: KindInvariant, RecordID: rec.ID, Reason: "transition not permitted", Err: err}
	}
	if next == rec.State && mutationIsNoop(rec, mutate) {
		return rec, nil
	}
	updated, err := e.store.UpdateRecord(ctx, rec.ID, func(r *Record) error {
		if mutate != nil {
			mutate(r)
		}
		if r.State != next {
			r.State = next
			r.UpdatedAt = e.nowFn().UTC()
		}
		return nil
	})
	if err != nil {
		return nil, TransientError("persist record", err)
	}
	if updated.State != rec.State {
		e.metrics.RecordTransition(string(updated.State))
	}
	return updated, nil
}

func mutationIsNoop(rec *Record, mutate func(*Record)) bool {
	if mutate == nil {
		return true
	}
	probe := rec.Clone()
	mutate(probe)
	return probe.ChargeRef == rec.ChargeRef &&
		probe.LedgerRef == rec.LedgerRef &&
		probe.PayerAddress == rec.PayerAddress &&
		probe.LastWatermark == rec.LastWatermark
}

// failRecord moves a record to FAILED with a human-actionable reason.
func (e *Engine) failRecord(ctx context.Context, id, reason string) error {
	if _, err := e.store.UpdateRecord(ctx, id, func(r *Record) error {
		if r.State.Terminal() {
			return nil
		}
		r.State = StateFailed
		r.LastError = reason
		r.UpdatedAt = e.nowFn().UTC()
		return nil
	}); err != nil {
		return TransientError("persist record", err)
	}
	e.metrics.RecordTransition(string(StateFailed))
	e.logger.Error("settlement failed", "record", id, "reason", reason)
	return CorrelationError(id, reason)
}

// noteAttempt bumps retry bookkeeping after a transient side-effect error
// without changing the record's logical state.
func (e *Engine) noteAttempt(ctx context.Context, id string, cause error) {
	if _, err := e.store.UpdateRecord(ctx, id, func(r *Record) error {
		r.Attempts++
		r.LastError = cause.Error()
		r.UpdatedAt = e.nowFn().UTC()
		return nil
	}); err != nil {
		e.logger.Warn("persist attempt bookkeeping failed", "record", id, "error", err)
	}
}

// Settlement returns the stored record for the lookup surface.
func (e *Engine) Settlement(ctx context.Context, id string) (*Record, error) {
	normalized := SettlementID(id)
	if normalized == "" {
		return nil, correlationErr("settlement id required")
	}
	return e.store.GetRecord(ctx, normalized)
}
