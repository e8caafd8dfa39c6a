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

// Executor issues the external side effects guarded by the state machine.
// Each effect is keyed by record id under a single-flight guarantee: a
// concurrent trigger for the same record waits for the in-flight attempt
// and shares its outcome instead of issuing a second external call.
type Executor struct {
	ledger  LedgerSubmitter
	gateway GatewayClient
	store   Store
	logger  *slog.Logger
	metrics *observability.BridgeMetrics

	creditMaxAttempts int
	creditBackoff     time.Duration
	receiptTimeout    time.Duration
	sleepFn           func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	ref  string
	err  error
}

// ExecutorOption customises the executor instance.
type ExecutorOption func(*Executor)

// WithCreditRetries bounds the backoff retry loop for gateway credits.
func WithCreditRetries(maxAttempts int, backoff time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.creditMaxAttempts = maxAttempts
		e.creditBackoff = backoff
	}
}

// WithReceiptTimeout bounds how long a burn submission waits for inclusion.
func WithReceiptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.receiptTimeout = d }
}

// WithExecutorLogger overrides the default logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics overrides the default metrics registry.
func WithExecutorMetrics(m *observability.BridgeMetrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) { e.sleepFn = fn }
}

// NewExecutor constructs the side-effect executor.
func NewExecutor(ledger LedgerSubmitter, gateway GatewayClient, store Store, opts ...ExecutorOption) *Executor {
	e := &Executor{
		ledger:            ledger,
		gateway:           gateway,
		store:             store,
		logger:            slog.Default(),
		metrics:           observability.Bridge(),
		creditMaxAttempts: 5,
		creditBackoff:     2 * time.Second,
		receiptTimeout:    2 * time.Minute,
		sleepFn:           sleepCtx,
		inflight:          make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// single runs fn once per key; concurrent callers for the same key block
// until the in-flight attempt finishes and share its result.
func (e *Executor) single(key string, fn func() (string, error)) (string, error) {
	e.mu.Lock()
	if call, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		<-call.done
		return call.ref, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	e.inflight[key] = call
	e.mu.Unlock()

	call.ref, call.err = fn()
	close(call.done)

	e.mu.Lock()
	delete(e.inflight, key)
	e.mu.Unlock()
	return call.ref, call.err
}

// CreateCharge opens a gateway charge carrying the correlation metadata.
func (e *Executor) CreateCharge(ctx context.Context, amount *big.Int, currency string, metadata map[string]string) (ChargeIntent, error) {
	intent, err := e.gateway.CreateCharge(ctx, amount, currency, metadata)
	if err != nil {
		e.metrics.RecordSideEffect("create_charge", outcomeOf(err))
		return ChargeIntent{}, err
	}
	e.metrics.RecordSideEffect("create_charge", "success")
	return intent, nil
}

// SubmitBurn signs and submits the ledger burn for a record, then waits
// for the receipt. A reverted transaction is an external rejection and is
// not retried: resubmitting a burn against a stale authorization nonce
// fails in ledger-specific ways, so the operator decides.
func (e *Executor) SubmitBurn(ctx context.Context, rec *Record) (string, error) {
	if rec == nil {
		return "", InvariantError("", "submit burn without record")
	}
	payer := strings.TrimSpace(rec.PayerAddress)
	if payer == "" {
		return "", RejectionError(rec.ID, "burn requires a payer address", nil)
	}
	return e.single("burn:"+rec.ID, func() (string, error) {
		txHash, err := e.ledger.SubmitBurn(ctx, BurnRequest{
			PayerAddress: payer,
			MerchantID:   rec.MerchantID,
			Amount:       rec.Amount,
			Currency:     rec.Currency,
			Reference:    rec.ID,
		})
		if err != nil {
			e.metrics.RecordSideEffect("submit_burn", outcomeOf(err))
			return "", err
		}

		waitCtx := ctx
		if e.receiptTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, e.receiptTimeout)
			defer cancel()
		}
		receipt, err := e.ledger.WaitForReceipt(waitCtx, txHash)
		if err != nil {
			e.metrics.RecordSideEffect("submit_burn", "transient")
			return "", TransientError("wait for burn receipt", err)
		}
		if receipt.Reverted {
			e.metrics.RecordSideEffect("submit_burn", "rejected")
			reason := receipt.Reason
			if reason == "" {
				reason = "burn transaction reverted"
			}
			return "", RejectionError(rec.ID, reason, nil)
		}
		e.metrics.RecordSideEffect("submit_burn", "success")
		return txHash, nil
	})
}

// IssueCredit creates the gateway balance credit for a confirmed burn.
// Gateway calls are idempotent when supplied a deterministic idempotency
// key, so transient failures retry with bounded backoff. The key is the
// record id: redelivery can never mint a second credit.
func (e *Executor) IssueCredit(ctx context.Context, rec *Record) (string, error) {
	if rec == nil {
		return "", InvariantError("", "issue credit without record")
	}
	return e.single("credit:"+rec.ID, func() (string, error) {
		customerRef, err := e.resolveCustomer(ctx, rec)
		if err != nil {
			e.metrics.RecordSideEffect("issue_credit", outcomeOf(err))
			return "", err
		}

		backoff := e.creditBackoff
		var lastErr error
		for attempt := 1; attempt <= e.creditMaxAttempts; attempt++ {
			creditRef, err := e.gateway.CreateBalanceCredit(ctx, customerRef, rec.Amount, rec.Currency, rec.ID)
			if err == nil {
				e.metrics.RecordSideEffect("issue_credit", "success")
				return creditRef, nil
			}
			if !IsTransient(err) {
				e.metrics.RecordSideEffect("issue_credit", "rejected")
				return "", err
			}
			lastErr = err
			e.logger.Warn("credit attempt failed", "record", rec.ID, "attempt", attempt, "error", err)
			if attempt == e.creditMaxAttempts {
				break
			}
			if err := e.sleepFn(ctx, backoff); err != nil {
				e.metrics.RecordSideEffect("issue_credit", "transient")
				return "", TransientError("credit backoff interrupted", err)
			}
			backoff *= 2
		}
		e.metrics.RecordSideEffect("issue_credit", "transient")
		return "", TransientError(fmt.Sprintf("credit not issued after %d attempts", e.creditMaxAttempts), lastErr)
	})
}

// resolveCustomer maps the record's payer address to a gateway customer
// through the persisted link table, falling back to a gateway lookup by
// correlation reference on a miss.
func (e *Executor) resolveCustomer(ctx context.Context, rec *Record) (string, error) {
	if payer := strings.TrimSpace(rec.PayerAddress); payer != "" {
		ref, err := e.store.CustomerByPayer(ctx, payer)
		if err == nil && ref != "" {
			return ref, nil
		}
		if err != nil && !errors.Is(err, ErrCustomerNotLinked) {
			return "", TransientError("resolve customer link", err)
		}
	}
	ref, err := e.gateway.LookupCustomerByReference(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if ref == "" {
		return "", RejectionError(rec.ID, "no gateway customer found for settlement", nil)
	}
	// Persist the resolved mapping so the next settlement for this payer
	// skips the lookup.
	if payer := strings.TrimSpace(rec.PayerAddress); payer != "" {
		if err := e.store.LinkCustomer(ctx, payer, ref); err != nil {
			e.logger.Warn("persist customer link failed", "record", rec.ID, "error", err)
		}
	}
	return ref, nil
}

func outcomeOf(err error) string {
	switch KindOf(err) {
	case KindExternalRejection:
		return "rejected"
	case KindTransient:
		return "transient"
	default:
		return "error"
	}
}
