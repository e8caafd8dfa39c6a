package bridge

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store for engine and executor tests.
type memStore struct {
	mu         sync.Mutex
	records    map[string]*Record
	watermarks map[string]uint64
	links      map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		records:    make(map[string]*Record),
		watermarks: make(map[string]uint64),
		links:      make(map[string]string),
	}
}

func (m *memStore) CreateRecord(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrRecordExists
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *memStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec.Clone(), nil
}

func (m *memStore) UpdateRecord(_ context.Context, id string, fn func(*Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	dup := rec.Clone()
	if fn != nil {
		if err := fn(dup); err != nil {
			return nil, err
		}
	}
	m.records[id] = dup
	return dup.Clone(), nil
}

func (m *memStore) Watermark(_ context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermarks[name], nil
}

func (m *memStore) SetWatermark(_ context.Context, name string, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height > m.watermarks[name] {
		m.watermarks[name] = height
	}
	return nil
}

func (m *memStore) LinkCustomer(_ context.Context, payer, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[payer] = ref
	return nil
}

func (m *memStore) CustomerByPayer(_ context.Context, payer string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.links[payer]
	if !ok {
		return "", ErrCustomerNotLinked
	}
	return ref, nil
}

func (m *memStore) mustGet(t *testing.T, id string) *Record {
	t.Helper()
	rec, err := m.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("get record %s: %v", id, err)
	}
	return rec
}

// fakeLedger implements LedgerSubmitter with programmable outcomes.
type fakeLedger struct {
	mu          sync.Mutex
	submitCalls int
	submitFn    func(req BurnRequest) (string, error)
	receiptFn   func(txHash string) (Receipt, error)
}

func (f *fakeLedger) SubmitBurn(_ context.Context, req BurnRequest) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(req)
	}
	return "0xtxhash", nil
}

func (f *fakeLedger) WaitForReceipt(_ context.Context, txHash string) (Receipt, error) {
	if f.receiptFn != nil {
		return f.receiptFn(txHash)
	}
	return Receipt{TxHash: txHash, BlockNumber: 100}, nil
}

func (f *fakeLedger) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls
}

// fakeGateway implements GatewayClient with programmable outcomes.
type fakeGateway struct {
	mu          sync.Mutex
	chargeCalls int
	creditCalls int
	creditKeys  []string
	chargeFn    func(amount *big.Int, currency string, metadata map[string]string) (ChargeIntent, error)
	creditFn    func(customerRef string, amount *big.Int, currency, key string) (string, error)
	lookupFn    func(reference string) (string, error)
}

func (f *fakeGateway) CreateCharge(_ context.Context, amount *big.Int, currency string, metadata map[string]string) (ChargeIntent, error) {
	f.mu.Lock()
	f.chargeCalls++
	f.mu.Unlock()
	if f.chargeFn != nil {
		return f.chargeFn(amount, currency, metadata)
	}
	return ChargeIntent{ChargeRef: "pi_test", CustomerRef: "cus_test", Status: "requires_payment_method"}, nil
}

func (f *fakeGateway) CreateBalanceCredit(_ context.Context, customerRef string, amount *big.Int, currency, key string) (string, error) {
	f.mu.Lock()
	f.creditCalls++
	f.creditKeys = append(f.creditKeys, key)
	f.mu.Unlock()
	if f.creditFn != nil {
		return f.creditFn(customerRef, amount, currency, key)
	}
	return "cbt_test", nil
}

func (f *fakeGateway) LookupCustomerByReference(_ context.Context, reference string) (string, error) {
	if f.lookupFn != nil {
		return f.lookupFn(reference)
	}
	return "cus_test", nil
}

func (f *fakeGateway) credits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creditCalls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep() func(ctx context.Context, d time.Duration) error {
	return func(context.Context, time.Duration) error { return nil }
}
