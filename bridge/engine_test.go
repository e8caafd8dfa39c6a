package bridge

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
)

const (
	testPayer    = "0x00000000000000000000000000000000000000AB"
	testMerchant = "store-42"
)

func testReference() string {
	return "0x" + strings.Repeat("ab", 32)
}

func newTestEngine(t *testing.T, store Store, ledger *fakeLedger, gw *fakeGateway) *Engine {
	t.Helper()
	if ledger == nil {
		ledger = &fakeLedger{}
	}
	if gw == nil {
		gw = &fakeGateway{}
	}
	executor := NewExecutor(ledger, gw, store,
		WithExecutorLogger(quietLogger()),
		withSleep(noSleep()),
	)
	return NewEngine(store, executor, WithEngineLogger(quietLogger()))
}

func chargeEvent() ChargeConfirmed {
	return ChargeConfirmed{
		Reference:  testReference(),
		ChargeRef:  "pi_100",
		Amount:     big.NewInt(2000),
		Currency:   "USD",
		PayerHint:  testPayer,
		MerchantID: testMerchant,
	}
}

func burnEvent() BurnObserved {
	return BurnObserved{
		Reference:    testReference(),
		PayerAddress: testPayer,
		MerchantID:   testMerchant,
		Amount:       big.NewInt(2000),
		TxHash:       "0xburn",
		BlockNumber:  120,
	}
}

func TestChargeThenBurnSettles(t *testing.T) {
	store := newMemStore()
	ledger := &fakeLedger{}
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, ledger, gw)
	ctx := context.Background()

	if err := engine.HandleCharge(ctx, chargeEvent()); err != nil {
		t.Fatalf("handle charge: %v", err)
	}
	id := SettlementID(testReference())
	if got := store.mustGet(t, id).State; got != StateBurnSubmitted {
		t.Fatalf("after charge: state %s, want BURN_SUBMITTED", got)
	}
	if ledger.submissions() != 1 {
		t.Fatalf("burn submissions = %d, want 1", ledger.submissions())
	}

	if err := engine.HandleBurn(ctx, burnEvent()); err != nil {
		t.Fatalf("handle burn: %v", err)
	}
	rec := store.mustGet(t, id)
	if rec.State != StateCreditIssued {
		t.Fatalf("after burn: state %s, want CREDIT_ISSUED", rec.State)
	}
	if gw.credits() != 1 {
		t.Fatalf("credits = %d, want 1", gw.credits())
	}
	if rec.LastWatermark != 120 {
		t.Fatalf("last watermark = %d, want 120", rec.LastWatermark)
	}
}

func TestBurnBeforeChargeOnOpenRecord(t *testing.T) {
	store := newMemStore()
	ledger := &fakeLedger{}
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, ledger, gw)
	ctx := context.Background()

	rec, _, err := engine.InitiatePayment(ctx, InitiateRequest{
		Reference:    testReference(),
		Amount:       big.NewInt(2000),
		Currency:     "usd",
		MerchantID:   testMerchant,
		PayerAddress: testPayer,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if rec.State != StateOpened {
		t.Fatalf("initiated state %s, want OPENED", rec.State)
	}

	// The burn lands before the charge confirmation webhook does.
	if err := engine.HandleBurn(ctx, burnEvent()); err != nil {
		t.Fatalf("handle burn: %v", err)
	}
	if got := store.mustGet(t, rec.ID).State; got != StateCreditIssued {
		t.Fatalf("after burn: state %s, want CREDIT_ISSUED", got)
	}
	if gw.credits() != 1 {
		t.Fatalf("credits = %d, want 1", gw.credits())
	}

	// The late charge webhook must be answered without re-settling.
	if err := engine.HandleCharge(ctx, chargeEvent()); err != nil {
		t.Fatalf("late charge: %v", err)
	}
	if gw.credits() != 1 {
		t.Fatalf("credits after late charge = %d, want 1", gw.credits())
	}
	if ledger.submissions() != 0 {
		t.Fatalf("burn submissions = %d, want 0 for an externally observed burn", ledger.submissions())
	}
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	store := newMemStore()
	ledger := &fakeLedger{}
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, ledger, gw)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := engine.HandleCharge(ctx, chargeEvent()); err != nil {
			t.Fatalf("charge delivery %d: %v", i, err)
		}
	}
	if ledger.submissions() != 1 {
		t.Fatalf("burn submissions = %d, want 1 across redeliveries", ledger.submissions())
	}

	for i := 0; i < 3; i++ {
		if err := engine.HandleBurn(ctx, burnEvent()); err != nil {
			t.Fatalf("burn delivery %d: %v", i, err)
		}
	}
	if gw.credits() != 1 {
		t.Fatalf("credits = %d, want exactly 1 across redeliveries", gw.credits())
	}
	if got := store.mustGet(t, SettlementID(testReference())).State; got != StateCreditIssued {
		t.Fatalf("state %s, want CREDIT_ISSUED", got)
	}
}

func TestAmountMismatchFailsRecord(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeLedger{}, gw)
	ctx := context.Background()

	if err := engine.HandleCharge(ctx, chargeEvent()); err != nil {
		t.Fatalf("handle charge: %v", err)
	}
	mismatched := burnEvent()
	mismatched.Amount = big.NewInt(9999)
	if err := engine.HandleBurn(ctx, mismatched); err == nil {
		t.Fatal("expected correlation error for amount mismatch")
	} else if KindOf(err) != KindCorrelation {
		t.Fatalf("got %v, want correlation error", err)
	}
	rec := store.mustGet(t, SettlementID(testReference()))
	if rec.State != StateFailed {
		t.Fatalf("state %s, want FAILED", rec.State)
	}
	if rec.LastError == "" {
		t.Fatal("failed record missing reason")
	}
	if gw.credits() != 0 {
		t.Fatalf("credits = %d, want 0 after mismatch", gw.credits())
	}
}

func TestUnmatchedBurnFailsWithoutCredit(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeLedger{}, gw)
	ctx := context.Background()

	if err := engine.HandleBurn(ctx, burnEvent()); err != nil {
		t.Fatalf("handle burn: %v", err)
	}
	rec := store.mustGet(t, SettlementID(testReference()))
	if rec.State != StateFailed {
		t.Fatalf("state %s, want FAILED for unmatched burn", rec.State)
	}
	if gw.credits() != 0 {
		t.Fatalf("credits = %d, want 0 for unmatched burn", gw.credits())
	}

	// Redelivery of the same unmatched burn is answered, not reprocessed.
	if err := engine.HandleBurn(ctx, burnEvent()); err != nil {
		t.Fatalf("redelivered burn: %v", err)
	}
	if gw.credits() != 0 {
		t.Fatalf("credits = %d after redelivery, want 0", gw.credits())
	}
}

func TestTransientBurnErrorHoldsState(t *testing.T) {
	store := newMemStore()
	ledger := &fakeLedger{}
	fail := true
	ledger.submitFn = func(BurnRequest) (string, error) {
		if fail {
			return "", TransientError("rpc down", errors.New("connection refused"))
		}
		return "0xtxhash", nil
	}
	engine := newTestEngine(t, store, ledger, &fakeGateway{})
	ctx := context.Background()

	err := engine.HandleCharge(ctx, chargeEvent())
	if err == nil || !IsTransient(err) {
		t.Fatalf("got %v, want transient error", err)
	}
	rec := store.mustGet(t, SettlementID(testReference()))
	if rec.State != StateChargeConfirmed {
		t.Fatalf("state %s, want CHARGE_CONFIRMED held for retry", rec.State)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", rec.Attempts)
	}

	fail = false
	if err := engine.HandleCharge(ctx, chargeEvent()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := store.mustGet(t, rec.ID).State; got != StateBurnSubmitted {
		t.Fatalf("state %s after retry, want BURN_SUBMITTED", got)
	}
}

func TestBurnRevertFailsRecord(t *testing.T) {
	store := newMemStore()
	ledger := &fakeLedger{}
	ledger.receiptFn = func(txHash string) (Receipt, error) {
		return Receipt{TxHash: txHash, Reverted: true, Reason: "insufficient balance"}, nil
	}
	engine := newTestEngine(t, store, ledger, &fakeGateway{})

	err := engine.HandleCharge(context.Background(), chargeEvent())
	if err == nil {
		t.Fatal("expected failure for reverted burn")
	}
	rec := store.mustGet(t, SettlementID(testReference()))
	if rec.State != StateFailed {
		t.Fatalf("state %s, want FAILED", rec.State)
	}
	if !strings.Contains(rec.LastError, "insufficient balance") {
		t.Fatalf("revert reason not preserved: %q", rec.LastError)
	}
	// A reverted burn is never resubmitted.
	if err := engine.HandleCharge(context.Background(), chargeEvent()); err != nil {
		t.Fatalf("redelivered charge: %v", err)
	}
	if ledger.submissions() != 1 {
		t.Fatalf("burn submissions = %d, want 1", ledger.submissions())
	}
}

func TestInitiatePaymentIsIdempotent(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeLedger{}, gw)
	ctx := context.Background()

	req := InitiateRequest{
		Reference:    testReference(),
		Amount:       big.NewInt(2000),
		Currency:     "USD",
		MerchantID:   testMerchant,
		PayerAddress: testPayer,
		UserID:       "user-1",
	}
	first, _, err := engine.InitiatePayment(ctx, req)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	second, _, err := engine.InitiatePayment(ctx, req)
	if err != nil {
		t.Fatalf("re-initiate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if gw.chargeCalls != 1 {
		t.Fatalf("gateway charges = %d, want 1", gw.chargeCalls)
	}
}

func TestHandleChargeRejectsMissingReference(t *testing.T) {
	engine := newTestEngine(t, newMemStore(), &fakeLedger{}, &fakeGateway{})
	ev := chargeEvent()
	ev.Reference = ""
	if err := engine.HandleCharge(context.Background(), ev); err == nil {
		t.Fatal("expected correlation error for missing reference")
	} else if KindOf(err) != KindCorrelation {
		t.Fatalf("got %v, want correlation error", err)
	}
}

func TestSettlementIDNormalisation(t *testing.T) {
	ref := testReference()
	upper := "0X" + strings.ToUpper(strings.TrimPrefix(ref, "0x"))
	if SettlementID(ref) != SettlementID(upper) {
		t.Fatalf("case variants map to different ids: %s vs %s", SettlementID(ref), SettlementID(upper))
	}
	if SettlementID("  ") != "" {
		t.Fatal("blank reference should map to empty id")
	}
}
