package bridge

import (
	"errors"
	"testing"
)

func TestNextHappyPath(t *testing.T) {
	steps := []struct {
		state  State
		input  Input
		want   State
		effect Effect
	}{
		{StateOpened, InputChargeConfirmed, StateChargeConfirmed, EffectNone},
		{StateChargeConfirmed, InputBurnRequested, StateBurnSubmitted, EffectSubmitBurn},
		{StateBurnSubmitted, InputBurnObserved, StateBurnConfirmed, EffectIssueCredit},
		{StateBurnConfirmed, InputCreditRequested, StateCreditIssued, EffectIssueCredit},
	}
	for _, step := range steps {
		got, effect, err := Next(step.state, step.input)
		if err != nil {
			t.Fatalf("%s + %s: unexpected error: %v", step.state, step.input, err)
		}
		if got != step.want || effect != step.effect {
			t.Fatalf("%s + %s: got (%s, %d), want (%s, %d)", step.state, step.input, got, effect, step.want, step.effect)
		}
	}
}

func TestNextRedeliveryIsNoop(t *testing.T) {
	cases := []struct {
		state State
		input Input
	}{
		{StateChargeConfirmed, InputChargeConfirmed},
		{StateBurnSubmitted, InputChargeConfirmed},
		{StateBurnSubmitted, InputBurnRequested},
		{StateCreditIssued, InputBurnObserved},
		{StateCreditIssued, InputCreditRequested},
	}
	for _, tc := range cases {
		got, effect, err := Next(tc.state, tc.input)
		if err != nil {
			t.Fatalf("%s + %s: unexpected error: %v", tc.state, tc.input, err)
		}
		if got != tc.state {
			t.Fatalf("%s + %s: state moved to %s", tc.state, tc.input, got)
		}
		if effect != EffectNone {
			t.Fatalf("%s + %s: redelivery fired effect %d", tc.state, tc.input, effect)
		}
	}
}

func TestNextBurnObservedSkipsForward(t *testing.T) {
	// The poller can see the burn before the submit path records it;
	// jumping ahead is monotonic and must trigger the credit.
	for _, state := range []State{StateOpened, StateChargeConfirmed} {
		got, effect, err := Next(state, InputBurnObserved)
		if err != nil {
			t.Fatalf("%s + burn observed: %v", state, err)
		}
		if got != StateBurnConfirmed || effect != EffectIssueCredit {
			t.Fatalf("%s + burn observed: got (%s, %d)", state, got, effect)
		}
	}
}

func TestNextBurnConfirmedRetriesCredit(t *testing.T) {
	got, effect, err := Next(StateBurnConfirmed, InputBurnObserved)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateBurnConfirmed || effect != EffectIssueCredit {
		t.Fatalf("got (%s, %d), want retry credit from BURN_CONFIRMED", got, effect)
	}
}

func TestNextFailedIsTerminal(t *testing.T) {
	for _, in := range []Input{InputChargeConfirmed, InputBurnRequested, InputBurnObserved, InputCreditRequested} {
		got, effect, err := Next(StateFailed, in)
		if err != nil {
			t.Fatalf("FAILED + %s: %v", in, err)
		}
		if got != StateFailed || effect != EffectNone {
			t.Fatalf("FAILED + %s: got (%s, %d)", in, got, effect)
		}
	}
}

func TestNextFailureInput(t *testing.T) {
	got, _, err := Next(StateBurnSubmitted, InputFailure)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateFailed {
		t.Fatalf("got %s, want FAILED", got)
	}

	// A settled record stays settled.
	got, _, err = Next(StateCreditIssued, InputFailure)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StateCreditIssued {
		t.Fatalf("got %s, want CREDIT_ISSUED", got)
	}
}

func TestNextUndefinedTransitionIsInvariant(t *testing.T) {
	_, _, err := Next(StateOpened, InputCreditRequested)
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	var be *Error
	if !errors.As(err, &be) || be.Kind != KindInvariant {
		t.Fatalf("got %v, want invariant violation", err)
	}
}

func TestTerminal(t *testing.T) {
	for _, state := range []State{StateOpened, StateChargeConfirmed, StateBurnSubmitted, StateBurnConfirmed} {
		if state.Terminal() {
			t.Fatalf("%s reported terminal", state)
		}
	}
	for _, state := range []State{StateCreditIssued, StateFailed} {
		if !state.Terminal() {
			t.Fatalf("%s reported non-terminal", state)
		}
	}
}
