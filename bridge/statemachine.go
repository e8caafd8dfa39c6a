package bridge

// Input identifies the logical event kind driving a transition.
type Input int

const (
	// InputChargeConfirmed is a verified gateway charge confirmation.
	InputChargeConfirmed Input = iota + 1
	// InputBurnRequested asks the executor to submit the signed burn.
	InputBurnRequested
	// InputBurnObserved is a matching ledger burn seen by the poller.
	InputBurnObserved
	// InputCreditRequested asks the executor to issue the gateway credit.
	InputCreditRequested
	// InputFailure routes an irrecoverable executor error to FAILED.
	InputFailure
)

func (in Input) String() string {
	switch in {
	case InputChargeConfirmed:
		return "charge_confirmed"
	case InputBurnRequested:
		return "burn_requested"
	case InputBurnObserved:
		return "burn_observed"
	case InputCreditRequested:
		return "credit_requested"
	case InputFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Effect is the external side effect a transition triggers. Effects are
// executed by the Executor under a single-flight guarantee per record.
type Effect int

const (
	EffectNone Effect = iota
	// EffectSubmitBurn signs and submits the ledger burn.
	EffectSubmitBurn
	// EffectIssueCredit creates the gateway balance credit.
	EffectIssueCredit
)

// Next is the pure transition function. Given the current state and an
// input it returns the target state and the side effect to trigger.
//
// A transition whose target equals the current state is a no-op success,
// never an error: both transports can redeliver the same logical event
// and redelivery after the corresponding state has been reached must not
// fire the side effect again. Inputs outside the table are invariant
// violations and leave the record untouched.
func Next(current State, in Input) (State, Effect, error) {
	if in == InputFailure {
		if current.Terminal() {
			return current, EffectNone, nil
		}
		return StateFailed, EffectNone, nil
	}
	if current == StateFailed {
		// FAILED is terminal; redelivery is answered with the stored state.
		return StateFailed, EffectNone, nil
	}

	switch in {
	case InputChargeConfirmed:
		switch current {
		case StateOpened:
			return StateChargeConfirmed, EffectNone, nil
		default:
			// Redelivery at or past CHARGE_CONFIRMED.
			return current, EffectNone, nil
		}
	case InputBurnRequested:
		switch current {
		case StateOpened, StateChargeConfirmed:
			return StateBurnSubmitted, EffectSubmitBurn, nil
		case StateBurnSubmitted, StateBurnConfirmed, StateCreditIssued:
			return current, EffectNone, nil
		}
	case InputBurnObserved:
		switch current {
		case StateOpened, StateChargeConfirmed, StateBurnSubmitted:
			// The poller may observe the burn before the submitting path has
			// recorded BURN_SUBMITTED; skipping forward is still monotonic.
			return StateBurnConfirmed, EffectIssueCredit, nil
		case StateBurnConfirmed:
			return StateBurnConfirmed, EffectIssueCredit, nil
		case StateCreditIssued:
			return StateCreditIssued, EffectNone, nil
		}
	case InputCreditRequested:
		switch current {
		case StateBurnConfirmed:
			return StateCreditIssued, EffectIssueCredit, nil
		case StateCreditIssued:
			return StateCreditIssued, EffectNone, nil
		}
	}
	return current, EffectNone, InvariantError("", "transition "+string(current)+"+"+in.String()+" not permitted")
}
