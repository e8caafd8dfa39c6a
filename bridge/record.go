package bridge

import (
	"math/big"
	"time"
)

// State identifies where a settlement sits along its lifecycle.
type State string

const (
	StateOpened          State = "OPENED"
	StateChargeConfirmed State = "CHARGE_CONFIRMED"
	StateBurnSubmitted   State = "BURN_SUBMITTED"
	StateBurnConfirmed   State = "BURN_CONFIRMED"
	StateCreditIssued    State = "CREDIT_ISSUED"
	StateFailed          State = "FAILED"
)

// rank orders the states along the settlement partial order. FAILED sits
// outside the order and is handled explicitly.
func (s State) rank() int {
	switch s {
	case StateOpened:
		return 0
	case StateChargeConfirmed:
		return 1
	case StateBurnSubmitted:
		return 2
	case StateBurnConfirmed:
		return 3
	case StateCreditIssued:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether the record accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCreditIssued || s == StateFailed
}

// Record is the authoritative state of one charge-to-burn-to-credit flow.
// The ID is derived from the compliance reference shared by both
// transports; it is the only valid join key between them.
type Record struct {
	ID           string
	State        State
	ChargeRef    string
	LedgerRef    string
	PayerAddress string
	MerchantID   string
	Amount       *big.Int
	Currency     string

	LastWatermark uint64
	Attempts      int
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Amount != nil {
		dup.Amount = new(big.Int).Set(r.Amount)
	}
	return &dup
}

// matches verifies the immutable settlement payload against an incoming
// event. Exact equality only; a mismatch is a correlation error, never an
// overwrite.
func (r *Record) matchesAmount(amount *big.Int) bool {
	if r.Amount == nil || amount == nil {
		return false
	}
	return r.Amount.Cmp(amount) == 0
}

func (r *Record) matchesMerchant(merchantID string) bool {
	if merchantID == "" || r.MerchantID == "" {
		// Either side may legitimately omit the merchant hint; the amount
		// check still applies.
		return true
	}
	return MerchantKeyHex(r.MerchantID) == MerchantKeyHex(merchantID)
}
