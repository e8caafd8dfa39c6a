package bridge

import (
	"math/big"
	"strings"
)

// ChargeConfirmed reports a successful fiat charge observed through the
// gateway webhook transport.
type ChargeConfirmed struct {
	Reference  string
	ChargeRef  string
	Amount     *big.Int
	Currency   string
	PayerHint  string
	MerchantID string
}

// BurnObserved reports a TokensBurned event observed on the ledger.
type BurnObserved struct {
	Reference    string
	PayerAddress string
	MerchantID   string
	Amount       *big.Int
	TxHash       string
	BlockNumber  uint64
}

// SettlementID derives the logical record key from a correlation reference.
// Neither transport's native identifier is trusted as a join key, so both
// sides are normalised to the same form before lookup.
func SettlementID(reference string) string {
	cleaned := strings.TrimSpace(reference)
	cleaned = strings.TrimPrefix(strings.TrimPrefix(cleaned, "0x"), "0X")
	if cleaned == "" {
		return ""
	}
	return "0x" + strings.ToLower(cleaned)
}

// Validate ensures the webhook payload carries everything the correlator
// needs before it is allowed past the boundary.
func (e ChargeConfirmed) Validate() error {
	if SettlementID(e.Reference) == "" {
		return correlationErr("charge event missing correlation reference")
	}
	if strings.TrimSpace(e.ChargeRef) == "" {
		return correlationErr("charge event missing charge reference")
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return correlationErr("charge event amount must be positive")
	}
	if strings.TrimSpace(e.Currency) == "" {
		return correlationErr("charge event missing currency")
	}
	return nil
}

// Validate ensures the ledger payload carries everything the correlator needs.
func (e BurnObserved) Validate() error {
	if SettlementID(e.Reference) == "" {
		return correlationErr("burn event missing correlation reference")
	}
	if strings.TrimSpace(e.PayerAddress) == "" {
		return correlationErr("burn event missing payer address")
	}
	if e.Amount == nil || e.Amount.Sign() <= 0 {
		return correlationErr("burn event amount must be positive")
	}
	return nil
}
