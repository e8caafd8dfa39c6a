package bridge

import (
	"context"
	"math/big"
)

// BurnRequest carries everything the ledger needs to submit a signed burn.
type BurnRequest struct {
	PayerAddress string
	MerchantID   string
	Amount       *big.Int
	Currency     string
	Reference    string
}

// Receipt reports the on-ledger outcome of a submitted transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Reverted    bool
	Reason      string
}

// LedgerSubmitter submits signed contract calls and waits for inclusion.
type LedgerSubmitter interface {
	SubmitBurn(ctx context.Context, req BurnRequest) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (Receipt, error)
}

// LedgerQuerier reads confirmed chain state for the watermark poller.
type LedgerQuerier interface {
	CurrentHeight(ctx context.Context) (uint64, error)
	BurnEvents(ctx context.Context, fromBlock, toBlock uint64) ([]BurnObserved, error)
}

// ChargeIntent is the gateway's answer to a charge creation.
type ChargeIntent struct {
	ChargeRef    string
	ClientSecret string
	CustomerRef  string
	Status       string
}

// GatewayClient is the slice of the payment gateway API the bridge consumes.
type GatewayClient interface {
	CreateCharge(ctx context.Context, amount *big.Int, currency string, metadata map[string]string) (ChargeIntent, error)
	CreateBalanceCredit(ctx context.Context, customerRef string, amount *big.Int, currency, idempotencyKey string) (string, error)
	LookupCustomerByReference(ctx context.Context, reference string) (string, error)
}
