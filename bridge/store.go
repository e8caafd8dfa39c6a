package bridge

import (
	"context"
	"errors"
)

// ErrRecordNotFound is returned when no settlement exists for an id.
var ErrRecordNotFound = errors.New("settlement record not found")

// ErrCustomerNotLinked is returned when a payer address has no persisted
// gateway customer mapping.
var ErrCustomerNotLinked = errors.New("no customer linked for payer address")

// ErrRecordExists is returned when creating a record whose id is taken.
var ErrRecordExists = errors.New("settlement record already exists")

// Store is the durable settlement ledger consumed by the bridge. Records
// and the poller watermark must survive process restarts; everything else
// is derivable.
type Store interface {
	CreateRecord(ctx context.Context, rec *Record) error
	GetRecord(ctx context.Context, id string) (*Record, error)
	// UpdateRecord applies fn to the stored record inside the store's
	// serialization boundary and persists the result.
	UpdateRecord(ctx context.Context, id string, fn func(*Record) error) (*Record, error)

	Watermark(ctx context.Context, name string) (uint64, error)
	SetWatermark(ctx context.Context, name string, height uint64) error

	LinkCustomer(ctx context.Context, payerAddress, customerRef string) error
	CustomerByPayer(ctx context.Context, payerAddress string) (string, error)
}

// WatermarkStore is the slice of Store the poller needs.
type WatermarkStore interface {
	Watermark(ctx context.Context, name string) (uint64, error)
	SetWatermark(ctx context.Context, name string, height uint64) error
}
