package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sovrbridge/bridge"
)

// Store is the sqlite-backed settlement ledger. It persists records, the
// poller watermark, and the payer-to-customer link table; all of it must
// survive process restarts.
type Store struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    charge_ref TEXT NOT NULL DEFAULT '',
    ledger_ref TEXT NOT NULL DEFAULT '',
    payer_address TEXT NOT NULL DEFAULT '',
    merchant_id TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '0',
    currency TEXT NOT NULL DEFAULT '',
    last_watermark INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS event_cursors (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS customer_links (
    payer_address TEXT PRIMARY KEY,
    customer_ref TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_state ON settlements(state);
`

// Open initialises the backing store at the supplied sqlite path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Per-record serialization happens in the bridge engine; a single
	// writer connection keeps sqlite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRecord inserts a new settlement. bridge.ErrRecordExists is
// returned when the id is already present.
func (s *Store) CreateRecord(ctx context.Context, rec *bridge.Record) error {
	if rec == nil || strings.TrimSpace(rec.ID) == "" {
		return errors.New("record id required")
	}
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	const insert = `INSERT INTO settlements
        (id, state, charge_ref, ledger_ref, payer_address, merchant_id, amount, currency, last_watermark, attempts, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, insert,
		rec.ID, string(rec.State), rec.ChargeRef, rec.LedgerRef, rec.PayerAddress,
		rec.MerchantID, amount, rec.Currency, int64(rec.LastWatermark),
		rec.Attempts, rec.LastError, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	if affected == 0 {
		return bridge.ErrRecordExists
	}
	return nil
}

// GetRecord loads a settlement by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*bridge.Record, error) {
	const query = `SELECT id, state, charge_ref, ledger_ref, payer_address, merchant_id, amount, currency, last_watermark, attempts, last_error, created_at, updated_at
        FROM settlements WHERE id = ?`
	return scanRecord(s.db.QueryRowContext(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*bridge.Record, error) {
	var (
		rec       bridge.Record
		state     string
		amount    string
		watermark int64
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&rec.ID, &state, &rec.ChargeRef, &rec.LedgerRef, &rec.PayerAddress,
		&rec.MerchantID, &amount, &rec.Currency, &watermark, &rec.Attempts, &rec.LastError,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridge.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	rec.State = bridge.State(state)
	parsed, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("corrupt amount %q for settlement %s", amount, rec.ID)
	}
	rec.Amount = parsed
	if watermark > 0 {
		rec.LastWatermark = uint64(watermark)
	}
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	return &rec, nil
}

// UpdateRecord applies fn to the stored record inside a transaction and
// persists the result.
func (s *Store) UpdateRecord(ctx context.Context, id string, fn func(*bridge.Record) error) (*bridge.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	const query = `SELECT id, state, charge_ref, ledger_ref, payer_address, merchant_id, amount, currency, last_watermark, attempts, last_error, created_at, updated_at
        FROM settlements WHERE id = ?`
	rec, err := scanRecord(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if fn != nil {
		if err := fn(rec); err != nil {
			return nil, err
		}
	}
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	const update = `UPDATE settlements SET state = ?, charge_ref = ?, ledger_ref = ?, payer_address = ?, merchant_id = ?, amount = ?, currency = ?, last_watermark = ?, attempts = ?, last_error = ?, updated_at = ?
        WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update,
		string(rec.State), rec.ChargeRef, rec.LedgerRef, rec.PayerAddress, rec.MerchantID,
		amount, rec.Currency, int64(rec.LastWatermark), rec.Attempts, rec.LastError,
		rec.UpdatedAt.UTC(), rec.ID); err != nil {
		return nil, fmt.Errorf("update settlement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return rec, nil
}

// Watermark returns the persisted cursor value, zero when absent.
func (s *Store) Watermark(ctx context.Context, name string) (uint64, error) {
	const query = `SELECT value FROM event_cursors WHERE name = ?`
	var value int64
	err := s.db.QueryRowContext(ctx, query, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", name, err)
	}
	if value < 0 {
		value = 0
	}
	return uint64(value), nil
}

// SetWatermark advances the persisted cursor. The watermark is
// monotonically non-decreasing: a smaller value is ignored rather than
// written, so a racing stale writer can never rewind the poller.
func (s *Store) SetWatermark(ctx context.Context, name string, height uint64) error {
	const upsert = `INSERT INTO event_cursors (name, value) VALUES (?, ?)
        ON CONFLICT(name) DO UPDATE SET value = excluded.value WHERE excluded.value > event_cursors.value`
	if _, err := s.db.ExecContext(ctx, upsert, name, int64(height)); err != nil {
		return fmt.Errorf("persist cursor %s: %w", name, err)
	}
	return nil
}

// LinkCustomer persists the payer-address to gateway-customer mapping.
func (s *Store) LinkCustomer(ctx context.Context, payerAddress, customerRef string) error {
	payer := strings.TrimSpace(payerAddress)
	ref := strings.TrimSpace(customerRef)
	if payer == "" || ref == "" {
		return errors.New("payer address and customer ref required")
	}
	const upsert = `INSERT INTO customer_links (payer_address, customer_ref, created_at) VALUES (?, ?, ?)
        ON CONFLICT(payer_address) DO UPDATE SET customer_ref = excluded.customer_ref`
	if _, err := s.db.ExecContext(ctx, upsert, payer, ref, time.Now().UTC()); err != nil {
		return fmt.Errorf("persist customer link: %w", err)
	}
	return nil
}

// CustomerByPayer resolves the gateway customer linked to a payer address.
func (s *Store) CustomerByPayer(ctx context.Context, payerAddress string) (string, error) {
	const query = `SELECT customer_ref FROM customer_links WHERE payer_address = ?`
	var ref string
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(payerAddress)).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", bridge.ErrCustomerNotLinked
	}
	if err != nil {
		return "", fmt.Errorf("load customer link: %w", err)
	}
	return ref, nil
}
