package order

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/p2pramp/internal/logging"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	bank, err := marshalBank(o.BankDetails)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, onchain_id, kind, user_addr,
			fiat_amount, token_amount, buy_rate, sell_rate, custom_amount,
			payment_identifier, bank_details, proof_reference,
			user_confirmed_received, user_confirmed_at,
			tx_hash, tx_pending, status, cancelled_by, cancel_reason,
			created_at, updated_at, completed_at, cancelled_at, version
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12,
			$13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24
		)`,
		o.ID, nullString(o.OnChainID), o.Kind.String(), o.UserAddr,
		o.FiatAmount, o.TokenAmount, o.BuyRate, o.SellRate, o.CustomAmount,
		nullString(o.PaymentIdentifier), bank, nullString(o.ProofReference),
		o.UserConfirmedReceived, nullTime(o.UserConfirmedAt),
		nullString(o.TxHash), o.TxPending, string(o.Status), nullString(o.CancelledBy), nullString(o.CancelReason),
		o.CreatedAt, o.UpdatedAt, nullTime(o.CompletedAt), nullTime(o.CancelledAt), o.Version,
	)
	return err
}

const orderColumns = `id, onchain_id, kind, user_addr,
		       fiat_amount, token_amount, buy_rate, sell_rate, custom_amount,
		       payment_identifier, bank_details, proof_reference,
		       user_confirmed_received, user_confirmed_at,
		       tx_hash, tx_pending, status, cancelled_by, cancel_reason,
		       created_at, updated_at, completed_at, cancelled_at, version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// Update writes every mutable column if the stored version still matches.
func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	bank, err := marshalBank(o.BankDetails)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			onchain_id = $1, custom_amount = $2,
			payment_identifier = $3, bank_details = $4, proof_reference = $5,
			user_confirmed_received = $6, user_confirmed_at = $7,
			tx_hash = $8, tx_pending = $9, status = $10, cancelled_by = $11, cancel_reason = $12,
			updated_at = $13, completed_at = $14, cancelled_at = $15,
			version = version + 1
		WHERE id = $16 AND version = $17`,
		nullString(o.OnChainID), o.CustomAmount,
		nullString(o.PaymentIdentifier), bank, nullString(o.ProofReference),
		o.UserConfirmedReceived, nullTime(o.UserConfirmedAt),
		nullString(o.TxHash), o.TxPending, string(o.Status), nullString(o.CancelledBy), nullString(o.CancelReason),
		o.UpdatedAt, nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrConflict
	}
	o.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserAddr != "" {
		args = append(args, f.UserAddr)
		where = append(where, fmt.Sprintf("user_addr = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != 0 {
		args = append(args, f.Kind.String())
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		  AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

// LockOrder takes a session-level advisory lock on id, so transitions on one
// order are serialized across every process sharing the database. The lock
// lives on a dedicated connection until unlock is called.
func (p *PostgresStore) LockOrder(ctx context.Context, id string) (func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, id); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return func() {
		ctx := context.WithoutCancel(ctx)
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, id); err != nil {
			logging.L(ctx).Warn("advisory unlock failed, discarding connection", "error", err)
			// A connection still holding the lock must not go back to the pool.
			_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		onChainID       sql.NullString
		kind            string
		paymentID       sql.NullString
		bankJSON        []byte
		proof           sql.NullString
		userConfirmedAt sql.NullTime
		txHash          sql.NullString
		status          string
		cancelledBy     sql.NullString
		cancelReason    sql.NullString
		completedAt     sql.NullTime
		cancelledAt     sql.NullTime
	)

	err := s.Scan(
		&o.ID, &onChainID, &kind, &o.UserAddr,
		&o.FiatAmount, &o.TokenAmount, &o.BuyRate, &o.SellRate, &o.CustomAmount,
		&paymentID, &bankJSON, &proof,
		&o.UserConfirmedReceived, &userConfirmedAt,
		&txHash, &o.TxPending, &status, &cancelledBy, &cancelReason,
		&o.CreatedAt, &o.UpdatedAt, &completedAt, &cancelledAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	if o.Kind, err = ParseKind(kind); err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.Status = Status(status)
	o.OnChainID = onChainID.String
	o.PaymentIdentifier = paymentID.String
	o.ProofReference = proof.String
	o.TxHash = txHash.String
	o.CancelledBy = cancelledBy.String
	o.CancelReason = cancelReason.String
	if userConfirmedAt.Valid {
		o.UserConfirmedAt = &userConfirmedAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		o.CancelledAt = &cancelledAt.Time
	}
	if len(bankJSON) > 0 {
		o.BankDetails = &BankDetails{}
		if err := json.Unmarshal(bankJSON, o.BankDetails); err != nil {
			return nil, fmt.Errorf("order %s: bank details: %w", o.ID, err)
		}
	}

	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func marshalBank(b *BankDetails) (interface{}, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions
var (
	_ Store  = (*PostgresStore)(nil)
	_ Locker = (*PostgresStore)(nil)
)
