package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrUnknownParty signals no wallet row exists for the party, i.e. the
	// destination refuses funds.
	ErrUnknownParty = errors.New("wallet: unknown party")
	// ErrInsufficientFunds signals a debit larger than the current balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
)

// Repository provides access to party balances. Credits and debits take the
// caller's transaction so money moves atomically with escrow state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ensure creates an empty wallet for the party if none exists yet.
func (r *Repository) Ensure(ctx context.Context, partyID string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO wallets (party_id) VALUES ($1) ON CONFLICT (party_id) DO NOTHING`, partyID)
	if err != nil {
		return fmt.Errorf("wallet: ensure %s: %w", partyID, err)
	}
	return nil
}

// Credit adds amount to the party's balance. A missing wallet row means the
// destination cannot accept funds and the credit is refused.
func (r *Repository) Credit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance + $2, updated_at = get_tx_timestamp() WHERE party_id = $1`, partyID, amount)
	if err != nil {
		return fmt.Errorf("wallet: credit %s: %w", partyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownParty
	}
	return nil
}

// Debit subtracts amount from the party's balance, refusing overdrafts.
func (r *Repository) Debit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE wallets SET balance = balance - $2, updated_at = get_tx_timestamp() WHERE party_id = $1 AND balance >= $2`, partyID, amount)
	if err != nil {
		return fmt.Errorf("wallet: debit %s: %w", partyID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE party_id = $1)`, partyID).Scan(&exists); err != nil {
		return fmt.Errorf("wallet: debit check %s: %w", partyID, err)
	}
	if !exists {
		return ErrUnknownParty
	}
	return ErrInsufficientFunds
}

// Get fetches the party's current balance.
func (r *Repository) Get(ctx context.Context, partyID string) (Balance, error) {
	const selectSQL = `SELECT party_id, balance, updated_at FROM wallets WHERE party_id = $1`

	var b Balance
	err := r.pool.QueryRow(ctx, selectSQL, partyID).Scan(&b.PartyID, &b.Amount, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrUnknownParty
		}
		return Balance{}, fmt.Errorf("wallet: get %s: %w", partyID, err)
	}
	return b, nil
}
