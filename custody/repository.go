package custody

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists the payout ledger and the per-instance custody lock
// flag. Write methods run inside the transition's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Lock flips the persisted custody flag for the escrow. A second flip inside
// the same unit of work sees the flag already held and is rejected, which is
// what turns a re-entrant invocation into a clean failure.
func (r *Repository) Lock(ctx context.Context, tx pgx.Tx, escrowID string) error {
	tag, err := tx.Exec(ctx, `UPDATE escrows SET payout_locked = TRUE WHERE id = $1 AND NOT payout_locked`, escrowID)
	if err != nil {
		return fmt.Errorf("custody: acquire lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReentrantPayout
	}
	return nil
}

// Unlock releases the persisted custody flag after the transfer settles.
func (r *Repository) Unlock(ctx context.Context, tx pgx.Tx, escrowID string) error {
	if _, err := tx.Exec(ctx, `UPDATE escrows SET payout_locked = FALSE WHERE id = $1`, escrowID); err != nil {
		return fmt.Errorf("custody: release lock: %w", err)
	}
	return nil
}

// Record reserves the single disbursement slot for the escrow.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, p Payout) error {
	if p.EscrowID == "" {
		return fmt.Errorf("custody: empty escrow id")
	}
	_, err := tx.Exec(ctx, `INSERT INTO payouts (escrow_id, destination, amount) VALUES ($1, $2, $3)`,
		p.EscrowID, p.Destination, p.Amount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyDisbursed
		}
		return fmt.Errorf("custody: record payout: %w", err)
	}
	return nil
}

// Get returns the recorded disbursement for an escrow, if any.
func (r *Repository) Get(ctx context.Context, pool *pgxpool.Pool, escrowID string) (Payout, error) {
	const selectSQL = `
		SELECT id, escrow_id, destination, amount, created_at
		FROM payouts
		WHERE escrow_id = $1
	`
	var p Payout
	err := pool.QueryRow(ctx, selectSQL, escrowID).
		Scan(&p.ID, &p.EscrowID, &p.Destination, &p.Amount, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, fmt.Errorf("custody: no payout for escrow %s", escrowID)
		}
		return Payout{}, fmt.Errorf("custody: get payout: %w", err)
	}
	return p, nil
}
