package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrDuplicateID signals the generated instance id collided with an existing row.
	ErrDuplicateID = errors.New("escrow: duplicate id")
)

const recordColumns = `id, client_id, freelancer_id, arbiter_id, amount, state::text, dispute_reason, payout_locked, created_at, work_completed_at, updated_at`

// Repository persists escrow records. All methods run inside the caller's
// transaction so guard checks and writes share one unit of work.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Create inserts a fresh record in the created state.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
INSERT INTO escrows (id, client_id, freelancer_id, arbiter_id, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'created', $5, $5)
RETURNING ` + recordColumns

	created, err := scanRecord(tx.QueryRow(ctx, insertSQL, rec.ID, rec.ClientID, rec.FreelancerID, rec.ArbiterID, rec.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicateID
		}
		return Record{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return created, nil
}

// Get fetches a record without locking it.
func (r *Repository) Get(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const selectSQL = `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1`
	rec, err := scanRecord(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get: %w", err)
	}
	return rec, nil
}

// GetForUpdate fetches a record holding its row lock for the remainder of the
// transaction, serializing competing transitions on the same instance.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	const selectSQL = `SELECT ` + recordColumns + ` FROM escrows WHERE id = $1 FOR UPDATE`
	rec, err := scanRecord(tx.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// SetFunded records the deposit: amount is written exactly once, alongside the
// created→funded transition.
func (r *Repository) SetFunded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (Record, error) {
	const updateSQL = `
UPDATE escrows
SET state = 'funded', amount = $2, updated_at = $3
WHERE id = $1 AND state = 'created' AND amount = 0
RETURNING ` + recordColumns

	return r.applyUpdate(ctx, tx, "fund", updateSQL, id, amount, at)
}

// SetWorkDone stamps work_completed_at exactly once with the funded→work_done
// transition.
func (r *Repository) SetWorkDone(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Record, error) {
	const updateSQL = `
UPDATE escrows
SET state = 'work_done', work_completed_at = $2, updated_at = $2
WHERE id = $1 AND state = 'funded' AND work_completed_at IS NULL
RETURNING ` + recordColumns

	return r.applyUpdate(ctx, tx, "complete work", updateSQL, id, at)
}

// SetDisputed records the client's contest and its free-text reason.
func (r *Repository) SetDisputed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) (Record, error) {
	const updateSQL = `
UPDATE escrows
SET state = 'disputed', dispute_reason = $2, updated_at = $3
WHERE id = $1 AND state = 'work_done'
RETURNING ` + recordColumns

	return r.applyUpdate(ctx, tx, "dispute", updateSQL, id, reason, at)
}

// SetTerminal stages the move into paid or refunded. The from-state predicate
// keeps a lost-update from re-running a payout branch even if a guard slipped.
func (r *Repository) SetTerminal(ctx context.Context, tx pgx.Tx, id string, from, to State, at time.Time) (Record, error) {
	if !Terminal(to) {
		return Record{}, fmt.Errorf("escrow: %q is not a terminal state", to)
	}
	const updateSQL = `
UPDATE escrows
SET state = $2::escrow_state, updated_at = $4
WHERE id = $1 AND state = $3::escrow_state
RETURNING ` + recordColumns

	return r.applyUpdate(ctx, tx, "settle", updateSQL, id, to, from, at)
}

func (r *Repository) applyUpdate(ctx context.Context, tx pgx.Tx, verb, sql string, id string, args ...any) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, sql, append([]any{id}, args...)...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("escrow: %s %s: %w", verb, id, ErrBadState)
		}
		return Record{}, fmt.Errorf("escrow: %s %s: %w", verb, id, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.FreelancerID,
		&rec.ArbiterID,
		&rec.Amount,
		&rec.State,
		&rec.DisputeReason,
		&rec.PayoutLocked,
		&rec.CreatedAt,
		&rec.WorkCompletedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
