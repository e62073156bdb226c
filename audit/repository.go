package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Timeline is a write-only sink of structured transition records. The core
// never reads it back; it exists for external observers.
type Timeline struct{}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Append inserts one event in the caller's transaction so the audit trail and
// the transition commit or roll back together.
func (t *Timeline) Append(ctx context.Context, tx pgx.Tx, escrowID string, eventType string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal event payload: %w", err)
	}
	var actor any
	if v, ok := payload["actor_id"].(string); ok && v != "" {
		actor = v
	}
	const insertSQL = `
INSERT INTO escrow_events (escrow_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, insertSQL, escrowID, eventType, body, actor); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Outbox enqueues transition notifications for downstream delivery.
type Outbox struct{}

func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue inserts one pending message in the caller's transaction.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}
	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("audit: enqueue outbox: %w", err)
	}
	return nil
}

// Reader serves the event trail to dashboards and tests.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// List returns the events for an escrow in insertion order.
func (r *Reader) List(ctx context.Context, escrowID string) ([]Event, error) {
	const selectSQL = `
		SELECT id, escrow_id, type, actor_id::text, created_at, payload
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id ASC
	`
	rows, err := r.pool.Query(ctx, selectSQL, escrowID)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Type, &ev.ActorID, &ev.CreatedAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return out, nil
}
