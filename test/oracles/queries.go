package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each must yield zero rows on a healthy
// database; any row is a counterexample.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_disbursement",
			SQL: `SELECT escrow_id, COUNT(*) FROM payouts
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_payout_requires_terminal_state",
			SQL: `SELECT p.escrow_id, e.state FROM payouts p
                  JOIN escrows e ON e.id = p.escrow_id
                  WHERE e.state NOT IN ('paid','refunded')`,
		},
		{
			Name: "O3_payout_destination_and_amount",
			SQL: `SELECT p.escrow_id, e.state, p.destination, p.amount FROM payouts p
                  JOIN escrows e ON e.id = p.escrow_id
                  WHERE p.amount <> e.amount
                     OR (e.state = 'paid' AND p.destination <> e.freelancer_id)
                     OR (e.state = 'refunded' AND p.destination <> e.client_id)`,
		},
		{
			Name: "O4_terminal_state_requires_payout",
			SQL: `SELECT e.id, e.state FROM escrows e
                  WHERE e.state IN ('paid','refunded') AND e.amount > 0
                    AND NOT EXISTS (SELECT 1 FROM payouts p WHERE p.escrow_id = e.id)`,
		},
		{
			Name: "O5_no_negative_balance",
			SQL:  `SELECT party_id, balance FROM wallets WHERE balance < 0`,
		},
		{
			Name: "O6_money_conserved",
			SQL: `SELECT total_now, baseline FROM (
                      SELECT (SELECT COALESCE(SUM(balance),0) FROM wallets)
                           + (SELECT COALESCE(SUM(amount),0) FROM escrows
                              WHERE state IN ('funded','work_done','disputed')) AS total_now,
                             (SELECT total FROM stress_baseline LIMIT 1) AS baseline
                  ) t
                  WHERE baseline IS NOT NULL AND total_now <> baseline`,
		},
		{
			Name: "O7_dispute_has_reason",
			SQL:  `SELECT id FROM escrows WHERE state = 'disputed' AND dispute_reason IS NULL`,
		},
		{
			Name: "O8_terminal_state_has_event",
			SQL: `SELECT e.id, e.state FROM escrows e
                  WHERE (e.state = 'paid' AND NOT EXISTS (
                            SELECT 1 FROM escrow_events ev WHERE ev.escrow_id = e.id
                              AND ev.type IN ('PAYMENT_APPROVED','PAYMENT_AUTO_RELEASED','DISPUTE_RESOLVED_FOR_FREELANCER')))
                     OR (e.state = 'refunded' AND NOT EXISTS (
                            SELECT 1 FROM escrow_events ev WHERE ev.escrow_id = e.id
                              AND ev.type IN ('REFUND_ISSUED','DISPUTE_RESOLVED_FOR_CLIENT')))`,
		},
		{
			Name: "O9_payout_lock_released",
			SQL:  `SELECT id FROM escrows WHERE payout_locked`,
		},
		{
			Name: "O10_work_after_creation",
			SQL: `SELECT id FROM escrows
                  WHERE work_completed_at IS NOT NULL AND work_completed_at < created_at`,
		},
		{
			Name: "O11_outbox_not_stuck",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
