package actors

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
)

// Deal identifies one escrow instance and its fixed parties.
type Deal struct {
	EscrowID     string
	ClientID     string
	FreelancerID string
	ArbiterID    string
}

// Registry is the shared pool of live deals the settlement actors pick from.
// Lifecyclers add, nobody removes: terminal deals simply stop accepting
// transitions, which is exactly the rejection path we want exercised.
type Registry struct {
	mu    sync.Mutex
	deals []Deal
}

func (r *Registry) Add(d Deal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deals = append(r.deals, d)
}

func (r *Registry) Pick() (Deal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.deals) == 0 {
		return Deal{}, false
	}
	return r.deals[rand.Intn(len(r.deals))], true
}

// Lifecycler keeps the registry supplied: it opens an escrow, funds it, and
// usually marks the work complete so the settlement actors have something to
// fight over. Some deals are left funded-and-idle to feed the refund path.
// Errors are swallowed; the oracles are the correctness check.
func Lifecycler(ctx context.Context, svc *escrow.Service, reg *Registry, clientID, freelancerID, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rec, err := svc.Open(ctx, escrow.OpenParams{ClientID: clientID, FreelancerID: freelancerID, ArbiterID: arbiterID})
		if err == nil {
			deal := Deal{EscrowID: rec.ID, ClientID: clientID, FreelancerID: freelancerID, ArbiterID: arbiterID}
			amount := int64(10 + rand.Intn(490))
			if _, err := svc.Deposit(ctx, escrow.DepositParams{EscrowID: rec.ID, ActorID: clientID, Amount: amount}); err == nil {
				if rand.Intn(5) != 0 {
					_, _ = svc.CompleteWork(ctx, escrow.ActionParams{EscrowID: rec.ID, ActorID: freelancerID})
				}
				reg.Add(deal)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Approver races the auto-release and dispute actors: it approves payment as
// the client, and occasionally as the wrong party to exercise the role guard.
func Approver(ctx context.Context, svc *escrow.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if deal, ok := reg.Pick(); ok {
			actor := deal.ClientID
			if rand.Intn(10) == 0 {
				actor = deal.FreelancerID
			}
			_, _ = svc.ApproveAndPay(ctx, escrow.ActionParams{EscrowID: deal.EscrowID, ActorID: actor})
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// AutoReleaser hammers the timeout path. Any caller identity is acceptable,
// so it rotates through all three parties.
func AutoReleaser(ctx context.Context, svc *escrow.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if deal, ok := reg.Pick(); ok {
			actors := []string{deal.ClientID, deal.FreelancerID, deal.ArbiterID}
			_, _ = svc.AutoRelease(ctx, escrow.ActionParams{EscrowID: deal.EscrowID, ActorID: actors[rand.Intn(len(actors))]})
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Disputant contests delivered work inside the window, racing the approver
// and the auto-releaser for the same rows.
func Disputant(ctx context.Context, svc *escrow.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if deal, ok := reg.Pick(); ok {
			_, _ = svc.RaiseDispute(ctx, escrow.DisputeParams{EscrowID: deal.EscrowID, ActorID: deal.ClientID, Reason: "stress contest"})
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Arbiter settles disputed deals, splitting verdicts both ways.
func Arbiter(ctx context.Context, svc *escrow.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if deal, ok := reg.Pick(); ok {
			params := escrow.ActionParams{EscrowID: deal.EscrowID, ActorID: deal.ArbiterID}
			if rand.Intn(2) == 0 {
				_, _ = svc.ResolveForFreelancer(ctx, params)
			} else {
				_, _ = svc.ResolveForClient(ctx, params)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Refunder reclaims deposits on deals where the work never started.
func Refunder(ctx context.Context, svc *escrow.Service, reg *Registry, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if deal, ok := reg.Pick(); ok {
			_, _ = svc.RequestRefund(ctx, escrow.RefundParams{EscrowID: deal.EscrowID, ActorID: deal.ClientID, Note: "abandoned"})
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking them
// processed with an occasional simulated delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
