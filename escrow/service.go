package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrDisputeWindowClosed signals a dispute raised after the deadline.
	ErrDisputeWindowClosed = errors.New("escrow: dispute window closed")
	// ErrAutoReleaseNotDue signals an auto-release attempted while the dispute window is open.
	ErrAutoReleaseNotDue = errors.New("escrow: dispute window still open")
	// ErrRefundNotDue signals a refund requested before the wait period elapsed.
	ErrRefundNotDue = errors.New("escrow: refund wait period not elapsed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowRepository defines the data access required by the service.
type EscrowRepository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	SetFunded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (Record, error)
	SetWorkDone(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Record, error)
	SetDisputed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) (Record, error)
	SetTerminal(ctx context.Context, tx pgx.Tx, id string, from, to State, at time.Time) (Record, error)
}

// PayoutExecutor disburses the escrowed amount exactly once per instance. The
// state write is staged before Payout runs, so a failed transfer rolls both
// back together.
type PayoutExecutor interface {
	Payout(ctx context.Context, tx pgx.Tx, escrowID, destination string, amount int64) error
}

// FundSource supplies the deposit by debiting the client inside the same
// transaction that marks the escrow funded.
type FundSource interface {
	Withdraw(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
}

// TimelineWriter appends one structured audit record per transition.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID string, eventType string, payload map[string]any) error
}

// OutboxWriter enqueues transition notifications for downstream delivery.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service exposes the guarded escrow operations. Every state-changing call
// follows the same shape: begin tx, lock the row, check role then state then
// window, stage the write, move money if the transition pays out, append
// audit records, commit. Any failure leaves the instance untouched via the
// deferred rollback.
type Service struct {
	pool        TxBeginner
	repo        EscrowRepository
	custody     PayoutExecutor
	funds       FundSource
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
	windows     Windows
}

func NewService(pool TxBeginner, repo EscrowRepository, custody PayoutExecutor, funds FundSource, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		custody:     custody,
		funds:       funds,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		windows:     DefaultWindows,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithWindows(w Windows) *Service {
	s.windows = w
	return s
}

// Windows returns the durations applied to every instance.
func (s *Service) Windows() Windows {
	return s.windows
}

// OpenParams fixes the three party identities for the instance lifetime.
type OpenParams struct {
	ClientID     string
	FreelancerID string
	ArbiterID    string
}

// Open creates a new escrow instance in the created state.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	if params.ClientID == "" || params.FreelancerID == "" || params.ArbiterID == "" {
		return Record{}, fmt.Errorf("escrow: client, freelancer and arbiter ids are required")
	}
	if params.ClientID == params.FreelancerID {
		return Record{}, fmt.Errorf("escrow: client and freelancer must differ")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:           s.idGenerator(),
		ClientID:     params.ClientID,
		FreelancerID: params.FreelancerID,
		ArbiterID:    params.ArbiterID,
		State:        StateCreated,
		CreatedAt:    s.now().UTC(),
	}

	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"client_id":     created.ClientID,
		"freelancer_id": created.FreelancerID,
		"arbiter_id":    created.ArbiterID,
		"created_at":    created.CreatedAt.UTC(),
	}
	if err := s.audit(ctx, tx, created, "ESCROW_CREATED", "escrow.created", "", payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit open: %w", err)
	}
	return created, nil
}

// DepositParams carries the client's funding call.
type DepositParams struct {
	EscrowID string
	ActorID  string
	Amount   int64
}

// Deposit moves the deal amount from the client into custody and marks the
// escrow funded. The amount is fixed from this point until disbursement.
func (s *Service) Deposit(ctx context.Context, params DepositParams) (Record, error) {
	if params.Amount <= 0 {
		return Record{}, fmt.Errorf("escrow: deposit amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if err := authorize(rec, opDeposit, params.ActorID); err != nil {
		return Record{}, err
	}
	if rec.State != StateCreated {
		return Record{}, fmt.Errorf("escrow: deposit in state %q: %w", rec.State, ErrBadState)
	}

	if err := s.funds.Withdraw(ctx, tx, rec.ClientID, params.Amount); err != nil {
		return Record{}, fmt.Errorf("escrow: collect deposit: %w", err)
	}

	updated, err := s.repo.SetFunded(ctx, tx, rec.ID, params.Amount, s.now().UTC())
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"previous_state": string(rec.State),
		"next_state":     string(updated.State),
		"amount":         updated.Amount,
	}
	if err := s.audit(ctx, tx, updated, "ESCROW_FUNDED", "escrow.funded", params.ActorID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit deposit: %w", err)
	}
	return updated, nil
}

// ActionParams identifies the instance and the caller for operations that take
// no further arguments.
type ActionParams struct {
	EscrowID string
	ActorID  string
}

// CompleteWork marks the engagement delivered and starts the dispute clock.
func (s *Service) CompleteWork(ctx context.Context, params ActionParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if err := authorize(rec, opCompleteWork, params.ActorID); err != nil {
		return Record{}, err
	}
	if rec.State != StateFunded {
		return Record{}, fmt.Errorf("escrow: complete work in state %q: %w", rec.State, ErrBadState)
	}

	completedAt := s.now().UTC()
	updated, err := s.repo.SetWorkDone(ctx, tx, rec.ID, completedAt)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"previous_state":    string(rec.State),
		"next_state":        string(updated.State),
		"work_completed_at": completedAt,
		"dispute_deadline":  completedAt.Add(s.windows.Dispute),
	}
	if err := s.audit(ctx, tx, updated, "WORK_COMPLETED", "escrow.work_completed", params.ActorID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit complete work: %w", err)
	}
	return updated, nil
}

// ApproveAndPay releases the amount to the freelancer on the client's say-so.
func (s *Service) ApproveAndPay(ctx context.Context, params ActionParams) (Record, error) {
	return s.settle(ctx, settlement{
		escrowID:  params.EscrowID,
		actorID:   params.ActorID,
		op:        opApproveAndPay,
		fromState: StateWorkDone,
		toState:   StatePaid,
		eventType: "PAYMENT_APPROVED",
		topic:     "escrow.paid",
	})
}

// AutoRelease releases the amount to the freelancer once the dispute window
// has closed. Anyone may call it; the clock is the only gate.
func (s *Service) AutoRelease(ctx context.Context, params ActionParams) (Record, error) {
	return s.settle(ctx, settlement{
		escrowID:  params.EscrowID,
		actorID:   params.ActorID,
		op:        opAutoRelease,
		fromState: StateWorkDone,
		toState:   StatePaid,
		eventType: "PAYMENT_AUTO_RELEASED",
		topic:     "escrow.paid",
		window: func(rec Record, now time.Time) error {
			if !AutoReleaseDue(derefTime(rec.WorkCompletedAt), s.windows, now) {
				return fmt.Errorf("escrow: auto-release at %s: %w", now.Format(time.RFC3339), ErrAutoReleaseNotDue)
			}
			return nil
		},
	})
}

// DisputeParams carries the client's contest and its free-text reason.
type DisputeParams struct {
	EscrowID string
	ActorID  string
	Reason   string
}

// RaiseDispute freezes payment while the dispute window is still open, handing
// the decision to the arbiter.
func (s *Service) RaiseDispute(ctx context.Context, params DisputeParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if err := authorize(rec, opRaiseDispute, params.ActorID); err != nil {
		return Record{}, err
	}
	if rec.State != StateWorkDone {
		return Record{}, fmt.Errorf("escrow: dispute in state %q: %w", rec.State, ErrBadState)
	}
	now := s.now().UTC()
	if !DisputeOpen(derefTime(rec.WorkCompletedAt), s.windows, now) {
		return Record{}, fmt.Errorf("escrow: dispute at %s: %w", now.Format(time.RFC3339), ErrDisputeWindowClosed)
	}

	updated, err := s.repo.SetDisputed(ctx, tx, rec.ID, params.Reason, now)
	if err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"previous_state": string(rec.State),
		"next_state":     string(updated.State),
		"reason":         params.Reason,
	}
	if err := s.audit(ctx, tx, updated, "DISPUTE_RAISED", "escrow.disputed", params.ActorID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return updated, nil
}

// ResolveForFreelancer settles a dispute in the freelancer's favor.
func (s *Service) ResolveForFreelancer(ctx context.Context, params ActionParams) (Record, error) {
	return s.settle(ctx, settlement{
		escrowID:  params.EscrowID,
		actorID:   params.ActorID,
		op:        opResolveForFreelancer,
		fromState: StateDisputed,
		toState:   StatePaid,
		eventType: "DISPUTE_RESOLVED_FOR_FREELANCER",
		topic:     "escrow.paid",
	})
}

// ResolveForClient settles a dispute in the client's favor.
func (s *Service) ResolveForClient(ctx context.Context, params ActionParams) (Record, error) {
	return s.settle(ctx, settlement{
		escrowID:  params.EscrowID,
		actorID:   params.ActorID,
		op:        opResolveForClient,
		fromState: StateDisputed,
		toState:   StateRefunded,
		eventType: "DISPUTE_RESOLVED_FOR_CLIENT",
		topic:     "escrow.refunded",
	})
}

// RefundParams carries the client's reclaim and its free-text description.
type RefundParams struct {
	EscrowID string
	ActorID  string
	Note     string
}

// RequestRefund returns the deposit to the client when funds sat unworked past
// the auto-refund window.
func (s *Service) RequestRefund(ctx context.Context, params RefundParams) (Record, error) {
	return s.settle(ctx, settlement{
		escrowID:  params.EscrowID,
		actorID:   params.ActorID,
		op:        opRequestRefund,
		fromState: StateFunded,
		toState:   StateRefunded,
		eventType: "REFUND_ISSUED",
		topic:     "escrow.refunded",
		note:      params.Note,
		window: func(rec Record, now time.Time) error {
			if !RefundDue(rec.CreatedAt, s.windows, now) {
				return fmt.Errorf("escrow: refund at %s: %w", now.Format(time.RFC3339), ErrRefundNotDue)
			}
			return nil
		},
	})
}

// settlement describes one of the four fund-moving transitions.
type settlement struct {
	escrowID  string
	actorID   string
	op        op
	fromState State
	toState   State
	eventType string
	topic     string
	note      string
	window    func(rec Record, now time.Time) error
}

// settle applies the shared shape of every payout transition: guard, stage the
// terminal state, disburse, audit, commit. The state write precedes the
// transfer attempt, but both live in one transaction, so a refused transfer
// rolls the whole operation back and the instance is left exactly as it was.
func (s *Service) settle(ctx context.Context, plan settlement) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, plan.escrowID)
	if err != nil {
		return Record{}, err
	}
	if err := authorize(rec, plan.op, plan.actorID); err != nil {
		return Record{}, err
	}
	if rec.State != plan.fromState {
		return Record{}, fmt.Errorf("escrow: %s in state %q: %w", plan.op, rec.State, ErrBadState)
	}
	now := s.now().UTC()
	if plan.window != nil {
		if err := plan.window(rec, now); err != nil {
			return Record{}, err
		}
	}

	updated, err := s.repo.SetTerminal(ctx, tx, rec.ID, plan.fromState, plan.toState, now)
	if err != nil {
		return Record{}, err
	}

	destination := rec.FreelancerID
	if plan.toState == StateRefunded {
		destination = rec.ClientID
	}
	if err := s.custody.Payout(ctx, tx, rec.ID, destination, rec.Amount); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"previous_state": string(rec.State),
		"next_state":     string(updated.State),
		"destination":    destination,
		"amount":         rec.Amount,
	}
	if plan.note != "" {
		payload["note"] = plan.note
	}
	if err := s.audit(ctx, tx, updated, plan.eventType, plan.topic, plan.actorID, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit %s: %w", plan.op, err)
	}
	return updated, nil
}

// Get returns the full current record plus the computed dispute deadline.
func (s *Service) Get(ctx context.Context, escrowID string) (View, error) {
	rec, err := s.read(ctx, escrowID)
	if err != nil {
		return View{}, err
	}
	view := View{Record: rec}
	if rec.WorkCompletedAt != nil {
		deadline := DisputeDeadline(*rec.WorkCompletedAt, s.windows)
		view.DisputeDeadline = &deadline
	}
	return view, nil
}

// DisputeWindowOpen reports whether the client may still contest at this instant.
func (s *Service) DisputeWindowOpen(ctx context.Context, escrowID string) (bool, error) {
	rec, err := s.read(ctx, escrowID)
	if err != nil {
		return false, err
	}
	if rec.State != StateWorkDone {
		return false, nil
	}
	return DisputeOpen(derefTime(rec.WorkCompletedAt), s.windows, s.now().UTC()), nil
}

// TimeUntilAutoRelease reports how long until auto-release becomes eligible,
// zero when inapplicable or already elapsed.
func (s *Service) TimeUntilAutoRelease(ctx context.Context, escrowID string) (time.Duration, error) {
	rec, err := s.read(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	if rec.State != StateWorkDone || rec.WorkCompletedAt == nil {
		return 0, nil
	}
	remaining := DisputeDeadline(*rec.WorkCompletedAt, s.windows).Sub(s.now().UTC())
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

func (s *Service) read(ctx context.Context, escrowID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, escrowID)
}

func (s *Service) audit(ctx context.Context, tx pgx.Tx, rec Record, eventType, topic, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, 4)
	}
	payload["escrow_id"] = rec.ID
	payload["state"] = string(rec.State)
	if actorID != "" {
		payload["actor_id"] = actorID
	}

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, rec.ID, eventType, payload); err != nil {
			return fmt.Errorf("escrow: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
			return fmt.Errorf("escrow: enqueue outbox: %w", err)
		}
	}
	return nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
