package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	clientID     = "client-1"
	freelancerID = "freelancer-1"
	arbiterID    = "arbiter-1"
	bystanderID  = "bystander-1"
)

var testWindows = Windows{Dispute: 48 * time.Hour, AutoRefund: 240 * time.Hour}

func TestOpenValidation(t *testing.T) {
	e := newEnv()

	cases := []struct {
		name   string
		params OpenParams
	}{
		{"missing client", OpenParams{FreelancerID: freelancerID, ArbiterID: arbiterID}},
		{"missing freelancer", OpenParams{ClientID: clientID, ArbiterID: arbiterID}},
		{"missing arbiter", OpenParams{ClientID: clientID, FreelancerID: freelancerID}},
		{"client is freelancer", OpenParams{ClientID: clientID, FreelancerID: clientID, ArbiterID: arbiterID}},
	}
	for _, tc := range cases {
		if _, err := e.svc.Open(context.Background(), tc.params); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestOpenRecordsParties(t *testing.T) {
	e := newEnv()

	rec, err := e.svc.Open(context.Background(), OpenParams{ClientID: clientID, FreelancerID: freelancerID, ArbiterID: arbiterID})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.State != StateCreated {
		t.Fatalf("expected state %s got %s", StateCreated, rec.State)
	}
	if rec.Amount != 0 {
		t.Fatalf("expected zero amount before funding, got %d", rec.Amount)
	}
	if !rec.CreatedAt.Equal(e.clock.UTC()) {
		t.Fatalf("expected created at %s got %s", e.clock.UTC(), rec.CreatedAt)
	}

	// The arbiter may coincide with the freelancer; only client/freelancer must differ.
	if _, err := e.svc.Open(context.Background(), OpenParams{ClientID: clientID, FreelancerID: freelancerID, ArbiterID: freelancerID}); err != nil {
		t.Fatalf("open with arbiter == freelancer: %v", err)
	}

	if got := e.timeline.committedTypes(); len(got) == 0 || got[0] != "ESCROW_CREATED" {
		t.Fatalf("expected ESCROW_CREATED event, got %v", got)
	}
	if got := e.outbox.committedTopics(); len(got) == 0 || got[0] != "escrow.created" {
		t.Fatalf("expected escrow.created outbox topic, got %v", got)
	}
}

func TestLifecycleApproval(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.open(t)

	rec, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: clientID, Amount: 100})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if rec.State != StateFunded || rec.Amount != 100 {
		t.Fatalf("expected funded/100, got %s/%d", rec.State, rec.Amount)
	}
	if bal := e.funds.committed[clientID]; bal != 900 {
		t.Fatalf("expected client balance 900 after deposit, got %d", bal)
	}

	rec, err = e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID})
	if err != nil {
		t.Fatalf("complete work: %v", err)
	}
	if rec.State != StateWorkDone {
		t.Fatalf("expected %s got %s", StateWorkDone, rec.State)
	}
	if rec.WorkCompletedAt == nil || !rec.WorkCompletedAt.Equal(e.clock.UTC()) {
		t.Fatalf("expected work_completed_at %s got %v", e.clock.UTC(), rec.WorkCompletedAt)
	}

	rec, err = e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID})
	if err != nil {
		t.Fatalf("approve and pay: %v", err)
	}
	if rec.State != StatePaid {
		t.Fatalf("expected %s got %s", StatePaid, rec.State)
	}

	if len(e.custody.committed) != 1 {
		t.Fatalf("expected exactly one payout, got %d", len(e.custody.committed))
	}
	if p := e.custody.committed[0]; p.destination != freelancerID || p.amount != 100 {
		t.Fatalf("expected 100 to freelancer, got %d to %s", p.amount, p.destination)
	}

	if _, err := e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID}); !errors.Is(err, ErrBadState) {
		t.Fatalf("second approve: expected ErrBadState, got %v", err)
	}
	if len(e.custody.committed) != 1 {
		t.Fatalf("second approve must not add a payout, got %d", len(e.custody.committed))
	}
}

func TestDepositGuards(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.open(t)

	if _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: clientID, Amount: 0}); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: freelancerID, Amount: 100}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for freelancer deposit, got %v", err)
	}
	if _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: "no-such-escrow", ActorID: clientID, Amount: 100}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// A deposit exceeding the client's balance is a transfer-style failure and
	// must leave the record in created with zero amount.
	if _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: clientID, Amount: 10_000}); err == nil {
		t.Fatal("expected error for overdraft deposit")
	}
	rec := e.committedRecord(t, id)
	if rec.State != StateCreated || rec.Amount != 0 {
		t.Fatalf("failed deposit must not change the record, got %s/%d", rec.State, rec.Amount)
	}

	e.deposit(t, id)
	if _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: clientID, Amount: 100}); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState for second deposit, got %v", err)
	}
}

func TestCompleteWorkGuards(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.open(t)

	if _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID}); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState before funding, got %v", err)
	}
	e.deposit(t, id)
	if _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: clientID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for client, got %v", err)
	}
	if _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID}); err != nil {
		t.Fatalf("complete work: %v", err)
	}
	if _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID}); !errors.Is(err, ErrBadState) {
		t.Fatalf("expected ErrBadState for second completion, got %v", err)
	}
}

func TestAutoReleaseAfterWindow(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.workDone(t)

	e.clock = e.clock.Add(testWindows.Dispute + time.Hour)

	if _, err := e.svc.RaiseDispute(ctx, DisputeParams{EscrowID: id, ActorID: clientID, Reason: "too late"}); !errors.Is(err, ErrDisputeWindowClosed) {
		t.Fatalf("expected ErrDisputeWindowClosed, got %v", err)
	}

	// Anyone may trigger the release once the window is shut.
	rec, err := e.svc.AutoRelease(ctx, ActionParams{EscrowID: id, ActorID: bystanderID})
	if err != nil {
		t.Fatalf("auto release: %v", err)
	}
	if rec.State != StatePaid {
		t.Fatalf("expected %s got %s", StatePaid, rec.State)
	}
	if p := e.custody.committed[0]; p.destination != freelancerID {
		t.Fatalf("auto release must pay the freelancer, paid %s", p.destination)
	}
}

func TestAutoReleaseTooEarly(t *testing.T) {
	e := newEnv()
	id := e.workDone(t)

	e.clock = e.clock.Add(testWindows.Dispute - time.Hour)
	if _, err := e.svc.AutoRelease(context.Background(), ActionParams{EscrowID: id, ActorID: bystanderID}); !errors.Is(err, ErrAutoReleaseNotDue) {
		t.Fatalf("expected ErrAutoReleaseNotDue, got %v", err)
	}
	if len(e.custody.committed) != 0 {
		t.Fatal("early auto release must not pay out")
	}
}

// The deadline instant belongs to the dispute side; auto-release opens one
// instant later.
func TestWindowBoundaryOwnership(t *testing.T) {
	ctx := context.Background()

	e := newEnv()
	id := e.workDone(t)
	completed := e.clock
	e.clock = completed.Add(testWindows.Dispute)
	if _, err := e.svc.AutoRelease(ctx, ActionParams{EscrowID: id, ActorID: bystanderID}); !errors.Is(err, ErrAutoReleaseNotDue) {
		t.Fatalf("auto release at the deadline must fail, got %v", err)
	}
	if rec, err := e.svc.RaiseDispute(ctx, DisputeParams{EscrowID: id, ActorID: clientID, Reason: "boundary"}); err != nil || rec.State != StateDisputed {
		t.Fatalf("dispute at the deadline must succeed, got %v (%v)", rec.State, err)
	}

	e = newEnv()
	id = e.workDone(t)
	completed = e.clock
	e.clock = completed.Add(testWindows.Dispute + time.Nanosecond)
	if _, err := e.svc.RaiseDispute(ctx, DisputeParams{EscrowID: id, ActorID: clientID, Reason: "late"}); !errors.Is(err, ErrDisputeWindowClosed) {
		t.Fatalf("dispute past the deadline must fail, got %v", err)
	}
	if rec, err := e.svc.AutoRelease(ctx, ActionParams{EscrowID: id, ActorID: bystanderID}); err != nil || rec.State != StatePaid {
		t.Fatalf("auto release past the deadline must succeed, got %v (%v)", rec.State, err)
	}
}

func TestRefundAfterTimeout(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.open(t)
	e.deposit(t, id)

	if _, err := e.svc.RequestRefund(ctx, RefundParams{EscrowID: id, ActorID: clientID, Note: "impatient"}); !errors.Is(err, ErrRefundNotDue) {
		t.Fatalf("expected ErrRefundNotDue, got %v", err)
	}

	e.clock = e.clock.Add(testWindows.AutoRefund)
	rec, err := e.svc.RequestRefund(ctx, RefundParams{EscrowID: id, ActorID: clientID, Note: "no work delivered"})
	if err != nil {
		t.Fatalf("request refund: %v", err)
	}
	if rec.State != StateRefunded {
		t.Fatalf("expected %s got %s", StateRefunded, rec.State)
	}
	if p := e.custody.committed[0]; p.destination != clientID || p.amount != 100 {
		t.Fatalf("refund must return 100 to the client, got %d to %s", p.amount, p.destination)
	}

	if _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID}); !errors.Is(err, ErrBadState) {
		t.Fatalf("complete work after refund: expected ErrBadState, got %v", err)
	}
}

func TestDisputeResolution(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.workDone(t)

	e.clock = e.clock.Add(time.Hour)
	rec, err := e.svc.RaiseDispute(ctx, DisputeParams{EscrowID: id, ActorID: clientID, Reason: "deliverable incomplete"})
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if rec.State != StateDisputed {
		t.Fatalf("expected %s got %s", StateDisputed, rec.State)
	}
	if rec.DisputeReason == nil || *rec.DisputeReason != "deliverable incomplete" {
		t.Fatalf("expected dispute reason recorded, got %v", rec.DisputeReason)
	}

	if _, err := e.svc.ResolveForClient(ctx, ActionParams{EscrowID: id, ActorID: clientID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("client resolving own dispute: expected ErrUnauthorized, got %v", err)
	}

	rec, err = e.svc.ResolveForClient(ctx, ActionParams{EscrowID: id, ActorID: arbiterID})
	if err != nil {
		t.Fatalf("resolve for client: %v", err)
	}
	if rec.State != StateRefunded {
		t.Fatalf("expected %s got %s", StateRefunded, rec.State)
	}
	if p := e.custody.committed[0]; p.destination != clientID {
		t.Fatalf("expected refund to client, paid %s", p.destination)
	}

	if _, err := e.svc.ResolveForFreelancer(ctx, ActionParams{EscrowID: id, ActorID: arbiterID}); !errors.Is(err, ErrBadState) {
		t.Fatalf("resolve after settlement: expected ErrBadState, got %v", err)
	}
	if len(e.custody.committed) != 1 {
		t.Fatalf("expected a single payout, got %d", len(e.custody.committed))
	}
}

func TestTransferFailureLeavesStateUnchanged(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.workDone(t)
	before := e.committedRecord(t, id)

	e.custody.failErr = fmt.Errorf("destination refused funds")
	if _, err := e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID}); err == nil {
		t.Fatal("expected transfer failure to surface")
	}

	after := e.committedRecord(t, id)
	if after != before {
		t.Fatalf("failed transfer must leave the record unchanged:\nbefore %+v\nafter  %+v", before, after)
	}
	if len(e.custody.committed) != 0 {
		t.Fatal("failed transfer must not record a payout")
	}
	if n := len(e.timeline.committedTypes()); n != e.eventsBeforeFailure {
		t.Fatalf("failed transfer must not append audit events, got %d want %d", n, e.eventsBeforeFailure)
	}

	// The caller may retry; the retry succeeds once the destination accepts.
	e.custody.failErr = nil
	rec, err := e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID})
	if err != nil {
		t.Fatalf("retry after transfer failure: %v", err)
	}
	if rec.State != StatePaid || len(e.custody.committed) != 1 {
		t.Fatalf("expected paid with one payout, got %s with %d", rec.State, len(e.custody.committed))
	}
}

func TestTerminalRejectionsIdempotent(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.workDone(t)
	if _, err := e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	attempts := []func() error{
		func() error { _, err := e.svc.Deposit(ctx, DepositParams{EscrowID: id, ActorID: clientID, Amount: 5}); return err },
		func() error { _, err := e.svc.CompleteWork(ctx, ActionParams{EscrowID: id, ActorID: freelancerID}); return err },
		func() error { _, err := e.svc.ApproveAndPay(ctx, ActionParams{EscrowID: id, ActorID: clientID}); return err },
		func() error { _, err := e.svc.AutoRelease(ctx, ActionParams{EscrowID: id, ActorID: bystanderID}); return err },
		func() error {
			_, err := e.svc.RaiseDispute(ctx, DisputeParams{EscrowID: id, ActorID: clientID, Reason: "x"})
			return err
		},
		func() error { _, err := e.svc.ResolveForFreelancer(ctx, ActionParams{EscrowID: id, ActorID: arbiterID}); return err },
		func() error { _, err := e.svc.ResolveForClient(ctx, ActionParams{EscrowID: id, ActorID: arbiterID}); return err },
		func() error { _, err := e.svc.RequestRefund(ctx, RefundParams{EscrowID: id, ActorID: clientID}); return err },
	}

	for i, attempt := range attempts {
		first := attempt()
		second := attempt()
		if !errors.Is(first, ErrBadState) {
			t.Errorf("attempt %d: expected ErrBadState, got %v", i, first)
			continue
		}
		if second == nil || first.Error() != second.Error() {
			t.Errorf("attempt %d: rejections differ: %v vs %v", i, first, second)
		}
	}
	if len(e.custody.committed) != 1 {
		t.Fatalf("expected a single payout over the lifetime, got %d", len(e.custody.committed))
	}
}

func TestReadSurface(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	id := e.workDone(t)
	completed := e.clock.UTC()

	view, err := e.svc.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.DisputeDeadline == nil || !view.DisputeDeadline.Equal(completed.Add(testWindows.Dispute)) {
		t.Fatalf("expected dispute deadline %s got %v", completed.Add(testWindows.Dispute), view.DisputeDeadline)
	}

	open, err := e.svc.DisputeWindowOpen(ctx, id)
	if err != nil || !open {
		t.Fatalf("expected dispute window open, got %v (%v)", open, err)
	}

	remaining, err := e.svc.TimeUntilAutoRelease(ctx, id)
	if err != nil || remaining != testWindows.Dispute {
		t.Fatalf("expected %s until auto release, got %s (%v)", testWindows.Dispute, remaining, err)
	}

	e.clock = e.clock.Add(testWindows.Dispute + time.Hour)
	if open, _ := e.svc.DisputeWindowOpen(ctx, id); open {
		t.Fatal("expected dispute window closed")
	}
	if remaining, _ := e.svc.TimeUntilAutoRelease(ctx, id); remaining != 0 {
		t.Fatalf("expected zero remaining after window, got %s", remaining)
	}
}

// Every operation attempted from every reachable state either matches the
// transition table or is rejected without effect.
func TestAcceptanceGrid(t *testing.T) {
	type outcome int
	const (
		ok outcome = iota
		badState
		window
	)

	ops := []struct {
		name   string
		invoke func(e *env, id string) error
	}{
		{"deposit", func(e *env, id string) error {
			_, err := e.svc.Deposit(context.Background(), DepositParams{EscrowID: id, ActorID: clientID, Amount: 100})
			return err
		}},
		{"complete_work", func(e *env, id string) error {
			_, err := e.svc.CompleteWork(context.Background(), ActionParams{EscrowID: id, ActorID: freelancerID})
			return err
		}},
		{"approve_and_pay", func(e *env, id string) error {
			_, err := e.svc.ApproveAndPay(context.Background(), ActionParams{EscrowID: id, ActorID: clientID})
			return err
		}},
		{"auto_release", func(e *env, id string) error {
			_, err := e.svc.AutoRelease(context.Background(), ActionParams{EscrowID: id, ActorID: bystanderID})
			return err
		}},
		{"raise_dispute", func(e *env, id string) error {
			_, err := e.svc.RaiseDispute(context.Background(), DisputeParams{EscrowID: id, ActorID: clientID, Reason: "r"})
			return err
		}},
		{"resolve_for_freelancer", func(e *env, id string) error {
			_, err := e.svc.ResolveForFreelancer(context.Background(), ActionParams{EscrowID: id, ActorID: arbiterID})
			return err
		}},
		{"resolve_for_client", func(e *env, id string) error {
			_, err := e.svc.ResolveForClient(context.Background(), ActionParams{EscrowID: id, ActorID: arbiterID})
			return err
		}},
		{"request_refund", func(e *env, id string) error {
			_, err := e.svc.RequestRefund(context.Background(), RefundParams{EscrowID: id, ActorID: clientID})
			return err
		}},
	}

	// Expected outcomes with the clock held inside both windows.
	grid := map[State]map[string]outcome{
		StateCreated:  {"deposit": ok},
		StateFunded:   {"complete_work": ok, "request_refund": window},
		StateWorkDone: {"approve_and_pay": ok, "raise_dispute": ok, "auto_release": window},
		StateDisputed: {"resolve_for_freelancer": ok, "resolve_for_client": ok},
		StatePaid:     {},
		StateRefunded: {},
	}

	seed := map[State]func(e *env, t *testing.T) string{
		StateCreated:  func(e *env, t *testing.T) string { return e.open(t) },
		StateFunded:   func(e *env, t *testing.T) string { id := e.open(t); e.deposit(t, id); return id },
		StateWorkDone: func(e *env, t *testing.T) string { return e.workDone(t) },
		StateDisputed: func(e *env, t *testing.T) string {
			id := e.workDone(t)
			if _, err := e.svc.RaiseDispute(context.Background(), DisputeParams{EscrowID: id, ActorID: clientID, Reason: "seed"}); err != nil {
				t.Fatalf("seed dispute: %v", err)
			}
			return id
		},
		StatePaid: func(e *env, t *testing.T) string {
			id := e.workDone(t)
			if _, err := e.svc.ApproveAndPay(context.Background(), ActionParams{EscrowID: id, ActorID: clientID}); err != nil {
				t.Fatalf("seed paid: %v", err)
			}
			return id
		},
		StateRefunded: func(e *env, t *testing.T) string {
			id := e.workDone(t)
			if _, err := e.svc.RaiseDispute(context.Background(), DisputeParams{EscrowID: id, ActorID: clientID, Reason: "seed"}); err != nil {
				t.Fatalf("seed dispute: %v", err)
			}
			if _, err := e.svc.ResolveForClient(context.Background(), ActionParams{EscrowID: id, ActorID: arbiterID}); err != nil {
				t.Fatalf("seed refund: %v", err)
			}
			return id
		},
	}

	for state, expectations := range grid {
		for _, op := range ops {
			e := newEnv()
			id := seed[state](e, t)

			want, listed := expectations[op.name]
			if !listed {
				want = badState
			}

			err := op.invoke(e, id)
			switch want {
			case ok:
				if err != nil {
					t.Errorf("state %s op %s: expected success, got %v", state, op.name, err)
				}
			case badState:
				if !errors.Is(err, ErrBadState) {
					t.Errorf("state %s op %s: expected ErrBadState, got %v", state, op.name, err)
				}
			case window:
				if !errors.Is(err, ErrAutoReleaseNotDue) && !errors.Is(err, ErrRefundNotDue) {
					t.Errorf("state %s op %s: expected a window failure, got %v", state, op.name, err)
				}
			}
		}
	}
}

// --- test environment ---

type env struct {
	pool     *fakePool
	repo     *memRepo
	funds    *memFunds
	custody  *fakeCustody
	timeline *memTimeline
	outbox   *memOutbox
	svc      *Service
	clock    time.Time

	eventsBeforeFailure int
	nextID              int
}

func newEnv() *env {
	e := &env{
		repo:     newMemRepo(),
		funds:    newMemFunds(map[string]int64{clientID: 1_000}),
		custody:  &fakeCustody{},
		timeline: &memTimeline{},
		outbox:   &memOutbox{},
		clock:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	e.pool = &fakePool{parts: []txPart{e.repo, e.funds, e.custody, e.timeline, e.outbox}}
	e.svc = NewService(e.pool, e.repo, e.custody, e.funds, e.timeline, e.outbox).
		WithClock(func() time.Time { return e.clock }).
		WithWindows(testWindows).
		WithIDGenerator(func() string { e.nextID++; return fmt.Sprintf("escrow-%d", e.nextID) })
	return e
}

func (e *env) open(t *testing.T) string {
	t.Helper()
	rec, err := e.svc.Open(context.Background(), OpenParams{ClientID: clientID, FreelancerID: freelancerID, ArbiterID: arbiterID})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return rec.ID
}

func (e *env) deposit(t *testing.T, id string) {
	t.Helper()
	if _, err := e.svc.Deposit(context.Background(), DepositParams{EscrowID: id, ActorID: clientID, Amount: 100}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (e *env) workDone(t *testing.T) string {
	t.Helper()
	id := e.open(t)
	e.deposit(t, id)
	if _, err := e.svc.CompleteWork(context.Background(), ActionParams{EscrowID: id, ActorID: freelancerID}); err != nil {
		t.Fatalf("complete work: %v", err)
	}
	e.eventsBeforeFailure = len(e.timeline.committedTypes())
	return id
}

func (e *env) committedRecord(t *testing.T, id string) Record {
	t.Helper()
	rec, ok := e.repo.committed[id]
	if !ok {
		t.Fatalf("no committed record %s", id)
	}
	return rec
}

// txPart is a component whose writes stage with the fake transaction and only
// land on commit, mirroring the rollback semantics the service relies on.
type txPart interface {
	begin()
	commit()
	rollback()
}

type fakePool struct {
	parts []txPart
	tx    *fakeTx
}

func (p *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	for _, part := range p.parts {
		part.begin()
	}
	p.tx = &fakeTx{pool: p}
	return p.tx, nil
}

type fakeTx struct {
	pool      *fakePool
	committed bool
	rolled    bool
}

func (f *fakeTx) Commit(context.Context) error {
	if f.committed || f.rolled {
		return errors.New("fakeTx: already closed")
	}
	f.committed = true
	for _, part := range f.pool.parts {
		part.commit()
	}
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if f.committed || f.rolled {
		return pgx.ErrTxClosed
	}
	f.rolled = true
	for _, part := range f.pool.parts {
		part.rollback()
	}
	return nil
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

// memRepo implements EscrowRepository against staged in-memory maps.
type memRepo struct {
	committed map[string]Record
	working   map[string]Record
}

func newMemRepo() *memRepo {
	return &memRepo{committed: make(map[string]Record)}
}

func (m *memRepo) begin()    { m.working = cloneRecords(m.committed) }
func (m *memRepo) commit()   { m.committed = cloneRecords(m.working) }
func (m *memRepo) rollback() { m.working = nil }

func cloneRecords(src map[string]Record) map[string]Record {
	dst := make(map[string]Record, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (m *memRepo) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	if _, exists := m.working[rec.ID]; exists {
		return Record{}, ErrDuplicateID
	}
	rec.UpdatedAt = rec.CreatedAt
	m.working[rec.ID] = rec
	return rec, nil
}

func (m *memRepo) Get(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	rec, ok := m.working[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *memRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return m.Get(ctx, tx, id)
}

func (m *memRepo) SetFunded(ctx context.Context, tx pgx.Tx, id string, amount int64, at time.Time) (Record, error) {
	rec, ok := m.working[id]
	if !ok || rec.State != StateCreated || rec.Amount != 0 {
		return Record{}, fmt.Errorf("escrow: fund %s: %w", id, ErrBadState)
	}
	rec.State = StateFunded
	rec.Amount = amount
	rec.UpdatedAt = at
	m.working[id] = rec
	return rec, nil
}

func (m *memRepo) SetWorkDone(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Record, error) {
	rec, ok := m.working[id]
	if !ok || rec.State != StateFunded || rec.WorkCompletedAt != nil {
		return Record{}, fmt.Errorf("escrow: complete work %s: %w", id, ErrBadState)
	}
	rec.State = StateWorkDone
	completed := at
	rec.WorkCompletedAt = &completed
	rec.UpdatedAt = at
	m.working[id] = rec
	return rec, nil
}

func (m *memRepo) SetDisputed(ctx context.Context, tx pgx.Tx, id, reason string, at time.Time) (Record, error) {
	rec, ok := m.working[id]
	if !ok || rec.State != StateWorkDone {
		return Record{}, fmt.Errorf("escrow: dispute %s: %w", id, ErrBadState)
	}
	rec.State = StateDisputed
	rec.DisputeReason = &reason
	rec.UpdatedAt = at
	m.working[id] = rec
	return rec, nil
}

func (m *memRepo) SetTerminal(ctx context.Context, tx pgx.Tx, id string, from, to State, at time.Time) (Record, error) {
	rec, ok := m.working[id]
	if !ok || rec.State != from {
		return Record{}, fmt.Errorf("escrow: settle %s: %w", id, ErrBadState)
	}
	rec.State = to
	rec.UpdatedAt = at
	m.working[id] = rec
	return rec, nil
}

// memFunds implements FundSource with staged balances.
type memFunds struct {
	committed map[string]int64
	working   map[string]int64
}

func newMemFunds(initial map[string]int64) *memFunds {
	return &memFunds{committed: initial}
}

func (m *memFunds) begin() {
	m.working = make(map[string]int64, len(m.committed))
	for k, v := range m.committed {
		m.working[k] = v
	}
}

func (m *memFunds) commit()   { m.committed = m.working }
func (m *memFunds) rollback() { m.working = nil }

func (m *memFunds) Withdraw(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	if m.working[partyID] < amount {
		return fmt.Errorf("wallet: insufficient funds for %s", partyID)
	}
	m.working[partyID] -= amount
	return nil
}

type payoutCall struct {
	escrowID    string
	destination string
	amount      int64
}

// fakeCustody implements PayoutExecutor, staging payouts with the transaction.
type fakeCustody struct {
	committed []payoutCall
	staged    []payoutCall
	failErr   error
}

func (f *fakeCustody) begin()    { f.staged = nil }
func (f *fakeCustody) commit()   { f.committed = append(f.committed, f.staged...); f.staged = nil }
func (f *fakeCustody) rollback() { f.staged = nil }

func (f *fakeCustody) Payout(ctx context.Context, tx pgx.Tx, escrowID, destination string, amount int64) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.staged = append(f.staged, payoutCall{escrowID: escrowID, destination: destination, amount: amount})
	return nil
}

type auditEntry struct {
	escrowID string
	kind     string
}

type memTimeline struct {
	committed []auditEntry
	staged    []auditEntry
}

func (m *memTimeline) begin()    { m.staged = nil }
func (m *memTimeline) commit()   { m.committed = append(m.committed, m.staged...); m.staged = nil }
func (m *memTimeline) rollback() { m.staged = nil }

func (m *memTimeline) Append(ctx context.Context, tx pgx.Tx, escrowID string, eventType string, payload map[string]any) error {
	m.staged = append(m.staged, auditEntry{escrowID: escrowID, kind: eventType})
	return nil
}

func (m *memTimeline) committedTypes() []string {
	out := make([]string, 0, len(m.committed))
	for _, e := range m.committed {
		out = append(out, e.kind)
	}
	return out
}

type memOutbox struct {
	committed []auditEntry
	staged    []auditEntry
}

func (m *memOutbox) begin()    { m.staged = nil }
func (m *memOutbox) commit()   { m.committed = append(m.committed, m.staged...); m.staged = nil }
func (m *memOutbox) rollback() { m.staged = nil }

func (m *memOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	m.staged = append(m.staged, auditEntry{kind: topic})
	return nil
}

func (m *memOutbox) committedTopics() []string {
	out := make([]string, 0, len(m.committed))
	for _, e := range m.committed {
		out = append(out, e.kind)
	}
	return out
}
