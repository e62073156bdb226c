package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Transferer is the outbound value-transfer primitive. It runs inside the
// transition's transaction; a returned error must leave no effect behind.
type Transferer interface {
	Send(ctx context.Context, tx pgx.Tx, destination string, amount int64) error
}

// Ledger abstracts the payout repository for testability.
type Ledger interface {
	Lock(ctx context.Context, tx pgx.Tx, escrowID string) error
	Unlock(ctx context.Context, tx pgx.Tx, escrowID string) error
	Record(ctx context.Context, tx pgx.Tx, p Payout) error
}

// Service executes the single outbound transfer of a terminal transition. Two
// guards stack: an in-process held/not-held flag per escrow rejects a transfer
// callback that re-enters before the outer call returns, and the payouts
// unique key rejects a second disbursement across transactions.
type Service struct {
	repo       Ledger
	transferer Transferer

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewService(repo Ledger, transferer Transferer) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		repo:       repo,
		transferer: transferer,
		inFlight:   make(map[string]struct{}),
	}
}

// Payout disburses the full escrowed amount to destination. It is called only
// from a transition already guarded by the state machine; the caller commits
// on success and rolls everything back on error.
func (s *Service) Payout(ctx context.Context, tx pgx.Tx, escrowID, destination string, amount int64) error {
	if destination == "" {
		return fmt.Errorf("custody: empty destination")
	}
	if amount <= 0 {
		return fmt.Errorf("custody: non-positive amount %d", amount)
	}

	if !s.enter(escrowID) {
		return ErrReentrantPayout
	}
	defer s.leave(escrowID)

	if err := s.repo.Lock(ctx, tx, escrowID); err != nil {
		return err
	}
	if err := s.repo.Record(ctx, tx, Payout{EscrowID: escrowID, Destination: destination, Amount: amount}); err != nil {
		return err
	}
	if err := s.transferer.Send(ctx, tx, destination, amount); err != nil {
		return fmt.Errorf("%w: send %d to %s: %v", ErrTransferFailed, amount, destination, err)
	}
	return s.repo.Unlock(ctx, tx, escrowID)
}

func (s *Service) enter(escrowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.inFlight[escrowID]; held {
		return false
	}
	s.inFlight[escrowID] = struct{}{}
	return true
}

func (s *Service) leave(escrowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, escrowID)
}
