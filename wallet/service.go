package wallet

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Mover abstracts repository operations for the service.
type Mover interface {
	Ensure(ctx context.Context, partyID string) error
	Credit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
	Debit(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error
	Get(ctx context.Context, partyID string) (Balance, error)
}

// Service exposes balance operations. It doubles as the value-transfer
// primitive consumed by custody and as the fund source consumed by deposits.
type Service struct {
	repo Mover
}

// NewService builds a Service using the provided repository.
func NewService(repo Mover) *Service {
	return &Service{repo: repo}
}

// Open ensures the party has a wallet to receive funds into.
func (s *Service) Open(ctx context.Context, partyID string) error {
	return s.repo.Ensure(ctx, partyID)
}

// Send credits the destination inside the caller's transaction.
func (s *Service) Send(ctx context.Context, tx pgx.Tx, destination string, amount int64) error {
	return s.repo.Credit(ctx, tx, destination, amount)
}

// Withdraw debits the party inside the caller's transaction.
func (s *Service) Withdraw(ctx context.Context, tx pgx.Tx, partyID string, amount int64) error {
	return s.repo.Debit(ctx, tx, partyID, amount)
}

// Balance returns the party's current funds.
func (s *Service) Balance(ctx context.Context, partyID string) (Balance, error) {
	return s.repo.Get(ctx, partyID)
}
