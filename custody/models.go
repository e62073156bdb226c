package custody

import (
	"errors"
	"time"
)

var (
	// ErrReentrantPayout signals a nested fund-moving call while a payout for
	// the same escrow was already in flight.
	ErrReentrantPayout = errors.New("custody: payout already in progress")
	// ErrAlreadyDisbursed signals a second payout attempt for an escrow that
	// already has its single disbursement on record.
	ErrAlreadyDisbursed = errors.New("custody: amount already disbursed")
	// ErrTransferFailed signals the destination refused the funds.
	ErrTransferFailed = errors.New("custody: transfer failed")
)

// Payout mirrors the payouts table. The unique escrow_id constraint makes
// "at most one disbursement per instance lifetime" a database fact.
type Payout struct {
	ID          string
	EscrowID    string
	Destination string
	Amount      int64
	CreatedAt   time.Time
}
