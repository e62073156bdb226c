package escrow

import "time"

// State represents the lifecycle position of an escrow instance.
type State string

const (
	StateCreated  State = "created"
	StateFunded   State = "funded"
	StateWorkDone State = "work_done"
	StatePaid     State = "paid"
	StateRefunded State = "refunded"
	StateDisputed State = "disputed"
)

// Record mirrors the escrows table. The three party identities are fixed at
// creation; Amount is zero until the deposit lands and immutable afterwards.
type Record struct {
	ID              string
	ClientID        string
	FreelancerID    string
	ArbiterID       string
	Amount          int64
	State           State
	DisputeReason   *string
	PayoutLocked    bool
	CreatedAt       time.Time
	WorkCompletedAt *time.Time
	UpdatedAt       time.Time
}

// View is the read-only projection served to dashboards: the record plus the
// computed dispute deadline (nil until work is marked complete).
type View struct {
	Record
	DisputeDeadline *time.Time
}

// Windows fixes the two durations shared by every escrow instance: how long
// the client may contest completed work, and how long funds may sit without a
// completion before the client can reclaim them.
type Windows struct {
	Dispute    time.Duration
	AutoRefund time.Duration
}

// DefaultWindows matches the deployed contract terms.
var DefaultWindows = Windows{
	Dispute:    7 * 24 * time.Hour,
	AutoRefund: 30 * 24 * time.Hour,
}
