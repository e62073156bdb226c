package audit

import "time"

// Event captures an immutable record of one escrow transition.
type Event struct {
	ID        int64
	EscrowID  string
	Type      string
	ActorID   *string
	CreatedAt time.Time
	Payload   []byte
}

// Message represents a transactional outbox entry awaiting delivery.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}
