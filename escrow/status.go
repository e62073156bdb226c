package escrow

import "time"

// transitions fixes the legal state graph. Terminal states carry no entries;
// every state-changing operation validates against this table before touching
// the row.
var transitions = map[State][]State{
	StateCreated:  {StateFunded},
	StateFunded:   {StateWorkDone, StateRefunded},
	StateWorkDone: {StatePaid, StateDisputed},
	StateDisputed: {StatePaid, StateRefunded},
}

// CanTransition reports whether the graph permits moving from one state to
// another.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func Terminal(s State) bool {
	return s == StatePaid || s == StateRefunded
}

// DisputeDeadline computes the instant at which the dispute window closes.
// The zero time is returned while work has not been marked complete.
func DisputeDeadline(workCompletedAt time.Time, w Windows) time.Time {
	if workCompletedAt.IsZero() {
		return time.Time{}
	}
	return workCompletedAt.Add(w.Dispute)
}

// DisputeOpen reports whether a dispute may still be raised at now. The
// deadline instant itself belongs to the dispute side of the boundary.
func DisputeOpen(workCompletedAt time.Time, w Windows, now time.Time) bool {
	deadline := DisputeDeadline(workCompletedAt, w)
	if deadline.IsZero() {
		return false
	}
	return !now.After(deadline)
}

// AutoReleaseDue reports whether the dispute window has closed and payment may
// auto-release. For any instant after work completion this is the exact
// complement of DisputeOpen, so no instant allows both or neither.
func AutoReleaseDue(workCompletedAt time.Time, w Windows, now time.Time) bool {
	deadline := DisputeDeadline(workCompletedAt, w)
	if deadline.IsZero() {
		return false
	}
	return now.After(deadline)
}

// RefundDue reports whether enough time has elapsed since creation for the
// client to reclaim funds that were never worked on.
func RefundDue(createdAt time.Time, w Windows, now time.Time) bool {
	return !now.Before(createdAt.Add(w.AutoRefund))
}
