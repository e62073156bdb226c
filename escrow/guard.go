package escrow

import (
	"errors"
	"fmt"
)

// op names a state-changing operation for authorization purposes.
type op string

const (
	opDeposit              op = "deposit"
	opCompleteWork         op = "complete_work"
	opApproveAndPay        op = "approve_and_pay"
	opAutoRelease          op = "auto_release"
	opRaiseDispute         op = "raise_dispute"
	opResolveForFreelancer op = "resolve_for_freelancer"
	opResolveForClient     op = "resolve_for_client"
	opRequestRefund        op = "request_refund"
)

// role identifies which of the three fixed party identities may invoke an
// operation.
type role int

const (
	roleClient role = iota
	roleFreelancer
	roleArbiter
	roleAnyone
)

var (
	// ErrUnauthorized signals the caller is not the party the operation requires.
	ErrUnauthorized = errors.New("escrow: actor not permitted")
	// ErrBadState signals the operation is not allowed in the current state.
	ErrBadState = errors.New("escrow: operation not allowed in current state")
)

// opRoles is the single authorization table consulted by every operation
// before any transition logic runs. Keeping the policy in one place keeps it
// auditable.
var opRoles = map[op]role{
	opDeposit:              roleClient,
	opCompleteWork:         roleFreelancer,
	opApproveAndPay:        roleClient,
	opAutoRelease:          roleAnyone,
	opRaiseDispute:         roleClient,
	opResolveForFreelancer: roleArbiter,
	opResolveForClient:     roleArbiter,
	opRequestRefund:        roleClient,
}

// authorize resolves the actor against the record's fixed identities.
func authorize(rec Record, o op, actorID string) error {
	required, ok := opRoles[o]
	if !ok {
		return fmt.Errorf("%w: unknown operation %q", ErrUnauthorized, o)
	}
	switch required {
	case roleAnyone:
		return nil
	case roleClient:
		if actorID != "" && actorID == rec.ClientID {
			return nil
		}
	case roleFreelancer:
		if actorID != "" && actorID == rec.FreelancerID {
			return nil
		}
	case roleArbiter:
		if actorID != "" && actorID == rec.ArbiterID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires the %s", ErrUnauthorized, o, roleName(required))
}

func roleName(r role) string {
	switch r {
	case roleClient:
		return "client"
	case roleFreelancer:
		return "freelancer"
	case roleArbiter:
		return "arbiter"
	default:
		return "anyone"
	}
}
