package bridge

import (
	"fmt"
	"time"
)

// State of a transfer. States only move forward, one at a time, or to StateFailed.
type State int

const (
	StateCreated State = iota
	StateInitiated
	StateConfirmed
	StateProven
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitiated:
		return "INITIATED"
	case StateConfirmed:
		return "CONFIRMED"
	case StateProven:
		return "PROVEN"
	case StateFinalized:
		return "FINALIZED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

func (s State) CanTransition(to State) bool {
	if s.Terminal() || s < StateCreated || s > StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == s+1
}

// Record is the persisted progress of one transfer.
type Record struct {
	Transfer  Transfer
	State     State
	Confirmed *ConfirmedTransaction
	Proof     *Proof
	Outcome   *Outcome
	// InitiateAttempted is stored before the locking transaction is built so that a
	// crash during broadcast never leads to a second lock.
	InitiateAttempted bool
	LastError         string
	UpdatedAt         time.Time
}

func (r *Record) advance(to State, now time.Time) error {
	if !r.State.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s for transfer %s", r.State, to, r.Transfer.ID)
	}
	r.State = to
	r.UpdatedAt = now
	return nil
}

// Store persists records keyed by transfer id.
type Store interface {
	Get(id string) (*Record, bool, error)
	Put(rec *Record) error
	// Pending returns every record that is not in a terminal state.
	Pending() ([]*Record, error)
}
