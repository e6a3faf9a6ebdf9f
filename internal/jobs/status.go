package jobs

import (
	"errors"
	"fmt"
)

// Status is the single authoritative lifecycle field of a job.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusQueued           Status = "queued"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid status transition")

// validTransitions maps from-state to allowed to-states.
// pending -> approved is the auto-approve path; the server drives it.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusAwaitingApproval: true,
		StatusApproved:         true,
		StatusCancelled:        true,
	},
	StatusAwaitingApproval: {
		StatusApproved:  true,
		StatusCancelled: true,
	},
	StatusApproved: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// Terminal
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// order ranks states along the lifecycle so observers can discard snapshots
// that would move a job backward.
var order = map[Status]int{
	StatusPending:          0,
	StatusAwaitingApproval: 1,
	StatusApproved:         2,
	StatusQueued:           3,
	StatusProcessing:       4,
	StatusCompleted:        5,
	StatusFailed:           5,
	StatusCancelled:        5,
}

// AllStatuses lists every state in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusAwaitingApproval, StatusApproved, StatusQueued,
		StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled,
	}
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no further transition follows s.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to is a single allowed step.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition (wrapped with both states)
// when from -> to is not allowed.
func ValidateTransition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Supersedes reports whether a snapshot in state next may replace one in
// state prev. Equal states supersede (newer progress within a state); a
// terminal state is never superseded.
func Supersedes(prev, next Status) bool {
	if IsTerminal(prev) {
		return false
	}
	return order[next] >= order[prev]
}
