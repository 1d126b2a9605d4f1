package phase

import (
	"errors"
	"time"

	"github.com/vietddude/bootwatch/internal/core/domain"
)

// Status is an alias for domain.PhaseStatus for internal use.
type Status = domain.PhaseStatus

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[Status][]Status{
	domain.PhaseStatusPending: {
		domain.PhaseStatusRunning,
		domain.PhaseStatusSkipped,
		domain.PhaseStatusFailed,
	},
	domain.PhaseStatusRunning: {
		domain.PhaseStatusCompleted,
		domain.PhaseStatusFailed,
		domain.PhaseStatusSkipped,
		domain.PhaseStatusRolledBack,
	},
	domain.PhaseStatusCompleted: {domain.PhaseStatusRolledBack},
	domain.PhaseStatusFailed:    {domain.PhaseStatusSkipped},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to Status) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}

	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      Status
	To        Status
	Attempt   int
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to Status, attempt int, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Attempt:   attempt,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StatusDescription returns a human-readable description of a status.
func StatusDescription(s Status) string {
	switch s {
	case domain.PhaseStatusPending:
		return "Pending - not yet started"
	case domain.PhaseStatusRunning:
		return "Running - body in progress"
	case domain.PhaseStatusCompleted:
		return "Completed - body succeeded"
	case domain.PhaseStatusFailed:
		return "Failed - attempts exhausted or refused"
	case domain.PhaseStatusSkipped:
		return "Skipped - bypassed after failure or by safe mode"
	case domain.PhaseStatusRolledBack:
		return "Rolled back - effects undone during unwind"
	default:
		return "Unknown status"
	}
}
