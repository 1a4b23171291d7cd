package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states.
// There is deliberately no retrying state: a failed step fails the job
// permanently, and orphaned jobs (lost runner) go straight to failed.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusAssigned: true, // Queued → Assigned (runner leases the job)
		JobStatusCanceled: true, // Queued → Canceled (user cancels)
	},
	JobStatusAssigned: {
		JobStatusRunning:  true, // Assigned → Running (runner starts execution)
		JobStatusFailed:   true, // Assigned → Failed (runner died before starting)
		JobStatusCanceled: true, // Assigned → Canceled (user cancels)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (all steps exited zero)
		JobStatusFailed:    true, // Running → Failed (step failure, timeout, lost runner)
		JobStatusCanceled:  true, // Running → Canceled (user cancels)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCanceled:  {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCanceled
}

// IsActiveState returns true if the job is actively being processed
func IsActiveState(state JobStatus) bool {
	return state == JobStatusAssigned || state == JobStatusRunning
}
