package spec

import "fmt"

// Status is the lifecycle state of a Specification.
type Status string

const (
	StatusNotStarted       Status = "not_started"
	StatusInProgress       Status = "in_progress"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// AllStatuses returns every lifecycle status.
func AllStatuses() []Status {
	return []Status{
		StatusNotStarted,
		StatusInProgress,
		StatusAwaitingApproval,
		StatusPaused,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	}
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the pipeline may still make progress from s,
// possibly after external input (approval, resume).
func (s Status) Active() bool {
	return !s.Terminal()
}

func (s Status) String() string { return string(s) }

// statusTransitions is the allowed edge set of the lifecycle state
// machine. Cancellation is reachable from every non-terminal state.
var statusTransitions = map[Status][]Status{
	StatusNotStarted: {StatusInProgress, StatusCancelled},
	StatusInProgress: {
		StatusAwaitingApproval,
		StatusPaused,
		StatusCompleted,
		StatusFailed,
		StatusCancelled,
	},
	StatusAwaitingApproval: {
		StatusInProgress,
		StatusPaused,
		StatusFailed,
		StatusCancelled,
	},
	StatusPaused: {
		StatusInProgress,
		StatusAwaitingApproval,
		StatusFailed,
		StatusCancelled,
	},
	StatusCompleted: nil,
	StatusFailed:    nil,
	StatusCancelled: nil,
}

// CanTransition reports whether the lifecycle allows moving from one
// status to another. Self-transitions are rejected; callers treat a
// repeated pause or cancel as an idempotent no-op before calling this.
func CanTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition validates and returns the target status, producing a
// descriptive error on an illegal edge.
func Transition(from, to Status) (Status, error) {
	if from == to {
		return from, nil
	}
	if !CanTransition(from, to) {
		return from, fmt.Errorf("illegal status transition %s -> %s", from, to)
	}
	return to, nil
}
