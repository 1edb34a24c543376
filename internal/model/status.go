package model

import "fmt"

// Status is shared by scan jobs and scan tasks.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

var transitions = map[Status][]Status{
	StatusCreated: {StatusPending},
	StatusPending: {StatusRunning, StatusCanceled, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCanceled, StatusPaused},
	StatusPaused:  {StatusPending, StatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the job/task state graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns an error wrapping ErrInvalidTransition
// when the edge does not exist.
func Transition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
