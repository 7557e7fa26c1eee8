package agent

import (
	"errors"
	"fmt"
)

// ErrRunTimeout is returned when a run does not finish within the query
// timeout.
var ErrRunTimeout = errors.New("agent run timed out")

// StatusError is returned for non-2xx responses from the agent.
type StatusError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("agent API error (status %d)", e.StatusCode)
}

// RunError is returned when a run ends in a state other than completed.
type RunError struct {
	RunID   string
	Status  string
	Code    string
	Message string
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("agent run %s ended with status %s", e.RunID, e.Status)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// NewRunError builds a RunError from a terminal run.
func NewRunError(r *Run) *RunError {
	e := &RunError{RunID: r.ID, Status: r.Status}
	if r.LastError != nil {
		e.Code = r.LastError.Code
		e.Message = r.LastError.Message
	}
	return e
}
