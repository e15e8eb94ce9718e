package ai

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownModel       = errors.New("unknown model")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrMissingCredentials = errors.New("missing provider credentials")
	ErrNoTaskID           = errors.New("provider returned no task id")
	ErrNoOutput           = errors.New("provider returned no usable output")
	ErrPollTimeout        = errors.New("timed out waiting for provider task")
)

// StatusError is a non-success answer from a provider, either an HTTP status
// outside 2xx or a business error code inside a 2xx envelope.
type StatusError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code %s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// TaskFailedError is a provider-side terminal failure of an accepted task.
type TaskFailedError struct {
	Provider string
	TaskID   string
	Reason   string
}

func (e *TaskFailedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("%s: task %s failed: %s", e.Provider, e.TaskID, reason)
}
