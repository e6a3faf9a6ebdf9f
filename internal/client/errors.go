package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/kg/internal/jobs"
)

// Sentinel errors for job operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrJobNotFound indicates the server has no job with the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrConfirmationRequired indicates a destructive operation was sent
	// without its explicit confirmation flag.
	ErrConfirmationRequired = errors.New("confirmation required")

	// ErrStreamRejected indicates the server refused the push subscription
	// for a reason other than a transient connection failure.
	ErrStreamRejected = errors.New("stream rejected")

	// ErrStreamUnavailable indicates the push stream could not be kept open
	// after exhausting reconnect attempts.
	ErrStreamUnavailable = errors.New("stream unavailable")
)

// APIError is an error reported by the server in a GraphQL response.
type APIError struct {
	Op      string
	JobID   string
	Message string
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.JobID != "" {
		fmt.Fprintf(&b, "job %s: ", e.JobID)
	}
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap maps well-known server messages to sentinel errors so callers can
// use errors.Is without parsing messages themselves.
func (e *APIError) Unwrap() error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "not found"):
		return ErrJobNotFound
	case strings.Contains(msg, "invalid status transition"),
		strings.Contains(msg, "invalid transition"):
		return jobs.ErrInvalidTransition
	case strings.Contains(msg, "confirmation required"):
		return ErrConfirmationRequired
	}
	return nil
}

// wrapAPIError attaches the operation and job ID to a server error. Transport
// errors are wrapped with the operation name only.
func wrapAPIError(op, jobID string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return &APIError{Op: op, JobID: jobID, Message: apiErr.Message}
	}
	return fmt.Errorf("%s: %w", op, err)
}
