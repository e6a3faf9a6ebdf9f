package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names on the push stream.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventError     = "error"
	EventKeepalive = "keepalive"
)

// ErrMalformedEvent marks a push event whose payload could not be decoded.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one notification about a tracked job. The concrete types below
// are the complete set; consumers switch over them exhaustively.
type Event interface {
	event()
}

// ProgressEvent is an incremental update.
type ProgressEvent struct {
	Progress Progress
}

// CompletedEvent is terminal success.
type CompletedEvent struct {
	Result *Result
}

// FailedEvent is terminal failure of the job itself.
type FailedEvent struct {
	Error string
}

// CancelledEvent is terminal cancellation.
type CancelledEvent struct {
	Message string
}

// ErrorEvent is a payload-bearing protocol error such as job not found. It
// ends tracking but says nothing about the job's own status.
type ErrorEvent struct {
	Error string
}

// TransportErrorEvent is a connection hiccup without payload. It is never
// surfaced to callers.
type TransportErrorEvent struct {
	Err error
}

// KeepaliveEvent signals connection liveness.
type KeepaliveEvent struct{}

func (ProgressEvent) event()       {}
func (CompletedEvent) event()      {}
func (FailedEvent) event()         {}
func (CancelledEvent) event()      {}
func (ErrorEvent) event()          {}
func (TransportErrorEvent) event() {}
func (KeepaliveEvent) event()      {}

// IsTerminalEvent reports whether e ends a tracking operation.
func IsTerminalEvent(e Event) bool {
	switch e.(type) {
	case CompletedEvent, FailedEvent, CancelledEvent, ErrorEvent:
		return true
	default:
		return false
	}
}

// TerminalStatus maps a terminal job event to the job status it implies.
// ErrorEvent has no job status and returns false.
func TerminalStatus(e Event) (Status, bool) {
	switch e.(type) {
	case CompletedEvent:
		return StatusCompleted, true
	case FailedEvent:
		return StatusFailed, true
	case CancelledEvent:
		return StatusCancelled, true
	default:
		return "", false
	}
}

// DecodeEvent turns a named event and its JSON payload into an Event.
// An "error" event with no payload is a transport error.
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	empty := len(data) == 0 || string(data) == "null"

	switch name {
	case EventKeepalive:
		return KeepaliveEvent{}, nil

	case EventProgress:
		if empty {
			return nil, fmt.Errorf("%w: progress without payload", ErrMalformedEvent)
		}
		var p Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: progress: %v", ErrMalformedEvent, err)
		}
		return ProgressEvent{Progress: p}, nil

	case EventCompleted:
		if empty {
			return CompletedEvent{}, nil
		}
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: completed: %v", ErrMalformedEvent, err)
		}
		return CompletedEvent{Result: &r}, nil

	case EventFailed:
		var p struct {
			Error string `json:"error"`
		}
		if !empty {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("%w: failed: %v", ErrMalformedEvent, err)
			}
		}
		if p.Error == "" {
			p.Error = "job failed with unknown error"
		}
		return FailedEvent{Error: p.Error}, nil

	case EventCancelled:
		var p struct {
			Message string `json:"message"`
		}
		if !empty {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("%w: cancelled: %v", ErrMalformedEvent, err)
			}
		}
		return CancelledEvent{Message: p.Message}, nil

	case EventError:
		if empty {
			return TransportErrorEvent{Err: errors.New("stream error without payload")}, nil
		}
		var p struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformedEvent, err)
		}
		if p.Error == "" {
			return TransportErrorEvent{Err: errors.New("stream error without message")}, nil
		}
		return ErrorEvent{Error: p.Error}, nil
	}

	return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, name)
}

// EventFromJob derives the event a poll observation corresponds to: the
// terminal event for a terminal status, a progress event when the job
// carries a progress snapshot, or nil when there is nothing to report.
func EventFromJob(j *Job) Event {
	switch j.Status {
	case StatusCompleted:
		return CompletedEvent{Result: j.Result}
	case StatusFailed:
		msg := j.ErrorMessage()
		if msg == "" {
			msg = "job failed with unknown error"
		}
		return FailedEvent{Error: msg}
	case StatusCancelled:
		return CancelledEvent{Message: "job cancelled"}
	}
	if j.Progress != nil {
		return ProgressEvent{Progress: *j.Progress}
	}
	return nil
}
