package jobs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"manual approval path", StatusPending, StatusAwaitingApproval, false},
		{"auto approve", StatusPending, StatusApproved, false},
		{"approve", StatusAwaitingApproval, StatusApproved, false},
		{"approved to queued", StatusApproved, StatusQueued, false},
		{"queued to processing", StatusQueued, StatusProcessing, false},
		{"processing completes", StatusProcessing, StatusCompleted, false},
		{"processing fails", StatusProcessing, StatusFailed, false},
		{"cancel awaiting", StatusAwaitingApproval, StatusCancelled, false},
		{"cancel approved", StatusApproved, StatusCancelled, false},
		{"cancel queued", StatusQueued, StatusCancelled, false},
		{"cancel processing", StatusProcessing, StatusCancelled, false},
		{"approve twice", StatusApproved, StatusApproved, true},
		{"complete from queued", StatusQueued, StatusCompleted, true},
		{"fail from awaiting", StatusAwaitingApproval, StatusFailed, true},
		{"backward", StatusProcessing, StatusQueued, true},
		{"cancel completed", StatusCompleted, StatusCancelled, true},
		{"double cancel", StatusCancelled, StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.False(t, CanTransition(tt.from, tt.to))
			} else {
				require.NoError(t, err)
				assert.True(t, CanTransition(tt.from, tt.to))
			}
		})
	}
}

func TestValidateTransitionUnknownSource(t *testing.T) {
	err := ValidateTransition("running", StatusCompleted)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidTransition))
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if IsTerminal(from) {
				assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
			}
		}
	}
}

func TestSupersedes(t *testing.T) {
	assert.True(t, Supersedes(StatusQueued, StatusProcessing))
	assert.True(t, Supersedes(StatusProcessing, StatusProcessing))
	assert.True(t, Supersedes(StatusProcessing, StatusCompleted))
	assert.False(t, Supersedes(StatusProcessing, StatusQueued))
	assert.False(t, Supersedes(StatusCompleted, StatusCompleted))
	assert.False(t, Supersedes(StatusCancelled, StatusProcessing))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("awaiting_approval")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingApproval, s)

	_, err = ParseStatus("running")
	assert.Error(t, err)
}

func TestJobValidate(t *testing.T) {
	msg := "boom"
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"completed with result", Job{Status: StatusCompleted, Result: &Result{}}, false},
		{"completed without result", Job{Status: StatusCompleted}, true},
		{"failed with error", Job{Status: StatusFailed, Error: &msg}, false},
		{"failed without error", Job{Status: StatusFailed}, true},
		{"processing with result", Job{Status: StatusProcessing, Result: &Result{}}, true},
		{"queued with error", Job{Status: StatusQueued, Error: &msg}, true},
		{"queued clean", Job{Status: StatusQueued}, false},
		{"unknown status", Job{Status: "running"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		data    string
		want    Event
		wantErr bool
	}{
		{"keepalive", EventKeepalive, "", KeepaliveEvent{}, false},
		{"progress", EventProgress, `{"stage":"chunking","message":"3/10 chunks"}`,
			ProgressEvent{Progress: Progress{Stage: "chunking", Message: "3/10 chunks"}}, false},
		{"progress malformed", EventProgress, `{"stage":`, nil, true},
		{"progress empty", EventProgress, "", nil, true},
		{"completed", EventCompleted, `{"summary":{"concepts":4}}`,
			CompletedEvent{Result: &Result{Summary: map[string]int{"concepts": 4}}}, false},
		{"completed empty", EventCompleted, "null", CompletedEvent{}, false},
		{"failed", EventFailed, `{"error":"extraction failed"}`, FailedEvent{Error: "extraction failed"}, false},
		{"failed no message", EventFailed, `{}`, FailedEvent{Error: "job failed with unknown error"}, false},
		{"cancelled", EventCancelled, `{"message":"cancelled by admin"}`, CancelledEvent{Message: "cancelled by admin"}, false},
		{"error with payload", EventError, `{"error":"job not found"}`, ErrorEvent{Error: "job not found"}, false},
		{"unknown", "telemetry", `{}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.event, json.RawMessage(tt.data))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedEvent))
				return
			}
			require.NoError(t, err)
			if r, ok := tt.want.(CompletedEvent); ok && r.Result != nil {
				c, ok := got.(CompletedEvent)
				require.True(t, ok)
				assert.Equal(t, r.Result.Summary, c.Result.Summary)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeEventErrorWithoutPayloadIsTransport(t *testing.T) {
	for _, data := range []string{"", "null", `{}`} {
		got, err := DecodeEvent(EventError, json.RawMessage(data))
		require.NoError(t, err)
		_, ok := got.(TransportErrorEvent)
		assert.True(t, ok, "payload %q", data)
		assert.False(t, IsTerminalEvent(got))
	}
}

func TestEventFromJob(t *testing.T) {
	msg := "out of credits"
	pct := 40.0

	assert.Equal(t, FailedEvent{Error: msg}, EventFromJob(&Job{Status: StatusFailed, Error: &msg}))
	assert.Equal(t, CancelledEvent{Message: "job cancelled"}, EventFromJob(&Job{Status: StatusCancelled}))
	assert.Nil(t, EventFromJob(&Job{Status: StatusQueued}))

	ev := EventFromJob(&Job{Status: StatusProcessing, Progress: &Progress{Stage: "embedding", Percent: &pct}})
	p, ok := ev.(ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "embedding", p.Progress.Stage)

	st, ok := TerminalStatus(EventFromJob(&Job{Status: StatusCompleted, Result: &Result{}}))
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, st)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(TypeIngestion, map[string]any{"ontology": "docs", "content": "hello"})
	require.NoError(t, err)
	b, err := Fingerprint(TypeIngestion, map[string]any{"content": "hello", "ontology": "docs"})
	require.NoError(t, err)
	c, err := Fingerprint(TypeIngestion, map[string]any{"content": "hello!", "ontology": "docs"})
	require.NoError(t, err)
	d, err := Fingerprint(TypeRestore, map[string]any{"content": "hello", "ontology": "docs"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order must not matter")
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d, "job type is part of the fingerprint")
	assert.Len(t, a, 64)
}
