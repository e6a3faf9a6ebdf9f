package client

import (
	"log/slog"
	"net/http"
	"time"
)

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 2 * time.Second

// maxBodyLogLen bounds response bodies quoted in errors.
const maxBodyLogLen = 200

// loggingTransport logs every GraphQL round trip with its timing. Failed
// and slow requests are logged at WARN, the rest at DEBUG.
type loggingTransport struct {
	next   http.RoundTripper
	logger *slog.Logger
}

func newLoggingTransport(next http.RoundTripper, logger *slog.Logger) *loggingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingTransport{next: next, logger: logger}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start)

	attrs := []any{
		"method", req.Method,
		"url", req.URL.Redacted(),
		"duration_ms", duration.Milliseconds(),
	}

	switch {
	case err != nil && req.Context().Err() != nil:
		// Cancelled by the caller, not a server problem.
		t.logger.Debug("request cancelled", attrs...)
	case err != nil:
		attrs = append(attrs, "error", err.Error())
		t.logger.Warn("request failed", attrs...)
	case resp.StatusCode >= http.StatusBadRequest:
		attrs = append(attrs, "status", resp.StatusCode)
		t.logger.Warn("request failed", attrs...)
	case duration > slowRequestThreshold:
		t.logger.Warn("slow request", attrs...)
	default:
		t.logger.Debug("request completed", attrs...)
	}

	return resp, err
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
