package client

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			http.Error(w, strings.Repeat("x", 500), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Run("success at debug", func(t *testing.T) {
		buf.Reset()
		c := New(srv.URL, WithLogger(logger), WithTimeout(5*time.Second))
		require.NoError(t, c.Execute(context.Background(), "{ ok }", nil, nil))
		assert.Contains(t, buf.String(), "level=DEBUG")
		assert.Contains(t, buf.String(), "request completed")
	})

	t.Run("server error at warn with truncated body", func(t *testing.T) {
		buf.Reset()
		c := New(srv.URL+"?fail=1", WithLogger(logger), WithTimeout(5*time.Second))
		err := c.Execute(context.Background(), "{ ok }", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "...")
		assert.Less(t, len(err.Error()), 300)

		assert.Contains(t, buf.String(), "level=WARN")
		assert.Contains(t, buf.String(), "status=503")
	})

	t.Run("caller cancellation at debug", func(t *testing.T) {
		buf.Reset()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := New(srv.URL, WithLogger(logger), WithTimeout(5*time.Second))
		require.Error(t, c.Execute(ctx, "{ ok }", nil, nil))
		assert.NotContains(t, buf.String(), "level=WARN")
	})
}

func TestNewDoesNotModifyCallerClient(t *testing.T) {
	hc := &http.Client{}
	New("http://localhost:1/query", WithHTTPClient(hc))
	assert.Nil(t, hc.Transport)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
