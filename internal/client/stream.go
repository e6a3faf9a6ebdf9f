package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/metrics"
)

// graphql-transport-ws protocol message types
const (
	gqlConnectionInit      = "connection_init"
	gqlConnectionAck       = "connection_ack"
	gqlSubscribe           = "subscribe"
	gqlNext                = "next"
	gqlError               = "error"
	gqlComplete            = "complete"
	gqlPing                = "ping"
	gqlPong                = "pong"
	gqlConnectionKeepAlive = "ka"
)

const handshakeTimeout = 10 * time.Second

// wsMessage represents a graphql-transport-ws protocol message.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsSubscribePayload is the payload for subscribe messages.
type wsSubscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

const jobEventsSubscription = `
	subscription JobEvents($id: ID!) {
		jobEvents(id: $id) {
			event
			data
		}
	}
`

// JobStream is an open push subscription for one job. Events arrive on
// Events() until a terminal event has been delivered, the stream is closed,
// or reconnects are exhausted; the channel is then closed and Err reports
// why.
type JobStream struct {
	client *Client
	jobID  string
	logger *slog.Logger

	events    chan jobs.Event
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	err    error
}

// OpenJobStream subscribes to push events for jobID. The first connection is
// made synchronously so a server without push support fails here; later
// connection losses are retried in the background.
func (c *Client) OpenJobStream(ctx context.Context, jobID string) (*JobStream, error) {
	conn, err := c.dialJobStream(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s := &JobStream{
		client: c,
		jobID:  jobID,
		logger: c.logger.With("job_id", jobID),
		events: make(chan jobs.Event),
		done:   make(chan struct{}),
		conn:   conn,
	}

	// Handle context cancellation in a separate goroutine
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	go s.run(ctx, conn)
	return s, nil
}

// Events returns the channel events are delivered on.
func (s *JobStream) Events() <-chan jobs.Event {
	return s.events
}

// Err returns the reason the stream ended once Events is closed. It is nil
// after a terminal event or Close.
func (s *JobStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the stream. It is safe to call more than once and from any
// goroutine; no event is delivered after it returns.
func (s *JobStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
	return nil
}

func (s *JobStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// setConn swaps in a reconnected socket, refusing it if the stream was
// closed during the dial.
func (s *JobStream) setConn(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *JobStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// emit delivers e unless the stream is closed. It reports whether the event
// was delivered.
func (s *JobStream) emit(e jobs.Event) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.events <- e:
		return true
	case <-s.done:
		return false
	}
}

func (s *JobStream) run(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.Close()
		close(s.events)
	}()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.client.reconnectInitial
	eb.MaxInterval = s.client.reconnectMax
	eb.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(eb, uint64(max(s.client.maxReconnects, 0)))

	for {
		finished, err := s.read(conn)
		if finished || s.isClosed() {
			return
		}

		s.client.metrics.Inc(metrics.CounterTransportErrors)
		s.logger.Debug("stream connection lost", "error", err)
		if !s.emit(jobs.TransportErrorEvent{Err: err}) {
			return
		}

		conn = nil
		for conn == nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				s.fail(fmt.Errorf("%w: gave up after %d reconnects", ErrStreamUnavailable, s.client.maxReconnects))
				return
			}

			timer := time.NewTimer(wait)
			select {
			case <-s.done:
				timer.Stop()
				return
			case <-timer.C:
			}

			s.client.metrics.Inc(metrics.CounterReconnects)
			c, err := s.client.dialJobStream(ctx, s.jobID)
			if err != nil {
				if s.isClosed() {
					return
				}
				s.client.metrics.Inc(metrics.CounterTransportErrors)
				s.logger.Debug("stream reconnect failed", "error", err)
				if !s.emit(jobs.TransportErrorEvent{Err: err}) {
					return
				}
				continue
			}
			if !s.setConn(c) {
				return
			}
			conn = c
		}
		bo.Reset()
	}
}

// read consumes messages from one connection. It returns finished when the
// stream should end for good (terminal event delivered or stream closed),
// otherwise the transport error that broke the connection.
func (s *JobStream) read(conn *websocket.Conn) (finished bool, err error) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if s.isClosed() {
				return true, nil
			}
			return false, fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case gqlNext:
			ev, err := decodeNext(msg.Payload)
			if err != nil {
				s.client.metrics.Inc(metrics.CounterDroppedEvents)
				s.logger.Warn("dropped malformed event", "error", err)
				continue
			}
			s.client.metrics.Inc(metrics.CounterEvents)
			if !s.emit(ev) {
				return true, nil
			}
			if jobs.IsTerminalEvent(ev) {
				return true, nil
			}

		case gqlError:
			s.client.metrics.Inc(metrics.CounterEvents)
			s.emit(jobs.ErrorEvent{Error: subscriptionErrorMessage(msg.Payload)})
			return true, nil

		case gqlComplete:
			return false, errors.New("subscription completed before a terminal event")

		case gqlPing:
			if err := conn.WriteJSON(wsMessage{Type: gqlPong}); err != nil {
				return false, fmt.Errorf("send pong: %w", err)
			}
			if !s.emit(jobs.KeepaliveEvent{}) {
				return true, nil
			}

		case gqlConnectionKeepAlive:
			if !s.emit(jobs.KeepaliveEvent{}) {
				return true, nil
			}

		default:
			// Ignore unknown message types
			continue
		}
	}
}

func decodeNext(payload json.RawMessage) (jobs.Event, error) {
	var data struct {
		Data struct {
			JobEvents *struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			} `json:"jobEvents"`
		} `json:"data"`
		Errors []graphQLError `json:"errors"`
	}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", jobs.ErrMalformedEvent, err)
	}
	if len(data.Errors) > 0 {
		return jobs.ErrorEvent{Error: data.Errors[0].Message}, nil
	}
	if data.Data.JobEvents == nil {
		return nil, fmt.Errorf("%w: missing jobEvents", jobs.ErrMalformedEvent)
	}
	return jobs.DecodeEvent(data.Data.JobEvents.Event, data.Data.JobEvents.Data)
}

func subscriptionErrorMessage(payload json.RawMessage) string {
	var errs []graphQLError
	if err := json.Unmarshal(payload, &errs); err != nil {
		return string(payload)
	}
	if len(errs) > 0 && errs[0].Message != "" {
		return errs[0].Message
	}
	return "subscription error: unknown"
}

// wsEndpoint converts the HTTP endpoint to its WebSocket form.
func (c *Client) wsEndpoint() (string, error) {
	ep := c.endpoint
	ep = strings.Replace(ep, "http://", "ws://", 1)
	ep = strings.Replace(ep, "https://", "wss://", 1)

	u, err := url.Parse(ep)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	return u.String(), nil
}

// dialJobStream connects, completes the graphql-transport-ws handshake and
// subscribes to jobID's events.
func (c *Client) dialJobStream(ctx context.Context, jobID string) (conn *websocket.Conn, err error) {
	defer c.metrics.Time(metrics.OpStreamConnect, time.Now(), &err)

	endpoint, err := c.wsEndpoint()
	if err != nil {
		return nil, err
	}

	// Connect with graphql-transport-ws subprotocol
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"graphql-transport-ws"},
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("%w: websocket upgrade refused: %s", ErrStreamRejected, resp.Status)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	if err := handshake(conn, jobID); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(conn *websocket.Conn, jobID string) error {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	// Send connection_init
	if err := conn.WriteJSON(wsMessage{Type: gqlConnectionInit}); err != nil {
		return fmt.Errorf("send connection_init: %w", err)
	}

	// Wait for connection_ack
	var ackMsg wsMessage
	if err := conn.ReadJSON(&ackMsg); err != nil {
		return fmt.Errorf("read connection_ack: %w", err)
	}
	if ackMsg.Type != gqlConnectionAck {
		return fmt.Errorf("%w: expected connection_ack, got %s", ErrStreamRejected, ackMsg.Type)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}

	payload, err := json.Marshal(wsSubscribePayload{
		Query:     jobEventsSubscription,
		Variables: map[string]any{"id": jobID},
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	subMsg := wsMessage{
		ID:      uuid.New().String(),
		Type:    gqlSubscribe,
		Payload: payload,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}
