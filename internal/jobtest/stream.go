package jobtest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/kg/internal/jobs"
)

// Event is one scripted step of a job's push stream.
type Event struct {
	Name  string          // job event name, e.g. jobs.EventProgress
	Data  any             // payload, marshaled to JSON
	Raw   json.RawMessage // sent as the whole next payload instead of Name/Data
	Type  string          // protocol message type ("ka", "ping", "error") instead of a job event
	Drop  bool            // close the connection instead of sending anything
	Delay time.Duration   // wait before sending
}

// Progress scripts a progress event.
func Progress(p jobs.Progress) Event {
	return Event{Name: jobs.EventProgress, Data: p}
}

// Counted scripts a progress event with structured counters.
func Counted(stage string, current, total int) Event {
	return Progress(jobs.Progress{Stage: stage, ItemsProcessed: &current, ItemsTotal: &total})
}

// Completed scripts terminal success.
func Completed(summary map[string]int) Event {
	return Event{Name: jobs.EventCompleted, Data: jobs.Result{Summary: summary}}
}

// Failed scripts terminal failure.
func Failed(msg string) Event {
	return Event{Name: jobs.EventFailed, Data: map[string]string{"error": msg}}
}

// Cancelled scripts terminal cancellation.
func Cancelled(msg string) Event {
	return Event{Name: jobs.EventCancelled, Data: map[string]string{"message": msg}}
}

// StreamError scripts a payload-bearing error event.
func StreamError(msg string) Event {
	return Event{Name: jobs.EventError, Data: map[string]string{"error": msg}}
}

// Hiccup scripts an error event without payload.
func Hiccup() Event {
	return Event{Name: jobs.EventError}
}

// Keepalive scripts a protocol keep-alive.
func Keepalive() Event {
	return Event{Type: "ka"}
}

// Ping scripts a protocol ping the client must answer.
func Ping() Event {
	return Event{Type: "ping"}
}

// Malformed scripts a next message the client cannot decode.
func Malformed() Event {
	return Event{Raw: json.RawMessage(`{"data":{"jobEvents":{"event":"progress","data":"not-an-object"}}}`)}
}

// Drop scripts a connection loss.
func Drop() Event {
	return Event{Drop: true}
}

// script is a job's queued stream steps. Steps are consumed across
// connections, so a reconnecting client continues where the last one stopped.
type script struct {
	steps []Event
	pos   int
}

// Script appends stream steps for a job.
func (s *Server) Script(jobID string, steps ...Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[jobID]
	if !ok {
		sc = &script{}
		s.scripts[jobID] = sc
	}
	sc.steps = append(sc.steps, steps...)
}

// next pops the next scripted step for jobID.
func (s *Server) next(jobID string) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scripts[jobID]
	if !ok || sc.pos >= len(sc.steps) {
		return Event{}, false
	}
	ev := sc.steps[sc.pos]
	sc.pos++
	return ev, true
}

// apply mirrors a scripted job event into the store so point-in-time reads
// agree with what the stream announced.
func (s *Server) apply(jobID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	switch ev.Name {
	case jobs.EventProgress:
		if p, ok := ev.Data.(jobs.Progress); ok {
			j.Progress = &p
		}
		if !j.IsTerminal() {
			j.Status = jobs.StatusProcessing
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
		}
	case jobs.EventCompleted:
		j.Status = jobs.StatusCompleted
		if r, ok := ev.Data.(jobs.Result); ok {
			j.Result = &r
		}
		j.CompletedAt = &now
	case jobs.EventFailed:
		j.Status = jobs.StatusFailed
		if m, ok := ev.Data.(map[string]string); ok {
			msg := m["error"]
			j.Error = &msg
		}
		j.CompletedAt = &now
	case jobs.EventCancelled:
		j.Status = jobs.StatusCancelled
		j.CompletedAt = &now
	}
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"graphql-transport-ws"},
	CheckOrigin:  func(*http.Request) bool { return true },
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectStreams
	s.mu.Unlock()
	if reject {
		http.Error(w, "subscriptions disabled", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var init wsMessage
	if err := conn.ReadJSON(&init); err != nil || init.Type != "connection_init" {
		return
	}
	if err := conn.WriteJSON(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}

	var sub wsMessage
	if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
		return
	}
	var payload struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.Unmarshal(sub.Payload, &payload); err != nil {
		return
	}
	field, args, err := rootField(payload.Query, payload.Variables)
	if err != nil || field.Name != "jobEvents" {
		msg := "unknown subscription"
		if err != nil {
			msg = err.Error()
		}
		writeSubscriptionError(conn, sub.ID, msg)
		return
	}
	jobID := str(args, "id")

	s.mu.Lock()
	_, exists := s.jobs[jobID]
	s.streamConns++
	s.mu.Unlock()
	if !exists {
		writeSubscriptionError(conn, sub.ID, "job not found: "+jobID)
		return
	}

	// Drain client messages (pongs, complete) and notice when it goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, ok := s.next(jobID)
		if !ok {
			select {
			case <-gone:
				return
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}
		if ev.Delay > 0 {
			select {
			case <-gone:
				return
			case <-time.After(ev.Delay):
			}
		}
		if ev.Drop {
			return
		}
		if err := s.send(conn, sub.ID, jobID, ev); err != nil {
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, subID, jobID string, ev Event) error {
	if ev.Type != "" {
		msg := wsMessage{Type: ev.Type}
		if ev.Type == "error" {
			msg.ID = subID
			msg.Payload, _ = json.Marshal([]gqlError{{Message: "subscription failed"}})
		}
		return conn.WriteJSON(msg)
	}

	raw := ev.Raw
	if raw == nil {
		var data json.RawMessage
		if ev.Data != nil {
			b, err := json.Marshal(ev.Data)
			if err != nil {
				return err
			}
			data = b
		}
		b, err := json.Marshal(map[string]any{
			"data": map[string]any{
				"jobEvents": map[string]any{"event": ev.Name, "data": data},
			},
		})
		if err != nil {
			return err
		}
		raw = b
		s.apply(jobID, ev)
	}
	return conn.WriteJSON(wsMessage{ID: subID, Type: "next", Payload: raw})
}

func writeSubscriptionError(conn *websocket.Conn, id, msg string) {
	payload, _ := json.Marshal([]gqlError{{Message: msg}})
	_ = conn.WriteJSON(wsMessage{ID: id, Type: "error", Payload: payload})
}
