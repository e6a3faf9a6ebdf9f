// Package jobtest provides an in-memory kg job server for tests. It speaks the
// same GraphQL-over-HTTP and graphql-transport-ws protocols as the real server
// for the job operations the client uses.
package jobtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/raphaelgruber/kg/internal/jobs"
)

// DefaultEstimate is attached to jobs submitted without auto-approval.
var DefaultEstimate = jobs.CostEstimate{
	Categories: []jobs.CostCategory{
		{Name: "extraction", Low: 0.07, High: 0.18},
		{Name: "embedding", Low: 0.03, High: 0.07},
	},
	Total: jobs.CostRange{Low: 0.10, High: 0.25},
}

// Server is a fake job server backed by an in-memory store.
type Server struct {
	srv *httptest.Server

	mu            sync.Mutex
	jobs          map[string]*jobs.Job
	order         []string // insertion order
	scripts       map[string]*script
	estimate      jobs.CostEstimate
	warnings      []string
	owner         string
	rejectStreams bool
	failGets      int
	gets          int
	streamConns   int
}

// New starts a fake server that is shut down when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		jobs:     make(map[string]*jobs.Job),
		scripts:  make(map[string]*script),
		estimate: DefaultEstimate,
		owner:    "tester",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the GraphQL endpoint.
func (s *Server) URL() string {
	return s.srv.URL + "/query"
}

// AddJob seeds a job. A zero CreatedAt is set to now; an empty ID gets a UUID.
func (s *Server) AddJob(j jobs.Job) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	s.jobs[j.ID] = &j
	s.order = append(s.order, j.ID)
	return j.ID
}

// Job returns a copy of the stored job.
func (s *Server) Job(id string) (jobs.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return jobs.Job{}, false
	}
	return *j, true
}

// Update mutates a stored job in place.
func (s *Server) Update(id string, fn func(*jobs.Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		fn(j)
	}
}

// Complete marks a job completed with the given summary.
func (s *Server) Complete(id string, summary map[string]int) {
	s.Update(id, func(j *jobs.Job) {
		now := time.Now().UTC()
		j.Status = jobs.StatusCompleted
		j.Result = &jobs.Result{Summary: summary}
		j.CompletedAt = &now
	})
}

// SetEstimate changes the estimate attached to jobs awaiting approval.
func (s *Server) SetEstimate(est jobs.CostEstimate, warnings ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimate = est
	s.warnings = warnings
}

// RejectStreams makes websocket upgrades fail with 403.
func (s *Server) RejectStreams(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectStreams = reject
}

// FailGets makes the next n job queries fail with a server error.
func (s *Server) FailGets(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGets = n
}

// Gets returns how many job queries were served, failed ones included.
func (s *Server) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// StreamConnections returns how many subscriptions were accepted.
func (s *Server) StreamConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamConns
}

// =============================================================================
// GRAPHQL OVER HTTP
// =============================================================================

type request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, field string, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{field: v}})
}

func writeError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":   nil,
		"errors": []gqlError{{Message: msg}},
	})
}

// rootField returns the first top-level field of the first operation and its
// resolved arguments.
func rootField(query string, vars map[string]any) (*ast.Field, map[string]any, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: query})
	if err != nil {
		return nil, nil, fmt.Errorf("parse query: %s", err.Error())
	}
	if len(doc.Operations) == 0 {
		return nil, nil, fmt.Errorf("no operation")
	}
	for _, sel := range doc.Operations[0].SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		args := make(map[string]any, len(field.Arguments))
		for _, arg := range field.Arguments {
			v, err := arg.Value.Value(vars)
			if err != nil {
				return nil, nil, fmt.Errorf("argument %s: %w", arg.Name, err)
			}
			args[arg.Name] = v
		}
		return field, args, nil
	}
	return nil, nil, fmt.Errorf("no field selected")
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleStream(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	field, args, err := rootField(req.Query, req.Variables)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	switch field.Name {
	case "submitJob":
		s.submitJob(w, args)
	case "job":
		s.getJob(w, args)
	case "jobs":
		s.listJobs(w, args)
	case "approveJob":
		s.approveJob(w, args)
	case "cancelJob":
		s.cancelJob(w, args)
	case "clearJobs":
		s.clearJobs(w, args)
	default:
		writeError(w, fmt.Sprintf("unknown field %q", field.Name))
	}
}

func str(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func num(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func (s *Server) submitJob(w http.ResponseWriter, args map[string]any) {
	input, _ := args["input"].(map[string]any)
	jobType, _ := input["type"].(string)
	params, _ := input["params"].(map[string]any)
	autoApprove, _ := input["autoApprove"].(bool)
	force, _ := input["force"].(bool)

	hash, err := jobs.Fingerprint(jobType, params)
	if err != nil {
		writeError(w, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !force {
		for _, id := range s.order {
			j := s.jobs[id]
			if j.ContentHash != hash || j.Status == jobs.StatusFailed || j.Status == jobs.StatusCancelled {
				continue
			}
			writeData(w, "submitJob", jobs.SubmitResult{Duplicate: &jobs.Duplicate{
				ExistingJobID: j.ID,
				Status:        j.Status,
				Result:        j.Result,
			}})
			return
		}
	}

	j := &jobs.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		ContentHash: hash,
		Owner:       s.owner,
		CreatedAt:   time.Now().UTC(),
	}
	if autoApprove {
		j.Status = jobs.StatusQueued
	} else {
		est := s.estimate
		j.Status = jobs.StatusAwaitingApproval
		j.Analysis = &jobs.Analysis{CostEstimate: &est, Warnings: s.warnings}
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)

	writeData(w, "submitJob", jobs.SubmitResult{Job: j})
}

func (s *Server) getJob(w http.ResponseWriter, args map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGets > 0 {
		s.failGets--
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	j, ok := s.jobs[str(args, "id")]
	if !ok {
		writeData(w, "job", nil)
		return
	}
	writeData(w, "job", j)
}

func (s *Server) listJobs(w http.ResponseWriter, args map[string]any) {
	status := jobs.Status(str(args, "status"))
	owner := str(args, "owner")
	jobType := str(args, "type")
	limit := num(args, "limit")
	offset := num(args, "offset")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]jobs.Job, 0, len(s.jobs))
	for _, id := range s.order {
		j := s.jobs[id]
		if status != "" && j.Status != status {
			continue
		}
		if owner != "" && j.Owner != owner {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		out = append(out, *j)
	}
	// Newest first; insertion order breaks ties.
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	writeData(w, "jobs", out)
}

func (s *Server) approveJob(w http.ResponseWriter, args map[string]any) {
	id := str(args, "id")
	by := str(args, "approvedBy")

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		writeError(w, "job not found: "+id)
		return
	}
	// Approval is single-use: only awaiting_approval may be approved here.
	if j.Status != jobs.StatusAwaitingApproval {
		writeError(w, fmt.Sprintf("%s: %s -> %s", jobs.ErrInvalidTransition, j.Status, jobs.StatusApproved))
		return
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusApproved
	j.ApprovedAt = &now
	if by != "" {
		j.ApprovedBy = &by
	}
	writeData(w, "approveJob", j)
}

func (s *Server) cancelJob(w http.ResponseWriter, args map[string]any) {
	id := str(args, "id")

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		writeError(w, "job not found: "+id)
		return
	}
	if err := jobs.ValidateTransition(j.Status, jobs.StatusCancelled); err != nil {
		writeError(w, err.Error())
		return
	}
	now := time.Now().UTC()
	j.Status = jobs.StatusCancelled
	j.CompletedAt = &now
	writeData(w, "cancelJob", j)
}

func (s *Server) clearJobs(w http.ResponseWriter, args map[string]any) {
	confirm, _ := args["confirm"].(bool)
	if !confirm {
		writeError(w, "confirmation required: pass confirm=true to delete jobs")
		return
	}
	status := jobs.Status(str(args, "status"))

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		j := s.jobs[id]
		if j.IsTerminal() && (status == "" || j.Status == status) {
			delete(s.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	writeData(w, "clearJobs", removed)
}
