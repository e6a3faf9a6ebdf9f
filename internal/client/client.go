// Package client provides a GraphQL client for the kg job server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/metrics"
)

// DefaultEndpoint is used when New is given an empty endpoint.
const DefaultEndpoint = "http://localhost:8484/query"

// Client is a GraphQL client for the kg job server.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector

	maxReconnects    int
	reconnectInitial time.Duration
	reconnectMax     time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger for requests and streams.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request timings and stream counters in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithReconnect bounds stream reconnects: at most attempts redials, with
// exponential backoff between initial and maxInterval. Zero intervals keep
// the defaults.
func WithReconnect(attempts int, initial, maxInterval time.Duration) Option {
	return func(c *Client) {
		c.maxReconnects = attempts
		if initial > 0 {
			c.reconnectInitial = initial
		}
		if maxInterval > 0 {
			c.reconnectMax = maxInterval
		}
	}
}

// New creates a new GraphQL client. If endpoint is empty, DefaultEndpoint is used.
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint:         endpoint,
		httpClient:       &http.Client{Timeout: 10 * time.Minute},
		logger:           slog.Default(),
		maxReconnects:    5,
		reconnectInitial: 250 * time.Millisecond,
		reconnectMax:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	// Copy so a caller-supplied client is not modified.
	hc := *c.httpClient
	hc.Transport = newLoggingTransport(hc.Transport, c.logger)
	c.httpClient = &hc
	return c
}

// graphQLRequest is the request payload for GraphQL operations.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphQLResponse is the response payload from GraphQL operations.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// graphQLError represents a GraphQL error.
type graphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// Execute sends a GraphQL query/mutation and decodes data into result.
// Errors reported by the server are returned as *APIError.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any, result any) error {
	reqBody, err := json.Marshal(graphQLRequest{
		Query:     query,
		Variables: variables,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s - %s", resp.Status, truncate(string(body), maxBodyLogLen))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return &APIError{Message: gqlResp.Errors[0].Message}
	}

	if result != nil && len(gqlResp.Data) > 0 {
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}

	return nil
}

// =============================================================================
// JOB OPERATIONS
// =============================================================================

const jobFields = `
	fragment JobFields on Job {
		id type status contentHash owner
		progress { stage percent itemsProcessed itemsTotal counters message }
		analysis {
			costEstimate { categories { name low high } total { low high } }
			warnings
		}
		result { summary data }
		error createdAt startedAt completedAt approvedAt approvedBy
	}
`

// SubmitJob submits new work. The server either creates a job or, when the
// content hash matches an existing job and Force is unset, returns a
// Duplicate reference instead.
func (c *Client) SubmitJob(ctx context.Context, sub jobs.Submission) (*jobs.SubmitResult, error) {
	const query = `
		mutation SubmitJob($input: SubmitJobInput!) {
			submitJob(input: $input) {
				job { ...JobFields }
				duplicate { existingJobId status result { summary data } }
			}
		}
	` + jobFields

	input := map[string]any{
		"type":        sub.Type,
		"autoApprove": sub.AutoApprove,
		"force":       sub.Force,
	}
	if len(sub.Params) > 0 {
		input["params"] = sub.Params
	}

	var result struct {
		SubmitJob jobs.SubmitResult `json:"submitJob"`
	}
	if err := c.Execute(ctx, query, map[string]any{"input": input}, &result); err != nil {
		return nil, wrapAPIError("submit job", "", err)
	}
	if result.SubmitJob.Job == nil && result.SubmitJob.Duplicate == nil {
		return nil, fmt.Errorf("submit job: empty response")
	}
	return &result.SubmitJob, nil
}

// GetJob retrieves a job by ID. A missing job yields ErrJobNotFound.
func (c *Client) GetJob(ctx context.Context, id string) (job *jobs.Job, err error) {
	defer c.metrics.Time(metrics.OpGetJob, time.Now(), &err)

	const query = `
		query GetJob($id: ID!) {
			job(id: $id) { ...JobFields }
		}
	` + jobFields

	var result struct {
		Job *jobs.Job `json:"job"`
	}
	if err := c.Execute(ctx, query, map[string]any{"id": id}, &result); err != nil {
		return nil, wrapAPIError("get job", id, err)
	}
	if result.Job == nil {
		return nil, &APIError{Op: "get job", JobID: id, Message: "job not found"}
	}
	return result.Job, nil
}

// ListJobsOptions filters ListJobs. Zero values mean no filter.
type ListJobsOptions struct {
	Status jobs.Status
	Owner  string
	Type   string
	Limit  int
	Offset int
}

// ListJobs returns jobs matching opts, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOptions) ([]jobs.Job, error) {
	const query = `
		query ListJobs($status: String, $owner: String, $type: String, $limit: Int, $offset: Int) {
			jobs(status: $status, owner: $owner, type: $type, limit: $limit, offset: $offset) { ...JobFields }
		}
	` + jobFields

	vars := map[string]any{}
	if opts.Status != "" {
		vars["status"] = string(opts.Status)
	}
	if opts.Owner != "" {
		vars["owner"] = opts.Owner
	}
	if opts.Type != "" {
		vars["type"] = opts.Type
	}
	if opts.Limit > 0 {
		vars["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		vars["offset"] = opts.Offset
	}

	var result struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	if err := c.Execute(ctx, query, vars, &result); err != nil {
		return nil, wrapAPIError("list jobs", "", err)
	}
	return result.Jobs, nil
}

// ApproveJob moves a job from awaiting_approval to approved, recording who
// approved it.
func (c *Client) ApproveJob(ctx context.Context, id, approvedBy string) (*jobs.Job, error) {
	const query = `
		mutation ApproveJob($id: ID!, $approvedBy: String) {
			approveJob(id: $id, approvedBy: $approvedBy) { ...JobFields }
		}
	` + jobFields

	vars := map[string]any{"id": id}
	if approvedBy != "" {
		vars["approvedBy"] = approvedBy
	}

	var result struct {
		ApproveJob *jobs.Job `json:"approveJob"`
	}
	if err := c.Execute(ctx, query, vars, &result); err != nil {
		return nil, wrapAPIError("approve job", id, err)
	}
	if result.ApproveJob == nil {
		return nil, &APIError{Op: "approve job", JobID: id, Message: "job not found"}
	}
	return result.ApproveJob, nil
}

// CancelJob cancels a non-terminal job.
func (c *Client) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	const query = `
		mutation CancelJob($id: ID!) {
			cancelJob(id: $id) { ...JobFields }
		}
	` + jobFields

	var result struct {
		CancelJob *jobs.Job `json:"cancelJob"`
	}
	if err := c.Execute(ctx, query, map[string]any{"id": id}, &result); err != nil {
		return nil, wrapAPIError("cancel job", id, err)
	}
	if result.CancelJob == nil {
		return nil, &APIError{Op: "cancel job", JobID: id, Message: "job not found"}
	}
	return result.CancelJob, nil
}

// ClearJobs deletes terminal jobs, optionally only those with status. The
// server refuses unless confirm is true.
func (c *Client) ClearJobs(ctx context.Context, status jobs.Status, confirm bool) (int, error) {
	const query = `
		mutation ClearJobs($confirm: Boolean!, $status: String) {
			clearJobs(confirm: $confirm, status: $status)
		}
	`

	vars := map[string]any{"confirm": confirm}
	if status != "" {
		vars["status"] = string(status)
	}

	var result struct {
		ClearJobs int `json:"clearJobs"`
	}
	if err := c.Execute(ctx, query, vars, &result); err != nil {
		return 0, wrapAPIError("clear jobs", "", err)
	}
	return result.ClearJobs, nil
}
