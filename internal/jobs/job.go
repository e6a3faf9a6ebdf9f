// Package jobs defines the job record observed by the kg client and the
// lifecycle rules the server enforces on it.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job types known to the client. The server may add more; unknown types are
// still tracked, just without declared stages.
const (
	TypeIngestion = "ingestion"
	TypeRestore   = "restore"
	TypeBackup    = "backup"
)

// Job is a point-in-time snapshot of a unit of remote work.
// The client never mutates a Job; it only observes successive snapshots.
type Job struct {
	ID          string     `json:"id" yaml:"id"`
	Type        string     `json:"type" yaml:"type"`
	Status      Status     `json:"status" yaml:"status"`
	ContentHash string     `json:"contentHash,omitempty" yaml:"content_hash,omitempty"`
	Owner       string     `json:"owner,omitempty" yaml:"owner,omitempty"`
	Progress    *Progress  `json:"progress,omitempty" yaml:"progress,omitempty"`
	Analysis    *Analysis  `json:"analysis,omitempty" yaml:"analysis,omitempty"`
	Result      *Result    `json:"result,omitempty" yaml:"result,omitempty"`
	Error       *string    `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"created_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" yaml:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty" yaml:"approved_at,omitempty"`
	ApprovedBy  *string    `json:"approvedBy,omitempty" yaml:"approved_by,omitempty"`
}

// Progress is the optional progress snapshot attached to a job or carried by
// a push progress event. Percent and the item counters are absent for
// indeterminate stages.
type Progress struct {
	Stage          string         `json:"stage" yaml:"stage"`
	Percent        *float64       `json:"percent,omitempty" yaml:"percent,omitempty"`
	ItemsProcessed *int           `json:"itemsProcessed,omitempty" yaml:"items_processed,omitempty"`
	ItemsTotal     *int           `json:"itemsTotal,omitempty" yaml:"items_total,omitempty"`
	Counters       map[string]int `json:"counters,omitempty" yaml:"counters,omitempty"`
	Message        string         `json:"message,omitempty" yaml:"message,omitempty"`
}

// Analysis is the pre-execution report attached to jobs awaiting approval.
type Analysis struct {
	CostEstimate *CostEstimate `json:"costEstimate,omitempty" yaml:"cost_estimate,omitempty"`
	Warnings     []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// CostEstimate bounds the expected cost of a job, per category and in total (USD).
type CostEstimate struct {
	Categories []CostCategory `json:"categories" yaml:"categories"`
	Total      CostRange      `json:"total" yaml:"total"`
}

// CostCategory is one named line of a cost estimate.
type CostCategory struct {
	Name string  `json:"name" yaml:"name"`
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// CostRange is a low/high bound pair.
type CostRange struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// Result is present only on completed jobs.
type Result struct {
	Summary map[string]int  `json:"summary,omitempty" yaml:"summary,omitempty"`
	Data    json.RawMessage `json:"data,omitempty" yaml:"-"`
}

// Duplicate references an existing job returned instead of a new record when
// a submission's content hash matches and force was not set.
type Duplicate struct {
	ExistingJobID string  `json:"existingJobId" yaml:"existing_job_id"`
	Status        Status  `json:"status" yaml:"status"`
	Result        *Result `json:"result,omitempty" yaml:"result,omitempty"`
}

// Submission is the payload of a submit call.
type Submission struct {
	Type        string         `json:"type"`
	Params      map[string]any `json:"params,omitempty"`
	AutoApprove bool           `json:"autoApprove"`
	Force       bool           `json:"force"`
}

// SubmitResult is either a fresh Job or a Duplicate reference, never both.
type SubmitResult struct {
	Job       *Job       `json:"job,omitempty"`
	Duplicate *Duplicate `json:"duplicate,omitempty"`
}

// IsDuplicate reports whether the server recognized the submission as a duplicate.
func (r *SubmitResult) IsDuplicate() bool {
	return r != nil && r.Duplicate != nil
}

// IsTerminal reports whether the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j != nil && IsTerminal(j.Status)
}

// ErrorMessage returns the failure cause, or "" when none was reported.
func (j *Job) ErrorMessage() string {
	if j == nil || j.Error == nil {
		return ""
	}
	return *j.Error
}

// Validate checks the record-level invariants: a known status, result set
// iff completed, error set iff failed.
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if (j.Result != nil) != (j.Status == StatusCompleted) {
		return fmt.Errorf("job %s: result present=%t with status %s", j.ID, j.Result != nil, j.Status)
	}
	if (j.Error != nil) != (j.Status == StatusFailed) {
		return fmt.Errorf("job %s: error present=%t with status %s", j.ID, j.Error != nil, j.Status)
	}
	return nil
}

// Duration returns the run time of a finished job, or zero.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
