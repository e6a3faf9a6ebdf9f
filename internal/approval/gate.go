// Package approval presents cost estimates for jobs awaiting approval and
// approves or cancels them, singly or in batches. It also holds the
// hold-to-confirm gate that guards destructive administrative actions.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
)

// JobAPI is the subset of the job client the gate needs.
type JobAPI interface {
	ListJobs(ctx context.Context, opts client.ListJobsOptions) ([]jobs.Job, error)
	ApproveJob(ctx context.Context, id, approvedBy string) (*jobs.Job, error)
	CancelJob(ctx context.Context, id string) (*jobs.Job, error)
}

// Gate approves and cancels jobs on behalf of one operator.
type Gate struct {
	api    JobAPI
	user   string
	logger *slog.Logger

	// Concurrency bounds batch approvals.
	Concurrency int
}

// NewGate creates a gate that records user as the approver.
func NewGate(api JobAPI, user string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{api: api, user: user, logger: logger, Concurrency: 4}
}

// EstimateLine is one cost category of a review.
type EstimateLine struct {
	Category string
	Low      float64
	High     float64
}

// Review is what an operator sees before approving a job.
type Review struct {
	JobID       string
	JobType     string
	HasEstimate bool
	Lines       []EstimateLine
	Total       jobs.CostRange
	Warnings    []string
}

// TotalText renders the total estimate, e.g. "$0.10–$0.25".
func (r *Review) TotalText() string {
	if !r.HasEstimate {
		return "no estimate"
	}
	return FormatRange(r.Total)
}

// Review builds the approval view of job. It fails for jobs that are not
// awaiting approval.
func (g *Gate) Review(job *jobs.Job) (*Review, error) {
	if err := checkApprovable(job); err != nil {
		return nil, err
	}
	r := &Review{JobID: job.ID, JobType: job.Type}
	if job.Analysis == nil {
		return r, nil
	}
	r.Warnings = job.Analysis.Warnings
	if est := job.Analysis.CostEstimate; est != nil {
		r.HasEstimate = true
		r.Total = est.Total
		for _, c := range est.Categories {
			r.Lines = append(r.Lines, EstimateLine{Category: c.Name, Low: c.Low, High: c.High})
		}
	}
	return r, nil
}

// checkApprovable enforces single-use approval: only awaiting_approval jobs
// may be approved, even though the lifecycle also allows pending -> approved
// for server-side auto-approval.
func checkApprovable(job *jobs.Job) error {
	if job.Status != jobs.StatusAwaitingApproval {
		return fmt.Errorf("%w: job %s is %s, not %s",
			jobs.ErrInvalidTransition, job.ID, job.Status, jobs.StatusAwaitingApproval)
	}
	return nil
}

// Approve approves job. Locally known invalid transitions fail without a
// server call; server errors are returned as reported.
func (g *Gate) Approve(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if err := checkApprovable(job); err != nil {
		return nil, err
	}
	updated, err := g.api.ApproveJob(ctx, job.ID, g.user)
	if err != nil {
		return nil, err
	}
	g.logger.Info("job approved", "job_id", job.ID, "approved_by", g.user)
	return updated, nil
}

// Cancel cancels job unless it is already terminal.
func (g *Gate) Cancel(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if err := jobs.ValidateTransition(job.Status, jobs.StatusCancelled); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	updated, err := g.api.CancelJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	g.logger.Info("job cancelled", "job_id", job.ID)
	return updated, nil
}

// FormatUSD renders an amount in dollars with two decimals.
func FormatUSD(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// FormatRange renders a low/high pair, e.g. "$0.10–$0.25".
func FormatRange(r jobs.CostRange) string {
	return FormatUSD(r.Low) + "–" + FormatUSD(r.High)
}
