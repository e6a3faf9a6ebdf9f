package approval

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
)

// BatchResult reports a batch approval per job.
type BatchResult struct {
	Approved []string         // in request order
	Failed   map[string]error // keyed by job ID
}

// Total is the number of jobs the batch covered.
func (b *BatchResult) Total() int {
	return len(b.Approved) + len(b.Failed)
}

// Filter selects jobs for ApproveMatching. Zero fields match everything.
type Filter struct {
	Type  string
	Owner string
}

// ApproveAll approves every id concurrently. Repeated ids are approved once.
// One job's failure never stops the others; the error return is reserved
// for ctx cancellation.
func (g *Gate) ApproveAll(ctx context.Context, ids []string) (*BatchResult, error) {
	ids = uniqueIDs(ids)
	limit := g.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var (
		mu       sync.Mutex
		approved = make(map[string]bool, len(ids))
		failed   = make(map[string]error)
	)

	var eg errgroup.Group
	eg.SetLimit(limit)
	for _, id := range ids {
		eg.Go(func() error {
			_, err := g.api.ApproveJob(ctx, id, g.user)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.logger.Warn("batch approve failed", "job_id", id, "error", err)
				failed[id] = err
				return nil
			}
			approved[id] = true
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &BatchResult{Failed: failed}
	for _, id := range ids {
		if approved[id] {
			res.Approved = append(res.Approved, id)
		}
	}
	return res, nil
}

// uniqueIDs drops repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ApproveMatching approves every job awaiting approval that matches f.
func (g *Gate) ApproveMatching(ctx context.Context, f Filter) (*BatchResult, error) {
	pending, err := g.api.ListJobs(ctx, client.ListJobsOptions{
		Status: jobs.StatusAwaitingApproval,
		Type:   f.Type,
		Owner:  f.Owner,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs awaiting approval: %w", err)
	}

	ids := make([]string, 0, len(pending))
	for _, j := range pending {
		ids = append(ids, j.ID)
	}
	return g.ApproveAll(ctx, ids)
}
