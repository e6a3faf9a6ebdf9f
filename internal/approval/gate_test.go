package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/jobtest"
	"github.com/raphaelgruber/kg/internal/tracker"
)

func newGate(t *testing.T) (*Gate, *client.Client, *jobtest.Server) {
	t.Helper()
	srv := jobtest.New(t)
	c := client.New(srv.URL(), client.WithTimeout(5*time.Second))
	return NewGate(c, "alice", nil), c, srv
}

func TestFormatRange(t *testing.T) {
	tests := []struct {
		name string
		r    jobs.CostRange
		want string
	}{
		{"cents", jobs.CostRange{Low: 0.10, High: 0.25}, "$0.10–$0.25"},
		{"zero", jobs.CostRange{}, "$0.00–$0.00"},
		{"thousands", jobs.CostRange{Low: 1200, High: 1234.5}, "$1,200.00–$1,234.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatRange(tt.r))
		})
	}
}

func TestManualApprovalScenario(t *testing.T) {
	g, c, _ := newGate(t)
	ctx := context.Background()

	res, err := c.SubmitJob(ctx, jobs.Submission{
		Type:   jobs.TypeIngestion,
		Params: map[string]any{"path": "paper.pdf"},
	})
	require.NoError(t, err)
	job := res.Job
	require.Equal(t, jobs.StatusAwaitingApproval, job.Status)
	assert.Nil(t, job.ApprovedAt)
	assert.Nil(t, job.ApprovedBy)

	review, err := g.Review(job)
	require.NoError(t, err)
	assert.True(t, review.HasEstimate)
	assert.Equal(t, "$0.10–$0.25", review.TotalText())
	assert.Len(t, review.Lines, 2)

	approved, err := g.Approve(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "alice", *approved.ApprovedBy)

	// Approval is single-use, checked locally before any server call.
	_, err = g.Approve(ctx, approved)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
	_, err = g.Review(approved)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
}

func TestApprovedJobRunsToCompletion(t *testing.T) {
	tests := []struct {
		name   string
		stream bool
	}{
		{"streamed", true},
		{"polled", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, c, srv := newGate(t)
			ctx := context.Background()

			res, err := c.SubmitJob(ctx, jobs.Submission{
				Type:   jobs.TypeIngestion,
				Params: map[string]any{"path": "paper.pdf"},
			})
			require.NoError(t, err)
			id := res.Job.ID

			approved, err := g.Approve(ctx, res.Job)
			require.NoError(t, err)
			require.Equal(t, jobs.StatusApproved, approved.Status)

			// The worker picks the job up.
			srv.Update(id, func(j *jobs.Job) { j.Status = jobs.StatusQueued })
			queued, err := c.GetJob(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusQueued, queued.Status)

			if tt.stream {
				srv.Script(id,
					jobtest.Counted("chunking", 4, 4),
					jobtest.Completed(map[string]int{"concepts": 3}),
				)
			} else {
				go func() {
					time.Sleep(20 * time.Millisecond)
					srv.Complete(id, map[string]int{"concepts": 3})
				}()
			}

			tr := tracker.New(c, tracker.Options{DisableStream: !tt.stream, PollInterval: 5 * time.Millisecond})
			final, err := tr.Track(ctx, id, tracker.Callbacks{})
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCompleted, final.Status)
			require.NotNil(t, final.Result)
			assert.Equal(t, 3, final.Result.Summary["concepts"])

			// Approval metadata survives the run.
			require.NotNil(t, final.ApprovedAt)
			require.NotNil(t, final.ApprovedBy)
			assert.Equal(t, "alice", *final.ApprovedBy)
			assert.WithinDuration(t, *approved.ApprovedAt, *final.ApprovedAt, time.Second)
		})
	}
}

func TestApproveStaleSnapshotSurfacesServerError(t *testing.T) {
	g, _, srv := newGate(t)
	id := srv.AddJob(jobs.Job{Type: jobs.TypeRestore, Status: jobs.StatusApproved})

	// The caller still believes the job is awaiting approval.
	stale := &jobs.Job{ID: id, Type: jobs.TypeRestore, Status: jobs.StatusAwaitingApproval}
	_, err := g.Approve(context.Background(), stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition)
	var apiErr *client.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestCancel(t *testing.T) {
	g, _, srv := newGate(t)
	id := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval})
	job, _ := srv.Job(id)

	cancelled, err := g.Cancel(context.Background(), &job)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, cancelled.Status)

	_, err = g.Cancel(context.Background(), cancelled)
	assert.ErrorIs(t, err, jobs.ErrInvalidTransition, "double cancel")
}

func TestApproveAllIsolatesFailures(t *testing.T) {
	g, _, srv := newGate(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval}))
	}
	already := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusApproved})
	ids = append(ids[:2], append([]string{already}, ids[2:]...)...)

	res, err := g.ApproveAll(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Total())
	assert.Len(t, res.Approved, 5)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[already], jobs.ErrInvalidTransition)

	for _, id := range res.Approved {
		j, ok := srv.Job(id)
		require.True(t, ok)
		assert.Equal(t, jobs.StatusApproved, j.Status)
	}
}

func TestApproveAllRepeatedIDs(t *testing.T) {
	tests := []struct {
		name  string
		order func(a, b string) []string
	}{
		{"adjacent", func(a, b string) []string { return []string{a, a, b} }},
		{"interleaved", func(a, b string) []string { return []string{a, b, a, b, a} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, srv := newGate(t)
			g.Concurrency = 4
			a := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval})
			b := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval})

			res, err := g.ApproveAll(context.Background(), tt.order(a, b))
			require.NoError(t, err)
			assert.Equal(t, []string{a, b}, res.Approved)
			assert.Empty(t, res.Failed)
			assert.Equal(t, 2, res.Total())
		})
	}
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, uniqueIDs([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, uniqueIDs(nil))
}

func TestApproveMatching(t *testing.T) {
	g, _, srv := newGate(t)
	srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval})
	srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusAwaitingApproval})
	restore := srv.AddJob(jobs.Job{Type: jobs.TypeRestore, Status: jobs.StatusAwaitingApproval})
	srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusQueued})

	res, err := g.ApproveMatching(context.Background(), Filter{Type: jobs.TypeIngestion})
	require.NoError(t, err)
	assert.Len(t, res.Approved, 2)
	assert.Empty(t, res.Failed)

	j, _ := srv.Job(restore)
	assert.Equal(t, jobs.StatusAwaitingApproval, j.Status, "filtered out")
}
