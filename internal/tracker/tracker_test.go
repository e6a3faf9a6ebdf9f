package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/jobtest"
	"github.com/raphaelgruber/kg/internal/metrics"
	"github.com/raphaelgruber/kg/internal/progress"
)

// recorder captures callbacks in order.
type recorder struct {
	mu        sync.Mutex
	progress  []jobs.Progress
	stages    [][]progress.StageView
	notices   []string
	terminals []*jobs.Job
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p jobs.Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnStages: func(v []progress.StageView) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stages = append(r.stages, v)
		},
		OnNotice: func(s string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.notices = append(r.notices, s)
		},
		OnTerminal: func(j *jobs.Job) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.terminals = append(r.terminals, j)
		},
	}
}

func (r *recorder) lastStages() []progress.StageView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.stages) == 0 {
		return nil
	}
	return r.stages[len(r.stages)-1]
}

func newTestTracker(t *testing.T, opts Options) (*Tracker, *jobtest.Server, *metrics.Collector) {
	t.Helper()
	srv := jobtest.New(t)
	m := metrics.NewCollector()
	c := client.New(srv.URL(),
		client.WithTimeout(5*time.Second),
		client.WithReconnect(2, 5*time.Millisecond, 10*time.Millisecond),
		client.WithMetrics(m),
	)
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	opts.Metrics = m
	return New(c, opts), srv, m
}

func stageStatus(views []progress.StageView, name string) progress.StageStatus {
	for _, v := range views {
		if v.Name == name {
			return v.Status
		}
	}
	return ""
}

func TestTrackStreamToCompletion(t *testing.T) {
	tr, srv, m := newTestTracker(t, Options{})
	id := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusQueued})
	srv.Script(id,
		jobtest.Counted("chunking", 4, 4),
		jobtest.Progress(jobs.Progress{Stage: "extracting", Message: "Extracting 2/5 chunks"}),
		jobtest.Counted("extracting", 5, 5),
		jobtest.Progress(jobs.Progress{Stage: "embedding"}),
		jobtest.Completed(map[string]int{"concepts": 7}),
	)

	rec := &recorder{}
	job, err := tr.Track(context.Background(), id, rec.callbacks())
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, 7, job.Result.Summary["concepts"])
	assert.Len(t, rec.progress, 4)
	require.Len(t, rec.terminals, 1)
	assert.Empty(t, rec.notices)

	final := rec.lastStages()
	assert.Equal(t, progress.StageCompleted, stageStatus(final, "chunking"))
	assert.Equal(t, progress.StageCompleted, stageStatus(final, "extracting"))
	assert.Equal(t, progress.StageCompleted, stageStatus(final, "embedding"), "forced complete on success")
	assert.Equal(t, progress.StageWaiting, stageStatus(final, "storing"))

	assert.Zero(t, m.Count(metrics.CounterFallbacks))
}

func TestTrackFallsBackWhenStreamRejected(t *testing.T) {
	tr, srv, m := newTestTracker(t, Options{})
	srv.RejectStreams(true)
	id := srv.AddJob(jobs.Job{
		Type:     jobs.TypeRestore,
		Status:   jobs.StatusProcessing,
		Progress: &jobs.Progress{Stage: "checkpoint", Message: "Creating checkpoint"},
	})

	rec := &recorder{}
	cb := rec.callbacks()
	onNotice := cb.OnNotice
	cb.OnNotice = func(s string) {
		onNotice(s)
		srv.Update(id, func(j *jobs.Job) {
			j.Progress = &jobs.Progress{Stage: "restoring_concepts", Message: "Restoring concepts 10/10"}
		})
		srv.Complete(id, map[string]int{"concepts": 10})
	}

	job, err := tr.Track(context.Background(), id, cb)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.Len(t, rec.notices, 1)
	assert.Contains(t, rec.notices[0], "polling")
	require.Len(t, rec.terminals, 1)
	assert.EqualValues(t, 1, m.Count(metrics.CounterFallbacks))
	assert.Equal(t, progress.StageCompleted, stageStatus(rec.lastStages(), "checkpoint"))
}

func TestTrackFallsBackAfterRepeatedTransportErrors(t *testing.T) {
	tr, srv, _ := newTestTracker(t, Options{FallbackAfter: 2})
	id := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusQueued})
	srv.Script(id,
		jobtest.Counted("chunking", 2, 4),
		jobtest.Hiccup(),
		jobtest.Drop(),
	)

	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnNotice = func(string) { srv.Complete(id, map[string]int{"concepts": 3}) }

	job, err := tr.Track(context.Background(), id, cb)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.Len(t, rec.terminals, 1)

	// Aggregated state survives the switch and is completed by the poll terminal.
	assert.Equal(t, progress.StageCompleted, stageStatus(rec.lastStages(), "chunking"))
}

func TestTrackTransportChoiceIsTransparent(t *testing.T) {
	outcome := func(disableStream bool) *jobs.Job {
		tr, srv, _ := newTestTracker(t, Options{DisableStream: disableStream})
		id := srv.AddJob(jobs.Job{ID: "job-1", Type: jobs.TypeBackup, Status: jobs.StatusProcessing})
		srv.Script(id, jobtest.Failed("disk full"))
		if disableStream {
			srv.Update(id, func(j *jobs.Job) {
				msg := "disk full"
				j.Status = jobs.StatusFailed
				j.Error = &msg
			})
		}
		job, err := tr.Track(context.Background(), id, Callbacks{})
		require.NoError(t, err)
		return job
	}

	pushed := outcome(false)
	polled := outcome(true)
	assert.Equal(t, polled.ID, pushed.ID)
	assert.Equal(t, polled.Status, pushed.Status)
	assert.Equal(t, polled.ErrorMessage(), pushed.ErrorMessage())
	assert.Equal(t, "disk full", pushed.ErrorMessage())
}

func TestTrackJobNotFound(t *testing.T) {
	tr, _, _ := newTestTracker(t, Options{})

	_, err := tr.Track(context.Background(), "missing", Callbacks{})
	var te *TrackingError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "missing", te.JobID)
	assert.ErrorIs(t, err, client.ErrJobNotFound)
}

func TestTrackAlreadyTerminal(t *testing.T) {
	tr, srv, _ := newTestTracker(t, Options{})
	id := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusCancelled})

	rec := &recorder{}
	job, err := tr.Track(context.Background(), id, rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	assert.Len(t, rec.terminals, 1)
	assert.Zero(t, srv.StreamConnections())
}

func TestTrackPollRetriesFetchErrors(t *testing.T) {
	tr, srv, m := newTestTracker(t, Options{DisableStream: true})
	id := srv.AddJob(jobs.Job{Type: jobs.TypeIngestion, Status: jobs.StatusProcessing})

	rec := &recorder{}
	cb := rec.callbacks()
	cb.OnStages = nil

	go func() {
		// Let the initial fetch through, then fail two polls.
		for srv.Gets() < 1 {
			time.Sleep(time.Millisecond)
		}
		srv.FailGets(2)
		for srv.Gets() < 4 {
			time.Sleep(time.Millisecond)
		}
		srv.Complete(id, nil)
	}()

	job, err := tr.Track(context.Background(), id, cb)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.GreaterOrEqual(t, m.Count(metrics.CounterPollErrors), int64(1))
}

// scriptedObserver emits a fixed list of observations and then blocks until
// cancelled.
type scriptedObserver struct {
	obs []Observation
}

func (s *scriptedObserver) Observe(ctx context.Context, _ string, emit func(Observation)) error {
	for _, o := range s.obs {
		emit(o)
	}
	<-ctx.Done()
	return ctx.Err()
}

type staticGetter struct {
	job *jobs.Job
	err error
}

func (g staticGetter) GetJob(context.Context, string) (*jobs.Job, error) {
	return g.job, g.err
}

func counted(stage string, cur, total int) jobs.Event {
	return jobs.ProgressEvent{Progress: jobs.Progress{Stage: stage, ItemsProcessed: &cur, ItemsTotal: &total}}
}

func TestTrackIgnoresEventsAfterTerminal(t *testing.T) {
	tr := &Tracker{
		Jobs: &sequenceGetter{jobs: []*jobs.Job{
			{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusQueued},
			{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusCompleted},
		}},
		Push: &scriptedObserver{obs: []Observation{
			{Event: counted("chunking", 1, 2)},
			{Event: jobs.CompletedEvent{}},
			{Event: counted("chunking", 2, 2)},
			{Event: jobs.FailedEvent{Error: "late"}},
		}},
		Poll: &scriptedObserver{},
	}

	rec := &recorder{}
	job, err := tr.Track(context.Background(), "j", rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.Len(t, rec.progress, 1, "progress after terminal is ignored")
	assert.Len(t, rec.terminals, 1, "at most one terminal notification")
}

type sequenceGetter struct {
	mu   sync.Mutex
	jobs []*jobs.Job
}

func (g *sequenceGetter) GetJob(context.Context, string) (*jobs.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j := g.jobs[0]
	if len(g.jobs) > 1 {
		g.jobs = g.jobs[1:]
	}
	return j, nil
}

func TestTrackSynthesizesFinalJobWhenFetchFails(t *testing.T) {
	getter := &flakyGetter{first: &jobs.Job{ID: "j", Type: jobs.TypeBackup, Status: jobs.StatusProcessing}}
	tr := &Tracker{
		Jobs: getter,
		Push: &scriptedObserver{obs: []Observation{{Event: jobs.FailedEvent{Error: "quota exceeded"}}}},
		Poll: &scriptedObserver{},
	}

	job, err := tr.Track(context.Background(), "j", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Equal(t, "quota exceeded", job.ErrorMessage())
	assert.Equal(t, jobs.TypeBackup, job.Type)
	assert.NotNil(t, job.CompletedAt)
}

type flakyGetter struct {
	first *jobs.Job
	calls int
}

func (g *flakyGetter) GetJob(context.Context, string) (*jobs.Job, error) {
	g.calls++
	if g.calls == 1 {
		return g.first, nil
	}
	return nil, errors.New("connection reset")
}

func TestTrackCancelStopsCallbacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	var mu sync.Mutex

	tr := &Tracker{
		Jobs: staticGetter{job: &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusQueued}},
		Push: ObserverFunc(func(ctx context.Context, _ string, emit func(Observation)) error {
			emit(Observation{Event: counted("chunking", 1, 3)})
			cancel()
			// Delivered after cancellation: must be dropped.
			emit(Observation{Event: counted("chunking", 2, 3)})
			emit(Observation{Event: jobs.CompletedEvent{}})
			<-ctx.Done()
			return ctx.Err()
		}),
		Poll: &scriptedObserver{},
	}

	cb := Callbacks{
		OnProgress: func(jobs.Progress) { mu.Lock(); calls++; mu.Unlock() },
		OnTerminal: func(*jobs.Job) { mu.Lock(); calls += 100; mu.Unlock() },
	}
	_, err := tr.Track(ctx, "j", cb)
	assert.ErrorIs(t, err, context.Canceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestTrackStreamErrorEventIsTrackingError(t *testing.T) {
	tr := &Tracker{
		Jobs: staticGetter{job: &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusQueued}},
		Push: &scriptedObserver{obs: []Observation{{Event: jobs.ErrorEvent{Error: "subscription refused"}}}},
		Poll: &scriptedObserver{},
	}
	rec := &recorder{}
	_, err := tr.Track(context.Background(), "j", rec.callbacks())
	assert.ErrorIs(t, err, client.ErrStreamRejected)
	assert.Empty(t, rec.terminals)
}

// stepGetter replays fetch results in order, repeating the last one.
type stepGetter struct {
	mu    sync.Mutex
	steps []getResult
}

type getResult struct {
	job *jobs.Job
	err error
}

func (g *stepGetter) GetJob(context.Context, string) (*jobs.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.steps[0]
	if len(g.steps) > 1 {
		g.steps = g.steps[1:]
	}
	return r.job, r.err
}

func pollOnly(g JobGetter, m *metrics.Collector) *Tracker {
	return &Tracker{
		Jobs: g,
		Poll: &PollObserver{Jobs: g, Interval: time.Millisecond, Metrics: m},
	}
}

func TestPollDropsInvalidSnapshots(t *testing.T) {
	msg := "boom"
	tests := []struct {
		name    string
		invalid *jobs.Job
	}{
		{"completed without result", &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusCompleted}},
		{"failed without error", &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusFailed}},
		{"error on running job", &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusProcessing, Error: &msg}},
		{"unknown status", &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: "exploded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.NewCollector()
			g := &stepGetter{steps: []getResult{
				{job: &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusProcessing}},
				{job: tt.invalid},
				{job: &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusCompleted,
					Result: &jobs.Result{Summary: map[string]int{"concepts": 3}}}},
			}}

			rec := &recorder{}
			job, err := pollOnly(g, m).Track(context.Background(), "j", rec.callbacks())
			require.NoError(t, err)
			assert.Equal(t, jobs.StatusCompleted, job.Status)
			require.NotNil(t, job.Result)
			assert.Equal(t, 3, job.Result.Summary["concepts"])
			assert.Len(t, rec.terminals, 1)
			assert.EqualValues(t, 1, m.Count(metrics.CounterDroppedEvents))
		})
	}
}

func TestTrackDeclaresStagesAfterFailedInitialFetch(t *testing.T) {
	running := func(p *jobs.Progress) *jobs.Job {
		return &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusProcessing, Progress: p}
	}
	cur, total := 2, 4
	tests := []struct {
		name  string
		first *jobs.Job
	}{
		{"typed snapshot before progress", running(nil)},
		{"typed snapshot with progress", running(&jobs.Progress{Stage: "chunking", ItemsProcessed: &cur, ItemsTotal: &total})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &stepGetter{steps: []getResult{
				{err: errors.New("connection reset")},
				{job: tt.first},
				{job: &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusCompleted, Result: &jobs.Result{}}},
			}}

			rec := &recorder{}
			_, err := pollOnly(g, nil).Track(context.Background(), "j", rec.callbacks())
			require.NoError(t, err)

			last := rec.lastStages()
			require.Len(t, last, 5)
			assert.Equal(t, "queued", last[0].Name)
			assert.Equal(t, "storing", last[4].Name)
			assert.Equal(t, progress.StageWaiting, stageStatus(last, "storing"))
		})
	}
}

func TestTrackKeepsDynamicStagesOnceApplied(t *testing.T) {
	done := &jobs.Job{ID: "j", Type: jobs.TypeIngestion, Status: jobs.StatusCompleted, Result: &jobs.Result{}}
	g := &stepGetter{steps: []getResult{
		{err: errors.New("connection reset")},
		{job: done},
	}}
	tr := &Tracker{
		Jobs: g,
		Push: &scriptedObserver{obs: []Observation{
			{Event: counted("warming", 1, 2)},
			{Event: jobs.CompletedEvent{Result: done.Result}, Job: done},
		}},
		Poll: &scriptedObserver{},
	}

	rec := &recorder{}
	job, err := tr.Track(context.Background(), "j", rec.callbacks())
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)

	last := rec.lastStages()
	require.Len(t, last, 1)
	assert.Equal(t, "warming", last[0].Name)
	assert.Equal(t, progress.StageCompleted, last[0].Status)
}
