package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/metrics"
	"github.com/raphaelgruber/kg/internal/progress"
)

// DefaultFallbackAfter is the number of consecutive transport errors after
// which the stream is abandoned for polling.
const DefaultFallbackAfter = 3

// TrackingError means the tracking operation failed, as opposed to the job:
// the job does not exist or the server refused to report on it.
type TrackingError struct {
	JobID   string
	Message string
	Err     error // client.ErrJobNotFound or client.ErrStreamRejected
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("tracking job %s: %s", e.JobID, e.Message)
}

func (e *TrackingError) Unwrap() error {
	return e.Err
}

func newTrackingError(jobID, msg string) *TrackingError {
	err := client.ErrStreamRejected
	if strings.Contains(strings.ToLower(msg), "not found") {
		err = client.ErrJobNotFound
	}
	return &TrackingError{JobID: jobID, Message: msg, Err: err}
}

// Callbacks receive tracking updates. All are optional and run on the
// goroutine that called Track; none runs after Track returns.
type Callbacks struct {
	OnProgress func(jobs.Progress)
	OnStages   func([]progress.StageView)
	OnNotice   func(string)
	OnTerminal func(*jobs.Job)
}

// Options configure a Tracker built by New.
type Options struct {
	DisableStream bool
	PollInterval  time.Duration
	FallbackAfter int
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// Tracker follows jobs to completion. A Tracker holds no per-job state and
// may run any number of Track calls concurrently.
type Tracker struct {
	Push          Observer // nil disables streaming
	Poll          Observer
	Jobs          JobGetter
	FallbackAfter int
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// New builds a Tracker that streams and polls through c.
func New(c *client.Client, opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		Poll: &PollObserver{
			Jobs:     c,
			Interval: opts.PollInterval,
			Logger:   logger,
			Metrics:  opts.Metrics,
		},
		Jobs:          c,
		FallbackAfter: opts.FallbackAfter,
		Logger:        logger,
		Metrics:       opts.Metrics,
	}
	if !opts.DisableStream {
		t.Push = &StreamObserver{Client: c}
	}
	return t
}

// run is the state of one Track call. It is only touched from the Track
// goroutine.
type run struct {
	ctx    context.Context
	jobID  string
	cb     Callbacks
	agg    *progress.Aggregator
	typed  bool // agg was built for the job's type
	logger *slog.Logger
	stats  *metrics.Collector

	fallbackAfter int
	transportErrs int
	fallback      bool
	stop          context.CancelFunc

	finished bool
	terminal jobs.Event
	snapshot *jobs.Job
	trackErr *TrackingError
}

// Track follows jobID until it reaches a terminal state and returns the final
// job. A job that failed or was cancelled is returned without error; a job
// that cannot be tracked yields *TrackingError. Cancelling ctx stops
// tracking, not the job.
func (t *Tracker) Track(ctx context.Context, jobID string, cb Callbacks) (job *jobs.Job, err error) {
	defer t.Metrics.Time(metrics.OpTrack, time.Now(), &err)

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &run{
		ctx:           ctx,
		jobID:         jobID,
		cb:            cb,
		logger:        logger.With("job_id", jobID),
		agg:           progress.NewAggregator(nil),
		stats:         t.Metrics,
		fallbackAfter: t.FallbackAfter,
	}
	if r.fallbackAfter <= 0 {
		r.fallbackAfter = DefaultFallbackAfter
	}

	initial, err := t.Jobs.GetJob(ctx, jobID)
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, client.ErrJobNotFound):
		return nil, newTrackingError(jobID, err.Error())
	case err != nil:
		// Stages are declared once a snapshot reveals the type.
		r.logger.Warn("initial fetch failed", "error", err)
	default:
		r.adoptType(initial)
		if ev := jobs.EventFromJob(initial); ev != nil {
			r.handle(Observation{Event: ev, Job: initial})
		}
	}

	if !r.finished && t.Push != nil {
		err := r.observe(t.Push)
		if !r.finished {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			switch {
			case r.fallback:
				err = fmt.Errorf("%d consecutive transport errors", r.transportErrs)
			case err == nil:
				err = errors.New("stream ended without a terminal event")
			}
			r.fallBack(err)
		}
	}

	if !r.finished {
		if err := r.observe(t.Poll); err != nil && !r.finished {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("poll job %s: %w", jobID, err)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if r.trackErr != nil {
		return nil, r.trackErr
	}
	if !r.finished {
		return nil, fmt.Errorf("poll job %s: stopped without a terminal status", jobID)
	}

	final := r.snapshot
	if final == nil {
		final = t.resolve(ctx, r, initial)
	}

	if _, ok := r.terminal.(jobs.CompletedEvent); ok {
		r.agg.Complete()
	} else {
		r.agg.Freeze()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	r.notifyStages()
	if r.cb.OnTerminal != nil {
		r.cb.OnTerminal(final)
	}
	return final, nil
}

// observe runs o until it finishes or handle asks it to stop.
func (r *run) observe(o Observer) error {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	r.stop = cancel
	r.transportErrs = 0
	r.fallback = false
	return o.Observe(ctx, r.jobID, r.handle)
}

func (r *run) fallBack(cause error) {
	r.stats.Inc(metrics.CounterFallbacks)
	r.logger.Info("falling back to polling", "error", cause)
	r.notice("live updates unavailable, falling back to polling")
}

// handle is the single dispatch point for events from either transport.
func (r *run) handle(o Observation) {
	if r.finished || r.fallback || r.ctx.Err() != nil {
		return
	}
	r.stats.Inc(metrics.CounterEvents)
	r.adoptType(o.Job)

	switch ev := o.Event.(type) {
	case jobs.ProgressEvent:
		r.transportErrs = 0
		if r.cb.OnProgress != nil {
			r.cb.OnProgress(ev.Progress)
		}
		if r.agg.Apply(ev.Progress) {
			r.notifyStages()
		}

	case jobs.KeepaliveEvent:
		r.transportErrs = 0

	case jobs.TransportErrorEvent:
		r.transportErrs++
		r.logger.Debug("transport error", "error", ev.Err, "consecutive", r.transportErrs)
		if r.transportErrs >= r.fallbackAfter {
			r.fallback = true
			r.halt()
		}

	case jobs.CompletedEvent, jobs.FailedEvent, jobs.CancelledEvent:
		r.finished = true
		r.terminal = ev
		r.snapshot = o.Job
		r.halt()

	case jobs.ErrorEvent:
		r.finished = true
		r.trackErr = newTrackingError(r.jobID, ev.Error)
		r.halt()
	}
}

// adoptType declares the stages for job's type the first time a snapshot
// carries one. A dynamic model that already holds stages is kept.
func (r *run) adoptType(job *jobs.Job) {
	if r.typed || job == nil || job.Type == "" {
		return
	}
	r.typed = true
	if len(r.agg.Views()) > 0 {
		return
	}
	r.agg = progress.ForJobType(job.Type)
	if len(r.agg.Views()) > 0 {
		r.notifyStages()
	}
}

func (r *run) halt() {
	if r.stop != nil {
		r.stop()
	}
}

func (r *run) notifyStages() {
	if r.cb.OnStages != nil && r.ctx.Err() == nil {
		r.cb.OnStages(r.agg.Views())
	}
}

func (r *run) notice(msg string) {
	if r.cb.OnNotice != nil && r.ctx.Err() == nil {
		r.cb.OnNotice(msg)
	}
}

// resolve fetches the final job after a push terminal event. If the fetch
// fails or the server has not caught up yet, the job is synthesized from the
// event.
func (t *Tracker) resolve(ctx context.Context, r *run, initial *jobs.Job) *jobs.Job {
	status, _ := jobs.TerminalStatus(r.terminal)

	job, err := t.Jobs.GetJob(ctx, r.jobID)
	if err == nil && job.Status == status {
		return job
	}
	if err != nil {
		r.logger.Warn("final fetch failed, using stream event", "error", err)
	}

	var synth jobs.Job
	switch {
	case job != nil:
		synth = *job
	case initial != nil:
		synth = *initial
	default:
		synth = jobs.Job{ID: r.jobID}
	}
	now := time.Now().UTC()
	synth.Status = status
	synth.CompletedAt = &now
	switch ev := r.terminal.(type) {
	case jobs.CompletedEvent:
		synth.Result = ev.Result
	case jobs.FailedEvent:
		msg := ev.Error
		synth.Error = &msg
	}
	return &synth
}
