// Package tracker follows a remote job to its terminal state, preferring the
// push stream and falling back to polling when the stream is unusable.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/raphaelgruber/kg/internal/client"
	"github.com/raphaelgruber/kg/internal/jobs"
	"github.com/raphaelgruber/kg/internal/metrics"
)

// Observation is one event about a job, with the snapshot it was derived
// from when the transport has one (polling does, the push stream does not).
type Observation struct {
	Event jobs.Event
	Job   *jobs.Job
}

// Observer watches one job and reports what it sees through emit, always
// from the goroutine that called Observe. Observe returns nil once it has
// emitted a terminal event, ctx.Err() when cancelled, and any other error
// when its transport cannot continue.
type Observer interface {
	Observe(ctx context.Context, jobID string, emit func(Observation)) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, jobID string, emit func(Observation)) error

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, jobID string, emit func(Observation)) error {
	return f(ctx, jobID, emit)
}

// JobGetter is the point-in-time read used by polling and final resolution.
type JobGetter interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
}

// StreamObserver observes a job through the push stream.
type StreamObserver struct {
	Client *client.Client
}

// Observe implements Observer.
func (o *StreamObserver) Observe(ctx context.Context, jobID string, emit func(Observation)) error {
	stream, err := o.Client.OpenJobStream(ctx, jobID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("stream ended without a terminal event")
			}
			emit(Observation{Event: ev})
			if jobs.IsTerminalEvent(ev) {
				return nil
			}
		}
	}
}

// PollObserver observes a job by fetching it on a fixed interval.
type PollObserver struct {
	Jobs     JobGetter
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Observe implements Observer. The first fetch happens immediately. Fetch
// failures are retried on the next tick, except a missing job, which is
// reported as an error event. Snapshots that break the record invariants
// are dropped.
func (o *PollObserver) Observe(ctx context.Context, jobID string, emit func(Observation)) error {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := o.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastStatus   jobs.Status
		lastProgress *jobs.Progress
	)
	for {
		o.Metrics.Inc(metrics.CounterPolls)
		job, err := o.Jobs.GetJob(ctx, jobID)
		var invalid error
		if err == nil {
			invalid = job.Validate()
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, client.ErrJobNotFound):
			emit(Observation{Event: jobs.ErrorEvent{Error: err.Error()}})
			return nil

		case err != nil:
			o.Metrics.Inc(metrics.CounterPollErrors)
			logger.Warn("poll failed, retrying", "job_id", jobID, "error", err)

		case invalid != nil:
			o.Metrics.Inc(metrics.CounterDroppedEvents)
			logger.Warn("dropping invalid snapshot", "job_id", jobID, "error", invalid)

		case lastStatus != "" && !jobs.Supersedes(lastStatus, job.Status):
			logger.Debug("ignoring stale snapshot", "job_id", jobID, "status", job.Status, "last_status", lastStatus)

		default:
			lastStatus = job.Status
			ev := jobs.EventFromJob(job)
			if ev == nil {
				break
			}
			if p, ok := ev.(jobs.ProgressEvent); ok {
				if lastProgress != nil && reflect.DeepEqual(*lastProgress, p.Progress) {
					break
				}
				lastProgress = &p.Progress
			}
			emit(Observation{Event: ev, Job: job})
			if jobs.IsTerminalEvent(ev) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
