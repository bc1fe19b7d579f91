package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/events"
)

// pollTimeout is the BLPOP block interval. Short enough that shutdown
// is responsive, long enough to keep Redis round-trips rare.
const pollTimeout = 5 * time.Second

// Handler processes one job payload and returns the result payload.
type Handler func(ctx context.Context, job Job) (any, error)

// JobSource is the slice of Queue a worker needs.
type JobSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Job, error)
	PublishResult(ctx context.Context, res Result) error
}

// Worker drains the queue, invoking a handler per job and publishing
// results.
type Worker struct {
	queue   JobSource
	handler Handler
	bus     *events.Bus
	logger  *slog.Logger
}

// NewWorker creates a worker for the queue.
func NewWorker(queue JobSource, handler Handler, bus *events.Bus, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		handler: handler,
		bus:     bus,
		logger:  logger.With("component", "worker"),
	}
}

// Run processes jobs until the context is cancelled. The job in flight
// when cancellation arrives is finished before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")

	for {
		job, err := w.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("dequeue failed, backing off", "error", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if job == nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			continue
		}

		w.process(ctx, *job)
	}
}

func (w *Worker) process(ctx context.Context, job Job) {
	w.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceWorker,
		Kind:      events.KindJobDequeued,
		Data: map[string]any{
			"job_id":        job.ID,
			"queue_wait_ms": time.Since(job.EnqueuedAt).Milliseconds(),
		},
	})

	result := Result{JobID: job.ID}

	payload, err := w.handler(ctx, job)
	if err != nil {
		result.Error = err.Error()
		w.logger.Error("job failed", "jobID", job.ID, "error", err)
	} else {
		blob, merr := json.Marshal(payload)
		if merr != nil {
			result.Error = "encode result: " + merr.Error()
			w.logger.Error("job result encode failed", "jobID", job.ID, "error", merr)
		} else {
			result.Success = true
			result.Payload = blob
		}
	}

	// Publish with a fresh context so a shutdown mid-job still delivers
	// the result the producer is waiting on.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.queue.PublishResult(pubCtx, result); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("result publish failed", "jobID", job.ID, "error", err)
	}
}
