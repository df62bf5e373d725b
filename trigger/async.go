package trigger

import (
	"context"
	"log/slog"

	"github.com/ryanbastic/go-bulktrigger/metrics"
)

// DefaultAsyncQueueSize bounds the async executor's backlog.
const DefaultAsyncQueueSize = 256

type asyncJob struct {
	reg *Registration
	cs  *ChangeSet
}

// AsyncExecutor queues handler invocations and runs them on a background
// worker. Meant for after-phase side effects that must not hold up the
// write; by the time a job runs the enqueuing operation has committed, so
// jobs execute detached from its context and transaction. Handler changes to
// the changeset are not persisted and errors are logged, never surfaced to
// the caller.
type AsyncExecutor struct {
	next   Executor
	queue  chan asyncJob
	logger *slog.Logger
}

func NewAsyncExecutor(next Executor, queueSize int, logger *slog.Logger) *AsyncExecutor {
	if next == nil {
		next = SyncExecutor{}
	}
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncExecutor{
		next:   next,
		queue:  make(chan asyncJob, queueSize),
		logger: logger,
	}
}

// Start runs the worker until ctx is cancelled. Call it once, in its own
// goroutine, before the first Execute.
func (e *AsyncExecutor) Start(ctx context.Context) {
	e.logger.Info("async trigger worker started", "queue_size", cap(e.queue))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("async trigger worker stopped", "pending", len(e.queue))
			return
		case job := <-e.queue:
			metrics.SetAsyncQueueDepth(len(e.queue))
			// Fresh context: the dispatch that enqueued this job is gone,
			// along with its recursion accounting.
			if err := e.next.Execute(context.Background(), job.reg, job.cs); err != nil {
				e.logger.Error("async trigger failed",
					"handler", job.reg.Name(),
					"model", job.cs.Schema.Name,
					"event", string(job.reg.Event),
					"error", err,
				)
			}
		}
	}
}

// Execute enqueues the invocation and returns immediately. A full queue
// drops the job with a warning rather than blocking the operation.
func (e *AsyncExecutor) Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error {
	select {
	case e.queue <- asyncJob{reg: reg, cs: cs}:
		metrics.SetAsyncQueueDepth(len(e.queue))
	default:
		metrics.AsyncJobDropped()
		e.logger.Warn("async trigger queue full, dropping job",
			"handler", reg.Name(),
			"model", cs.Schema.Name,
			"event", string(reg.Event),
			"records", cs.Len(),
		)
	}
	return nil
}
