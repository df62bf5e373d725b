package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/ryanbastic/go-bulktrigger/circuitbreaker"
	"github.com/ryanbastic/go-bulktrigger/metrics"
)

// Executor runs one registration against a changeset. Implementations
// compose: decorators wrap a base executor to add batching limits, failure
// isolation or instrumentation without the dispatcher knowing.
type Executor interface {
	Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error
}

const (
	DefaultBatchSize        = 1000
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
)

// SyncExecutor invokes the handler inline with the full changeset. The
// default.
type SyncExecutor struct{}

func (SyncExecutor) Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error {
	return reg.Func(ctx, cs)
}

// BatchedExecutor splits large changesets into fixed-size chunks and invokes
// the handler once per chunk, in order. A chunk error stops the remaining
// chunks.
type BatchedExecutor struct {
	Size int
}

func (e BatchedExecutor) Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error {
	size := e.Size
	if size <= 0 {
		size = DefaultBatchSize
	}
	if cs.Len() <= size {
		return reg.Func(ctx, cs)
	}
	for lo := 0; lo < cs.Len(); lo += size {
		hi := min(lo+size, cs.Len())
		if err := reg.Func(ctx, cs.Slice(lo, hi)); err != nil {
			return fmt.Errorf("records %d-%d: %w", lo, hi-1, err)
		}
	}
	return nil
}

// CircuitBreakerExecutor stops invoking handlers after repeated failures and
// lets a probe through once the cooldown elapses. While open it fails fast
// with circuitbreaker.ErrOpen, which aborts the operation like any handler
// error.
type CircuitBreakerExecutor struct {
	next    Executor
	breaker *circuitbreaker.Breaker
}

func NewCircuitBreakerExecutor(next Executor, threshold int, cooldown time.Duration) *CircuitBreakerExecutor {
	if next == nil {
		next = SyncExecutor{}
	}
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	br := circuitbreaker.New(threshold, cooldown)
	br.OnStateChange(func(_, to circuitbreaker.State) {
		metrics.SetBreakerState(int(to))
	})
	return &CircuitBreakerExecutor{next: next, breaker: br}
}

func (e *CircuitBreakerExecutor) Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error {
	return e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.next.Execute(ctx, reg, cs)
	})
}

// Breaker exposes the underlying breaker for inspection.
func (e *CircuitBreakerExecutor) Breaker() *circuitbreaker.Breaker { return e.breaker }

// MetricsExecutor records invocation count, duration and failures per
// (model, event).
type MetricsExecutor struct {
	next Executor
}

func NewMetricsExecutor(next Executor) *MetricsExecutor {
	if next == nil {
		next = SyncExecutor{}
	}
	return &MetricsExecutor{next: next}
}

func (e *MetricsExecutor) Execute(ctx context.Context, reg *Registration, cs *ChangeSet) error {
	start := time.Now()
	err := e.next.Execute(ctx, reg, cs)
	metrics.ObserveTrigger(cs.Schema.Name, string(reg.Event), time.Since(start), err)
	return err
}

// ExecutorKind selects the base execution strategy in an ExecutorSpec.
type ExecutorKind string

const (
	ExecutorSync    ExecutorKind = "sync"
	ExecutorBatched ExecutorKind = "batched"
)

// ExecutorSpec describes an executor stack declaratively: a base strategy
// plus optional circuit breaker and metrics decorators. The zero value
// yields a plain SyncExecutor. AsyncExecutor is excluded because it owns a
// worker lifecycle; construct it directly and pass it to the dispatcher.
type ExecutorSpec struct {
	Kind             ExecutorKind
	BatchSize        int
	CircuitBreaker   bool
	FailureThreshold int
	Cooldown         time.Duration
	Metrics          bool
}

// NewExecutor builds the executor stack spec describes.
func NewExecutor(spec ExecutorSpec) (Executor, error) {
	var exec Executor
	switch spec.Kind {
	case "", ExecutorSync:
		exec = SyncExecutor{}
	case ExecutorBatched:
		exec = BatchedExecutor{Size: spec.BatchSize}
	default:
		return nil, fmt.Errorf("unknown executor kind %q", spec.Kind)
	}
	if spec.CircuitBreaker {
		exec = NewCircuitBreakerExecutor(exec, spec.FailureThreshold, spec.Cooldown)
	}
	if spec.Metrics {
		exec = NewMetricsExecutor(exec)
	}
	return exec, nil
}
