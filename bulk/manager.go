// Package bulk is the caller-facing surface of the trigger layer: typed
// managers whose create, update and delete paths run the
// validate/before/after lifecycle around every write, inside one transaction
// per operation.
package bulk

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
	"github.com/ryanbastic/go-bulktrigger/trigger"
)

// Options control one bulk call.
type Options struct {
	// BatchSize overrides the coordinator's chunk size for this call.
	BatchSize int

	// IgnoreConflicts drops conflicting rows instead of failing. Dropped and
	// surviving rows cannot be told apart, so no instance receives a key.
	IgnoreConflicts bool

	// UpdateConflicts turns conflicting inserts into updates of
	// UpdateFields, matching on UniqueFields. Every instance ends up with
	// the stored row's primary key.
	UpdateConflicts bool
	UniqueFields    []string
	UpdateFields    []string

	// BypassTriggers skips the whole lifecycle: the write becomes a plain
	// storage call. BypassValidation skips only the validate phase.
	BypassTriggers   bool
	BypassValidation bool
}

func (o Options) operationOptions() trigger.OperationOptions {
	return trigger.OperationOptions{
		BypassTriggers:   o.BypassTriggers,
		BypassValidation: o.BypassValidation,
	}
}

// Option mutates the Options for one call.
type Option func(*Options)

func WithBatchSize(n int) Option {
	return func(o *Options) { o.BatchSize = n }
}

func IgnoreConflicts() Option {
	return func(o *Options) { o.IgnoreConflicts = true }
}

func UpdateConflicts(uniqueFields, updateFields []string) Option {
	return func(o *Options) {
		o.UpdateConflicts = true
		o.UniqueFields = uniqueFields
		o.UpdateFields = updateFields
	}
}

func BypassTriggers() Option {
	return func(o *Options) { o.BypassTriggers = true }
}

func BypassValidation() Option {
	return func(o *Options) { o.BypassValidation = true }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Manager is the typed entry point for bulk writes on one model.
type Manager[T any] struct {
	sch   *schema.Schema
	coord *Coordinator
}

type managerConfig struct {
	registry  *trigger.Registry
	executor  trigger.Executor
	logger    *slog.Logger
	chunkSize int
	maxDepth  int
	strict    bool
	pkGen     func() any
	coord     *Coordinator
}

// ManagerOption configures the dispatcher and coordinator behind a manager.
type ManagerOption func(*managerConfig)

// WithRegistry routes dispatch through r instead of the process default.
func WithRegistry(r *trigger.Registry) ManagerOption {
	return func(c *managerConfig) { c.registry = r }
}

// WithExecutor replaces the dispatcher's synchronous executor.
func WithExecutor(e trigger.Executor) ManagerOption {
	return func(c *managerConfig) { c.executor = e }
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

// WithChunkSize overrides DefaultChunkSize for physical writes.
func WithChunkSize(n int) ManagerOption {
	return func(c *managerConfig) { c.chunkSize = n }
}

// WithMaxDepth overrides the recursion guard's depth bound.
func WithMaxDepth(n int) ManagerOption {
	return func(c *managerConfig) { c.maxDepth = n }
}

// WithStrictConditions makes condition evaluation errors abort operations
// instead of excluding the record.
func WithStrictConditions() ManagerOption {
	return func(c *managerConfig) { c.strict = true }
}

// WithPKGenerator assigns client-generated keys to created records lacking
// one, e.g. bulk.UUIDKeys for string uuid primary keys. With keys known up
// front, every table of an inheritance chain is written in bulk.
func WithPKGenerator(gen func() any) ManagerOption {
	return func(c *managerConfig) { c.pkGen = gen }
}

// UUIDKeys is a primary key generator for string uuid columns.
func UUIDKeys() any { return uuid.NewString() }

// WithCoordinator shares an existing coordinator (and its dispatcher)
// across managers for several models. All other options are ignored.
func WithCoordinator(coord *Coordinator) ManagerOption {
	return func(c *managerConfig) { c.coord = coord }
}

// NewManager builds a manager for T over engine. T must be a model struct
// with a `db` primary key tag.
func NewManager[T any](engine storage.Engine, opts ...ManagerOption) (*Manager[T], error) {
	var zero T
	sch, err := schema.Of(zero)
	if err != nil {
		return nil, err
	}
	var cfg managerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	coord := cfg.coord
	if coord == nil {
		logger := cfg.logger
		if logger == nil {
			logger = slog.Default()
		}
		coord = NewCoordinator(engine, nil, logger, cfg.chunkSize, cfg.pkGen)
		dopts := []trigger.DispatcherOption{
			trigger.WithLogger(logger),
			trigger.WithPreloader(coord),
		}
		if cfg.executor != nil {
			dopts = append(dopts, trigger.WithExecutor(cfg.executor))
		}
		if cfg.maxDepth > 0 {
			dopts = append(dopts, trigger.WithMaxDepth(cfg.maxDepth))
		}
		if cfg.strict {
			dopts = append(dopts, trigger.WithStrictConditions())
		}
		coord.dispatcher = trigger.NewDispatcher(cfg.registry, dopts...)
	}
	return &Manager[T]{sch: sch, coord: coord}, nil
}

// Schema returns the model's schema.
func (m *Manager[T]) Schema() *schema.Schema { return m.sch }

// Coordinator returns the coordinator behind this manager, for sharing via
// WithCoordinator.
func (m *Manager[T]) Coordinator() *Coordinator { return m.coord }

// Registry returns the trigger registry operations consult.
func (m *Manager[T]) Registry() *trigger.Registry {
	return m.coord.Dispatcher().Registry()
}

// Migrate provisions the model's tables on the engine.
func (m *Manager[T]) Migrate(ctx context.Context) error {
	return m.coord.engine.Migrate(ctx, m.sch)
}

// BulkCreate inserts objs with the create lifecycle and returns the same
// slice, primary keys and write-time timestamps assigned.
func (m *Manager[T]) BulkCreate(ctx context.Context, objs []*T, opts ...Option) ([]*T, error) {
	if err := m.coord.Create(ctx, m.sch, toAny(objs), buildOptions(opts)); err != nil {
		return nil, err
	}
	return objs, nil
}

// BulkUpdate writes objs back with the update lifecycle. A nil field list
// auto-detects changed fields by diffing against the stored rows. Returns
// rows affected.
func (m *Manager[T]) BulkUpdate(ctx context.Context, objs []*T, fields []string, opts ...Option) (int64, error) {
	return m.coord.Update(ctx, m.sch, toAny(objs), fields, buildOptions(opts))
}

// BulkDelete removes objs with the delete lifecycle. Returns the number of
// records removed.
func (m *Manager[T]) BulkDelete(ctx context.Context, objs []*T, opts ...Option) (int64, error) {
	n, _, err := m.coord.Delete(ctx, m.sch, toAny(objs), buildOptions(opts))
	return n, err
}

// Query starts an unfiltered query over the model's records.
func (m *Manager[T]) Query() *QuerySet[T] {
	return &QuerySet[T]{mgr: m}
}

// Where is shorthand for Query().Where.
func (m *Manager[T]) Where(field string, value any) *QuerySet[T] {
	return m.Query().Where(field, value)
}

func toAny[T any](objs []*T) []any {
	out := make([]any, len(objs))
	for i, o := range objs {
		out[i] = o
	}
	return out
}
