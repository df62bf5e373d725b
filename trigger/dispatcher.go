package trigger

import (
	"context"
	"fmt"
	"log/slog"
)

// Preloader resolves relation fields into cs.Related before a handler runs.
// The storage layer provides the implementation; the dispatcher only decides
// when to call it.
type Preloader interface {
	Preload(ctx context.Context, cs *ChangeSet, fields []string) error
}

// Dispatcher routes changesets through the registered handlers for each
// lifecycle event, guarding against recursion and applying per-record
// conditions.
type Dispatcher struct {
	registry *Registry
	guard    *Guard
	exec     Executor
	preload  Preloader
	logger   *slog.Logger
	strict   bool
}

type DispatcherOption func(*Dispatcher)

// WithExecutor replaces the default SyncExecutor.
func WithExecutor(e Executor) DispatcherOption {
	return func(d *Dispatcher) { d.exec = e }
}

// WithMaxDepth overrides DefaultMaxDepth for the recursion guard.
func WithMaxDepth(n int) DispatcherOption {
	return func(d *Dispatcher) { d.guard = NewGuard(n) }
}

// WithPreloader wires the relation loader used for registrations that
// declared preload fields.
func WithPreloader(p Preloader) DispatcherOption {
	return func(d *Dispatcher) { d.preload = p }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithStrictConditions makes condition evaluation errors abort the operation
// instead of excluding the record.
func WithStrictConditions() DispatcherOption {
	return func(d *Dispatcher) { d.strict = true }
}

// NewDispatcher builds a dispatcher over registry. A nil registry uses the
// process-wide default.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		guard:    NewGuard(0),
		exec:     SyncExecutor{},
		logger:   slog.Default(),
	}
	if d.registry == nil {
		d.registry = Default()
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry this dispatcher routes through.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs every handler registered for (cs's model, event) against cs,
// in priority order. Models with no registrations return before the guard is
// consulted, so trigger-free writes pay no recursion accounting. Handler and
// guard errors abort immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, cs *ChangeSet, event Event) error {
	if cs == nil || cs.Len() == 0 {
		return nil
	}
	regs := d.registry.Triggers(cs.Schema.Type, event)
	if len(regs) == 0 {
		return nil
	}

	ctx, release, err := d.guard.Enter(ctx, cs.Schema.Type, event)
	if err != nil {
		return err
	}
	defer release()

	cs.Meta["depth"] = Depth(ctx)
	cs.Meta["call_stack"] = CallStack(ctx)

	d.logger.Debug("dispatching triggers",
		"model", cs.Schema.Name,
		"event", string(event),
		"handlers", len(regs),
		"records", cs.Len(),
		"depth", Depth(ctx),
	)

	for _, reg := range regs {
		sub, err := d.eligible(reg, cs)
		if err != nil {
			return err
		}
		if sub.Len() == 0 {
			continue
		}
		if len(reg.Preload) > 0 && d.preload != nil {
			// Preload is best effort: handlers must tolerate missing
			// relations.
			if err := d.preload.Preload(ctx, sub, reg.Preload); err != nil {
				d.logger.Warn("preload failed",
					"handler", reg.Name(),
					"fields", reg.Preload,
					"error", err,
				)
			}
		}
		if err := d.exec.Execute(ctx, reg, sub); err != nil {
			return fmt.Errorf("%s on %s %s: %w", reg.Name(), event, cs.Schema.Name, err)
		}
	}
	return nil
}

// eligible narrows cs to the records satisfying the registration's
// condition. Evaluation errors exclude the record, or abort when strict
// conditions are on.
func (d *Dispatcher) eligible(reg *Registration, cs *ChangeSet) (*ChangeSet, error) {
	if reg.Cond == nil {
		return cs, nil
	}
	kept := make([]RecordChange, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		ok, err := reg.Cond.Check(ch.New, ch.Old)
		if err != nil {
			if d.strict {
				return nil, fmt.Errorf("condition %s for %s: %w", reg.Cond, reg.Name(), err)
			}
			d.logger.Warn("condition error, excluding record",
				"handler", reg.Name(),
				"condition", reg.Cond.String(),
				"error", err,
			)
			continue
		}
		if ok {
			kept = append(kept, ch)
		}
	}
	sub := *cs
	sub.Changes = kept
	return &sub, nil
}

// OperationOptions control which lifecycle events surround a write.
type OperationOptions struct {
	// BypassTriggers skips every event, validation included. The write
	// becomes a plain storage call.
	BypassTriggers bool

	// BypassValidation skips only the validate phase.
	BypassValidation bool
}

// Operation is the physical write at the center of a lifecycle. It may
// return a rebuilt changeset for the after phase; returning nil keeps cs.
// Creates use this to hand database-assigned keys to after handlers.
type Operation func(ctx context.Context, cs *ChangeSet) (*ChangeSet, error)

// ExecuteOperation runs the full lifecycle around op:
//
//	validate_{op} -> before_{op} -> op -> after_{op}
//
// The first error aborts everything after it; transaction scope and rollback
// belong to the caller.
func (d *Dispatcher) ExecuteOperation(ctx context.Context, cs *ChangeSet, opts OperationOptions, op Operation) (*ChangeSet, error) {
	if cs == nil || cs.Len() == 0 {
		return cs, nil
	}
	if opts.BypassTriggers {
		out, err := op(ctx, cs)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = cs
		}
		return out, nil
	}

	if !opts.BypassValidation {
		if err := d.Dispatch(ctx, cs, EventFor(PhaseValidate, cs.Op)); err != nil {
			return nil, err
		}
	}
	if err := d.Dispatch(ctx, cs, EventFor(PhaseBefore, cs.Op)); err != nil {
		return nil, err
	}

	out, err := op(ctx, cs)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = cs
	}

	if err := d.Dispatch(ctx, out, EventFor(PhaseAfter, cs.Op)); err != nil {
		return nil, err
	}
	return out, nil
}
