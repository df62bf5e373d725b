package bulk

import (
	"context"
	"fmt"

	"github.com/ryanbastic/go-bulktrigger/storage"
)

// QuerySet narrows a model's records by equality and membership conditions
// and applies bulk writes to whatever currently matches, with the same
// trigger lifecycle as the instance-based paths. QuerySets are immutable:
// Where returns a new one.
type QuerySet[T any] struct {
	mgr   *Manager[T]
	conds []storage.Cond
	err   error
}

// Where adds a condition: field = value, or field IN value when value is a
// slice. Field takes the Go or column name; conditions combine with AND. An
// unknown field surfaces as an error when the queryset executes.
func (q *QuerySet[T]) Where(field string, value any) *QuerySet[T] {
	next := &QuerySet[T]{
		mgr:   q.mgr,
		conds: append([]storage.Cond(nil), q.conds...),
		err:   q.err,
	}
	f, ok := q.mgr.sch.Field(field)
	if !ok {
		if next.err == nil {
			next.err = fmt.Errorf("bulk: %s has no field %q", q.mgr.sch.Name, field)
		}
		return next
	}
	next.conds = append(next.conds, storage.Eq(f.Column, value))
	return next
}

// All loads the matching records.
func (q *QuerySet[T]) All(ctx context.Context) ([]*T, error) {
	if q.err != nil {
		return nil, q.err
	}
	objs, err := q.mgr.coord.SelectWhere(ctx, q.mgr.sch, q.conds)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(objs))
	for i, obj := range objs {
		out[i] = obj.(*T)
	}
	return out, nil
}

// Update writes values to every matching record with the update lifecycle.
// Values may be storage.Expr for database-side computation. Returns rows
// affected.
func (q *QuerySet[T]) Update(ctx context.Context, values map[string]any, opts ...Option) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.mgr.coord.UpdateWhere(ctx, q.mgr.sch, q.conds, values, buildOptions(opts))
}

// Delete removes every matching record with the delete lifecycle. Returns
// the number of records removed and per-table row counts.
func (q *QuerySet[T]) Delete(ctx context.Context, opts ...Option) (int64, map[string]int64, error) {
	if q.err != nil {
		return 0, nil, q.err
	}
	return q.mgr.coord.DeleteWhere(ctx, q.mgr.sch, q.conds, buildOptions(opts))
}
