// Package storage defines the capability the trigger layer consumes from a
// relational engine: bulk insert returning generated keys, bulk update and
// delete by primary key, filtered lookups for snapshot fetching, and opaque
// database-computed value expressions. Engines own SQL generation,
// connections, and transaction semantics.
package storage

import (
	"context"
	"errors"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = errors.New("storage: row not found")

	// ErrUnsupported is returned by engines asked for a capability they do
	// not implement (e.g. raw expressions on the in-memory engine).
	ErrUnsupported = errors.New("storage: unsupported operation")
)

// Row is one table row as column -> value.
type Row map[string]any

// Expr is an opaque database-computed value, such as a subquery or an
// arithmetic expression over existing columns. The trigger layer passes it
// through untouched: it is never diffed, compared, or evaluated in-process.
// Placeholders use ? and are renumbered by engines that need $n.
type Expr struct {
	SQL  string
	Args []any
}

// IsExpr reports whether v is a deferred database-computed value.
func IsExpr(v any) bool {
	switch v.(type) {
	case Expr, *Expr:
		return true
	}
	return false
}

// Cond is one predicate for filtered reads: Column = Value, or
// Column IN (...) when Value is a slice. Conds combine with AND.
type Cond struct {
	Column string
	Value  any
}

// Eq builds an equality (or membership, for slice values) condition.
func Eq(column string, value any) Cond {
	return Cond{Column: column, Value: value}
}

// InsertOptions control conflict behavior for bulk inserts.
type InsertOptions struct {
	// Returning names the pk column whose stored value is reported back per
	// row; empty means the caller does not need generated keys.
	Returning string
	// IgnoreConflicts drops conflicting rows instead of failing.
	IgnoreConflicts bool
	// ConflictColumns switches conflicting rows to updates of UpdateFields.
	ConflictColumns []string
	UpdateFields    []string
}

// Engine is a relational storage backend.
type Engine interface {
	// Begin opens the transaction a bulk operation runs inside.
	Begin(ctx context.Context) (Tx, error)

	// Migrate provisions the tables backing the given schemas, including
	// every table of a multi-table inheritance chain. Idempotent.
	Migrate(ctx context.Context, schemas ...*schema.Schema) error
}

// Tx is one storage transaction. Either everything a bulk operation wrote
// commits, or none of it does.
type Tx interface {
	// Insert writes rows into table using the given column order. When
	// opts.Returning is set, the result holds one pk value per input row,
	// nil for rows skipped by conflict handling.
	Insert(ctx context.Context, table string, columns []string, rows []Row, opts InsertOptions) ([]any, error)

	// Update writes the named columns of each row, matching on pkCol. Every
	// row must carry pkCol plus the named columns. Returns rows affected.
	Update(ctx context.Context, table string, pkCol string, columns []string, rows []Row) (int64, error)

	// Delete removes rows whose pkCol is in pks. Returns rows affected.
	Delete(ctx context.Context, table string, pkCol string, pks []any) (int64, error)

	// Select returns the named columns of rows matching all conds, in a
	// stable engine-defined order.
	Select(ctx context.Context, table string, columns []string, conds []Cond) ([]Row, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
