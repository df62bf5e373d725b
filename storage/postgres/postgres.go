// Package postgres implements storage.Engine on PostgreSQL via pgx. Bulk
// inserts are single multi-row statements with RETURNING for generated keys,
// per-row updates travel in one pgx batch, and deletes match with = ANY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
)

// Engine is a storage.Engine backed by a pgx connection pool.
type Engine struct {
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// New creates an Engine. queryTimeout sets the per-query context deadline;
// zero means no timeout.
func New(pool *pgxpool.Pool, queryTimeout time.Duration) *Engine {
	return &Engine{pool: pool, queryTimeout: queryTimeout}
}

// Pool exposes the underlying pool, e.g. for registering a stats collector.
func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

// Begin implements storage.Engine.
func (e *Engine) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, queryTimeout: e.queryTimeout}, nil
}

// Migrate implements storage.Engine. Chain tables are created root first so
// the descendant key constraints resolve.
func (e *Engine) Migrate(ctx context.Context, schemas ...*schema.Schema) error {
	for _, s := range schemas {
		for i, table := range s.Tables {
			if _, err := e.pool.Exec(ctx, tableDDL(s, table, i)); err != nil {
				return fmt.Errorf("migrate %s: %w", table, err)
			}
		}
	}
	return nil
}

// Tx implements storage.Tx over one pgx transaction.
type Tx struct {
	tx           pgx.Tx
	queryTimeout time.Duration
}

func (t *Tx) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.queryTimeout > 0 {
		return context.WithTimeout(ctx, t.queryTimeout)
	}
	return ctx, func() {}
}

func (t *Tx) Insert(ctx context.Context, table string, columns []string, rows []storage.Row, opts storage.InsertOptions) ([]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if opts.Returning != "" && opts.IgnoreConflicts {
		return nil, fmt.Errorf("returning keys with ignored conflicts: %w", storage.ErrUnsupported)
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	var b strings.Builder
	args := make([]any, 0, len(rows)*len(columns))
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, col := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			writeValue(&b, row[col], &args)
		}
		b.WriteByte(')')
	}
	switch {
	case len(opts.ConflictColumns) > 0 && len(opts.UpdateFields) > 0:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(opts.ConflictColumns, ", "))
		for i, f := range opts.UpdateFields {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", f, f)
		}
	case opts.IgnoreConflicts:
		b.WriteString(" ON CONFLICT DO NOTHING")
	}

	if opts.Returning == "" {
		if _, err := t.tx.Exec(ctx, b.String(), args...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		return nil, nil
	}

	fmt.Fprintf(&b, " RETURNING %s", opts.Returning)
	rs, err := t.tx.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	defer rs.Close()
	keys := make([]any, 0, len(rows))
	for rs.Next() {
		var pk any
		if err := rs.Scan(&pk); err != nil {
			return nil, fmt.Errorf("insert %s returning: %w", table, err)
		}
		keys = append(keys, pk)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	if len(keys) != len(rows) {
		return nil, fmt.Errorf("insert %s: %d rows in, %d keys back", table, len(rows), len(keys))
	}
	return keys, nil
}

func (t *Tx) Update(ctx context.Context, table string, pkCol string, columns []string, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, row := range rows {
		var b strings.Builder
		var args []any
		fmt.Fprintf(&b, "UPDATE %s SET ", table)
		wrote := false
		for _, col := range columns {
			if col == pkCol {
				continue
			}
			if wrote {
				b.WriteString(", ")
			}
			wrote = true
			fmt.Fprintf(&b, "%s = ", col)
			writeValue(&b, row[col], &args)
		}
		if !wrote {
			continue
		}
		args = append(args, row[pkCol])
		fmt.Fprintf(&b, " WHERE %s = $%d", pkCol, len(args))
		batch.Queue(b.String(), args...)
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	br := t.tx.SendBatch(ctx, batch)
	var affected int64
	for i := 0; i < batch.Len(); i++ {
		ct, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("update %s: %w", table, err)
		}
		affected += ct.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return affected, nil
}

func (t *Tx) Delete(ctx context.Context, table string, pkCol string, pks []any) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", table, pkCol)
	ct, err := t.tx.Exec(ctx, query, pks)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return ct.RowsAffected(), nil
}

func (t *Tx) Select(ctx context.Context, table string, columns []string, conds []storage.Cond) ([]storage.Row, error) {
	ctx, cancel := t.withTimeout(ctx)
	defer cancel()

	cols := "*"
	if len(columns) > 0 {
		cols = strings.Join(columns, ", ")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, table)
	var args []any
	for i, c := range conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		writeCond(&b, c, &args)
	}
	b.WriteString(" ORDER BY 1")

	rs, err := t.tx.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rs.Close()
	fds := rs.FieldDescriptions()
	var out []storage.Row
	for rs.Next() {
		vals, err := rs.Values()
		if err != nil {
			return nil, fmt.Errorf("select %s scan: %w", table, err)
		}
		row := make(storage.Row, len(fds))
		for i, fd := range fds {
			row[fd.Name] = vals[i]
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// writeValue appends one SQL value: a $n placeholder for plain values, or the
// expression text with its ? placeholders renumbered for storage.Expr.
func writeValue(b *strings.Builder, v any, args *[]any) {
	var ex *storage.Expr
	switch x := v.(type) {
	case storage.Expr:
		ex = &x
	case *storage.Expr:
		ex = x
	}
	if ex == nil {
		*args = append(*args, v)
		fmt.Fprintf(b, "$%d", len(*args))
		return
	}
	next := 0
	b.WriteByte('(')
	for _, r := range ex.SQL {
		if r == '?' && next < len(ex.Args) {
			*args = append(*args, ex.Args[next])
			next++
			fmt.Fprintf(b, "$%d", len(*args))
			continue
		}
		b.WriteRune(r)
	}
	b.WriteByte(')')
}

// writeCond appends one predicate: IS NULL for nil, = ANY($n) for slice
// values, = $n otherwise. []byte stays scalar equality.
func writeCond(b *strings.Builder, c storage.Cond, args *[]any) {
	if c.Value == nil {
		fmt.Fprintf(b, "%s IS NULL", c.Column)
		return
	}
	if storage.IsExpr(c.Value) {
		fmt.Fprintf(b, "%s = ", c.Column)
		writeValue(b, c.Value, args)
		return
	}
	if _, isBytes := c.Value.([]byte); !isBytes && reflect.ValueOf(c.Value).Kind() == reflect.Slice {
		*args = append(*args, c.Value)
		fmt.Fprintf(b, "%s = ANY($%d)", c.Column, len(*args))
		return
	}
	*args = append(*args, c.Value)
	fmt.Fprintf(b, "%s = $%d", c.Column, len(*args))
}

var (
	timeType  = reflect.TypeOf(time.Time{})
	uuidType  = reflect.TypeOf(uuid.UUID{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// tableDDL renders CREATE TABLE for one table of a schema's chain. pos is the
// table's position in the chain; descendants reference the previous table's
// key and cascade on delete.
func tableDDL(s *schema.Schema, table string, pos int) string {
	pkType := columnType(s.PK.Type)
	var cols []string
	switch {
	case pos > 0:
		parent := s.Tables[pos-1]
		cols = append(cols, fmt.Sprintf("%s %s PRIMARY KEY REFERENCES %s (%s) ON DELETE CASCADE",
			s.PK.Column, pkType, parent, s.PK.Column))
	case s.PK.Auto && pkType == "BIGINT":
		cols = append(cols, fmt.Sprintf("%s BIGSERIAL PRIMARY KEY", s.PK.Column))
	default:
		cols = append(cols, fmt.Sprintf("%s %s PRIMARY KEY", s.PK.Column, pkType))
	}

	var indexes []string
	for _, f := range s.FieldsForTable(table) {
		if f.PrimaryKey {
			continue
		}
		col := fmt.Sprintf("%s %s", f.Column, columnType(f.Type))
		if f.Type.Kind() != reflect.Pointer {
			col += " NOT NULL"
		}
		if f.Unique {
			col += " UNIQUE"
		}
		cols = append(cols, col)
		if f.FK {
			indexes = append(indexes, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s);",
				table, f.Column, table, f.Column))
		}
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);", table, strings.Join(cols, ",\n\t"))
	if len(indexes) > 0 {
		ddl += "\n" + strings.Join(indexes, "\n")
	}
	return ddl
}

// columnType maps a Go field type to a PostgreSQL column type. Unrecognized
// kinds (structs, maps, slices) persist as JSONB.
func columnType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return "TIMESTAMPTZ"
	case uuidType:
		return "UUID"
	case bytesType:
		return "BYTEA"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "BIGINT"
	case reflect.Float32, reflect.Float64:
		return "DOUBLE PRECISION"
	case reflect.String:
		return "TEXT"
	default:
		return "JSONB"
	}
}
