// Package sqlite implements storage.Engine on SQLite via database/sql and
// the modernc.org/sqlite driver. Generated keys come back through per-row
// RETURNING, which keeps them aligned with input order; everything else is
// plain multi-row SQL with ? placeholders.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
)

// Engine is a storage.Engine backed by one SQLite database.
type Engine struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. ":memory:" gives a
// private in-memory database, pinned to a single connection so the pool
// cannot silently hand out a second empty one.
func Open(path string) (*Engine, error) {
	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &Engine{db: db}, nil
}

// New wraps an already-opened handle. The caller keeps ownership of db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// Close closes the underlying handle.
func (e *Engine) Close() error { return e.db.Close() }

// Begin implements storage.Engine.
func (e *Engine) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Migrate implements storage.Engine. Chain tables are created root first so
// the descendant key constraints resolve.
func (e *Engine) Migrate(ctx context.Context, schemas ...*schema.Schema) error {
	for _, s := range schemas {
		for i, table := range s.Tables {
			if _, err := e.db.ExecContext(ctx, tableDDL(s, table, i)); err != nil {
				return fmt.Errorf("migrate %s: %w", table, err)
			}
		}
	}
	return nil
}

// Tx implements storage.Tx over one database/sql transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Insert(ctx context.Context, table string, columns []string, rows []storage.Row, opts storage.InsertOptions) ([]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	if opts.Returning != "" && opts.IgnoreConflicts {
		return nil, fmt.Errorf("returning keys with ignored conflicts: %w", storage.ErrUnsupported)
	}
	conflict := conflictClause(opts)

	if opts.Returning == "" {
		var b strings.Builder
		args := make([]any, 0, len(rows)*len(columns))
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
		for i, row := range rows {
			if i > 0 {
				b.WriteString(", ")
			}
			writeRow(&b, columns, row, &args)
		}
		b.WriteString(conflict)
		if _, err := t.tx.ExecContext(ctx, b.String(), args...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
		return nil, nil
	}

	keys := make([]any, len(rows))
	for i, row := range rows {
		var b strings.Builder
		args := make([]any, 0, len(columns))
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
		writeRow(&b, columns, row, &args)
		b.WriteString(conflict)
		fmt.Fprintf(&b, " RETURNING %s", opts.Returning)
		if err := t.tx.QueryRowContext(ctx, b.String(), args...).Scan(&keys[i]); err != nil {
			return nil, fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return keys, nil
}

func (t *Tx) Update(ctx context.Context, table string, pkCol string, columns []string, rows []storage.Row) (int64, error) {
	var affected int64
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
		fmt.Fprintf(&b, " WHERE %s = ?", pkCol)
		args = append(args, row[pkCol])
		res, err := t.tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", table, err)
		}
		affected += n
	}
	return affected, nil
}

func (t *Tx) Delete(ctx context.Context, table string, pkCol string, pks []any) (int64, error) {
	if len(pks) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", table, pkCol, placeholders(len(pks)))
	res, err := t.tx.ExecContext(ctx, query, pks...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", table, err)
	}
	return n, nil
}

func (t *Tx) Select(ctx context.Context, table string, columns []string, conds []storage.Cond) ([]storage.Row, error) {
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

	rs, err := t.tx.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rs.Close()
	out, err := scanRows(rs)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return out, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func conflictClause(opts storage.InsertOptions) string {
	switch {
	case len(opts.ConflictColumns) > 0 && len(opts.UpdateFields) > 0:
		sets := make([]string, len(opts.UpdateFields))
		for i, f := range opts.UpdateFields {
			sets[i] = fmt.Sprintf("%s = excluded.%s", f, f)
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(opts.ConflictColumns, ", "), strings.Join(sets, ", "))
	case opts.IgnoreConflicts:
		return " ON CONFLICT DO NOTHING"
	}
	return ""
}

func writeRow(b *strings.Builder, columns []string, row storage.Row, args *[]any) {
	b.WriteByte('(')
	for j, col := range columns {
		if j > 0 {
			b.WriteString(", ")
		}
		writeValue(b, row[col], args)
	}
	b.WriteByte(')')
}

// writeValue appends one SQL value: ? for plain values, the expression text
// for storage.Expr. Both sides use ? placeholders, so argument order lines up
// without renumbering.
func writeValue(b *strings.Builder, v any, args *[]any) {
	var ex *storage.Expr
	switch x := v.(type) {
	case storage.Expr:
		ex = &x
	case *storage.Expr:
		ex = x
	}
	if ex == nil {
		b.WriteByte('?')
		*args = append(*args, v)
		return
	}
	b.WriteByte('(')
	b.WriteString(ex.SQL)
	b.WriteByte(')')
	*args = append(*args, ex.Args...)
}

// writeCond appends one predicate: IS NULL for nil, IN (...) for slice
// values, = ? otherwise. []byte stays scalar equality; an empty set matches
// nothing.
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
		rv := reflect.ValueOf(c.Value)
		if rv.Len() == 0 {
			b.WriteString("1 = 0")
			return
		}
		fmt.Fprintf(b, "%s IN (", c.Column)
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('?')
			*args = append(*args, rv.Index(i).Interface())
		}
		b.WriteByte(')')
		return
	}
	fmt.Fprintf(b, "%s = ?", c.Column)
	*args = append(*args, c.Value)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanRows(rs *sql.Rows) ([]storage.Row, error) {
	cols, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rs.ColumnTypes()
	if err != nil {
		return nil, err
	}
	var out []storage.Row
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(storage.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(vals[i], types[i].DatabaseTypeName())
		}
		out = append(out, row)
	}
	return out, rs.Err()
}

// normalize undoes storage representations the driver leaves raw: BOOLEAN
// columns come back as 0/1 integers.
func normalize(v any, dbType string) any {
	if n, ok := v.(int64); ok && strings.EqualFold(dbType, "BOOLEAN") {
		return n != 0
	}
	return v
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
	case s.PK.Auto && pkType == "INTEGER":
		cols = append(cols, fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", s.PK.Column))
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

// columnType maps a Go field type to a SQLite column type. TIMESTAMP declares
// time columns so the driver converts them back to time.Time on read.
func columnType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return "TIMESTAMP"
	case uuidType:
		return "TEXT"
	case bytesType:
		return "BLOB"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "INTEGER"
	case reflect.Float32, reflect.Float64:
		return "REAL"
	case reflect.String:
		return "TEXT"
	default:
		return "TEXT"
	}
}
