package storage

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sync"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

// Memory is an in-process Engine for tests and examples. Transactions are
// serialized: Begin holds the engine lock until Commit or Rollback, and a
// transaction stages a full copy of the data set, swapped in on Commit.
type Memory struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

type memTable struct {
	pkCol  string
	autoPK bool
	unique []string
	nextID int64
	keys   []string
	rows   map[string]Row
}

// NewMemory creates an empty in-memory engine. Tables must be provisioned
// with Migrate before use.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*memTable)}
}

// Migrate implements Engine. Existing tables keep their rows.
func (m *Memory) Migrate(ctx context.Context, schemas ...*schema.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schemas {
		for i, table := range s.Tables {
			if _, ok := m.tables[table]; ok {
				continue
			}
			var unique []string
			for _, f := range s.FieldsForTable(table) {
				if f.Unique {
					unique = append(unique, f.Column)
				}
			}
			m.tables[table] = &memTable{
				pkCol:  s.PK.Column,
				autoPK: s.PK.Auto && i == 0,
				unique: unique,
				rows:   make(map[string]Row),
			}
		}
	}
	return nil
}

// Count returns the number of rows in table, for test assertions.
func (m *Memory) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		return 0
	}
	return len(t.rows)
}

// Begin implements Engine. The returned Tx must be finished with Commit or
// Rollback before another transaction can start.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	staged := make(map[string]*memTable, len(m.tables))
	for name, t := range m.tables {
		ct := &memTable{
			pkCol:  t.pkCol,
			autoPK: t.autoPK,
			unique: t.unique,
			nextID: t.nextID,
			keys:   append([]string(nil), t.keys...),
			rows:   make(map[string]Row, len(t.rows)),
		}
		for k, r := range t.rows {
			ct.rows[k] = maps.Clone(r)
		}
		staged[name] = ct
	}
	return &memoryTx{engine: m, staged: staged}, nil
}

type memoryTx struct {
	engine *Memory
	staged map[string]*memTable
	done   bool
}

func (tx *memoryTx) table(name string) (*memTable, error) {
	t, ok := tx.staged[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown table %q (missing Migrate?)", name)
	}
	return t, nil
}

func (tx *memoryTx) Insert(ctx context.Context, table string, columns []string, rows []Row, opts InsertOptions) ([]any, error) {
	t, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	var out []any
	if opts.Returning != "" {
		out = make([]any, len(rows))
	}
	for i, row := range rows {
		for _, col := range columns {
			if IsExpr(row[col]) {
				return nil, fmt.Errorf("storage: column %q: expressions: %w", col, ErrUnsupported)
			}
		}
		pk := row[t.pkCol]
		existingKey := ""
		if !isZeroValue(pk) {
			if _, ok := t.rows[keyOf(pk)]; ok {
				existingKey = keyOf(pk)
			}
		}
		if existingKey == "" && len(opts.ConflictColumns) > 0 {
			existingKey = t.findByColumns(opts.ConflictColumns, row)
		}
		if existingKey == "" {
			for _, col := range t.unique {
				if row[col] == nil {
					continue
				}
				if k := t.findByColumns([]string{col}, row); k != "" {
					existingKey = k
					break
				}
			}
		}
		if existingKey != "" {
			switch {
			case len(opts.ConflictColumns) > 0 && len(opts.UpdateFields) > 0:
				existing := t.rows[existingKey]
				for _, col := range opts.UpdateFields {
					existing[col] = row[col]
				}
				if out != nil {
					out[i] = existing[t.pkCol]
				}
			case opts.IgnoreConflicts:
				// Row dropped; out[i] stays nil.
			default:
				return nil, fmt.Errorf("storage: duplicate key %v in %q", row[t.pkCol], table)
			}
			continue
		}
		if isZeroValue(pk) {
			if !t.autoPK {
				return nil, fmt.Errorf("storage: row %d for %q has no primary key and table does not auto-generate", i, table)
			}
			t.nextID++
			pk = t.nextID
		}
		stored := Row{t.pkCol: pk}
		for _, col := range columns {
			if col == t.pkCol {
				continue
			}
			if v, ok := row[col]; ok {
				stored[col] = v
			}
		}
		k := keyOf(pk)
		t.rows[k] = stored
		t.keys = append(t.keys, k)
		if out != nil {
			out[i] = pk
		}
	}
	return out, nil
}

func (tx *memoryTx) Update(ctx context.Context, table string, pkCol string, columns []string, rows []Row) (int64, error) {
	t, err := tx.table(table)
	if err != nil {
		return 0, err
	}
	var affected int64
	for _, row := range rows {
		pk := row[pkCol]
		existing, ok := t.rows[keyOf(pk)]
		if !ok {
			continue
		}
		for _, col := range columns {
			if col == pkCol {
				continue
			}
			v := row[col]
			if IsExpr(v) {
				return 0, fmt.Errorf("storage: column %q: expressions: %w", col, ErrUnsupported)
			}
			existing[col] = v
		}
		affected++
	}
	return affected, nil
}

func (tx *memoryTx) Delete(ctx context.Context, table string, pkCol string, pks []any) (int64, error) {
	t, err := tx.table(table)
	if err != nil {
		return 0, err
	}
	var affected int64
	for _, pk := range pks {
		k := keyOf(pk)
		if _, ok := t.rows[k]; !ok {
			continue
		}
		delete(t.rows, k)
		affected++
	}
	if affected > 0 {
		kept := t.keys[:0]
		for _, k := range t.keys {
			if _, ok := t.rows[k]; ok {
				kept = append(kept, k)
			}
		}
		t.keys = kept
	}
	return affected, nil
}

func (tx *memoryTx) Select(ctx context.Context, table string, columns []string, conds []Cond) ([]Row, error) {
	t, err := tx.table(table)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, k := range t.keys {
		row := t.rows[k]
		if !matches(row, conds) {
			continue
		}
		if len(columns) == 0 {
			out = append(out, maps.Clone(row))
			continue
		}
		picked := make(Row, len(columns))
		for _, col := range columns {
			picked[col] = row[col]
		}
		out = append(out, picked)
	}
	return out, nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("storage: transaction already finished")
	}
	tx.done = true
	tx.engine.tables = tx.staged
	tx.engine.mu.Unlock()
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.engine.mu.Unlock()
	return nil
}

func (t *memTable) findByColumns(cols []string, row Row) string {
	for _, k := range t.keys {
		existing := t.rows[k]
		all := true
		for _, col := range cols {
			if !schema.EqualValues(existing[col], row[col]) {
				all = false
				break
			}
		}
		if all {
			return k
		}
	}
	return ""
}

func matches(row Row, conds []Cond) bool {
	for _, c := range conds {
		have := row[c.Column]
		if isMembership(c.Value) {
			rv := reflect.ValueOf(c.Value)
			found := false
			for i := 0; i < rv.Len(); i++ {
				if schema.EqualValues(have, rv.Index(i).Interface()) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !schema.EqualValues(have, c.Value) {
			return false
		}
	}
	return true
}

// isMembership reports whether a condition value means "column IN set".
// []byte and array kinds (uuid.UUID is [16]byte) stay scalar equality.
func isMembership(v any) bool {
	if v == nil {
		return false
	}
	if _, isBytes := v.([]byte); isBytes {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

// keyOf fingerprints a primary key value so int(5) and int64(5) address the
// same row.
func keyOf(pk any) string {
	return fmt.Sprintf("%v", pk)
}

func isZeroValue(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
