package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ryanbastic/go-bulktrigger/metrics"
	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
	"github.com/ryanbastic/go-bulktrigger/trigger"
)

// DefaultChunkSize bounds rows per physical statement. Trigger dispatch
// always sees the full batch; chunking only limits SQL parameter counts.
const DefaultChunkSize = 200

// Coordinator executes bulk operations: it opens the transaction, fetches
// old-state snapshots, runs the trigger lifecycle through the dispatcher and
// performs the chunked physical writes. One coordinator serves any number of
// models and is safe for concurrent use.
type Coordinator struct {
	engine     storage.Engine
	dispatcher *trigger.Dispatcher
	logger     *slog.Logger
	chunkSize  int
	pkGen      func() any
}

// NewCoordinator builds a coordinator over engine. A nil dispatcher gets a
// default one wired to the process-wide registry with this coordinator as
// its preloader. pkGen, when non-nil, assigns client-generated primary keys
// to created records that lack one, letting every table of an inheritance
// chain be written in bulk.
func NewCoordinator(engine storage.Engine, dispatcher *trigger.Dispatcher, logger *slog.Logger, chunkSize int, pkGen func() any) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	c := &Coordinator{
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		chunkSize:  chunkSize,
		pkGen:      pkGen,
	}
	if c.dispatcher == nil {
		c.dispatcher = trigger.NewDispatcher(nil,
			trigger.WithLogger(logger),
			trigger.WithPreloader(c),
		)
	}
	return c
}

// Dispatcher returns the dispatcher operations run through.
func (c *Coordinator) Dispatcher() *trigger.Dispatcher { return c.dispatcher }

type txCtxKey struct{}

// TxFromContext returns the transaction the current bulk operation runs in.
// Handlers use it for raw storage access inside the operation's atomic
// scope.
func TxFromContext(ctx context.Context) (storage.Tx, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(storage.Tx)
	return tx, ok
}

// inTx runs fn inside the context's transaction, beginning one when absent.
// Nested writes issued by trigger handlers reuse the outer transaction, so a
// failure anywhere in the lifecycle rolls back the whole operation, chunks
// already written included.
func (c *Coordinator) inTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if tx, ok := TxFromContext(ctx); ok {
		return fn(ctx, tx)
	}
	tx, err := c.engine.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bulk: begin transaction: %w", err)
	}
	ctx = context.WithValue(ctx, txCtxKey{}, tx)
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			c.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bulk: commit: %w", err)
	}
	return nil
}

// Create inserts objs with the full create lifecycle. Generated keys are
// assigned onto the instances before after-phase triggers run.
func (c *Coordinator) Create(ctx context.Context, sch *schema.Schema, objs []any, opts Options) error {
	if len(objs) == 0 {
		return nil
	}
	an := NewAnalyzer(sch)
	if err := an.ValidateForCreate(objs); err != nil {
		return err
	}
	if err := validateCreateOptions(sch, opts); err != nil {
		return err
	}
	if opts.UpdateConflicts {
		var err error
		if opts.UniqueFields, err = an.NormalizeFields(opts.UniqueFields); err != nil {
			return err
		}
		if opts.UpdateFields, err = an.NormalizeFields(opts.UpdateFields); err != nil {
			return err
		}
		// Conflict updates are writes, so write-time timestamps move too.
		opts.UpdateFields = appendMissing(opts.UpdateFields, an.AutoNowFields())
	}

	changes := make([]trigger.RecordChange, len(objs))
	for i, obj := range objs {
		changes[i] = trigger.RecordChange{New: obj}
	}
	cs := trigger.NewChangeSet(sch, trigger.OpCreate, changes)

	start := time.Now()
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := c.dispatcher.ExecuteOperation(ctx, cs, opts.operationOptions(), func(ctx context.Context, cs *trigger.ChangeSet) (*trigger.ChangeSet, error) {
			// Instances are mutated in place, so the same changeset already
			// shows assigned keys to after-phase handlers.
			return nil, c.writeCreate(ctx, tx, cs, opts)
		})
		return err
	})
	c.observe("create", sch, len(objs), start, err)
	return err
}

// writeCreate performs the physical insert for every table of the chain,
// root first. The root insert returns generated keys (unless the caller or
// the key generator assigned them), which descendant tables then reuse.
func (c *Coordinator) writeCreate(ctx context.Context, tx storage.Tx, cs *trigger.ChangeSet, opts Options) error {
	sch := cs.Schema
	objs := cs.News()

	now := time.Now().UTC()
	for _, obj := range objs {
		for _, f := range sch.Fields {
			if f.AutoNow || f.AutoNowAdd {
				if err := sch.Set(obj, f.Name, now); err != nil {
					return err
				}
			}
		}
		if c.pkGen != nil && !sch.HasPK(obj) {
			if err := sch.SetPKValue(obj, c.pkGen()); err != nil {
				return err
			}
		}
	}

	withPK := 0
	for _, obj := range objs {
		if sch.HasPK(obj) {
			withPK++
		}
	}
	if sch.PK.Auto && withPK > 0 && withPK < len(objs) {
		return fmt.Errorf("bulk: create batch mixes assigned and engine-generated primary keys")
	}
	assigned := withPK == len(objs)

	chunk := c.chunk(opts.BatchSize)
	var updateByTable map[string][]string
	if opts.UpdateConflicts {
		updateByTable = map[string][]string{}
		for _, name := range opts.UpdateFields {
			if f, ok := sch.Field(name); ok {
				updateByTable[f.Table] = append(updateByTable[f.Table], f.Column)
			}
		}
	}
	for ti, table := range sch.Tables {
		// Descendant tables always carry the key the root write produced.
		keyed := assigned || ti > 0
		cols := insertColumns(sch, table, keyed)

		iopts := storage.InsertOptions{}
		switch {
		case ti == 0 && opts.UpdateConflicts:
			// Conflicting rows update in place; RETURNING hands back the
			// existing row's key so every instance ends up keyed.
			iopts.ConflictColumns = columnsFor(sch, opts.UniqueFields)
			iopts.UpdateFields = updateByTable[table]
			if len(iopts.UpdateFields) == 0 {
				// No root fields to update: a no-op self-assignment keeps
				// DO UPDATE, and with it the returned keys, in play.
				iopts.UpdateFields = iopts.ConflictColumns
			}
			iopts.Returning = sch.PK.Column
		case ti == 0 && opts.IgnoreConflicts:
			// Skipped rows cannot be told apart from inserted ones, so no
			// keys are fetched at all.
			iopts.IgnoreConflicts = true
		case ti == 0 && !keyed:
			iopts.Returning = sch.PK.Column
		case ti > 0 && opts.UpdateConflicts:
			// Conflict-updated records already own descendant rows under the
			// key the root handed back: update this table's share of the
			// field set, or leave the row untouched when it has none.
			if flds := updateByTable[table]; len(flds) > 0 {
				iopts.ConflictColumns = []string{sch.PK.Column}
				iopts.UpdateFields = flds
			} else {
				iopts.IgnoreConflicts = true
			}
		}

		rows := make([]storage.Row, len(objs))
		for i, obj := range objs {
			row, err := sch.Row(obj, table)
			if err != nil {
				return err
			}
			rows[i] = row
		}

		for lo := 0; lo < len(rows); lo += chunk {
			hi := min(lo+chunk, len(rows))
			res, err := tx.Insert(ctx, table, cols, rows[lo:hi], iopts)
			if err != nil {
				return fmt.Errorf("bulk: insert %s: %w", table, err)
			}
			if iopts.Returning == "" {
				continue
			}
			for j, pk := range res {
				if pk == nil {
					continue
				}
				if err := sch.SetPKValue(objs[lo+j], pk); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Update writes objs back with the full update lifecycle. With a nil field
// list the changed fields are detected by diffing against the old snapshots
// after before-phase triggers ran, so handler mutations are included.
// Returns rows affected.
func (c *Coordinator) Update(ctx context.Context, sch *schema.Schema, objs []any, fields []string, opts Options) (int64, error) {
	if len(objs) == 0 {
		return 0, nil
	}
	an := NewAnalyzer(sch)
	if err := an.ValidateForUpdate(objs); err != nil {
		return 0, err
	}
	if opts.IgnoreConflicts || opts.UpdateConflicts {
		return 0, fmt.Errorf("bulk: conflict options only apply to create")
	}
	if len(fields) > 0 {
		var err error
		if fields, err = an.NormalizeFields(fields); err != nil {
			return 0, err
		}
	}

	var count int64
	start := time.Now()
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		olds, err := c.fetchByPKs(ctx, tx, sch, pkValues(sch, objs))
		if err != nil {
			return err
		}
		// Pairing is by primary key: caller order never decides which old
		// row an instance sees.
		changes := make([]trigger.RecordChange, len(objs))
		for i, obj := range objs {
			changes[i] = trigger.RecordChange{New: obj, Old: olds[pkKey(sch.PKValue(obj))]}
		}
		cs := trigger.NewChangeSet(sch, trigger.OpUpdate, changes)
		cs.Fields = fields

		// With an explicit field list, snapshot the instances now so fields
		// the before phase touches can be told apart from the caller's own
		// out-of-list edits and added to the write set.
		var base []any
		if len(fields) > 0 {
			base = cloneAll(sch, objs)
		}

		_, err = c.dispatcher.ExecuteOperation(ctx, cs, opts.operationOptions(), func(ctx context.Context, cs *trigger.ChangeSet) (*trigger.ChangeSet, error) {
			n, werr := c.writeUpdate(ctx, tx, cs, an, opts, base)
			count = n
			return nil, werr
		})
		return err
	})
	c.observe("update", sch, len(objs), start, err)
	return count, err
}

func (c *Coordinator) writeUpdate(ctx context.Context, tx storage.Tx, cs *trigger.ChangeSet, an *Analyzer, opts Options, base []any) (int64, error) {
	sch := cs.Schema
	fields := cs.Fields
	if len(fields) == 0 {
		fields = an.DetectModifiedFields(cs.News(), cs.Olds())
	} else if base != nil {
		// Re-diff against the pre-dispatch snapshot: fields the before
		// phase mutated join the write set alongside the requested ones.
		fields = appendMissing(fields, an.DetectModifiedFields(cs.News(), base))
	}
	if len(fields) == 0 {
		cs.Fields = nil
		return 0, nil
	}
	fields = appendMissing(fields, an.AutoNowFields())
	cs.Fields = fields

	if err := c.stampAutoNow(sch, cs.News()); err != nil {
		return 0, err
	}
	return c.writeFieldRows(ctx, tx, cs, fields, opts, nil)
}

// writeFieldRows updates the named fields table by table. exprs substitutes
// deferred database expressions for instance values per field.
func (c *Coordinator) writeFieldRows(ctx context.Context, tx storage.Tx, cs *trigger.ChangeSet, fields []string, opts Options, exprs map[string]storage.Expr) (int64, error) {
	sch := cs.Schema
	groups, err := groupFieldsByTable(sch, fields)
	if err != nil {
		return 0, err
	}
	objs := cs.News()
	chunk := c.chunk(opts.BatchSize)

	var count int64
	for _, g := range groups {
		cols := make([]string, len(g.fields))
		for i, f := range g.fields {
			cols[i] = f.Column
		}
		rows := make([]storage.Row, len(objs))
		for i, obj := range objs {
			row := storage.Row{sch.PK.Column: sch.PKValue(obj)}
			for _, f := range g.fields {
				if ex, ok := exprs[f.Name]; ok {
					row[f.Column] = ex
					continue
				}
				v, _ := sch.Value(obj, f.Name)
				row[f.Column] = v
			}
			rows[i] = row
		}

		var affected int64
		for lo := 0; lo < len(rows); lo += chunk {
			hi := min(lo+chunk, len(rows))
			n, err := tx.Update(ctx, g.table, sch.PK.Column, cols, rows[lo:hi])
			if err != nil {
				return count, fmt.Errorf("bulk: update %s: %w", g.table, err)
			}
			affected += n
		}
		// Chain tables each match the same logical records; report the
		// widest table's count.
		count = max(count, affected)
	}
	return count, nil
}

// Delete removes objs with the full delete lifecycle. Old snapshots are
// fetched so delete triggers can compare against stored state. Returns the
// number of logical records removed and per-table row counts.
func (c *Coordinator) Delete(ctx context.Context, sch *schema.Schema, objs []any, opts Options) (int64, map[string]int64, error) {
	if len(objs) == 0 {
		return 0, nil, nil
	}
	an := NewAnalyzer(sch)
	if err := an.ValidateForDelete(objs); err != nil {
		return 0, nil, err
	}
	if opts.IgnoreConflicts || opts.UpdateConflicts {
		return 0, nil, fmt.Errorf("bulk: conflict options only apply to create")
	}

	var (
		count  int64
		detail map[string]int64
	)
	start := time.Now()
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		olds, err := c.fetchByPKs(ctx, tx, sch, pkValues(sch, objs))
		if err != nil {
			return err
		}
		changes := make([]trigger.RecordChange, len(objs))
		for i, obj := range objs {
			changes[i] = trigger.RecordChange{New: obj, Old: olds[pkKey(sch.PKValue(obj))]}
		}
		cs := trigger.NewChangeSet(sch, trigger.OpDelete, changes)

		_, err = c.dispatcher.ExecuteOperation(ctx, cs, opts.operationOptions(), func(ctx context.Context, cs *trigger.ChangeSet) (*trigger.ChangeSet, error) {
			n, d, werr := c.writeDelete(ctx, tx, sch, cs.News(), opts)
			count, detail = n, d
			return nil, werr
		})
		return err
	})
	c.observe("delete", sch, len(objs), start, err)
	return count, detail, err
}

func (c *Coordinator) writeDelete(ctx context.Context, tx storage.Tx, sch *schema.Schema, objs []any, opts Options) (int64, map[string]int64, error) {
	pks := pkValues(sch, objs)
	chunk := c.chunk(opts.BatchSize)
	detail := make(map[string]int64, len(sch.Tables))
	for _, table := range deleteOrder(sch) {
		var affected int64
		for lo := 0; lo < len(pks); lo += chunk {
			hi := min(lo+chunk, len(pks))
			n, err := tx.Delete(ctx, table, sch.PK.Column, pks[lo:hi])
			if err != nil {
				return 0, nil, fmt.Errorf("bulk: delete %s: %w", table, err)
			}
			affected += n
		}
		detail[table] = affected
	}
	// Logical records live in the root table.
	return detail[sch.Tables[0]], detail, nil
}

// UpdateWhere updates every record matching conds to the given values, with
// the full update lifecycle. Values may be storage.Expr for database-side
// computation; those are written through opaquely. Fields mutated by before
// handlers join the requested ones (plus write-time timestamps) in the write
// set.
func (c *Coordinator) UpdateWhere(ctx context.Context, sch *schema.Schema, conds []storage.Cond, values map[string]any, opts Options) (int64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("bulk: update needs at least one value")
	}
	vals := make(map[string]any, len(values))
	exprs := map[string]storage.Expr{}
	for name, v := range values {
		f, ok := sch.Field(name)
		if !ok {
			return 0, fmt.Errorf("bulk: %s has no field %q", sch.Name, name)
		}
		if f.PrimaryKey {
			return 0, fmt.Errorf("bulk: cannot update primary key field %q", name)
		}
		vals[f.Name] = v
		switch x := v.(type) {
		case storage.Expr:
			exprs[f.Name] = x
		case *storage.Expr:
			exprs[f.Name] = *x
		}
	}
	// Schema order keeps the write plan deterministic.
	var fields []string
	for _, f := range sch.Fields {
		if _, ok := vals[f.Name]; ok {
			fields = append(fields, f.Name)
		}
	}

	an := NewAnalyzer(sch)
	var (
		count   int64
		matched int
	)
	start := time.Now()
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		olds, err := c.selectInstances(ctx, tx, sch, conds)
		if err != nil {
			return err
		}
		matched = len(olds)
		if matched == 0 {
			return nil
		}
		changes := make([]trigger.RecordChange, len(olds))
		for i, old := range olds {
			nw := cloneOf(sch, old)
			for name, v := range vals {
				if _, deferred := exprs[name]; deferred {
					// Opaque until the engine resolves it; the instance keeps
					// the stored value.
					continue
				}
				if err := sch.Set(nw, name, v); err != nil {
					return err
				}
			}
			changes[i] = trigger.RecordChange{New: nw, Old: old}
		}
		cs := trigger.NewChangeSet(sch, trigger.OpUpdate, changes)
		cs.Fields = fields
		// Snapshot after the values are applied; anything that diverges from
		// this during the before phase is a handler edit to persist.
		base := cloneAll(sch, cs.News())

		_, err = c.dispatcher.ExecuteOperation(ctx, cs, opts.operationOptions(), func(ctx context.Context, cs *trigger.ChangeSet) (*trigger.ChangeSet, error) {
			flds := appendMissing(cs.Fields, an.DetectModifiedFields(cs.News(), base))
			flds = appendMissing(flds, an.AutoNowFields())
			cs.Fields = flds
			if err := c.stampAutoNow(sch, cs.News()); err != nil {
				return nil, err
			}
			n, werr := c.writeFieldRows(ctx, tx, cs, flds, opts, exprs)
			count = n
			return nil, werr
		})
		return err
	})
	c.observe("update", sch, matched, start, err)
	return count, err
}

// DeleteWhere removes every record matching conds, with the full delete
// lifecycle. Returns the number of logical records removed and per-table row
// counts.
func (c *Coordinator) DeleteWhere(ctx context.Context, sch *schema.Schema, conds []storage.Cond, opts Options) (int64, map[string]int64, error) {
	var (
		count   int64
		detail  = map[string]int64{}
		matched int
	)
	start := time.Now()
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		olds, err := c.selectInstances(ctx, tx, sch, conds)
		if err != nil {
			return err
		}
		matched = len(olds)
		if matched == 0 {
			return nil
		}
		changes := make([]trigger.RecordChange, len(olds))
		for i, old := range olds {
			changes[i] = trigger.RecordChange{New: cloneOf(sch, old), Old: old}
		}
		cs := trigger.NewChangeSet(sch, trigger.OpDelete, changes)

		_, err = c.dispatcher.ExecuteOperation(ctx, cs, opts.operationOptions(), func(ctx context.Context, cs *trigger.ChangeSet) (*trigger.ChangeSet, error) {
			n, d, werr := c.writeDelete(ctx, tx, sch, cs.News(), opts)
			count, detail = n, d
			return nil, werr
		})
		return err
	})
	c.observe("delete", sch, matched, start, err)
	return count, detail, err
}

// SelectWhere loads every record matching conds.
func (c *Coordinator) SelectWhere(ctx context.Context, sch *schema.Schema, conds []storage.Cond) ([]any, error) {
	var out []any
	err := c.inTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		objs, err := c.selectInstances(ctx, tx, sch, conds)
		out = objs
		return err
	})
	return out, err
}

// selectInstances resolves conds to full instances. For multi-table models
// each table owning a condition narrows the key set; the intersection is
// then loaded across the whole chain.
func (c *Coordinator) selectInstances(ctx context.Context, tx storage.Tx, sch *schema.Schema, conds []storage.Cond) ([]any, error) {
	if !sch.IsMTI() {
		rows, err := tx.Select(ctx, sch.Table, nil, conds)
		if err != nil {
			return nil, fmt.Errorf("bulk: select %s: %w", sch.Table, err)
		}
		out := make([]any, len(rows))
		for i, row := range rows {
			obj := sch.New()
			if err := sch.Load(obj, row); err != nil {
				return nil, err
			}
			out[i] = obj
		}
		return out, nil
	}

	condsByTable := map[string][]storage.Cond{}
	for _, cond := range conds {
		f, ok := sch.Field(cond.Column)
		if !ok {
			return nil, fmt.Errorf("bulk: %s has no column %q", sch.Name, cond.Column)
		}
		condsByTable[f.Table] = append(condsByTable[f.Table], cond)
	}
	var queryTables []string
	for _, table := range sch.Tables {
		if len(condsByTable[table]) > 0 {
			queryTables = append(queryTables, table)
		}
	}
	if len(queryTables) == 0 {
		queryTables = sch.Tables[:1]
	}

	var pks []any
	for ti, table := range queryTables {
		rows, err := tx.Select(ctx, table, []string{sch.PK.Column}, condsByTable[table])
		if err != nil {
			return nil, fmt.Errorf("bulk: select %s: %w", table, err)
		}
		found := make([]any, len(rows))
		for i, row := range rows {
			found[i] = row[sch.PK.Column]
		}
		if ti == 0 {
			pks = found
			continue
		}
		allowed := make(map[string]bool, len(found))
		for _, pk := range found {
			allowed[pkKey(pk)] = true
		}
		kept := pks[:0]
		for _, pk := range pks {
			if allowed[pkKey(pk)] {
				kept = append(kept, pk)
			}
		}
		pks = kept
	}
	if len(pks) == 0 {
		return nil, nil
	}

	byKey, err := c.fetchByPKs(ctx, tx, sch, pks)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(pks))
	for _, pk := range pks {
		if inst, ok := byKey[pkKey(pk)]; ok {
			out = append(out, inst)
		}
	}
	return out, nil
}

// fetchByPKs loads full instances for the given keys, merging every table of
// the chain, keyed by normalized pk.
func (c *Coordinator) fetchByPKs(ctx context.Context, tx storage.Tx, sch *schema.Schema, pks []any) (map[string]any, error) {
	out := map[string]any{}
	if len(pks) == 0 {
		return out, nil
	}
	for _, table := range sch.Tables {
		rows, err := tx.Select(ctx, table, nil, []storage.Cond{storage.Eq(sch.PK.Column, pks)})
		if err != nil {
			return nil, fmt.Errorf("bulk: fetch %s: %w", table, err)
		}
		for _, row := range rows {
			k := pkKey(row[sch.PK.Column])
			inst, ok := out[k]
			if !ok {
				inst = sch.New()
				out[k] = inst
			}
			if err := sch.Load(inst, row); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Preload implements trigger.Preloader: one IN query per relation field,
// cached on the changeset keyed by raw foreign key value.
func (c *Coordinator) Preload(ctx context.Context, cs *trigger.ChangeSet, fields []string) error {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return fmt.Errorf("bulk: preload outside an operation")
	}
	sch := cs.Schema
	for _, name := range fields {
		f, ok := sch.Field(name)
		if !ok || !f.FK {
			return fmt.Errorf("bulk: %s.%s is not a relation field", sch.Name, name)
		}
		refTable, refCol := splitRef(f.Ref)
		if refTable == "" {
			return fmt.Errorf("bulk: %s.%s has no relation target (tag it fk=<table>.<column>)", sch.Name, f.Name)
		}

		seen := map[string]bool{}
		var keys []any
		for _, obj := range cs.News() {
			v, ok := sch.Value(obj, f.Name)
			if !ok {
				continue
			}
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || rv.IsZero() {
				continue
			}
			k := pkKey(v)
			if seen[k] {
				continue
			}
			seen[k] = true
			keys = append(keys, v)
		}
		if len(keys) == 0 {
			continue
		}

		rows, err := tx.Select(ctx, refTable, nil, []storage.Cond{storage.Eq(refCol, keys)})
		if err != nil {
			return fmt.Errorf("bulk: preload %s: %w", name, err)
		}
		related := make(map[any]any, len(rows))
		for _, row := range rows {
			related[row[refCol]] = row
		}
		cs.Related[f.Name] = related
	}
	return nil
}

func (c *Coordinator) stampAutoNow(sch *schema.Schema, objs []any) error {
	now := time.Now().UTC()
	for _, obj := range objs {
		for _, f := range sch.Fields {
			if f.AutoNow {
				if err := sch.Set(obj, f.Name, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) chunk(batchSize int) int {
	if batchSize > 0 {
		return batchSize
	}
	return c.chunkSize
}

func (c *Coordinator) observe(op string, sch *schema.Schema, records int, start time.Time, err error) {
	elapsed := time.Since(start)
	metrics.ObserveOperation(sch.Name, op, records, elapsed, err)
	if err != nil {
		c.logger.Error("bulk operation failed",
			"model", sch.Name,
			"op", op,
			"records", records,
			"error", err,
		)
		return
	}
	c.logger.Info("bulk operation complete",
		"model", sch.Name,
		"op", op,
		"records", records,
		"duration", elapsed,
	)
}

// pkKey normalizes a primary key for map lookups, so int and int64 forms of
// the same key collide as they should. Integer and non-integer keys land in
// separate buckets: the string "5" never matches the number 5.
func pkKey(v any) string {
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "i:" + strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if u := rv.Uint(); u <= math.MaxInt64 {
			return "i:" + strconv.FormatInt(int64(u), 10)
		}
		return "u:" + strconv.FormatUint(rv.Uint(), 10)
	}
	return "s:" + fmt.Sprintf("%v", v)
}

func pkValues(sch *schema.Schema, objs []any) []any {
	out := make([]any, len(objs))
	for i, obj := range objs {
		out[i] = sch.PKValue(obj)
	}
	return out
}

func columnsFor(sch *schema.Schema, fields []string) []string {
	out := make([]string, 0, len(fields))
	for _, name := range fields {
		if f, ok := sch.Field(name); ok {
			out = append(out, f.Column)
		}
	}
	return out
}

func appendMissing(fields, extra []string) []string {
	have := make(map[string]bool, len(fields))
	for _, f := range fields {
		have[f] = true
	}
	for _, f := range extra {
		if !have[f] {
			fields = append(fields, f)
		}
	}
	return fields
}

func cloneAll(sch *schema.Schema, objs []any) []any {
	out := make([]any, len(objs))
	for i, obj := range objs {
		out[i] = cloneOf(sch, obj)
	}
	return out
}

func cloneOf(sch *schema.Schema, obj any) any {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	nw := reflect.New(sch.Type)
	nw.Elem().Set(rv)
	return nw.Interface()
}

func splitRef(ref string) (table, column string) {
	if ref == "" {
		return "", ""
	}
	table, column, found := strings.Cut(ref, ".")
	if !found {
		column = "id"
	}
	return table, column
}
