package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-bulktrigger/storage"
	"github.com/ryanbastic/go-bulktrigger/trigger"
)

type customer struct {
	ID   int64  `db:"id,pk,auto"`
	Name string `db:"name"`
}

func TestBulkUpdate_PairsByPK(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	created, err := mgr.BulkCreate(ctx, []*order{
		{Reference: "p-1", Qty: 10},
		{Reference: "p-2", Qty: 20},
	})
	require.NoError(t, err)

	oldQty := map[int64]int{}
	reg.MustRegister(order{}, trigger.BeforeUpdate, "Snap", func(ctx context.Context, cs *trigger.ChangeSet) error {
		for _, ch := range cs.Changes {
			require.NotNil(t, ch.Old)
			oldQty[ch.New.(*order).ID] = ch.Old.(*order).Qty
		}
		return nil
	})

	// Caller order is reversed relative to creation; pairing is by key.
	ups := []*order{
		{ID: created[1].ID, Reference: "p-2", Qty: 21},
		{ID: created[0].ID, Reference: "p-1", Qty: 11},
	}
	n, err := mgr.BulkUpdate(ctx, ups, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, 10, oldQty[created[0].ID])
	assert.Equal(t, 20, oldQty[created[1].ID])

	stored, err := mgr.Where("Reference", "p-1").All(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 11, stored[0].Qty)
}

func TestBulkUpdate_AutoDetectsChangedFields(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "d-1", Qty: 1, Status: "new"}})
	require.NoError(t, err)

	var written []string
	reg.MustRegister(order{}, trigger.AfterUpdate, "Observe", func(ctx context.Context, cs *trigger.ChangeSet) error {
		written = append([]string(nil), cs.Fields...)
		return nil
	})

	stored, err := mgr.Where("Reference", "d-1").All(ctx)
	require.NoError(t, err)
	stored[0].Qty = 5

	n, err := mgr.BulkUpdate(ctx, stored, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"Qty", "UpdatedAt"}, written)

	after, err := mgr.Where("Reference", "d-1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, after[0].Qty)
	assert.Equal(t, "new", after[0].Status)
}

func TestBulkUpdate_HandlerMutationsDetected(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "h-1", Qty: 1}})
	require.NoError(t, err)

	reg.MustRegister(order{}, trigger.BeforeUpdate, "Reprice", func(ctx context.Context, cs *trigger.ChangeSet) error {
		for _, o := range cs.News() {
			o.(*order).Total = 42
		}
		return nil
	})

	// The caller changes nothing; the diff runs after the before phase, so
	// the handler's edit is what gets written.
	stored, err := mgr.Where("Reference", "h-1").All(ctx)
	require.NoError(t, err)

	n, err := mgr.BulkUpdate(ctx, stored, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	after, err := mgr.Where("Reference", "h-1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(42), after[0].Total)
}

func TestBulkUpdate_NoChanges(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "n-1", Qty: 1}})
	require.NoError(t, err)

	fired := false
	reg.MustRegister(order{}, trigger.AfterUpdate, "Observe", func(ctx context.Context, cs *trigger.ChangeSet) error {
		fired = true
		return nil
	})

	before, err := mgr.Where("Reference", "n-1").All(ctx)
	require.NoError(t, err)

	n, err := mgr.BulkUpdate(ctx, before, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "an unchanged batch writes nothing")
	assert.True(t, fired, "the lifecycle still runs without a write")

	after, err := mgr.Where("Reference", "n-1").All(ctx)
	require.NoError(t, err)
	assert.True(t, after[0].UpdatedAt.Equal(before[0].UpdatedAt), "no write means no timestamp bump")
}

func TestBulkUpdate_ExplicitFields(t *testing.T) {
	mgr, _, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "e-1", Qty: 1, Status: "new"}})
	require.NoError(t, err)

	stored, err := mgr.Where("Reference", "e-1").All(ctx)
	require.NoError(t, err)
	stored[0].Qty = 5
	stored[0].Status = "paid"

	n, err := mgr.BulkUpdate(ctx, stored, []string{"Qty"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	after, err := mgr.Where("Reference", "e-1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, after[0].Qty)
	assert.Equal(t, "new", after[0].Status, "fields outside the list must not persist")
}

func TestBulkUpdate_ExplicitFieldsHandlerAugmented(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "ea-1", Qty: 1, Total: 10, Status: "new"}})
	require.NoError(t, err)

	reg.MustRegister(order{}, trigger.BeforeUpdate, "Reprice", func(ctx context.Context, cs *trigger.ChangeSet) error {
		for _, o := range cs.News() {
			o.(*order).Total = 77
		}
		return nil
	})

	stored, err := mgr.Where("Reference", "ea-1").All(ctx)
	require.NoError(t, err)
	stored[0].Qty = 5
	// A caller edit outside the list, made before the call, is the caller's
	// business; only the before phase widens the write set.
	stored[0].Status = "paid"

	n, err := mgr.BulkUpdate(ctx, stored, []string{"Qty"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	after, err := mgr.Where("Reference", "ea-1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, after[0].Qty)
	assert.Equal(t, float64(77), after[0].Total, "handler edits join the explicit field list")
	assert.Equal(t, "new", after[0].Status, "caller edits outside the list still do not persist")
}

func TestPKKey(t *testing.T) {
	assert.Equal(t, pkKey(int64(7)), pkKey(7), "integer widths share a key")
	assert.Equal(t, pkKey(uint32(7)), pkKey(int64(7)))
	assert.NotEqual(t, pkKey("5"), pkKey(5), "a string key never matches a numeric one")
	assert.NotEqual(t, pkKey(int64(-1)), pkKey(^uint64(0)), "oversized uints stay apart from negatives")
	assert.Equal(t, pkKey("abc"), pkKey("abc"))
}

func TestBulkUpdate_MissingPK(t *testing.T) {
	mgr, _, _ := newOrderManager(t)

	_, err := mgr.BulkUpdate(context.Background(), []*order{{Reference: "x"}}, nil)
	require.ErrorIs(t, err, ErrMissingPK)
}

func TestBulkUpdate_ConflictOptionsRejected(t *testing.T) {
	mgr, _, _ := newOrderManager(t)
	ctx := context.Background()

	created, err := mgr.BulkCreate(ctx, []*order{{Reference: "c-1", Qty: 1}})
	require.NoError(t, err)

	_, err = mgr.BulkUpdate(ctx, created, nil, IgnoreConflicts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only apply to create")

	_, err = mgr.BulkDelete(ctx, created, UpdateConflicts([]string{"Reference"}, []string{"Qty"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only apply to create")
}

func TestBulkDelete(t *testing.T) {
	mgr, reg, mem := newOrderManager(t)
	ctx := context.Background()

	created, err := mgr.BulkCreate(ctx, []*order{
		{Reference: "del-1", Qty: 1},
		{Reference: "del-2", Qty: 2},
		{Reference: "del-3", Qty: 3},
	})
	require.NoError(t, err)

	var olds []string
	reg.MustRegister(order{}, trigger.BeforeDelete, "Observe", func(ctx context.Context, cs *trigger.ChangeSet) error {
		for _, ch := range cs.Changes {
			require.NotNil(t, ch.Old, "delete triggers see stored snapshots")
			olds = append(olds, ch.Old.(*order).Reference)
		}
		return nil
	})

	n, err := mgr.BulkDelete(ctx, created[:2])
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.ElementsMatch(t, []string{"del-1", "del-2"}, olds)
	assert.Equal(t, 1, mem.Count("orders"))
}

func TestBulkDelete_AfterErrorRollsBack(t *testing.T) {
	mgr, reg, mem := newOrderManager(t)
	ctx := context.Background()

	created, err := mgr.BulkCreate(ctx, []*order{{Reference: "rb-1", Qty: 1}})
	require.NoError(t, err)

	reg.MustRegister(order{}, trigger.AfterDelete, "Explode", func(ctx context.Context, cs *trigger.ChangeSet) error {
		return errors.New("cleanup failed")
	})

	_, err = mgr.BulkDelete(ctx, created)
	require.Error(t, err)
	assert.Equal(t, 1, mem.Count("orders"), "the delete must roll back with the failed after phase")
}

func TestTxFromContext(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	_, ok := TxFromContext(ctx)
	assert.False(t, ok, "no transaction outside an operation")

	sawTx := false
	reg.MustRegister(order{}, trigger.BeforeCreate, "Inspect", func(ctx context.Context, cs *trigger.ChangeSet) error {
		_, sawTx = TxFromContext(ctx)
		return nil
	})

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "tx-1", Qty: 1}})
	require.NoError(t, err)
	assert.True(t, sawTx, "handlers run inside the operation's transaction")
}

func TestRecursiveUpdate_CycleDetected(t *testing.T) {
	mgr, reg, _ := newOrderManager(t)
	ctx := context.Background()

	created, err := mgr.BulkCreate(ctx, []*order{{Reference: "cyc-1", Qty: 1}})
	require.NoError(t, err)

	reg.MustRegister(order{}, trigger.AfterUpdate, "Cascade", func(ctx context.Context, cs *trigger.ChangeSet) error {
		objs := make([]*order, 0, cs.Len())
		for _, o := range cs.News() {
			objs = append(objs, o.(*order))
		}
		_, err := mgr.BulkUpdate(ctx, objs, nil)
		return err
	})

	created[0].Qty = 9
	_, err = mgr.BulkUpdate(ctx, created, nil)
	require.ErrorIs(t, err, trigger.ErrCycleDetected)

	stored, err := mgr.Where("Reference", "cyc-1").All(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stored[0].Qty, "the cycle aborts the whole operation, written chunks included")
}

func TestNestedWrites_CommitTogether(t *testing.T) {
	mgr, reg, mem := newOrderManager(t)
	ctx := context.Background()

	logMgr, err := NewManager[orderLog](mem, WithCoordinator(mgr.Coordinator()))
	require.NoError(t, err)
	require.NoError(t, logMgr.Migrate(ctx))

	reg.MustRegister(order{}, trigger.AfterCreate, "WriteLog", func(ctx context.Context, cs *trigger.ChangeSet) error {
		logs := make([]*orderLog, 0, cs.Len())
		for _, o := range cs.News() {
			logs = append(logs, &orderLog{OrderID: o.(*order).ID, Note: "created"})
		}
		_, err := logMgr.BulkCreate(ctx, logs)
		return err
	})

	_, err = mgr.BulkCreate(ctx, []*order{
		{Reference: "log-1", Qty: 1},
		{Reference: "log-2", Qty: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, mem.Count("orders"))
	assert.Equal(t, 2, mem.Count("order_logs"))

	logs, err := logMgr.Query().All(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.NotZero(t, logs[0].OrderID)
}

func TestNestedWrites_RollBackTogether(t *testing.T) {
	mgr, reg, mem := newOrderManager(t)
	ctx := context.Background()

	logMgr, err := NewManager[orderLog](mem, WithCoordinator(mgr.Coordinator()))
	require.NoError(t, err)
	require.NoError(t, logMgr.Migrate(ctx))

	reg.MustRegister(order{}, trigger.AfterCreate, "WriteLog", func(ctx context.Context, cs *trigger.ChangeSet) error {
		_, err := logMgr.BulkCreate(ctx, []*orderLog{{OrderID: 1, Note: "created"}})
		return err
	})
	reg.MustRegister(order{}, trigger.AfterCreate, "Explode", func(ctx context.Context, cs *trigger.ChangeSet) error {
		return errors.New("audit rejected")
	})

	_, err = mgr.BulkCreate(ctx, []*order{{Reference: "log-3", Qty: 1}})
	require.Error(t, err)

	assert.Equal(t, 0, mem.Count("orders"))
	assert.Equal(t, 0, mem.Count("order_logs"), "nested writes share the operation's transaction")
}

func TestPreload_RelatedRows(t *testing.T) {
	mem := storage.NewMemory()
	reg := trigger.NewRegistry()
	ctx := context.Background()

	custMgr, err := NewManager[customer](mem, WithRegistry(reg), WithLogger(quietLog))
	require.NoError(t, err)
	require.NoError(t, custMgr.Migrate(ctx))

	invMgr, err := NewManager[invoice](mem, WithCoordinator(custMgr.Coordinator()))
	require.NoError(t, err)
	require.NoError(t, invMgr.Migrate(ctx))

	custs, err := custMgr.BulkCreate(ctx, []*customer{{Name: "ann"}, {Name: "bob"}})
	require.NoError(t, err)

	var names []string
	reg.MustRegister(invoice{}, trigger.BeforeCreate, "Check", func(ctx context.Context, cs *trigger.ChangeSet) error {
		for _, o := range cs.News() {
			inv := o.(*invoice)
			row, ok := cs.RelatedRow("CustomerID", inv.CustomerID)
			if !ok {
				return errors.New("customer not preloaded")
			}
			names = append(names, row.(storage.Row)["name"].(string))
		}
		return nil
	}, trigger.WithPreload("CustomerID"))

	_, err = invMgr.BulkCreate(ctx, []*invoice{
		{Number: "i-1", Amount: 10, CustomerID: custs[0].ID},
		{Number: "i-2", Amount: 20, CustomerID: custs[1].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ann", "bob"}, names)
}

func TestPreload_OutsideOperation(t *testing.T) {
	mgr, _, _ := newOrderManager(t)

	cs := trigger.NewChangeSet(mgr.Schema(), trigger.OpCreate, nil)
	err := mgr.Coordinator().Preload(context.Background(), cs, []string{"Reference"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside an operation")
}

func TestPreload_NonRelationField(t *testing.T) {
	mem := storage.NewMemory()
	mgr, err := NewManager[invoice](mem, WithLogger(quietLog))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Migrate(ctx))

	var preloadErr error
	tx, err := mem.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	txCtx := context.WithValue(ctx, txCtxKey{}, tx)
	cs := trigger.NewChangeSet(mgr.Schema(), trigger.OpCreate, []trigger.RecordChange{
		{New: &invoice{Number: "i-9"}},
	})
	preloadErr = mgr.Coordinator().Preload(txCtx, cs, []string{"Number"})
	require.Error(t, preloadErr)
	assert.Contains(t, preloadErr.Error(), "not a relation field")
}

func TestBulkCreate_ChunkedWritesSingleLifecycle(t *testing.T) {
	mem := storage.NewMemory()
	reg := trigger.NewRegistry()
	mgr, err := NewManager[order](mem, WithRegistry(reg), WithLogger(quietLog), WithChunkSize(2))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Migrate(ctx))

	dispatches := 0
	var batch int
	reg.MustRegister(order{}, trigger.BeforeCreate, "Observe", func(ctx context.Context, cs *trigger.ChangeSet) error {
		dispatches++
		batch = cs.Len()
		return nil
	})

	orders := make([]*order, 5)
	for i := range orders {
		orders[i] = &order{Reference: "chunk-" + string(rune('a'+i)), Qty: i}
	}
	created, err := mgr.BulkCreate(ctx, orders)
	require.NoError(t, err)

	// Chunking splits the SQL, never the lifecycle.
	assert.Equal(t, 1, dispatches)
	assert.Equal(t, 5, batch)
	assert.Equal(t, 5, mem.Count("orders"))
	for i, o := range created {
		assert.Equal(t, int64(i+1), o.ID)
	}
}

func TestBulkUpdate_StampsAutoNowOnWrite(t *testing.T) {
	mgr, _, _ := newOrderManager(t)
	ctx := context.Background()

	_, err := mgr.BulkCreate(ctx, []*order{{Reference: "ts-1", Qty: 1}})
	require.NoError(t, err)

	stored, err := mgr.Where("Reference", "ts-1").All(ctx)
	require.NoError(t, err)
	was := stored[0].UpdatedAt

	time.Sleep(5 * time.Millisecond)
	stored[0].Qty = 2
	_, err = mgr.BulkUpdate(ctx, stored, nil)
	require.NoError(t, err)

	after, err := mgr.Where("Reference", "ts-1").All(ctx)
	require.NoError(t, err)
	assert.True(t, after[0].UpdatedAt.After(was))
}
