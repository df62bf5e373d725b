package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-bulktrigger/bulk"
	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
	"github.com/ryanbastic/go-bulktrigger/trigger"
)

type item struct {
	ID        int64     `db:"id,pk,auto"`
	SKU       string    `db:"sku,unique"`
	Qty       int64     `db:"qty"`
	Active    bool      `db:"active"`
	UpdatedAt time.Time `db:"updated_at,autonow"`
}

type tag struct {
	ID   uuid.UUID `db:"id,pk"`
	Name string    `db:"name,unique"`
}

type account struct {
	ID      int64  `db:"id,pk,auto"`
	Owner   string `db:"owner"`
	Balance int64  `db:"balance"`
}

type savingsAccount struct {
	account
	Rate float64 `db:"rate"`
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	require.NoError(t, eng.Migrate(context.Background(),
		schema.MustOf(item{}), schema.MustOf(tag{}), schema.MustOf(savingsAccount{})))
	return eng
}

func begin(t *testing.T, eng *Engine) storage.Tx {
	t.Helper()
	tx, err := eng.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback(context.Background()) })
	return tx
}

func itemRow(sku string, qty int64) storage.Row {
	return storage.Row{
		"sku":        sku,
		"qty":        qty,
		"active":     true,
		"updated_at": time.Now().UTC().Truncate(time.Microsecond),
	}
}

var itemCols = []string{"sku", "qty", "active", "updated_at"}

func TestInsert_AutoincrementKeys(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	keys, err := tx.Insert(ctx, "items", itemCols,
		[]storage.Row{itemRow("a", 1), itemRow("b", 2), itemRow("c", 3)},
		storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, int64(1), keys[0])
	assert.Equal(t, int64(2), keys[1])
	assert.Equal(t, int64(3), keys[2])
}

func TestInsert_UpdateConflicts(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	keys, err := tx.Insert(ctx, "items", itemCols, []storage.Row{itemRow("dup", 1)},
		storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)

	keys2, err := tx.Insert(ctx, "items", itemCols, []storage.Row{itemRow("dup", 42)},
		storage.InsertOptions{
			Returning:       "id",
			ConflictColumns: []string{"sku"},
			UpdateFields:    []string{"qty"},
		})
	require.NoError(t, err)
	assert.Equal(t, keys[0], keys2[0])

	rows, err := tx.Select(ctx, "items", []string{"id", "qty"}, []storage.Cond{storage.Eq("sku", "dup")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(42), rows[0]["qty"])
}

func TestInsert_IgnoreConflicts(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	_, err := tx.Insert(ctx, "items", itemCols, []storage.Row{itemRow("once", 1)}, storage.InsertOptions{})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "items", itemCols, []storage.Row{itemRow("once", 2)},
		storage.InsertOptions{IgnoreConflicts: true})
	require.NoError(t, err)

	rows, err := tx.Select(ctx, "items", []string{"id", "qty"}, []storage.Cond{storage.Eq("sku", "once")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["qty"])
}

func TestUpdate_WithExpr(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	keys, err := tx.Insert(ctx, "items", itemCols,
		[]storage.Row{itemRow("e1", 10), itemRow("e2", 20)},
		storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)

	affected, err := tx.Update(ctx, "items", "id", []string{"qty"}, []storage.Row{
		{"id": keys[0], "qty": storage.Expr{SQL: "qty + ?", Args: []any{5}}},
		{"id": keys[1], "qty": storage.Expr{SQL: "qty + ?", Args: []any{5}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	rows, err := tx.Select(ctx, "items", []string{"id", "qty"}, []storage.Cond{storage.Eq("id", keys)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(15), rows[0]["qty"])
	assert.Equal(t, int64(25), rows[1]["qty"])
}

func TestDelete_EmptyAndSubset(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	keys, err := tx.Insert(ctx, "items", itemCols,
		[]storage.Row{itemRow("d1", 1), itemRow("d2", 2)},
		storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)

	affected, err := tx.Delete(ctx, "items", "id", nil)
	require.NoError(t, err)
	assert.Zero(t, affected)

	affected, err = tx.Delete(ctx, "items", "id", keys[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	rows, err := tx.Select(ctx, "items", []string{"id"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, keys[1], rows[0]["id"])
}

func TestSelect_BoolAndTimeRoundTrip(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	stamp := time.Now().UTC().Truncate(time.Microsecond)
	row := itemRow("roundtrip", 1)
	row["active"] = false
	row["updated_at"] = stamp
	keys, err := tx.Insert(ctx, "items", itemCols, []storage.Row{row}, storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)

	rows, err := tx.Select(ctx, "items", []string{"id", "active", "updated_at"},
		[]storage.Cond{storage.Eq("id", keys[0])})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	active, ok := rows[0]["active"].(bool)
	require.True(t, ok, "active came back as %T", rows[0]["active"])
	assert.False(t, active)

	ts, ok := rows[0]["updated_at"].(time.Time)
	require.True(t, ok, "updated_at came back as %T", rows[0]["updated_at"])
	assert.True(t, ts.Equal(stamp), "updated_at = %v, want %v", ts, stamp)
}

func TestSelect_MembershipAndNullSet(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	keys, err := tx.Insert(ctx, "items", itemCols,
		[]storage.Row{itemRow("m1", 1), itemRow("m2", 2), itemRow("m3", 3)},
		storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)

	rows, err := tx.Select(ctx, "items", []string{"id"}, []storage.Cond{storage.Eq("id", keys[:2])})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = tx.Select(ctx, "items", []string{"id"}, []storage.Cond{storage.Eq("id", []any{})})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUUIDKeyRoundTrip(t *testing.T) {
	eng := newEngine(t)
	tx := begin(t, eng)
	ctx := context.Background()

	id := uuid.New()
	_, err := tx.Insert(ctx, "tags", []string{"id", "name"},
		[]storage.Row{{"id": id, "name": "urgent"}}, storage.InsertOptions{})
	require.NoError(t, err)

	rows, err := tx.Select(ctx, "tags", []string{"id", "name"}, []storage.Cond{storage.Eq("name", "urgent")})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := &tag{}
	require.NoError(t, schema.MustOf(tag{}).Load(got, rows[0]))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "urgent", got.Name)
}

func TestMTI_ForeignKeysEnforced(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	tx := begin(t, eng)
	keys, err := tx.Insert(ctx, "accounts", []string{"owner", "balance"},
		[]storage.Row{{"owner": "ada", "balance": int64(100)}}, storage.InsertOptions{Returning: "id"})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "savings_accounts", []string{"id", "rate"},
		[]storage.Row{{"id": keys[0], "rate": 0.02}}, storage.InsertOptions{})
	require.NoError(t, err)

	_, err = tx.Delete(ctx, "accounts", "id", keys)
	require.NoError(t, err)
	rows, err := tx.Select(ctx, "savings_accounts", []string{"id"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows, "descendant row should cascade away with its root")
	require.NoError(t, tx.Rollback(ctx))

	orphan := begin(t, eng)
	_, err = orphan.Insert(ctx, "savings_accounts", []string{"id", "rate"},
		[]storage.Row{{"id": int64(424242), "rate": 0.1}}, storage.InsertOptions{})
	assert.Error(t, err, "expected foreign key violation")
}

func TestTx_RollbackDiscards(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()

	tx, err := eng.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, "items", itemCols, []storage.Row{itemRow("gone", 1)}, storage.InsertOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	check := begin(t, eng)
	rows, err := check.Select(ctx, "items", []string{"id"}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestManagerQuerySetUpdate(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	reg := trigger.NewRegistry()
	mgr, err := bulk.NewManager[item](eng, bulk.WithRegistry(reg))
	require.NoError(t, err)

	created, err := mgr.BulkCreate(ctx, []*item{
		{SKU: "qs-a", Qty: 10, Active: true},
		{SKU: "qs-b", Qty: 20, Active: true},
		{SKU: "qs-c", Qty: 30, Active: false},
	})
	require.NoError(t, err)
	require.Len(t, created, 3)

	var fired int
	reg.MustRegister(item{}, trigger.AfterUpdate, "CountUpdates", func(ctx context.Context, cs *trigger.ChangeSet) error {
		fired += cs.Len()
		return nil
	})

	n, err := mgr.Where("active", true).Update(ctx, map[string]any{
		"qty": storage.Expr{SQL: "qty + ?", Args: []any{1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 2, fired)

	rows, err := mgr.Where("active", true).All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(11), rows[0].Qty)
	assert.Equal(t, int64(21), rows[1].Qty)
	for _, r := range rows {
		assert.False(t, r.UpdatedAt.IsZero())
	}
}

func TestManagerMTILifecycle(t *testing.T) {
	eng := newEngine(t)
	ctx := context.Background()
	mgr, err := bulk.NewManager[savingsAccount](eng, bulk.WithRegistry(trigger.NewRegistry()))
	require.NoError(t, err)

	created, err := mgr.BulkCreate(ctx, []*savingsAccount{
		{account: account{Owner: "ada", Balance: 100}, Rate: 0.02},
		{account: account{Owner: "grace", Balance: 200}, Rate: 0.03},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotZero(t, created[0].ID)
	assert.NotZero(t, created[1].ID)

	tx := begin(t, eng)
	roots, err := tx.Select(ctx, "accounts", []string{"id", "owner"}, nil)
	require.NoError(t, err)
	leaves, err := tx.Select(ctx, "savings_accounts", []string{"id", "rate"}, nil)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	require.Len(t, leaves, 2)
	assert.Equal(t, roots[0]["id"], leaves[0]["id"], "chain tables share the key")
	require.NoError(t, tx.Rollback(ctx))

	created[0].Balance = 150
	created[0].Rate = 0.05
	n, err := mgr.BulkUpdate(ctx, created[:1], []string{"Balance", "Rate"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reloaded, err := mgr.Where("id", created[0].ID).All(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, int64(150), reloaded[0].Balance)
	assert.Equal(t, 0.05, reloaded[0].Rate)

	n, err = mgr.BulkDelete(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := mgr.Query().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}
