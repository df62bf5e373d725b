package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

type account struct {
	ID      int64   `db:"id,pk,auto"`
	Owner   string  `db:"owner"`
	Balance float64 `db:"balance"`
}

type checking struct {
	account
	Overdraft float64 `db:"overdraft"`
}

func TestGroupFieldsByTable(t *testing.T) {
	sch := schema.MustOf(checking{})
	require.Equal(t, []string{"accounts", "checkings"}, sch.Tables)

	groups, err := groupFieldsByTable(sch, []string{"Overdraft", "Balance"})
	require.NoError(t, err)
	require.Len(t, groups, 2)

	// Root table first, whatever order the fields came in.
	assert.Equal(t, "accounts", groups[0].table)
	require.Len(t, groups[0].fields, 1)
	assert.Equal(t, "Balance", groups[0].fields[0].Name)

	assert.Equal(t, "checkings", groups[1].table)
	require.Len(t, groups[1].fields, 1)
	assert.Equal(t, "Overdraft", groups[1].fields[0].Name)
}

func TestGroupFieldsByTable_SkipsUntouchedTables(t *testing.T) {
	sch := schema.MustOf(checking{})

	groups, err := groupFieldsByTable(sch, []string{"Overdraft"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "checkings", groups[0].table)
}

func TestGroupFieldsByTable_UnknownField(t *testing.T) {
	sch := schema.MustOf(checking{})
	_, err := groupFieldsByTable(sch, []string{"Bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"Bogus"`)
}

func TestDeleteOrder_LeafFirst(t *testing.T) {
	assert.Equal(t, []string{"checkings", "accounts"}, deleteOrder(schema.MustOf(checking{})))
	assert.Equal(t, []string{"accounts"}, deleteOrder(schema.MustOf(account{})))
}

func TestInsertColumns(t *testing.T) {
	sch := schema.MustOf(checking{})

	assert.Equal(t, []string{"id", "owner", "balance"}, insertColumns(sch, "accounts", true))
	assert.Equal(t, []string{"owner", "balance"}, insertColumns(sch, "accounts", false))
	assert.Equal(t, []string{"id", "overdraft"}, insertColumns(sch, "checkings", true))
}

func TestValidateCreateOptions(t *testing.T) {
	flat := schema.MustOf(account{})
	chained := schema.MustOf(checking{})

	t.Run("plain create passes", func(t *testing.T) {
		assert.NoError(t, validateCreateOptions(flat, Options{}))
	})

	t.Run("conflict update passes on flat models", func(t *testing.T) {
		assert.NoError(t, validateCreateOptions(flat, Options{
			UpdateConflicts: true,
			UniqueFields:    []string{"Owner"},
			UpdateFields:    []string{"Balance"},
		}))
	})

	t.Run("ignore and update are mutually exclusive", func(t *testing.T) {
		err := validateCreateOptions(flat, Options{
			UpdateConflicts: true,
			IgnoreConflicts: true,
			UniqueFields:    []string{"Owner"},
			UpdateFields:    []string{"Balance"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mutually exclusive")
	})

	t.Run("conflict update needs both field sets", func(t *testing.T) {
		err := validateCreateOptions(flat, Options{UpdateConflicts: true, UniqueFields: []string{"Owner"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unique fields and update fields")
	})

	t.Run("conflict update passes on chains with a root unique", func(t *testing.T) {
		assert.NoError(t, validateCreateOptions(chained, Options{
			UpdateConflicts: true,
			UniqueFields:    []string{"Owner"},
			UpdateFields:    []string{"Balance", "Overdraft"},
		}))
	})

	t.Run("chained conflict fields must live on the root table", func(t *testing.T) {
		err := validateCreateOptions(chained, Options{
			UpdateConflicts: true,
			UniqueFields:    []string{"Overdraft"},
			UpdateFields:    []string{"Balance"},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "root table")
	})

	t.Run("ignore conflicts rejected on chains", func(t *testing.T) {
		err := validateCreateOptions(chained, Options{IgnoreConflicts: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "multi-table")
	})
}
