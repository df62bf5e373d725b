package bulk

import (
	"fmt"
	"strings"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

// Multi-table models persist one logical record across an inheritance chain
// of tables sharing the primary key value: the root generates (or receives)
// the key and every descendant table stores its own field subset under the
// same key. The planners here decide, per table, what a chained write has to
// touch; the coordinator executes the plan inside the operation's
// transaction.

// tableFields pairs one chain table with the requested fields it owns.
type tableFields struct {
	table  string
	fields []*schema.Field
}

// groupFieldsByTable splits an update field set by owning table, root first.
// Tables owning none of the fields drop out of the plan entirely.
func groupFieldsByTable(sch *schema.Schema, fields []string) ([]tableFields, error) {
	byTable := map[string][]*schema.Field{}
	for _, name := range fields {
		f, ok := sch.Field(name)
		if !ok {
			return nil, fmt.Errorf("bulk: %s has no field %q", sch.Name, name)
		}
		byTable[f.Table] = append(byTable[f.Table], f)
	}
	var out []tableFields
	for _, table := range sch.Tables {
		if fs := byTable[table]; len(fs) > 0 {
			out = append(out, tableFields{table: table, fields: fs})
		}
	}
	return out, nil
}

// deleteOrder returns the chain leaf first, so rows referencing a parent go
// before the parent rows they point at.
func deleteOrder(sch *schema.Schema) []string {
	out := make([]string, len(sch.Tables))
	for i, table := range sch.Tables {
		out[len(out)-1-i] = table
	}
	return out
}

// insertColumns is the column list for one table's insert. The pk column
// leads when rows carry assigned keys; otherwise it is left to the engine.
func insertColumns(sch *schema.Schema, table string, withPK bool) []string {
	cols := sch.Columns(table)
	if withPK {
		return cols
	}
	return cols[1:]
}

// validateCreateOptions rejects combinations the write paths cannot honor.
func validateCreateOptions(sch *schema.Schema, opts Options) error {
	if opts.UpdateConflicts {
		if opts.IgnoreConflicts {
			return fmt.Errorf("bulk: ignore and update conflict handling are mutually exclusive")
		}
		if len(opts.UniqueFields) == 0 || len(opts.UpdateFields) == 0 {
			return fmt.Errorf("bulk: conflict updates need both unique fields and update fields")
		}
		// Chained upserts detect conflicts at the root insert, so the
		// matching columns must live there.
		if sch.IsMTI() {
			for _, name := range opts.UniqueFields {
				f, ok := sch.Field(name)
				if !ok {
					return fmt.Errorf("bulk: %s has no field %q", sch.Name, name)
				}
				if f.Table != sch.Tables[0] {
					return fmt.Errorf("bulk: conflict field %q lives on %s, not the root table %s",
						name, f.Table, sch.Tables[0])
				}
			}
		}
	}
	if sch.IsMTI() && opts.IgnoreConflicts {
		// Dropped rows return no keys, so descendant-table rows for them
		// could neither be written nor reliably skipped.
		return fmt.Errorf("bulk: ignoring conflicts is not supported for multi-table models (%s spans %s)",
			sch.Name, strings.Join(sch.Tables, ", "))
	}
	return nil
}
