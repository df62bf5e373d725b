package bulk

import (
	"errors"
	"fmt"

	"github.com/ryanbastic/go-bulktrigger/schema"
	"github.com/ryanbastic/go-bulktrigger/storage"
)

var (
	// ErrRecordType reports a record that is not the operation's model type.
	ErrRecordType = errors.New("bulk: record is not the manager's model type")

	// ErrMissingPK reports an update or delete record without a primary key.
	ErrMissingPK = errors.New("bulk: record has no primary key")
)

// Analyzer validates record batches against a schema and detects which
// fields an update actually needs to write.
type Analyzer struct {
	sch *schema.Schema
}

func NewAnalyzer(sch *schema.Schema) *Analyzer {
	return &Analyzer{sch: sch}
}

// ValidateForCreate fails if any record is not an instance of the model
// type.
func (a *Analyzer) ValidateForCreate(objs []any) error {
	return a.checkTypes(objs)
}

// ValidateForUpdate fails on type mismatches and on records without a
// primary key: without one there is no row to pair the record with.
func (a *Analyzer) ValidateForUpdate(objs []any) error {
	if err := a.checkTypes(objs); err != nil {
		return err
	}
	return a.checkPKs(objs)
}

// ValidateForDelete mirrors update validation.
func (a *Analyzer) ValidateForDelete(objs []any) error {
	return a.ValidateForUpdate(objs)
}

func (a *Analyzer) checkTypes(objs []any) error {
	for i, obj := range objs {
		if !a.sch.Instance(obj) {
			return fmt.Errorf("%w: record %d is %T, want *%s", ErrRecordType, i, obj, a.sch.Name)
		}
	}
	return nil
}

func (a *Analyzer) checkPKs(objs []any) error {
	for i, obj := range objs {
		if !a.sch.HasPK(obj) {
			return fmt.Errorf("%w: record %d (%s)", ErrMissingPK, i, a.sch.Name)
		}
	}
	return nil
}

// FieldChanged reports whether f differs between the new instance and its
// old snapshot. A nil old means no information, so the field counts as
// changed and gets written. Deferred expressions never report as changed:
// they are opaque until the engine resolves them. Relation fields hold the
// raw identifier, so the comparison never touches the related row.
func (a *Analyzer) FieldChanged(f *schema.Field, newObj, oldObj any) bool {
	nv, ok := a.sch.Value(newObj, f.Name)
	if !ok {
		return false
	}
	if storage.IsExpr(nv) {
		return false
	}
	if oldObj == nil {
		return true
	}
	ov, ok := a.sch.Value(oldObj, f.Name)
	if !ok {
		return true
	}
	return !schema.EqualValues(nv, ov)
}

// DetectModifiedFields diffs each new instance against its old snapshot and
// returns the union of changed field names, in schema declaration order.
// The primary key, engine-generated fields and write-time timestamps are
// excluded; the coordinator appends auto-now fields separately once anything
// else changed.
func (a *Analyzer) DetectModifiedFields(news, olds []any) []string {
	changed := map[string]bool{}
	for i, n := range news {
		var o any
		if i < len(olds) {
			o = olds[i]
		}
		for _, f := range a.sch.Fields {
			if f.PrimaryKey || f.Auto || f.AutoNow || f.AutoNowAdd || changed[f.Name] {
				continue
			}
			if a.FieldChanged(f, n, o) {
				changed[f.Name] = true
			}
		}
	}
	out := make([]string, 0, len(changed))
	for _, f := range a.sch.Fields {
		if changed[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// AutoNowFields names the write-time timestamp fields that ride along with
// every non-empty update field set.
func (a *Analyzer) AutoNowFields() []string {
	var out []string
	for _, f := range a.sch.Fields {
		if f.AutoNow {
			out = append(out, f.Name)
		}
	}
	return out
}

// NormalizeFields resolves caller-supplied field names (Go or column form)
// to canonical Go names. Unknown fields and the primary key are rejected.
func (a *Analyzer) NormalizeFields(fields []string) ([]string, error) {
	out := make([]string, 0, len(fields))
	seen := map[string]bool{}
	for _, name := range fields {
		f, ok := a.sch.Field(name)
		if !ok {
			return nil, fmt.Errorf("bulk: %s has no field %q", a.sch.Name, name)
		}
		if f.PrimaryKey {
			return nil, fmt.Errorf("bulk: cannot write primary key field %q", name)
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f.Name)
	}
	return out, nil
}
