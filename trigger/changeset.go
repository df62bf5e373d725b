package trigger

import (
	"fmt"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

// RecordChange pairs one record's state after the operation with its state
// before it. Old is nil for creates and whenever no prior row exists; New is
// the instance being written (for deletes, the instance being removed).
type RecordChange struct {
	New any
	Old any
}

// ChangeSet is the unit handed to every handler: the full batch of record
// changes for one operation on one model. Handlers mutate the New instances
// in place; during validate and before phases those mutations are persisted.
type ChangeSet struct {
	Schema  *schema.Schema
	Op      Op
	Changes []RecordChange

	// Fields names the fields being written, when the operation constrains
	// them (update field lists, update_fields on conflict). Nil means all.
	Fields []string

	// Meta carries per-dispatch diagnostics such as recursion depth. It is
	// shared across condition-filtered views of the same batch.
	Meta map[string]any

	// Related caches preloaded related instances per relation field, keyed
	// by the raw foreign key value. Populated by the dispatcher's preloader.
	Related map[string]map[any]any
}

// NewChangeSet builds a changeset over changes. Every New instance must be a
// pointer to the schema's struct type.
func NewChangeSet(s *schema.Schema, op Op, changes []RecordChange) *ChangeSet {
	return &ChangeSet{
		Schema:  s,
		Op:      op,
		Changes: changes,
		Meta:    map[string]any{},
		Related: map[string]map[any]any{},
	}
}

// Len returns the number of record changes in the batch.
func (cs *ChangeSet) Len() int { return len(cs.Changes) }

// News returns the new-state instances in batch order.
func (cs *ChangeSet) News() []any {
	out := make([]any, len(cs.Changes))
	for i, ch := range cs.Changes {
		out[i] = ch.New
	}
	return out
}

// Olds returns the old-state instances in batch order. Entries are nil where
// no prior state exists.
func (cs *ChangeSet) Olds() []any {
	out := make([]any, len(cs.Changes))
	for i, ch := range cs.Changes {
		out[i] = ch.Old
	}
	return out
}

// Filter returns a view containing only the changes keep reports true for.
// The view shares Schema, Op, Fields, Meta and Related with the parent.
func (cs *ChangeSet) Filter(keep func(RecordChange) bool) *ChangeSet {
	kept := make([]RecordChange, 0, len(cs.Changes))
	for _, ch := range cs.Changes {
		if keep(ch) {
			kept = append(kept, ch)
		}
	}
	sub := *cs
	sub.Changes = kept
	return &sub
}

// Slice returns a view over changes[lo:hi], sharing everything else.
func (cs *ChangeSet) Slice(lo, hi int) *ChangeSet {
	sub := *cs
	sub.Changes = cs.Changes[lo:hi]
	return &sub
}

// RelatedRow looks up a preloaded related instance by raw foreign key value,
// tolerating integer width differences between the struct field and the
// stored key.
func (cs *ChangeSet) RelatedRow(field string, key any) (any, bool) {
	m := cs.Related[field]
	if m == nil {
		return nil, false
	}
	if v, ok := m[key]; ok {
		return v, true
	}
	want := fmt.Sprintf("%v", key)
	for k, v := range m {
		if fmt.Sprintf("%v", k) == want {
			return v, true
		}
	}
	return nil, false
}

func (cs *ChangeSet) String() string {
	return fmt.Sprintf("%s %s (%d records)", cs.Op, cs.Schema.Name, cs.Len())
}
