// Package condition provides boolean predicates over (new, old) record pairs,
// used to gate trigger firing per record. Conditions tolerate missing fields
// and nil old records by answering false rather than failing: in bulk
// contexts a record may carry only the fields being written.
package condition

import (
	"fmt"
	"strings"

	"github.com/ryanbastic/go-bulktrigger/schema"
)

// Condition decides whether a trigger fires for one record. old is nil for
// creates. Returning an error leaves the policy decision (skip the record or
// abort) to the dispatcher.
type Condition interface {
	Check(new, old any) (bool, error)
	String() string
}

// Option adjusts a field comparison.
type Option func(*compareOpts)

type compareOpts struct {
	onlyOnChange bool
}

// OnlyOnChange restricts IsEqual, IsNotEqual, and WasEqual to the transition
// boundary: the old value must sit on the other side of the comparison.
func OnlyOnChange() Option {
	return func(o *compareOpts) { o.onlyOnChange = true }
}

// fieldValue reads a field from a record, reporting ok=false when the record
// is nil, not a model struct, or lacks the field.
func fieldValue(obj any, field string) (any, bool) {
	if obj == nil {
		return nil, false
	}
	s, err := schema.Of(obj)
	if err != nil {
		return nil, false
	}
	return s.Value(obj, field)
}

type hasChanged struct {
	field string
	want  bool
}

// HasChanged fires when the field's value differs between old and new. With a
// nil old record there is nothing to compare, so the answer is false.
func HasChanged(field string) Condition { return hasChanged{field: field, want: true} }

// HasNotChanged fires when the field's value is identical between old and
// new. A nil old record yields false (no information, not "unchanged").
func HasNotChanged(field string) Condition { return hasChanged{field: field, want: false} }

func (c hasChanged) Check(new, old any) (bool, error) {
	if old == nil {
		return false, nil
	}
	nv, ok := fieldValue(new, c.field)
	if !ok {
		return false, nil
	}
	ov, ok := fieldValue(old, c.field)
	if !ok {
		return false, nil
	}
	return !schema.EqualValues(nv, ov) == c.want, nil
}

func (c hasChanged) String() string {
	if c.want {
		return fmt.Sprintf("HasChanged(%s)", c.field)
	}
	return fmt.Sprintf("HasNotChanged(%s)", c.field)
}

type isEqual struct {
	field string
	value any
	want  bool
	opts  compareOpts
}

// IsEqual fires when the NEW value of field equals value. With OnlyOnChange
// it fires only on the transition into the value (old differed).
func IsEqual(field string, value any, opts ...Option) Condition {
	c := isEqual{field: field, value: value, want: true}
	for _, o := range opts {
		o(&c.opts)
	}
	return c
}

// IsNotEqual fires when the NEW value of field differs from value. With
// OnlyOnChange it fires only on the transition out of the value (old matched).
func IsNotEqual(field string, value any, opts ...Option) Condition {
	c := isEqual{field: field, value: value, want: false}
	for _, o := range opts {
		o(&c.opts)
	}
	return c
}

func (c isEqual) Check(new, old any) (bool, error) {
	nv, ok := fieldValue(new, c.field)
	if !ok {
		return false, nil
	}
	match := schema.EqualValues(nv, c.value) == c.want
	if !c.opts.onlyOnChange {
		return match, nil
	}
	if old == nil {
		return false, nil
	}
	ov, ok := fieldValue(old, c.field)
	if !ok {
		return false, nil
	}
	// Transition boundary: old sat on the other side of the comparison.
	return match && schema.EqualValues(ov, c.value) != c.want, nil
}

func (c isEqual) String() string {
	op := "=="
	if !c.want {
		op = "!="
	}
	return fmt.Sprintf("IsEqual(%s %s %v)", c.field, op, c.value)
}

type wasEqual struct {
	field string
	value any
	opts  compareOpts
}

// WasEqual fires when the OLD value of field equals value. A nil old record
// yields false. With OnlyOnChange the new value must differ from value.
func WasEqual(field string, value any, opts ...Option) Condition {
	c := wasEqual{field: field, value: value}
	for _, o := range opts {
		o(&c.opts)
	}
	return c
}

func (c wasEqual) Check(new, old any) (bool, error) {
	if old == nil {
		return false, nil
	}
	ov, ok := fieldValue(old, c.field)
	if !ok {
		return false, nil
	}
	if !schema.EqualValues(ov, c.value) {
		return false, nil
	}
	if !c.opts.onlyOnChange {
		return true, nil
	}
	nv, ok := fieldValue(new, c.field)
	if !ok {
		return false, nil
	}
	return !schema.EqualValues(nv, c.value), nil
}

func (c wasEqual) String() string {
	return fmt.Sprintf("WasEqual(%s == %v)", c.field, c.value)
}

type changesTo struct {
	field string
	value any
}

// ChangesTo fires on the strict transition into value: the old value differed
// and the new value matches. A nil old record yields false.
func ChangesTo(field string, value any) Condition {
	return changesTo{field: field, value: value}
}

func (c changesTo) Check(new, old any) (bool, error) {
	if old == nil {
		return false, nil
	}
	nv, ok := fieldValue(new, c.field)
	if !ok {
		return false, nil
	}
	ov, ok := fieldValue(old, c.field)
	if !ok {
		return false, nil
	}
	return !schema.EqualValues(ov, c.value) && schema.EqualValues(nv, c.value), nil
}

func (c changesTo) String() string {
	return fmt.Sprintf("ChangesTo(%s -> %v)", c.field, c.value)
}

type funcCond struct {
	fn   func(new, old any) (bool, error)
	desc string
}

// Func wraps an arbitrary predicate. desc names it in logs.
func Func(desc string, fn func(new, old any) (bool, error)) Condition {
	return funcCond{fn: fn, desc: desc}
}

func (c funcCond) Check(new, old any) (bool, error) { return c.fn(new, old) }
func (c funcCond) String() string                   { return c.desc }

// Combinators are explicit variant types, not operator overloads: the
// condition tree is data that evaluates recursively.

type andCond struct{ subs []Condition }

// And fires when every sub-condition fires. And() with no children is true.
func And(subs ...Condition) Condition { return andCond{subs: subs} }

func (c andCond) Check(new, old any) (bool, error) {
	for _, sub := range c.subs {
		ok, err := sub.Check(new, old)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c andCond) String() string { return combine("And", c.subs) }

type orCond struct{ subs []Condition }

// Or fires when any sub-condition fires. Or() with no children is false.
func Or(subs ...Condition) Condition { return orCond{subs: subs} }

func (c orCond) Check(new, old any) (bool, error) {
	for _, sub := range c.subs {
		ok, err := sub.Check(new, old)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (c orCond) String() string { return combine("Or", c.subs) }

type notCond struct{ sub Condition }

// Not inverts a condition.
func Not(sub Condition) Condition { return notCond{sub: sub} }

func (c notCond) Check(new, old any) (bool, error) {
	ok, err := c.sub.Check(new, old)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (c notCond) String() string { return fmt.Sprintf("Not(%s)", c.sub) }

func combine(name string, subs []Condition) string {
	parts := make([]string, len(subs))
	for i, s := range subs {
		parts[i] = s.String()
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
