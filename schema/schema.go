// Package schema derives persisted-field metadata from model structs via
// `db` struct tags. A schema covers one table, or a chain of tables when the
// struct embeds another model struct (multi-table inheritance).
package schema

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jinzhu/inflection"
)

// MaxChainDepth bounds the inheritance chain length. Deeper chains are a
// modeling error, not something to process silently.
const MaxChainDepth = 10

// Tabler overrides the derived table name for a model struct.
type Tabler interface {
	TableName() string
}

// Field describes one persisted column of a model struct.
type Field struct {
	Name       string       // Go struct field name
	Column     string       // database column name
	Table      string       // owning table within the inheritance chain
	Index      []int        // reflect index path from the schema's struct type
	PrimaryKey bool
	Auto       bool   // value generated by the storage engine on insert
	AutoNow    bool   // assigned at every write (last-modified timestamps)
	AutoNowAdd bool   // assigned at create only (created-at timestamps)
	Unique     bool   // column carries a unique constraint
	FK         bool   // raw foreign-key identifier column
	Ref        string // "table.column" the fk points at, when tagged
	Type       reflect.Type
}

// Schema is the persisted-field metadata for one model struct.
type Schema struct {
	Type   reflect.Type // the struct type (not pointer)
	Name   string       // struct name
	Table  string       // leaf table
	Tables []string     // inheritance chain, root first; len > 1 means MTI
	Fields []*Field     // all persisted fields across the chain
	PK     *Field

	byKey map[string]*Field
}

var cache sync.Map // reflect.Type -> *Schema

// Of returns the schema for v, which may be a struct value, a pointer to one,
// or a reflect.Type. Schemas are cached per type.
func Of(v any) (*Schema, error) {
	t, err := structType(v)
	if err != nil {
		return nil, err
	}
	if s, ok := cache.Load(t); ok {
		return s.(*Schema), nil
	}
	s, err := build(t)
	if err != nil {
		return nil, err
	}
	actual, _ := cache.LoadOrStore(t, s)
	return actual.(*Schema), nil
}

// MustOf is Of for wiring code where a bad model is a programmer error.
func MustOf(v any) *Schema {
	s, err := Of(v)
	if err != nil {
		panic(err)
	}
	return s
}

func structType(v any) (reflect.Type, error) {
	var t reflect.Type
	switch x := v.(type) {
	case reflect.Type:
		t = x
	default:
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, fmt.Errorf("schema: nil model")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: model must be a struct, got %s", t.Kind())
	}
	return t, nil
}

func build(t reflect.Type) (*Schema, error) {
	s := &Schema{
		Type:  t,
		Name:  t.Name(),
		Table: tableName(t),
		byKey: make(map[string]*Field),
	}
	if err := collect(s, t, nil, s.Table, 0); err != nil {
		return nil, err
	}
	s.Tables = append(s.Tables, s.Table)
	if len(s.Tables) > MaxChainDepth {
		return nil, fmt.Errorf("schema: %s inheritance chain spans %d tables, max %d", s.Name, len(s.Tables), MaxChainDepth)
	}
	if s.PK == nil {
		return nil, fmt.Errorf("schema: %s has no primary key field (tag one with `db:\"...,pk\"`)", s.Name)
	}
	for _, f := range s.Fields {
		if f.AutoNow || f.AutoNowAdd {
			if f.Type != timeType && f.Type != timePtrType {
				return nil, fmt.Errorf("schema: %s.%s is tagged autonow but is %s, want time.Time", s.Name, f.Name, f.Type)
			}
		}
		s.byKey[f.Name] = f
		s.byKey[f.Column] = f
	}
	return s, nil
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	timePtrType = reflect.TypeOf((*time.Time)(nil))
)

// collect walks t and appends persisted fields to s. Embedded model structs
// (those carrying their own pk) become ancestor tables; other embedded structs
// are inlined into the current table.
func collect(s *Schema, t reflect.Type, path []int, table string, depth int) error {
	if depth > MaxChainDepth {
		return fmt.Errorf("schema: %s exceeds max embedding depth %d", s.Name, MaxChainDepth)
	}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		// Unexported embedded structs stay in: their promoted exported
		// fields are reachable, the same rule encoding/json applies.
		if !sf.IsExported() && !(sf.Anonymous && sf.Type.Kind() == reflect.Struct) {
			continue
		}
		idx := append(append([]int(nil), path...), i)
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			if hasOwnPK(sf.Type) {
				// Ancestor model: its fields live in its own table. Recurse
				// first so grandparents land before this parent (root first).
				parent := tableName(sf.Type)
				if err := collect(s, sf.Type, idx, parent, depth+1); err != nil {
					return err
				}
				s.Tables = append(s.Tables, parent)
			} else if err := collect(s, sf.Type, idx, table, depth+1); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("db")
		if tag == "-" {
			continue
		}
		f, err := parseField(sf, tag, idx, table)
		if err != nil {
			return fmt.Errorf("schema: %s.%s: %w", s.Name, sf.Name, err)
		}
		if f == nil {
			continue
		}
		if f.PrimaryKey {
			if s.PK != nil {
				return fmt.Errorf("schema: %s declares multiple primary keys (%s, %s)", s.Name, s.PK.Name, f.Name)
			}
			s.PK = f
		}
		s.Fields = append(s.Fields, f)
	}
	return nil
}

func parseField(sf reflect.StructField, tag string, idx []int, table string) (*Field, error) {
	column := ""
	opts := []string(nil)
	if tag != "" {
		parts := strings.Split(tag, ",")
		column = parts[0]
		opts = parts[1:]
	}
	if column == "" {
		column = ToSnake(sf.Name)
	}
	f := &Field{
		Name:   sf.Name,
		Column: column,
		Table:  table,
		Index:  idx,
		Type:   sf.Type,
	}
	for _, opt := range opts {
		switch {
		case opt == "pk":
			f.PrimaryKey = true
		case opt == "auto":
			f.Auto = true
		case opt == "autonow":
			f.AutoNow = true
		case opt == "autonowadd":
			f.AutoNowAdd = true
		case opt == "unique":
			f.Unique = true
		case opt == "fk":
			f.FK = true
		case strings.HasPrefix(opt, "fk="):
			f.FK = true
			f.Ref = strings.TrimPrefix(opt, "fk=")
		case opt == "":
		default:
			return nil, fmt.Errorf("unknown db tag option %q", opt)
		}
	}
	return f, nil
}

func hasOwnPK(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() && !(sf.Anonymous && sf.Type.Kind() == reflect.Struct) {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Type != timeType {
			if hasOwnPK(sf.Type) {
				return true
			}
			continue
		}
		for _, opt := range strings.Split(sf.Tag.Get("db"), ",")[1:] {
			if opt == "pk" {
				return true
			}
		}
	}
	return false
}

func tableName(t reflect.Type) string {
	if tn, ok := reflect.New(t).Interface().(Tabler); ok {
		return tn.TableName()
	}
	return inflection.Plural(ToSnake(t.Name()))
}

// ToSnake converts a Go identifier to snake_case: OrderItem -> order_item,
// CustomerID -> customer_id.
func ToSnake(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (!unicode.IsUpper(runes[i-1]) || (i+1 < len(runes) && !unicode.IsUpper(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsMTI reports whether the schema spans more than one table.
func (s *Schema) IsMTI() bool { return len(s.Tables) > 1 }

// Field looks a field up by Go name or column name.
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byKey[name]
	return f, ok
}

// FieldsForTable returns the fields owned by one table of the chain.
func (s *Schema) FieldsForTable(table string) []*Field {
	var out []*Field
	for _, f := range s.Fields {
		if f.Table == table {
			out = append(out, f)
		}
	}
	return out
}

// Columns returns the column names for the given table, pk first.
func (s *Schema) Columns(table string) []string {
	fields := s.FieldsForTable(table)
	out := make([]string, 0, len(fields)+1)
	out = append(out, s.PK.Column)
	for _, f := range fields {
		if f.PrimaryKey {
			continue
		}
		out = append(out, f.Column)
	}
	return out
}

// Value reads a field by Go name or column name. ok is false when the schema
// has no such field or obj is not this schema's type.
func (s *Schema) Value(obj any, name string) (any, bool) {
	f, ok := s.byKey[name]
	if !ok {
		return nil, false
	}
	rv, ok := s.structValue(obj)
	if !ok {
		return nil, false
	}
	return rv.FieldByIndex(f.Index).Interface(), true
}

// Set writes a field by Go name or column name, converting assignable kinds
// (e.g. int64 storage keys into int fields). obj must be a pointer.
func (s *Schema) Set(obj any, name string, v any) error {
	f, ok := s.byKey[name]
	if !ok {
		return fmt.Errorf("schema: %s has no field %q", s.Name, name)
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("schema: Set needs a non-nil *%s", s.Name)
	}
	rv = rv.Elem()
	if rv.Type() != s.Type {
		return fmt.Errorf("schema: Set on %s, want *%s", rv.Type(), s.Name)
	}
	target := rv.FieldByIndex(f.Index)
	if v == nil {
		target.Set(reflect.Zero(target.Type()))
		return nil
	}
	val := reflect.ValueOf(v)
	switch {
	case val.Type().AssignableTo(target.Type()):
		target.Set(val)
	case val.Type().ConvertibleTo(target.Type()):
		target.Set(val.Convert(target.Type()))
	default:
		// Engines hand back storage representations (e.g. a uuid as TEXT);
		// types that know how to scan themselves get the value as-is.
		if sc, ok := target.Addr().Interface().(sql.Scanner); ok {
			if err := sc.Scan(v); err != nil {
				return fmt.Errorf("schema: scan %s.%s: %w", s.Name, f.Name, err)
			}
			return nil
		}
		return fmt.Errorf("schema: cannot assign %s to %s.%s (%s)", val.Type(), s.Name, f.Name, target.Type())
	}
	return nil
}

// PKValue returns the primary key value of obj, or nil if obj is not this
// schema's type.
func (s *Schema) PKValue(obj any) any {
	rv, ok := s.structValue(obj)
	if !ok {
		return nil
	}
	return rv.FieldByIndex(s.PK.Index).Interface()
}

// SetPKValue assigns the primary key on obj (a pointer).
func (s *Schema) SetPKValue(obj any, v any) error {
	return s.Set(obj, s.PK.Name, v)
}

// HasPK reports whether obj carries a non-zero primary key.
func (s *Schema) HasPK(obj any) bool {
	rv, ok := s.structValue(obj)
	if !ok {
		return false
	}
	return !rv.FieldByIndex(s.PK.Index).IsZero()
}

// Instance reports whether obj is an instance (or pointer to one) of this
// schema's struct type.
func (s *Schema) Instance(obj any) bool {
	_, ok := s.structValue(obj)
	return ok
}

func (s *Schema) structValue(obj any) (reflect.Value, bool) {
	if obj == nil {
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, false
		}
		rv = rv.Elem()
	}
	if rv.Type() != s.Type {
		return reflect.Value{}, false
	}
	return rv, true
}

// Row projects obj's fields for one table into column -> value form, pk
// included under the pk column.
func (s *Schema) Row(obj any, table string) (map[string]any, error) {
	rv, ok := s.structValue(obj)
	if !ok {
		return nil, fmt.Errorf("schema: %T is not a %s", obj, s.Name)
	}
	row := make(map[string]any)
	row[s.PK.Column] = rv.FieldByIndex(s.PK.Index).Interface()
	for _, f := range s.FieldsForTable(table) {
		if f.PrimaryKey {
			continue
		}
		row[f.Column] = rv.FieldByIndex(f.Index).Interface()
	}
	return row, nil
}

// New allocates a pointer to a zero value of the schema's struct type.
func (s *Schema) New() any {
	return reflect.New(s.Type).Interface()
}

// Load populates obj (a pointer) from a column -> value row, ignoring columns
// the schema does not know.
func (s *Schema) Load(obj any, row map[string]any) error {
	for col, v := range row {
		if _, ok := s.byKey[col]; !ok {
			continue
		}
		if err := s.Set(obj, col, v); err != nil {
			return err
		}
	}
	return nil
}
