package schema

import (
	"math"
	"reflect"
	"time"
)

// EqualValues compares two field values the way a diff should: across integer
// widths (a stored int64 key equals an int struct field), by instant for
// time.Time, and structurally otherwise. nil equals only nil.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if ai, ok := asInt64(av); ok {
		if bi, ok := asInt64(bv); ok {
			return ai == bi
		}
	}
	if af, ok := asFloat64(av); ok {
		if bf, ok := asFloat64(bv); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asInt64(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		// Above MaxInt64 the conversion would wrap negative and falsely
		// equal a negative signed value.
		if u := v.Uint(); u <= math.MaxInt64 {
			return int64(u), true
		}
	}
	return 0, false
}

func asFloat64(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}
