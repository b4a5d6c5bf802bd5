// Package canonical converts nested records into the exact-decimal form the keyed store accepts.
package canonical

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/cockroachdb/apd/v3"
)

// Canonicalize walks v and returns a structurally equivalent copy in which every numeric leaf
// is an *apd.Decimal built from the number's text and every nil is removed. Booleans are kept
// as booleans. Non-finite floats are treated as absent. Values that are already canonical pass
// through unchanged, so applying Canonicalize twice yields the same result as applying it once.
//
// The second return of the inner walk reports whether the value survives; callers only see the
// cleaned result. A nil top-level value canonicalizes to nil.
func Canonicalize(v any) any {
	out, _ := walk(v)
	return out
}

// Map is Canonicalize for the common document case.
func Map(m map[string]any) map[string]any {
	out, ok := walk(m)
	if !ok {
		return map[string]any{}
	}
	return out.(map[string]any)
}

func walk(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case bool:
		return x, true
	case *apd.Decimal:
		if x == nil {
			return nil, false
		}
		return x, true
	case json.Number:
		d, _, err := apd.NewFromString(x.String())
		if err != nil {
			return x.String(), true
		}
		return d, true
	case float64:
		return fromFloat(x, 64)
	case float32:
		return fromFloat(float64(x), 32)
	case int:
		return apd.New(int64(x), 0), true
	case int8:
		return apd.New(int64(x), 0), true
	case int16:
		return apd.New(int64(x), 0), true
	case int32:
		return apd.New(int64(x), 0), true
	case int64:
		return apd.New(x, 0), true
	case uint, uint8, uint16, uint32, uint64:
		d, _, err := apd.NewFromString(strconv.FormatUint(reflect.ValueOf(x).Uint(), 10))
		if err != nil {
			return nil, false
		}
		return d, true
	case string:
		return x, true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			if c, ok := walk(item); ok {
				out[k] = c
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			if c, ok := walk(item); ok {
				out = append(out, c)
			}
		}
		return out, true
	}
	return walkReflect(v)
}

// walkReflect handles typed containers and pointers such as map[string]float64 or *float64.
func walkReflect(v any) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, false
		}
		return walk(rv.Elem().Interface())
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			return v, true
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if c, ok := walk(iter.Value().Interface()); ok {
				out[iter.Key().String()] = c
			}
		}
		return out, true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, false
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, true
		}
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if c, ok := walk(rv.Index(i).Interface()); ok {
				out = append(out, c)
			}
		}
		return out, true
	}
	return v, true
}

func fromFloat(f float64, bits int) (any, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, false
	}
	d, _, err := apd.NewFromString(strconv.FormatFloat(f, 'f', -1, bits))
	if err != nil {
		return nil, false
	}
	return d, true
}

// JSONable replaces decimals in a canonical document with json.Number so that it can be
// encoded with encoding/json without losing digits.
func JSONable(v any) any {
	switch x := v.(type) {
	case *apd.Decimal:
		return json.Number(x.Text('f'))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = JSONable(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = JSONable(item)
		}
		return out
	}
	return v
}
