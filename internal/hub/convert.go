package hub

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/luciancaetano/hubnet"
)

// convert adapts a decoded argument to a parameter type. Decoded payloads
// carry loose types (float64 for every JSON number, map[string]any for
// objects), so numbers are converted when no precision is lost and
// composite values are rebound through JSON.
func convert(value any, t reflect.Type) (reflect.Value, error) {
	if value == nil {
		if nillable(t) {
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: nil for %s", hubnet.ErrArgumentType, t)
	}

	rv := reflect.ValueOf(value)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}

	switch {
	case isNumber(rv.Kind()) && isNumber(t.Kind()):
		return convertNumber(rv, t)
	case rv.Kind() == t.Kind() && (t.Kind() == reflect.String || t.Kind() == reflect.Bool):
		return rv.Convert(t), nil
	}

	switch value.(type) {
	case map[string]any, []any:
		return rebind(value, t)
	}
	return reflect.Value{}, fmt.Errorf("%w: %T for %s", hubnet.ErrArgumentType, value, t)
}

func rebind(value any, t reflect.Type) (reflect.Value, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T for %s: %w", hubnet.ErrArgumentType, value, t, err)
	}
	out := reflect.New(t)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %T for %s: %w", hubnet.ErrArgumentType, value, t, err)
	}
	return out.Elem(), nil
}

func convertNumber(rv reflect.Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	mismatch := fmt.Errorf("%w: %v does not fit %s", hubnet.ErrArgumentType, rv.Interface(), t)

	switch {
	case isInt(t.Kind()):
		var n int64
		switch {
		case isFloat(rv.Kind()):
			f := rv.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return reflect.Value{}, mismatch
			}
			n = int64(f)
		case isUint(rv.Kind()):
			if rv.Uint() > math.MaxInt64 {
				return reflect.Value{}, mismatch
			}
			n = int64(rv.Uint())
		default:
			n = rv.Int()
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, mismatch
		}
		out.SetInt(n)

	case isUint(t.Kind()):
		var n uint64
		switch {
		case isFloat(rv.Kind()):
			f := rv.Float()
			if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
				return reflect.Value{}, mismatch
			}
			n = uint64(f)
		case isInt(rv.Kind()):
			if rv.Int() < 0 {
				return reflect.Value{}, mismatch
			}
			n = uint64(rv.Int())
		default:
			n = rv.Uint()
		}
		if out.OverflowUint(n) {
			return reflect.Value{}, mismatch
		}
		out.SetUint(n)

	default:
		var f float64
		switch {
		case isInt(rv.Kind()):
			f = float64(rv.Int())
		case isUint(rv.Kind()):
			f = float64(rv.Uint())
		default:
			f = rv.Float()
		}
		if out.OverflowFloat(f) {
			return reflect.Value{}, mismatch
		}
		out.SetFloat(f)
	}
	return out, nil
}

func nillable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

func isNumber(k reflect.Kind) bool { return isInt(k) || isUint(k) || isFloat(k) }

func isInt(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUint(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
