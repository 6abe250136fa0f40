package hub

import (
	"context"
	"fmt"
	"reflect"

	"github.com/luciancaetano/hubnet"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Reflect builds the member table of instance from its exported methods
// and, for pointers to structs, its exported fields.
//
// Methods may take a context.Context as their first parameter; it is not
// counted as an argument. Accepted results are none, error, a value, or a
// value and an error. A returned hubnet.Awaiter or <-chan error is handed
// back to the dispatcher so it can wait on it. Variadic methods are skipped.
//
// Exported fields become settable properties.
func Reflect(instance any) (*Table, error) {
	if instance == nil {
		return nil, hubnet.ErrNilService
	}

	typ := reflect.TypeOf(instance)
	b := NewBuilder(typeName(typ))

	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		c, ok := reflectMethod(m)
		if !ok {
			continue
		}
		b.Method(m.Name, c)
	}

	if typ.Kind() == reflect.Pointer && typ.Elem().Kind() == reflect.Struct {
		for _, f := range reflect.VisibleFields(typ.Elem()) {
			if !f.IsExported() || f.Anonymous || len(f.Index) > 1 {
				continue
			}
			b.Property(f.Name, reflectField(typ, f))
		}
	}

	return b.Build()
}

func reflectMethod(m reflect.Method) (Callable, bool) {
	mt := m.Type
	if mt.IsVariadic() || mt.NumOut() > 2 {
		return Callable{}, false
	}
	if mt.NumOut() == 2 && mt.Out(1) != errorType {
		return Callable{}, false
	}

	// In(0) is the receiver.
	first := 1
	takesCtx := mt.NumIn() > 1 && mt.In(1) == contextType
	if takesCtx {
		first = 2
	}

	params := make([]reflect.Type, 0, mt.NumIn()-first)
	for i := first; i < mt.NumIn(); i++ {
		params = append(params, mt.In(i))
	}

	fn := m.Func
	invoke := func(ctx context.Context, target any, args []any) (any, error) {
		if len(args) != len(params) {
			return nil, fmt.Errorf("%w: got %d, want %d", hubnet.ErrArgumentCount, len(args), len(params))
		}

		in := make([]reflect.Value, 0, mt.NumIn())
		recv := reflect.ValueOf(target)
		if target == nil || recv.Type() != mt.In(0) {
			return nil, fmt.Errorf("%w: hub instance is %T, want %s", hubnet.ErrArgumentType, target, mt.In(0))
		}
		in = append(in, recv)
		if takesCtx {
			in = append(in, reflect.ValueOf(&ctx).Elem())
		}
		for i, p := range params {
			v, err := convert(args[i], p)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, v)
		}

		return splitResults(fn.Call(in))
	}

	return Callable{Params: params, Invoke: invoke}, true
}

func splitResults(out []reflect.Value) (any, error) {
	var (
		result any
		err    error
	)
	for _, v := range out {
		if v.Type() == errorType {
			if !v.IsNil() {
				err = v.Interface().(error)
			}
			continue
		}
		if nillable(v.Type()) && v.IsNil() {
			continue
		}
		result = v.Interface()
	}
	return result, err
}

func reflectField(owner reflect.Type, f reflect.StructField) Property {
	return Property{
		Type: f.Type,
		Set: func(target, value any) error {
			rv := reflect.ValueOf(target)
			if target == nil || rv.Type() != owner || rv.IsNil() {
				return hubnet.ErrNotAddressable
			}
			v, err := convert(value, f.Type)
			if err != nil {
				return err
			}
			rv.Elem().Field(f.Index[0]).Set(v)
			return nil
		},
	}
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
