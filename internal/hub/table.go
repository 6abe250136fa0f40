package hub

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/luciancaetano/hubnet"
)

// Invoker calls a member on target with decoded arguments. A non-nil
// result may be an asynchronous value that the caller waits for.
type Invoker func(ctx context.Context, target any, args []any) (any, error)

// Callable is a member's parameter signature together with its invoker.
type Callable struct {
	Params []reflect.Type
	Invoke Invoker
}

// Method is a named callable member of a hub.
type Method struct {
	Name string
	Callable
}

// Property is a named settable member of a hub.
type Property struct {
	Name string
	Type reflect.Type
	Set  func(target any, value any) error
}

// Table is the member table of one hub type. It is built once when the
// hub is registered and never changes afterwards.
type Table struct {
	typeName   string
	methods    []Method
	properties []Property
}

// TypeName returns the name of the type the table describes.
func (t *Table) TypeName() string { return t.typeName }

// Methods returns the registered methods in registration order.
func (t *Table) Methods() []Method { return t.methods }

// Properties returns the registered properties in registration order.
func (t *Table) Properties() []Property { return t.properties }

func (t *Table) methodsNamed(name string) []Method {
	var out []Method
	for _, m := range t.methods {
		if strings.EqualFold(m.Name, name) {
			out = append(out, m)
		}
	}
	return out
}

func (t *Table) property(name string) (Property, bool) {
	for _, p := range t.properties {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Property{}, false
}

// Builder assembles a Table by hand.
//
//	table, err := hub.NewBuilder("Echo").
//	    Method("Ping", hub.Func1(func(ctx context.Context, e *Echo, s string) error {
//	        return e.Ping(s)
//	    })).
//	    Build()
type Builder struct {
	table *Table
	err   error
}

// NewBuilder starts an empty table for typeName.
func NewBuilder(typeName string) *Builder {
	return &Builder{table: &Table{typeName: typeName}}
}

// Method adds an overload. Several overloads may share a name as long as
// their parameter signatures differ.
func (b *Builder) Method(name string, c Callable) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" || c.Invoke == nil {
		b.err = fmt.Errorf("method %q: name and invoker are required", name)
		return b
	}
	for _, m := range b.table.methods {
		if strings.EqualFold(m.Name, name) && sameParams(m.Params, c.Params) {
			b.err = fmt.Errorf("method %q: duplicate signature %v", name, c.Params)
			return b
		}
	}
	b.table.methods = append(b.table.methods, Method{Name: name, Callable: c})
	return b
}

// Property adds a settable property. p is usually built with Setter.
func (b *Builder) Property(name string, p Property) *Builder {
	if b.err != nil {
		return b
	}
	if name == "" || p.Type == nil || p.Set == nil {
		b.err = fmt.Errorf("property %q: name, type and setter are required", name)
		return b
	}
	if _, ok := b.table.property(name); ok {
		b.err = fmt.Errorf("property %q: already defined", name)
		return b
	}
	p.Name = name
	b.table.properties = append(b.table.properties, p)
	return b
}

// Build returns the finished table or the first error recorded.
func (b *Builder) Build() (*Table, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.table, nil
}

// Func0 adapts a handler without arguments.
func Func0[T any](fn func(ctx context.Context, target T) error) Callable {
	return Callable{
		Invoke: func(ctx context.Context, target any, args []any) (any, error) {
			t, err := receiver[T](target)
			if err != nil {
				return nil, err
			}
			if err := checkCount(args, 0); err != nil {
				return nil, err
			}
			return nil, fn(ctx, t)
		},
	}
}

// Func1 adapts a handler taking one argument.
func Func1[T, A any](fn func(ctx context.Context, target T, a A) error) Callable {
	return Callable{
		Params: []reflect.Type{reflect.TypeFor[A]()},
		Invoke: func(ctx context.Context, target any, args []any) (any, error) {
			t, err := receiver[T](target)
			if err != nil {
				return nil, err
			}
			if err := checkCount(args, 1); err != nil {
				return nil, err
			}
			a, err := argAs[A](args, 0)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, t, a)
		},
	}
}

// Func2 adapts a handler taking two arguments.
func Func2[T, A, B any](fn func(ctx context.Context, target T, a A, b B) error) Callable {
	return Callable{
		Params: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()},
		Invoke: func(ctx context.Context, target any, args []any) (any, error) {
			t, err := receiver[T](target)
			if err != nil {
				return nil, err
			}
			if err := checkCount(args, 2); err != nil {
				return nil, err
			}
			a, err := argAs[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := argAs[B](args, 1)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, t, a, b)
		},
	}
}

// Func3 adapts a handler taking three arguments.
func Func3[T, A, B, C any](fn func(ctx context.Context, target T, a A, b B, c C) error) Callable {
	return Callable{
		Params: []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()},
		Invoke: func(ctx context.Context, target any, args []any) (any, error) {
			t, err := receiver[T](target)
			if err != nil {
				return nil, err
			}
			if err := checkCount(args, 3); err != nil {
				return nil, err
			}
			a, err := argAs[A](args, 0)
			if err != nil {
				return nil, err
			}
			b, err := argAs[B](args, 1)
			if err != nil {
				return nil, err
			}
			c, err := argAs[C](args, 2)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, t, a, b, c)
		},
	}
}

// Setter adapts a typed property setter.
func Setter[T, V any](set func(target T, v V)) Property {
	return Property{Type: reflect.TypeFor[V](), Set: func(target, value any) error {
		t, err := receiver[T](target)
		if err != nil {
			return err
		}
		v, err := convertAs[V](value)
		if err != nil {
			return err
		}
		set(t, v)
		return nil
	}}
}

func receiver[T any](target any) (T, error) {
	t, ok := target.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: hub instance is %T, want %T", hubnet.ErrArgumentType, target, zero)
	}
	return t, nil
}

func checkCount(args []any, want int) error {
	if len(args) != want {
		return fmt.Errorf("%w: got %d, want %d", hubnet.ErrArgumentCount, len(args), want)
	}
	return nil
}

func argAs[A any](args []any, i int) (A, error) {
	a, err := convertAs[A](args[i])
	if err != nil {
		return a, fmt.Errorf("argument %d: %w", i, err)
	}
	return a, nil
}

func convertAs[V any](value any) (V, error) {
	var zero V
	rv, err := convert(value, reflect.TypeFor[V]())
	if err != nil {
		return zero, err
	}
	v, _ := rv.Interface().(V)
	return v, nil
}

func sameParams(a, b []reflect.Type) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
