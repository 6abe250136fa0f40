package hub

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/hubnet"
)

// Kind classifies a resolved target.
type Kind int

const (
	// Unresolved means the hub has no member with the requested name.
	Unresolved Kind = iota
	// MethodCall targets a method.
	MethodCall
	// PropertySet targets a property assignment.
	PropertySet
)

func (k Kind) String() string {
	switch k {
	case MethodCall:
		return "method"
	case PropertySet:
		return "property"
	default:
		return "unresolved"
	}
}

// Key identifies a cached resolution. Both names are lower-cased.
type Key struct {
	Hub    string
	Method string
}

// Target is a resolved member. Targets are built once per (hub, method)
// and shared by every call that selects them.
type Target struct {
	Key    Key
	Kind   Kind
	Member string
	params []reflect.Type
	invoke Invoker
}

// Invoke calls the target on instance. It must not be called on an
// Unresolved target.
func (t *Target) Invoke(ctx context.Context, instance any, args []any) (any, error) {
	if t.invoke == nil {
		return nil, &hubnet.MissingMemberError{Hub: t.Key.Hub, Member: t.Key.Method}
	}
	return t.invoke(ctx, instance, args)
}

// entry is the cached lookup of one (hub, method) name: the overloads
// sharing that name and the property fallback. Picking among overloads
// depends on the arguments and happens per call.
type entry struct {
	methods    []*Target
	property   *Target
	unresolved *Target
}

// Resolver memoizes member lookup per (hub, method). It is shared by all
// connections. Each key is computed at most once.
type Resolver struct {
	entries  sync.Map // map[Key]*entry
	flight   singleflight.Group
	computed atomic.Int64
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the target for a call of method on svc with args. A call
// with K arguments selects the overload taking K parameters; equal counts
// are told apart by exact argument types.
func (r *Resolver) Resolve(svc *Service, method string, args []any) *Target {
	key := Key{Hub: strings.ToLower(svc.Name), Method: strings.ToLower(method)}
	return r.lookup(key, svc.Table, method).pick(args)
}

func (r *Resolver) lookup(key Key, table *Table, method string) *entry {
	if e, ok := r.entries.Load(key); ok {
		return e.(*entry)
	}

	v, _, _ := r.flight.Do(key.Hub+"\x00"+key.Method, func() (any, error) {
		// A flight that finished between Load and Do has already stored it.
		if e, ok := r.entries.Load(key); ok {
			return e, nil
		}
		e := newEntry(key, table, method)
		r.computed.Add(1)
		r.entries.Store(key, e)
		return e, nil
	})
	return v.(*entry)
}

// Len returns the number of cached names.
func (r *Resolver) Len() int {
	n := 0
	r.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newEntry(key Key, table *Table, method string) *entry {
	e := &entry{unresolved: &Target{Key: key, Kind: Unresolved, Member: method}}
	for _, m := range table.methodsNamed(method) {
		e.methods = append(e.methods, &Target{
			Key:    key,
			Kind:   MethodCall,
			Member: m.Name,
			params: m.Params,
			invoke: m.Invoke,
		})
	}
	if p, ok := table.property(method); ok {
		e.property = &Target{Key: key, Kind: PropertySet, Member: p.Name, invoke: setProperty(p)}
	}
	return e
}

// pick narrows the overloads by argument count, then by exact type unless
// an argument is nil. With no method left the property is used.
func (e *entry) pick(args []any) *Target {
	candidates := e.methods
	if len(candidates) > 1 {
		candidates = filter(candidates, func(t *Target) bool {
			return len(t.params) == len(args)
		})
		if len(candidates) > 1 && !hasNil(args) {
			candidates = filter(candidates, func(t *Target) bool {
				return matchesTypes(t.params, args)
			})
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0]
	case 0:
		if e.property != nil {
			return e.property
		}
	}
	return e.unresolved
}

// setProperty rejects any argument count other than one rather than
// dropping extra values.
func setProperty(p Property) Invoker {
	return func(_ context.Context, target any, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: %s got %d", hubnet.ErrPropertyArity, p.Name, len(args))
		}
		if err := p.Set(target, args[0]); err != nil {
			return nil, fmt.Errorf("set %s: %w", p.Name, err)
		}
		return nil, nil
	}
}

func filter(ts []*Target, keep func(*Target) bool) []*Target {
	out := make([]*Target, 0, len(ts))
	for _, t := range ts {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func hasNil(args []any) bool {
	for _, a := range args {
		if a == nil {
			return true
		}
	}
	return false
}

func matchesTypes(params []reflect.Type, args []any) bool {
	if len(params) != len(args) {
		return false
	}
	for i, a := range args {
		if reflect.TypeOf(a) != params[i] {
			return false
		}
	}
	return true
}
