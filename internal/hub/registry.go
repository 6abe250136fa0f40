package hub

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/luciancaetano/hubnet"
)

// Service is one registered hub.
type Service struct {
	Name     string
	Instance any
	Table    *Table
}

// Registry maps hub names to services. It is filled at setup, frozen when
// the server starts and read without locking afterwards. Add is not safe
// for concurrent use.
type Registry struct {
	services map[string]*Service
	frozen   atomic.Bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Add registers instance under its type name.
func (r *Registry) Add(instance any) error {
	if instance == nil {
		return hubnet.ErrNilService
	}
	table, err := Reflect(instance)
	if err != nil {
		return err
	}
	return r.AddTable(table.TypeName(), instance, table)
}

// AddNamed registers instance under name with a reflected member table.
func (r *Registry) AddNamed(name string, instance any) error {
	if instance == nil {
		return hubnet.ErrNilService
	}
	table, err := Reflect(instance)
	if err != nil {
		return err
	}
	return r.AddTable(name, instance, table)
}

// AddTable registers instance under name with an explicit member table.
func (r *Registry) AddTable(name string, instance any, table *Table) error {
	switch {
	case r.frozen.Load():
		return hubnet.ErrRegistryFrozen
	case instance == nil || table == nil:
		return hubnet.ErrNilService
	case name == "":
		return hubnet.ErrEmptyHubName
	}

	key := strings.ToLower(name)
	if _, ok := r.services[key]; ok {
		return fmt.Errorf("%w: %s", hubnet.ErrDuplicateHub, name)
	}
	r.services[key] = &Service{Name: name, Instance: instance, Table: table}
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Lookup finds a service by name, ignoring case.
func (r *Registry) Lookup(name string) (*Service, bool) {
	s, ok := r.services[strings.ToLower(name)]
	return s, ok
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	return len(r.services)
}
