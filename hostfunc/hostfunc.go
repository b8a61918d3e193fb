package hostfunc

import (
	"context"
	"sort"
	"sync"
)

// Func is a host function callable from script. Args are the script call
// arguments exported to Go values; the returned value is converted back into
// the engine. A non-nil error is raised in script as an exception.
type Func func(ctx context.Context, args []any) (any, error)

// Descriptor names one native callback installed into an execution context.
type Descriptor struct {
	Name string
	Fn   Func
}

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name. A nil fn removes the name, leaving the slot
// empty.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	if fn == nil {
		delete(r.funcs, name)
	} else {
		r.funcs[name] = fn
	}
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Table snapshots the registry into a table owned by a single session.
// Later registrations do not affect tables already taken.
func (r *Registry) Table() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := &Table{funcs: make(map[string]Func, len(r.funcs))}
	for name, fn := range r.funcs {
		t.funcs[name] = fn
	}
	return t
}

// Table is the callback descriptor set of one session. It is sparse: names
// that were never registered are simply absent.
type Table struct {
	mu       sync.RWMutex
	funcs    map[string]Func
	released bool
}

// Set adds or replaces a descriptor before the table is installed.
func (t *Table) Set(name string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.funcs[name] = fn
}

// Lookup resolves name. Released tables resolve nothing.
func (t *Table) Lookup(name string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

// Descriptors returns the table sorted by name.
func (t *Table) Descriptors() []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Descriptor, 0, len(t.funcs))
	for name, fn := range t.funcs {
		out = append(out, Descriptor{Name: name, Fn: fn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.funcs)
}

// Release drops every descriptor. It is safe to call more than once.
func (t *Table) Release() error {
	t.mu.Lock()
	t.funcs = map[string]Func{}
	t.released = true
	t.mu.Unlock()
	return nil
}

func (t *Table) Released() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.released
}
