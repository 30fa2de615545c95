package tool

import (
	"fmt"
	"sync"

	"github.com/imaginglab/studykit/internal/target"
)

// Builder constructs a tool instance bound to the given target.
type Builder func(tgt target.Target) (Tool, error)

type entry struct {
	scope   string // "project", "subject", or "study"
	builder Builder
}

// Registry maps stable tool names to constructors. Registration happens once
// at startup; lookups resolve through the map, never by reflection.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a named builder for tools operating at the given scope.
// Names are lookup keys and must be unique and stable.
func (r *Registry) Register(name, scope string, b Builder) error {
	switch scope {
	case "project", "subject", "study":
	default:
		return fmt.Errorf("tool %q: invalid scope %q", name, scope)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.entries[name] = entry{scope: scope, builder: b}
	r.order = append(r.order, name)
	return nil
}

// New builds the named tool for tgt. The tool's scope must match the
// target's.
func (r *Registry) New(name string, tgt target.Target) (Tool, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if e.scope != tgt.Scope() {
		return nil, fmt.Errorf("tool %q operates on %s targets, got %s target %s",
			name, e.scope, tgt.Scope(), tgt)
	}
	return e.builder(tgt)
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Descriptors derives the status of every tool whose scope matches tgt.
// A builder failure yields an unavailable descriptor instead of an error:
// status listings must always render.
func (r *Registry) Descriptors(tgt target.Target, idx ProcessIndex) []Descriptor {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	entries := make(map[string]entry, len(r.entries))
	for k, v := range r.entries {
		entries[k] = v
	}
	r.mu.RUnlock()

	var out []Descriptor
	for _, name := range names {
		e := entries[name]
		if e.scope != tgt.Scope() {
			continue
		}
		t, err := e.builder(tgt)
		if err != nil {
			out = append(out, Descriptor{
				Name:     name,
				Status:   StateUnavailable,
				Message:  err.Error(),
				Commands: []string{},
			})
			continue
		}
		out = append(out, Derive(t, idx))
	}
	return out
}
