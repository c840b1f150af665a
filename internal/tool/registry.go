package tool

import (
	"fmt"
	"slices"
	"sync"
)

// Definition is the schema advertised to the model.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Entry is a registered tool with its category, computed at registration.
type Entry struct {
	Tool     Tool
	Category Category
}

func (e *Entry) Name() string { return e.Tool.Name() }

func (e *Entry) Definition() Definition {
	schema := e.Tool.Schema()
	if schema == nil {
		schema = Object(map[string]any{})
	}
	return Definition{Name: e.Tool.Name(), Description: e.Tool.Description(), Parameters: schema}
}

// Registry holds tools in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
	byName  map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Entry)}
}

// Register classifies t and adds it. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool: register: empty tool name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[t.Name()]; ok {
		return fmt.Errorf("tool: %s already registered", t.Name())
	}
	e := &Entry{Tool: t, Category: Classify(t)}
	r.entries = append(r.entries, e)
	r.byName[t.Name()] = e
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Entries returns every tool in registration order.
func (r *Registry) Entries() []*Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// Filter narrows the advertised tool list. Include, when set, keeps only
// the named tools; Exclude and ExcludeCategories then remove.
type Filter struct {
	Include           []string
	Exclude           []string
	ExcludeCategories []Kind
}

func (f Filter) Apply(entries []*Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if len(f.Include) > 0 && !slices.Contains(f.Include, name) {
			continue
		}
		if slices.Contains(f.Exclude, name) {
			continue
		}
		if slices.Contains(f.ExcludeCategories, e.Category.Kind) {
			continue
		}
		out = append(out, e)
	}
	return out
}
