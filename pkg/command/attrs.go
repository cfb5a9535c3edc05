package command

import (
	"sort"
	"sync"
)

// Attrs holds the attributes of a session. Commands use it to share state
// with later commands of the same session. It is created when the session
// starts and cleared when it closes. It is safe for concurrent use.
type Attrs struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewAttrs returns an Attrs holding the given initial attributes.
func NewAttrs(init map[string]any) *Attrs {
	m := make(map[string]any, len(init))
	for k, v := range init {
		m[k] = v
	}
	return &Attrs{m: m}
}

// Get returns the attribute with the given name.
func (a *Attrs) Get(name string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m[name]
	return v, ok
}

// Set sets an attribute.
func (a *Attrs) Set(name string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m == nil {
		a.m = make(map[string]any)
	}
	a.m[name] = v
}

// Delete removes an attribute.
func (a *Attrs) Delete(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, name)
}

// Names returns the sorted names of all attributes.
func (a *Attrs) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.m))
	for name := range a.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all attributes.
func (a *Attrs) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m = nil
}
