package resource

import "sync"

// Mem is an in-memory Provider. Hosts use it to install commands that don't
// come from the filesystem. Every Put assigns a new stamp.
//
// The zero value is an empty Mem ready to use.
type Mem struct {
	mu    sync.RWMutex
	seq   int64
	files map[Kind]map[string]*Resource
}

// Put stores content under the given name and returns its new stamp.
func (m *Mem) Put(kind Kind, name string, content string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = make(map[Kind]map[string]*Resource)
	}
	if m.files[kind] == nil {
		m.files[kind] = make(map[string]*Resource)
	}
	m.seq++
	m.files[kind][name] = &Resource{name, []byte(content), m.seq}
	return m.seq
}

// Delete removes a resource.
func (m *Mem) Delete(kind Kind, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files[kind], name)
}

func (m *Mem) Load(name string, kind Kind) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.files[kind][name]
	if !ok {
		return nil, notFound(name, kind)
	}
	return r, nil
}

func (m *Mem) LoadAll(name string, kind Kind) ([]*Resource, error) {
	r, err := m.Load(name, kind)
	if err != nil {
		return []*Resource{}, nil
	}
	return []*Resource{r}, nil
}

func (m *Mem) List(kind Kind) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.files[kind]))
	for name := range m.files[kind] {
		names = append(names, name)
	}
	return dedup(names), nil
}
