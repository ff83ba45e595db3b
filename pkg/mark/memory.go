package mark

import "sync"

// MemoryContext keeps the mark set as an in-process map. This is the
// default backend: fast, and fine for any store whose live object count
// fits comfortably in RAM (a bitmap or hash set of a few million OIDs is a
// few tens of megabytes).
type MemoryContext struct {
	mu     sync.Mutex
	marked map[string]struct{}
}

func NewMemoryContext() *MemoryContext {
	return &MemoryContext{marked: make(map[string]struct{})}
}

func (m *MemoryContext) Mark(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked[name] = struct{}{}
	return nil
}

func (m *MemoryContext) Unmark(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked, name)
	return nil
}

func (m *MemoryContext) IsMarked(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.marked[name]
	return ok, nil
}

func (m *MemoryContext) UnmarkAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = make(map[string]struct{})
	return nil
}

func (m *MemoryContext) Close() error { return nil }
