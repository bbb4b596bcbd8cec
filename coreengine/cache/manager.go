package cache

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultName is the name the unnamed engine cache is registered under.
const DefaultName = "default"

// UnknownCacheError is returned for a name with no registered store.
type UnknownCacheError struct {
	Name string
}

func (e *UnknownCacheError) Error() string {
	return fmt.Sprintf("unknown cache: %s", e.Name)
}

// Manager holds named stores, each with its own capacity and TTL policy.
//
// Usage:
//
//	m := NewManager(logger)
//	m.Register("thumbnails", NewStore(&Config{Capacity: 8 << 20}, logger))
//	res, err := m.Evict("thumbnails")
//	all := m.EvictAll()
type Manager struct {
	stores map[string]*Store
	logger Logger
	mu     sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(logger Logger) *Manager {
	return &Manager{
		stores: make(map[string]*Store),
		logger: logger,
	}
}

// Register adds store under name. Names are unique.
func (m *Manager) Register(name string, store *Store) error {
	if name == "" {
		return fmt.Errorf("cache name is required")
	}
	if store == nil {
		return fmt.Errorf("cache %s: store is nil", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.stores[name]; exists {
		return fmt.Errorf("cache %s: already registered", name)
	}
	m.stores[name] = store

	if m.logger != nil {
		m.logger.Debug("cache_registered", "name", name, "capacity", store.Capacity())
	}
	return nil
}

// Store returns the store registered under name.
func (m *Manager) Store(name string) (*Store, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[name]
	return s, ok
}

// Names returns the registered names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered stores.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stores)
}

// Evict runs eviction on one store.
func (m *Manager) Evict(name string) (EvictionResult, error) {
	s, ok := m.Store(name)
	if !ok {
		return EvictionResult{}, &UnknownCacheError{Name: name}
	}
	return s.Evict(), nil
}

// EvictAll runs eviction on every store.
func (m *Manager) EvictAll() map[string]EvictionResult {
	results := make(map[string]EvictionResult)
	for _, name := range m.Names() {
		if res, err := m.Evict(name); err == nil {
			results[name] = res
		}
	}
	return results
}

// Stats returns the stats of every store keyed by name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.stores))
	for name, s := range m.stores {
		out[name] = s.Stats()
	}
	return out
}

// Size returns the resident bytes across all stores.
func (m *Manager) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, s := range m.stores {
		total += s.Size()
	}
	return total
}
