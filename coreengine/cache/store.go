// Package cache provides a byte-bounded content cache with TTL expiry and
// LRU eviction.
//
// Eviction runs in two passes on every Evict call:
//   - TTL pass: entries older than their effective TTL are removed, always
//   - LRU pass: while resident size exceeds capacity, the least recently
//     accessed entry is removed (ties: oldest creation, then key)
//
// Put never evicts; it only rejects entries larger than the whole capacity.
// All operations are serialized by one mutex, so eviction is atomic with
// respect to Get and Put.
package cache

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"
)

// Logger interface for the cache store.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Sizer is implemented by values that know their own size estimate.
type Sizer interface {
	Size() int64
}

// Config holds cache limits.
type Config struct {
	// Capacity is the resident byte budget (default: 64MiB).
	Capacity int64 `json:"capacity" yaml:"capacity"`
	// DefaultTTL applies to entries without an override (default: 1 hour).
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
}

// DefaultConfig returns default cache limits.
func DefaultConfig() Config {
	return Config{
		Capacity:   64 << 20,
		DefaultTTL: time.Hour,
	}
}

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Key        string
	Value      any
	Size       int64
	CreatedAt  time.Time
	LastAccess time.Time
	TTL        time.Duration // zero means the store default
}

// expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) expired(now time.Time, defaultTTL time.Duration) bool {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return now.Sub(e.CreatedAt) >= ttl
}

// EvictionResult reports one Evict call.
type EvictionResult struct {
	Expired    int   `json:"expired_count"`
	LRUEvicted int   `json:"lru_evicted_count"`
	BytesFreed int64 `json:"bytes_freed"`
}

// Stats are cumulative store counters.
type Stats struct {
	Entries      int   `json:"entries"`
	Size         int64 `json:"size"`
	Capacity     int64 `json:"capacity"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Expired      int64 `json:"expired"`
	Evicted      int64 `json:"evicted"`
	Rejected     int64 `json:"rejected"`
	BytesFreed   int64 `json:"bytes_freed"`
	EvictionRuns int64 `json:"eviction_runs"`
}

// PutOption customizes a Put call.
type PutOption func(*putOptions)

type putOptions struct {
	ttl  time.Duration
	size int64
}

// WithTTL overrides the store default TTL for this entry.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *putOptions) { o.ttl = ttl }
}

// WithSize sets an explicit size estimate in bytes.
func WithSize(size int64) PutOption {
	return func(o *putOptions) { o.size = size }
}

// Store is the content cache. Thread-safe.
type Store struct {
	config  Config
	logger  Logger
	entries map[string]*Entry
	size    int64
	stats   Stats

	now func() time.Time
	mu  sync.Mutex
}

// NewStore creates a new cache store.
func NewStore(config *Config, logger Logger) *Store {
	cfg := DefaultConfig()
	if config != nil {
		if config.Capacity > 0 {
			cfg.Capacity = config.Capacity
		}
		if config.DefaultTTL > 0 {
			cfg.DefaultTTL = config.DefaultTTL
		}
	}
	return &Store{
		config:  cfg,
		logger:  logger,
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the value for key and marks it recently used.
// Expired entries that the TTL pass has not removed yet are misses.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now, s.config.DefaultTTL) {
		s.stats.Misses++
		return nil, false
	}

	e.LastAccess = now
	s.stats.Hits++
	return e.Value, true
}

// Put inserts or replaces key. Replacing a live entry keeps its creation
// time, so TTL is measured from first insertion; replacing an expired one
// starts a new lifetime. An entry whose size alone exceeds capacity is
// rejected with a CapacityError, and a value that cannot be sized without
// WithSize is rejected with a SizeError. Nothing changes on rejection.
func (s *Store) Put(key string, value any, opts ...PutOption) error {
	o := putOptions{size: -1}
	for _, opt := range opts {
		opt(&o)
	}
	size := o.size
	if size < 0 {
		n, err := EstimateSize(value)
		if err != nil {
			return &SizeError{Key: key, Err: err}
		}
		size = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if size > s.config.Capacity {
		s.stats.Rejected++
		if s.logger != nil {
			s.logger.Warn("cache_put_rejected", "key", key, "size", size, "capacity", s.config.Capacity)
		}
		return &CapacityError{Key: key, Size: size, Capacity: s.config.Capacity}
	}

	now := s.now()
	if e, ok := s.entries[key]; ok {
		// An expired entry is gone even if the TTL pass has not run yet
		if e.expired(now, s.config.DefaultTTL) {
			e.CreatedAt = now
		}
		s.size += size - e.Size
		e.Value = value
		e.Size = size
		e.TTL = o.ttl
		e.LastAccess = now
	} else {
		s.entries[key] = &Entry{
			Key:        key,
			Value:      value,
			Size:       size,
			CreatedAt:  now,
			LastAccess: now,
			TTL:        o.ttl,
		}
		s.size += size
	}

	if s.size > s.config.Capacity && s.logger != nil {
		s.logger.Debug("cache_over_capacity", "size", s.size, "capacity", s.config.Capacity)
	}
	return nil
}

// Delete removes key. Returns true if it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// Evict runs the TTL pass and then the LRU pass.
func (s *Store) Evict() EvictionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result EvictionResult
	now := s.now()

	// TTL pass
	for _, e := range s.entries {
		if e.expired(now, s.config.DefaultTTL) {
			s.removeLocked(e)
			result.Expired++
			result.BytesFreed += e.Size
		}
	}

	// LRU pass
	if s.size > s.config.Capacity {
		lru := make(lruQueue, 0, len(s.entries))
		for _, e := range s.entries {
			lru = append(lru, e)
		}
		heap.Init(&lru)
		for s.size > s.config.Capacity && lru.Len() > 0 {
			e := heap.Pop(&lru).(*Entry)
			s.removeLocked(e)
			result.LRUEvicted++
			result.BytesFreed += e.Size
		}
	}

	s.stats.Expired += int64(result.Expired)
	s.stats.Evicted += int64(result.LRUEvicted)
	s.stats.BytesFreed += result.BytesFreed
	s.stats.EvictionRuns++

	if s.logger != nil && (result.Expired > 0 || result.LRUEvicted > 0) {
		s.logger.Info("cache_evicted",
			"expired", result.Expired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
		)
	}

	return result
}

// Len returns the number of resident entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Size returns the resident size in bytes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Capacity returns the configured byte budget.
func (s *Store) Capacity() int64 {
	return s.config.Capacity
}

// OverCapacity reports whether the next Evict will run the LRU pass.
func (s *Store) OverCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size > s.config.Capacity
}

// Stats returns cumulative counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Entries = len(s.entries)
	st.Size = s.size
	st.Capacity = s.config.Capacity
	return st
}

// removeLocked deletes e. Caller holds mu.
func (s *Store) removeLocked(e *Entry) {
	delete(s.entries, e.Key)
	s.size -= e.Size
}

// EstimateSize returns a byte estimate for value: the length of strings and
// byte slices, Sizer.Size, or the length of its JSON encoding. Values that
// cannot be JSON encoded have no estimate.
func EstimateSize(value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case []byte:
		return int64(len(v)), nil
	case string:
		return int64(len(v)), nil
	case Sizer:
		return v.Size(), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// =============================================================================
// LRU ordering (heap)
// =============================================================================

// lruQueue implements heap.Interface ordered by last access.
type lruQueue []*Entry

func (q lruQueue) Len() int { return len(q) }

func (q lruQueue) Less(i, j int) bool {
	if !q[i].LastAccess.Equal(q[j].LastAccess) {
		return q[i].LastAccess.Before(q[j].LastAccess)
	}
	if !q[i].CreatedAt.Equal(q[j].CreatedAt) {
		return q[i].CreatedAt.Before(q[j].CreatedAt)
	}
	return q[i].Key < q[j].Key
}

func (q lruQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *lruQueue) Push(x any) {
	*q = append(*q, x.(*Entry))
}

func (q *lruQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*q = old[0 : n-1]
	return item
}
