package kernel

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/janitor/coreengine/cache"
	"github.com/jeeves-cluster-organization/janitor/coreengine/typeutil"
)

// ProcessSummary is the reconcile part of a history entry.
type ProcessSummary struct {
	Checked int `json:"checked"`
	Exited  int `json:"exited"`
	Pruned  int `json:"pruned"`
}

// SweepSummary is the result of one rule set within a tick.
type SweepSummary struct {
	RuleSet    string `json:"rule_set"`
	Root       string `json:"root"`
	DryRun     bool   `json:"dry_run"`
	Matched    int    `json:"matched"`
	Eligible   int    `json:"eligible"`
	Acted      int    `json:"acted"`
	BytesFreed int64  `json:"bytes_freed"`
	DirsPruned int    `json:"dirs_pruned"`
	Errors     int    `json:"errors"`
}

// HistoryEntry records one completed tick.
type HistoryEntry struct {
	TickID      string                          `json:"tick_id"`
	Trigger     string                          `json:"trigger"`
	StartedAt   time.Time                       `json:"started_at"`
	CompletedAt time.Time                       `json:"completed_at"`
	Duration    time.Duration                   `json:"duration"`
	Cache       cache.EvictionResult            `json:"cache"`
	Caches      map[string]cache.EvictionResult `json:"caches,omitempty"`
	Processes   ProcessSummary                  `json:"processes"`
	Sweeps      []SweepSummary                  `json:"sweeps,omitempty"`
	Errors      []string                        `json:"errors,omitempty"`
}

// Partial reports whether any subsystem recorded an error during the tick.
func (e HistoryEntry) Partial() bool {
	return len(e.Errors) > 0
}

// clone deep-copies the slices and maps of an entry.
func (e HistoryEntry) clone() HistoryEntry {
	c := e
	if e.Sweeps != nil {
		c.Sweeps = append([]SweepSummary(nil), e.Sweeps...)
	}
	if e.Errors != nil {
		c.Errors = append([]string(nil), e.Errors...)
	}
	if e.Caches != nil {
		c.Caches = make(map[string]cache.EvictionResult, len(e.Caches))
		for name, res := range e.Caches {
			c.Caches[name] = res
		}
	}
	return c
}

// history is a bounded ring of entries ordered by completion.
type history struct {
	entries []HistoryEntry
	head    int // index of the oldest entry once the ring is full
	limit   int
	mu      sync.RWMutex
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultCleanupConfig().HistoryLimit
	}
	return &history{limit: limit}
}

func (h *history) append(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) < h.limit {
		h.entries = append(h.entries, e)
		return
	}
	h.entries[h.head] = e
	h.head = (h.head + 1) % h.limit
}

// last returns the most recent n entries oldest first; n <= 0 returns all.
func (h *history) last(n int) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := len(h.entries)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]HistoryEntry, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, h.entries[(h.head+i)%size].clone())
	}
	return out
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// writeJSONLines writes each entry as one flat JSON object per line.
// Nested fields are flattened to dotted keys, e.g. "cache.bytes_freed".
func writeJSONLines(w io.Writer, entries []HistoryEntry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode tick %s: %w", e.TickID, err)
		}
		var nested map[string]any
		if err := json.Unmarshal(raw, &nested); err != nil {
			return fmt.Errorf("decode tick %s: %w", e.TickID, err)
		}
		if err := enc.Encode(typeutil.Flatten(nested)); err != nil {
			return fmt.Errorf("write tick %s: %w", e.TickID, err)
		}
	}
	return nil
}
