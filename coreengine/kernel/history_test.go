package kernel

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryRing(t *testing.T) {
	h := newHistory(3)
	assert.Empty(t, h.last(0))

	for i := 1; i <= 5; i++ {
		h.append(HistoryEntry{TickID: fmt.Sprintf("t%d", i)})
	}
	assert.Equal(t, 3, h.len())

	ids := func(entries []HistoryEntry) []string {
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.TickID)
		}
		return out
	}
	assert.Equal(t, []string{"t3", "t4", "t5"}, ids(h.last(0)))
	assert.Equal(t, []string{"t4", "t5"}, ids(h.last(2)))
	assert.Equal(t, []string{"t3", "t4", "t5"}, ids(h.last(-1)))
}

func TestHistoryRing_DefaultLimit(t *testing.T) {
	h := newHistory(0)
	assert.Equal(t, DefaultCleanupConfig().HistoryLimit, h.limit)
}

func TestHistory_ReturnsCopies(t *testing.T) {
	h := newHistory(2)
	h.append(HistoryEntry{TickID: "t1", Errors: []string{"boom"}})

	got := h.last(1)
	got[0].Errors[0] = "changed"

	assert.Equal(t, "boom", h.last(1)[0].Errors[0])
}

func TestHistoryEntry_Partial(t *testing.T) {
	assert.False(t, HistoryEntry{}.Partial())
	assert.True(t, HistoryEntry{Errors: []string{"sweep:tmp: boom"}}.Partial())
}

func TestWriteJSONLines(t *testing.T) {
	var buf bytes.Buffer
	err := writeJSONLines(&buf, []HistoryEntry{
		{TickID: "t1", Sweeps: []SweepSummary{{RuleSet: "logs", Acted: 2}}},
		{TickID: "t2"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"sweeps.0.rule_set":"logs"`)
	assert.Contains(t, lines[0], `"cache.expired_count":0`)
	assert.Contains(t, lines[1], `"tick_id":"t2"`)
	assert.NotContains(t, lines[1], "sweeps")
}
