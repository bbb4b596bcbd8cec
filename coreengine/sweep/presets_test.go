package sweep

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/janitor/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreset(t *testing.T) {
	temp, err := Preset(PresetTemp, "", 0)
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), temp.Root)
	assert.True(t, temp.PruneEmptyDirs)
	require.Len(t, temp.Rules, 1)
	assert.Equal(t, DefaultTempMaxAge, temp.Rules[0].Condition.AgeMin)
	require.NoError(t, temp.Validate())

	logs, err := Preset(PresetLogs, "/var/log/app", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/app", logs.Root)
	assert.Equal(t, "*.log", logs.Rules[0].Pattern)
	assert.Equal(t, time.Hour, logs.Rules[0].Condition.AgeMin)
	require.NoError(t, logs.Validate())

	logs, err = Preset(PresetLogs, "/var/log/app", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLogMaxAge, logs.Rules[0].Condition.AgeMin)
}

func TestPreset_Errors(t *testing.T) {
	tests := []struct {
		name   string
		preset string
		root   string
		maxAge time.Duration
	}{
		{"unknown", "cores", "/tmp", 0},
		{"logs without root", PresetLogs, "", 0},
		{"negative age", PresetTemp, "/tmp", -time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Preset(tt.preset, tt.root, tt.maxAge)
			assert.Error(t, err)
		})
	}
}

func TestPreset_TempSweep(t *testing.T) {
	root := t.TempDir()
	testutil.WriteAgedFile(t, root, "build-1/obj.o", 10, 48*time.Hour)
	testutil.WriteAgedFile(t, root, "fresh.txt", 10, time.Minute)

	rs, err := Preset(PresetTemp, root, 0)
	require.NoError(t, err)

	res, pruned, err := NewSweeper("", nil).SweepSet(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acted)
	require.NotNil(t, pruned)
	assert.Len(t, pruned.Removed, 1)
	assert.Equal(t, []string{"fresh.txt"}, testutil.ListFiles(t, root))
}

func TestPreset_LogSweep(t *testing.T) {
	root := t.TempDir()
	testutil.WriteAgedFile(t, root, "app.log", 10, 8*24*time.Hour)
	testutil.WriteAgedFile(t, root, "app.log.gz", 10, 8*24*time.Hour)
	testutil.WriteAgedFile(t, root, "today.log", 10, time.Hour)

	rs, err := Preset(PresetLogs, root, 0)
	require.NoError(t, err)

	res, _, err := NewSweeper("", nil).SweepSet(context.Background(), rs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acted)
	assert.ElementsMatch(t, []string{"app.log.gz", "today.log"}, testutil.ListFiles(t, root))
}
