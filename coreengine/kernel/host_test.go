package kernel

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	// Reap in the background so the pid does not linger as a zombie
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func TestHostTerminator_Graceful(t *testing.T) {
	cmd := startSleep(t)
	pid := cmd.Process.Pid

	term := NewHostTerminator()
	source, err := NewProcFSSource("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	assert.True(t, term.Alive(pid))

	reg := NewProcessRegistry(term, source, nil, &RegistryConfig{
		DefaultTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	_, err = reg.Register(pid, "sleep 30", nil)
	require.NoError(t, err)

	outcome, err := reg.Cleanup(context.Background(), pid, StrategyGraceful, 0)
	require.NoError(t, err)
	assert.Equal(t, ProcessStateTerminated, outcome.State)
	assert.False(t, term.Alive(pid))
}

func TestHostTerminator_GonePID(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	term := NewHostTerminator()
	assert.False(t, term.Alive(cmd.Process.Pid))
	assert.ErrorIs(t, term.Signal(cmd.Process.Pid, SignalKill), ErrProcessGone)
}

func TestProcFSSource_Alive(t *testing.T) {
	source, err := NewProcFSSource("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	cmd := startSleep(t)
	live, err := source.Alive(context.Background(), []int{cmd.Process.Pid})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.True(t, live[0].Alive)

	_, err = NewProcFSSource("/does/not/exist")
	assert.Error(t, err)
}
