package kernel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/janitor/commbus"
	"github.com/jeeves-cluster-organization/janitor/coreengine/cache"
	"github.com/jeeves-cluster-organization/janitor/coreengine/sweep"
	"github.com/jeeves-cluster-organization/janitor/coreengine/testutil"
)

// =============================================================================
// Test Sources
// =============================================================================

type panicSource struct{}

func (panicSource) Alive(ctx context.Context, pids []int) ([]Liveness, error) {
	panic("procfs exploded")
}

// blockingSource blocks Alive until release is closed.
type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSource) Alive(ctx context.Context, pids []int) ([]Liveness, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func tmpRuleSet(root string) sweep.RuleSet {
	return sweep.RuleSet{
		Name: "tmp",
		Root: root,
		Rules: []sweep.Rule{{
			Name:      "old-tmp",
			Pattern:   "*.tmp",
			Condition: sweep.Condition{AgeMin: time.Hour},
			Action:    sweep.ActionDelete,
		}},
	}
}

func newTestCoordinator(t *testing.T, subsystems Subsystems, config *CleanupConfig) (*Coordinator, *testLogger) {
	t.Helper()
	logger := &testLogger{}
	if subsystems.Sweeper == nil && len(subsystems.RuleSets) > 0 {
		subsystems.Sweeper = sweep.NewSweeper("", nil)
	}
	c, err := NewCoordinator(subsystems, logger, config)
	require.NoError(t, err)
	return c, logger
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewCoordinator_Defaults(t *testing.T) {
	c, logger := newTestCoordinator(t, Subsystems{}, nil)

	assert.Equal(t, DefaultCleanupConfig(), c.Config())
	assert.False(t, c.Running())
	assert.True(t, logger.has("coordinator_initialized"))
}

func TestNewCoordinator_Validation(t *testing.T) {
	_, err := NewCoordinator(Subsystems{
		Sweeper:  sweep.NewSweeper("", nil),
		RuleSets: []sweep.RuleSet{{Name: "no-root"}},
	}, nil, nil)
	assert.Error(t, err)

	_, err = NewCoordinator(Subsystems{RuleSets: []sweep.RuleSet{tmpRuleSet(t.TempDir())}}, nil, nil)
	assert.Error(t, err, "rule sets need a sweeper")

	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	_, err = NewCoordinator(Subsystems{Bus: bus}, nil, nil)
	require.NoError(t, err)
	_, err = NewCoordinator(Subsystems{Bus: bus}, nil, nil)
	var dup *commbus.HandlerAlreadyRegisteredError
	assert.True(t, errors.As(err, &dup))
}

// =============================================================================
// Tick Tests
// =============================================================================

func TestRunOnce_AllSubsystems(t *testing.T) {
	store := cache.NewStore(&cache.Config{Capacity: 100, DefaultTTL: time.Hour}, nil)
	require.NoError(t, store.Put("a", "x", cache.WithSize(40), cache.WithTTL(time.Millisecond)))
	require.NoError(t, store.Put("b", "x", cache.WithSize(40)))
	require.NoError(t, store.Put("c", "x", cache.WithSize(40)))
	require.NoError(t, store.Put("d", "x", cache.WithSize(40)))
	time.Sleep(5 * time.Millisecond)

	host := newFakeHost(10, 11)
	reg := newTestRegistry(host, nil)
	for _, pid := range []int{10, 11} {
		_, err := reg.Register(pid, "worker", nil)
		require.NoError(t, err)
	}
	host.exit(10)

	root := t.TempDir()
	testutil.WriteAgedFile(t, root, "old.tmp", 10, 2*time.Hour)
	testutil.WriteAgedFile(t, root, "new.tmp", 10, 0)

	c, logger := newTestCoordinator(t, Subsystems{
		Registry: reg,
		Cache:    store,
		RuleSets: []sweep.RuleSet{tmpRuleSet(root)},
	}, nil)

	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, entry.TickID)
	assert.Equal(t, "manual", entry.Trigger)
	assert.False(t, entry.Partial(), "errors: %v", entry.Errors)
	assert.False(t, entry.CompletedAt.Before(entry.StartedAt))

	assert.Equal(t, 1, entry.Cache.Expired)
	assert.Equal(t, 1, entry.Cache.LRUEvicted)
	assert.Equal(t, int64(80), entry.Cache.BytesFreed)
	assert.Equal(t, int64(80), store.Size())

	assert.Equal(t, 2, entry.Processes.Checked)
	assert.Equal(t, 1, entry.Processes.Exited)

	require.Len(t, entry.Sweeps, 1)
	s := entry.Sweeps[0]
	assert.Equal(t, "tmp", s.RuleSet)
	assert.Equal(t, 2, s.Matched)
	assert.Equal(t, 1, s.Eligible)
	assert.Equal(t, 1, s.Acted)
	assert.Equal(t, int64(10), s.BytesFreed)
	assert.Equal(t, []string{"new.tmp"}, testutil.ListFiles(t, root))

	assert.True(t, logger.has("tick_completed"))

	status := c.Status()
	assert.Equal(t, int64(1), status.Totals.Ticks)
	assert.Equal(t, int64(80), status.Totals.CacheBytesFreed)
	assert.Equal(t, int64(1), status.Totals.FilesActed)
	assert.Equal(t, 1, status.HistorySize)
	require.NotNil(t, status.LastTickAt)
	require.Contains(t, status.Caches, cache.DefaultName)
	assert.Equal(t, 2, status.Caches[cache.DefaultName].Entries)
}

func TestRunOnce_EvictsEveryNamedCache(t *testing.T) {
	sessions := cache.NewStore(&cache.Config{Capacity: 100, DefaultTTL: time.Millisecond}, nil)
	thumbs := cache.NewStore(&cache.Config{Capacity: 50, DefaultTTL: time.Hour}, nil)
	require.NoError(t, sessions.Put("s1", "x", cache.WithSize(10)))
	require.NoError(t, thumbs.Put("t1", "x", cache.WithSize(30)))
	require.NoError(t, thumbs.Put("t2", "x", cache.WithSize(30)))
	time.Sleep(5 * time.Millisecond)

	caches := cache.NewManager(nil)
	require.NoError(t, caches.Register("sessions", sessions))
	require.NoError(t, caches.Register("thumbnails", thumbs))

	c, _ := newTestCoordinator(t, Subsystems{Caches: caches}, nil)
	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, entry.Caches, 2)
	assert.Equal(t, 1, entry.Caches["sessions"].Expired)
	assert.Equal(t, 1, entry.Caches["thumbnails"].LRUEvicted)
	assert.Equal(t, 1, entry.Cache.Expired)
	assert.Equal(t, 1, entry.Cache.LRUEvicted)
	assert.Equal(t, int64(40), entry.Cache.BytesFreed)

	status := c.Status()
	assert.Len(t, status.Caches, 2)
	assert.Equal(t, int64(30), status.Caches["thumbnails"].Size)
}

func TestNewCoordinator_DefaultCacheNameTaken(t *testing.T) {
	caches := cache.NewManager(nil)
	require.NoError(t, caches.Register(cache.DefaultName, cache.NewStore(nil, nil)))

	_, err := NewCoordinator(Subsystems{Cache: cache.NewStore(nil, nil), Caches: caches}, nil, nil)
	assert.Error(t, err)
}

func TestRunOnce_StageFailureIsPartial(t *testing.T) {
	store := cache.NewStore(&cache.Config{Capacity: 10}, nil)
	require.NoError(t, store.Put("a", "x", cache.WithSize(10), cache.WithTTL(time.Millisecond)))
	time.Sleep(5 * time.Millisecond)

	host := newFakeHost(1)
	reg := NewProcessRegistry(host, &fakeSource{host: host, err: errors.New("proc unavailable")}, nil, nil)
	_, err := reg.Register(1, "worker", nil)
	require.NoError(t, err)

	missing := filepath.Join(t.TempDir(), "missing")
	c, logger := newTestCoordinator(t, Subsystems{
		Registry: reg,
		Cache:    store,
		RuleSets: []sweep.RuleSet{tmpRuleSet(missing)},
	}, nil)

	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.True(t, entry.Partial())
	assert.Len(t, entry.Errors, 2)
	assert.Contains(t, entry.Errors[0], "reconcile: ")
	assert.Contains(t, entry.Errors[1], "sweep:tmp: ")

	// Other stages still ran
	assert.Equal(t, 1, entry.Cache.Expired)
	assert.True(t, logger.has("tick_stage_failed"))
	assert.Equal(t, int64(1), c.Status().Totals.PartialTicks)
}

func TestRunOnce_RecoversSubsystemPanic(t *testing.T) {
	host := newFakeHost(1)
	reg := NewProcessRegistry(host, panicSource{}, nil, nil)
	_, err := reg.Register(1, "worker", nil)
	require.NoError(t, err)

	c, logger := newTestCoordinator(t, Subsystems{Registry: reg}, nil)

	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, entry.Errors, 1)
	assert.Contains(t, entry.Errors[0], "panic in reconcile")
	assert.True(t, logger.has("panic_recovered"))
	assert.Equal(t, 1, c.Status().HistorySize)
}

func TestRunOnce_EmptySubsystems(t *testing.T) {
	c, _ := newTestCoordinator(t, Subsystems{}, nil)

	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, entry.Partial())
	assert.Empty(t, entry.Sweeps)
}

func TestRunOnce_PrunesTombstones(t *testing.T) {
	host := newFakeHost()
	reg := newTestRegistry(host, nil)
	_, err := reg.Register(5, "worker", nil)
	require.NoError(t, err)
	_, err = reg.Cleanup(context.Background(), 5, StrategyForce, 0)
	require.NoError(t, err)

	later := time.Now().UTC().Add(48 * time.Hour)
	reg.now = func() time.Time { return later }

	c, _ := newTestCoordinator(t, Subsystems{Registry: reg}, nil)
	entry, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Processes.Pruned)

	_, ok := reg.Get(5)
	assert.False(t, ok)
}

func TestTryRunOnce_Busy(t *testing.T) {
	c, logger := newTestCoordinator(t, Subsystems{}, nil)

	c.tickGuard <- struct{}{}

	_, err := c.TryRunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.RunOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.runScheduledTick()
	assert.True(t, logger.has("scheduled_tick_skipped"))
	assert.Zero(t, c.Status().HistorySize)

	<-c.tickGuard
	_, err = c.TryRunOnce(context.Background())
	assert.NoError(t, err)
}

// =============================================================================
// Scheduler Tests
// =============================================================================

func TestStartStop(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	var mu sync.Mutex
	var states []bool
	bus.Subscribe("SchedulerStateChanged", func(ctx context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, msg.(*commbus.SchedulerStateChanged).Running)
		return nil, nil
	})

	c, logger := newTestCoordinator(t, Subsystems{Bus: bus}, nil)

	require.NoError(t, c.Start(10*time.Millisecond))
	assert.True(t, c.Running())
	assert.ErrorIs(t, c.Start(10*time.Millisecond), ErrAlreadyRunning)

	status := c.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 10*time.Millisecond, status.Interval)
	assert.NotNil(t, status.StartedAt)

	require.Eventually(t, func() bool {
		return c.Status().HistorySize >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
	assert.Nil(t, c.Status().StartedAt)
	assert.True(t, logger.has("cleanup_loop_stopped"))

	for _, e := range c.History(0) {
		assert.Equal(t, "scheduled", e.Trigger)
	}

	// Stopping an idle coordinator is a no-op
	assert.NoError(t, c.Stop())

	mu.Lock()
	assert.Equal(t, []bool{true, false}, states)
	mu.Unlock()

	// Restart after stop
	require.NoError(t, c.Start(time.Hour))
	require.NoError(t, c.Stop())
}

func TestStop_TimeoutWhileTickRuns(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	host := newFakeHost(1)
	reg := NewProcessRegistry(host, src, nil, nil)
	_, err := reg.Register(1, "worker", nil)
	require.NoError(t, err)

	c, logger := newTestCoordinator(t, Subsystems{Registry: reg}, &CleanupConfig{ShutdownGrace: 20 * time.Millisecond})
	require.NoError(t, c.Start(5*time.Millisecond))

	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tick never started")
	}

	err = c.Stop()
	var timeout *ShutdownTimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, 20*time.Millisecond, timeout.Grace)
	assert.True(t, c.Running(), "loop is still finishing its tick")
	assert.True(t, logger.has("cleanup_loop_stop_timeout"))

	close(src.release)
	require.Eventually(t, func() bool {
		return c.Status().HistorySize == 1 && !c.Running()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStart_RejectedUntilStoppedLoopExits(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	host := newFakeHost(1)
	reg := NewProcessRegistry(host, src, nil, nil)
	_, err := reg.Register(1, "worker", nil)
	require.NoError(t, err)

	c, _ := newTestCoordinator(t, Subsystems{Registry: reg}, &CleanupConfig{ShutdownGrace: 20 * time.Millisecond})
	require.NoError(t, c.Start(5*time.Millisecond))
	<-src.entered

	var timeout *ShutdownTimeoutError
	require.ErrorAs(t, c.Stop(), &timeout)

	// The first loop is still mid-tick
	assert.ErrorIs(t, c.Start(5*time.Millisecond), ErrAlreadyRunning)

	// A second Stop waits again without closing the stop channel twice
	require.ErrorAs(t, c.Stop(), &timeout)

	close(src.release)
	require.Eventually(t, func() bool { return !c.Running() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Start(time.Hour))
	assert.True(t, c.Running())
	require.NoError(t, c.Stop())
	assert.False(t, c.Running())
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistoryLimit(t *testing.T) {
	c, _ := newTestCoordinator(t, Subsystems{}, &CleanupConfig{HistoryLimit: 3})

	var ids []string
	for i := 0; i < 5; i++ {
		entry, err := c.RunOnce(context.Background())
		require.NoError(t, err)
		ids = append(ids, entry.TickID)
	}

	all := c.History(0)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, ids[2+i], e.TickID)
	}

	recent := c.History(2)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[3], recent[0].TickID)
	assert.Equal(t, ids[4], recent[1].TickID)

	assert.Len(t, c.History(10), 3)
}

func TestExportHistory(t *testing.T) {
	root := t.TempDir()
	testutil.WriteAgedFile(t, root, "old.tmp", 10, 2*time.Hour)

	c, _ := newTestCoordinator(t, Subsystems{
		Cache:    cache.NewStore(nil, nil),
		RuleSets: []sweep.RuleSet{tmpRuleSet(root)},
	}, nil)

	first, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.ExportHistory(&buf))

	var lines []map[string]any
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		lines = append(lines, row)
	}
	require.Len(t, lines, 2)

	row := lines[0]
	assert.Equal(t, first.TickID, row["tick_id"])
	assert.Equal(t, "manual", row["trigger"])
	assert.Contains(t, row, "cache.bytes_freed")
	assert.Contains(t, row, "processes.checked")
	assert.Equal(t, "tmp", row["sweeps.0.rule_set"])
	assert.Equal(t, float64(1), row["sweeps.0.acted"])
	assert.Equal(t, float64(0), lines[1]["sweeps.0.acted"])
}

// =============================================================================
// Termination Policy Tests
// =============================================================================

func TestTerminateProcess_EscalatesAfterGracefulFailures(t *testing.T) {
	host := newFakeHost(42)
	host.ignoreTerm[42] = true
	reg := NewProcessRegistry(host, &fakeSource{host: host}, nil, &RegistryConfig{
		DefaultTimeout: 20 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
		ForceWait:      100 * time.Millisecond,
	})
	_, err := reg.Register(42, "stubborn", nil)
	require.NoError(t, err)

	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	var mu sync.Mutex
	var events []*commbus.ProcessCleaned
	bus.Subscribe("ProcessCleaned", func(ctx context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, msg.(*commbus.ProcessCleaned))
		return nil, nil
	})

	c, logger := newTestCoordinator(t, Subsystems{Registry: reg, Bus: bus}, &CleanupConfig{EscalateAfter: 2})

	for i := 0; i < 2; i++ {
		outcome, err := c.TerminateProcess(context.Background(), 42)
		require.NoError(t, err)
		assert.Equal(t, ProcessStateFailed, outcome.State)
		assert.Equal(t, StrategyGraceful, outcome.Strategy)
	}

	outcome, err := c.TerminateProcess(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, ProcessStateTerminated, outcome.State)
	assert.Equal(t, StrategyForce, outcome.Strategy)
	assert.True(t, logger.has("process_cleanup_escalated"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "force", events[2].Strategy)
	assert.Equal(t, "terminated", events[2].State)
}

func TestTerminateProcess_Unknown(t *testing.T) {
	c, _ := newTestCoordinator(t, Subsystems{Registry: newTestRegistry(newFakeHost(), nil)}, nil)

	_, err := c.TerminateProcess(context.Background(), 7)
	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))

	noReg, _ := newTestCoordinator(t, Subsystems{}, nil)
	_, err = noReg.TerminateProcess(context.Background(), 7)
	assert.Error(t, err)
	assert.Empty(t, noReg.TerminateAll(context.Background()))
}

func TestTerminateAll(t *testing.T) {
	host := newFakeHost(1, 2)
	reg := newTestRegistry(host, nil)
	for _, pid := range []int{1, 2} {
		_, err := reg.Register(pid, "worker", nil)
		require.NoError(t, err)
	}
	c, _ := newTestCoordinator(t, Subsystems{Registry: reg}, nil)

	results := c.TerminateAll(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results[1].Terminated())
	assert.True(t, results[2].Terminated())
	assert.Empty(t, reg.List())
}

// =============================================================================
// Bus Integration Tests
// =============================================================================

func TestBusIntegration(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, nil)
	var mu sync.Mutex
	var ticks []*commbus.TickCompleted
	bus.Subscribe("TickCompleted", func(ctx context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, msg.(*commbus.TickCompleted))
		return nil, nil
	})

	c, _ := newTestCoordinator(t, Subsystems{Bus: bus}, nil)

	require.NoError(t, bus.Send(context.Background(), &commbus.TriggerTick{Reason: "test"}))
	require.Equal(t, 1, c.Status().HistorySize)

	mu.Lock()
	require.Len(t, ticks, 1)
	assert.Equal(t, c.History(1)[0].TickID, ticks[0].TickID)
	assert.Equal(t, "manual", ticks[0].Trigger)
	mu.Unlock()

	result, err := bus.QuerySync(context.Background(), &commbus.GetSchedulerStatus{})
	require.NoError(t, err)
	status, ok := result.(Status)
	require.True(t, ok)
	assert.Equal(t, int64(1), status.Totals.Ticks)
	assert.False(t, status.Running)

	// A trigger while a tick runs is rejected, not queued
	c.tickGuard <- struct{}{}
	err = bus.Send(context.Background(), &commbus.TriggerTick{})
	assert.ErrorIs(t, err, ErrTickInProgress)
	<-c.tickGuard
}
