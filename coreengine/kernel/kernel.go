package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/janitor/commbus"
	"github.com/jeeves-cluster-organization/janitor/coreengine/cache"
	"github.com/jeeves-cluster-organization/janitor/coreengine/observability"
	"github.com/jeeves-cluster-organization/janitor/coreengine/sweep"
)

// Logger interface for the kernel.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

const (
	triggerScheduled = "scheduled"
	triggerManual    = "manual"
)

// =============================================================================
// Coordinator
// =============================================================================

// Subsystems are the handles a Coordinator drives. Nil subsystems are
// skipped during a tick. Cache, when set, is registered in Caches under
// cache.DefaultName.
type Subsystems struct {
	Registry *ProcessRegistry
	Cache    *cache.Store
	Caches   *cache.Manager
	Sweeper  *sweep.Sweeper
	RuleSets []sweep.RuleSet
	Bus      commbus.CommBus
}

// Totals are cumulative counters across all ticks.
type Totals struct {
	Ticks           int64 `json:"ticks"`
	PartialTicks    int64 `json:"partial_ticks"`
	CacheExpired    int64 `json:"cache_expired"`
	CacheEvicted    int64 `json:"cache_evicted"`
	CacheBytesFreed int64 `json:"cache_bytes_freed"`
	ProcessesExited int64 `json:"processes_exited"`
	FilesActed      int64 `json:"files_acted"`
	SweepBytesFreed int64 `json:"sweep_bytes_freed"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	Running       bool                   `json:"running"`
	Interval      time.Duration          `json:"interval"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	LastTickAt    *time.Time             `json:"last_tick_at,omitempty"`
	Totals        Totals                 `json:"totals"`
	Processes     CleanupStats           `json:"processes"`
	ProcessCounts map[ProcessState]int   `json:"process_counts,omitempty"`
	Caches        map[string]cache.Stats `json:"caches,omitempty"`
	RuleSets      int                    `json:"rule_sets"`
	HistorySize   int                    `json:"history_size"`
}

// Coordinator runs cleanup ticks over its subsystems, on a schedule or on
// demand, and keeps the tick history.
//
// Usage:
//
//	coord, err := NewCoordinator(Subsystems{Registry: reg, Cache: store, Sweeper: sw, RuleSets: sets}, logger, nil)
//	coord.Start(0)          // background ticks at the configured interval
//	entry, _ := coord.RunOnce(ctx)
//	coord.Stop()
type Coordinator struct {
	config CleanupConfig
	logger Logger

	// Subsystems
	registry *ProcessRegistry
	caches   *cache.Manager
	sweeper  *sweep.Sweeper
	ruleSets []sweep.RuleSet
	bus      commbus.CommBus

	history *history

	// tickGuard holds one token while a tick runs
	tickGuard chan struct{}

	// Loop state
	running   bool
	stopping  bool
	interval  time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	startedAt *time.Time
	lastTick  *time.Time
	totals    Totals

	now func() time.Time
	mu  sync.Mutex
}

// NewCoordinator creates a coordinator. Rule sets are validated up front.
// When a bus is given, the coordinator handles TriggerTick commands and
// GetSchedulerStatus queries on it.
func NewCoordinator(subsystems Subsystems, logger Logger, config *CleanupConfig) (*Coordinator, error) {
	cfg := DefaultCleanupConfig()
	if config != nil {
		cfg = config.withDefaults()
	}

	for _, rs := range subsystems.RuleSets {
		if err := rs.Validate(); err != nil {
			return nil, err
		}
	}
	if len(subsystems.RuleSets) > 0 && subsystems.Sweeper == nil {
		return nil, fmt.Errorf("rule sets configured without a sweeper")
	}

	caches := subsystems.Caches
	if caches == nil {
		caches = cache.NewManager(logger)
	}
	if subsystems.Cache != nil {
		if err := caches.Register(cache.DefaultName, subsystems.Cache); err != nil {
			return nil, err
		}
	}

	c := &Coordinator{
		config:    cfg,
		logger:    logger,
		registry:  subsystems.Registry,
		caches:    caches,
		sweeper:   subsystems.Sweeper,
		ruleSets:  append([]sweep.RuleSet(nil), subsystems.RuleSets...),
		bus:       subsystems.Bus,
		history:   newHistory(cfg.HistoryLimit),
		tickGuard: make(chan struct{}, 1),
		interval:  cfg.Interval,
		now:       func() time.Time { return time.Now().UTC() },
	}

	if c.bus != nil {
		if err := c.bus.RegisterHandler("TriggerTick", c.handleTriggerTick); err != nil {
			return nil, err
		}
		if err := c.bus.RegisterHandler("GetSchedulerStatus", c.handleStatusQuery); err != nil {
			return nil, err
		}
	}

	if logger != nil {
		logger.Info("coordinator_initialized",
			"interval", cfg.Interval.String(),
			"rule_sets", len(c.ruleSets),
			"caches", caches.Len(),
			"history_limit", cfg.HistoryLimit,
		)
	}

	return c, nil
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Registry returns the process registry.
func (c *Coordinator) Registry() *ProcessRegistry {
	return c.registry
}

// Caches returns the named cache stores evicted on every tick.
func (c *Coordinator) Caches() *cache.Manager {
	return c.caches
}

// Config returns the effective configuration.
func (c *Coordinator) Config() CleanupConfig {
	return c.config
}

// =============================================================================
// Tick
// =============================================================================

// runTick performs evict, reconcile, sweep each rule set, prune tombstones,
// then appends history. Caller holds the tick guard.
func (c *Coordinator) runTick(ctx context.Context, trigger string) HistoryEntry {
	ctx, span := observability.Tracer().Start(ctx, "janitor.tick",
		trace.WithAttributes(attribute.String("janitor.trigger", trigger)),
	)
	defer span.End()

	entry := HistoryEntry{
		TickID:    uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.now(),
	}
	span.SetAttributes(attribute.String("janitor.tick_id", entry.TickID))

	fail := func(stage string, err error) {
		msg := fmt.Sprintf("%s: %v", stage, err)
		entry.Errors = append(entry.Errors, msg)
		span.RecordError(err, trace.WithAttributes(attribute.String("janitor.stage", stage)))
		if c.logger != nil {
			c.logger.Warn("tick_stage_failed", "tick_id", entry.TickID, "stage", stage, "error", err.Error())
		}
	}

	// 1. Cache eviction, one stage per named store
	for _, name := range c.caches.Names() {
		stage := "cache_evict:" + name
		res, err := SafeExecuteWithResult(c.logger, stage, func() (cache.EvictionResult, error) {
			return c.caches.Evict(name)
		})
		if err != nil {
			fail(stage, err)
			continue
		}
		if entry.Caches == nil {
			entry.Caches = make(map[string]cache.EvictionResult)
		}
		entry.Caches[name] = res
		entry.Cache.Expired += res.Expired
		entry.Cache.LRUEvicted += res.LRUEvicted
		entry.Cache.BytesFreed += res.BytesFreed
		if store, ok := c.caches.Store(name); ok {
			observability.RecordCacheEviction(name, res.Expired, res.LRUEvicted, res.BytesFreed, store.Size())
		}
	}

	// 2. Process reconciliation
	if c.registry != nil {
		res, err := SafeExecuteWithResult(c.logger, "reconcile", func() (ReconcileResult, error) {
			return c.registry.Reconcile(ctx)
		})
		if err != nil {
			fail("reconcile", err)
		}
		entry.Processes.Checked = res.Checked
		entry.Processes.Exited = res.Exited
	}

	// 3. Filesystem sweeps
	for _, rs := range c.ruleSets {
		entry.Sweeps = append(entry.Sweeps, c.sweepRuleSet(ctx, rs, fail))
	}

	// 4. Tombstone pruning
	if c.registry != nil {
		pruned, err := SafeExecuteWithResult(c.logger, "prune_terminated", func() (int, error) {
			return c.registry.PruneTerminated(c.config.ProcessRetention), nil
		})
		if err != nil {
			fail("prune_terminated", err)
		}
		entry.Processes.Pruned = pruned
	}

	entry.CompletedAt = c.now()
	entry.Duration = entry.CompletedAt.Sub(entry.StartedAt)
	c.history.append(entry)
	c.recordTotals(entry)

	status := "ok"
	if entry.Partial() {
		status = "partial"
		span.SetStatus(codes.Error, fmt.Sprintf("%d stage errors", len(entry.Errors)))
	}
	observability.RecordTick(trigger, status, int(entry.Duration.Milliseconds()))

	if c.logger != nil {
		c.logger.Info("tick_completed",
			"tick_id", entry.TickID,
			"trigger", trigger,
			"duration_ms", entry.Duration.Milliseconds(),
			"cache_bytes_freed", entry.Cache.BytesFreed,
			"processes_exited", entry.Processes.Exited,
			"sweeps", len(entry.Sweeps),
			"errors", len(entry.Errors),
		)
	}

	c.publish(ctx, tickEvent(entry))
	return entry.clone()
}

// sweepRuleSet runs one rule set with panic recovery and folds its result
// into a summary. Per-file errors are reported through fail.
func (c *Coordinator) sweepRuleSet(ctx context.Context, rs sweep.RuleSet, fail func(string, error)) SweepSummary {
	summary := SweepSummary{RuleSet: rs.Name, Root: rs.Root, DryRun: rs.DryRun}
	stage := "sweep:" + rs.Name

	type output struct {
		res    *sweep.Result
		pruned *sweep.PruneResult
	}
	out, err := SafeExecuteWithResult(c.logger, stage, func() (output, error) {
		res, pruned, err := c.sweeper.SweepSet(ctx, rs)
		return output{res: res, pruned: pruned}, err
	})
	if err != nil {
		fail(stage, err)
	}

	if out.res != nil {
		summary.Matched = out.res.Matched
		summary.Eligible = out.res.Eligible
		summary.Acted = out.res.Acted
		summary.BytesFreed = out.res.BytesFreed
		summary.Errors = len(out.res.Errors)
		for _, e := range out.res.Errors {
			fail(stage, e)
		}
	}
	if out.pruned != nil {
		summary.DirsPruned = len(out.pruned.Removed)
		summary.Errors += len(out.pruned.Errors)
		for _, e := range out.pruned.Errors {
			fail(stage, e)
		}
	}

	observability.RecordSweep(rs.Name, summary.Matched, summary.Eligible, summary.Acted, summary.BytesFreed, summary.Errors)
	return summary
}

func (c *Coordinator) recordTotals(entry HistoryEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totals.Ticks++
	if entry.Partial() {
		c.totals.PartialTicks++
	}
	c.totals.CacheExpired += int64(entry.Cache.Expired)
	c.totals.CacheEvicted += int64(entry.Cache.LRUEvicted)
	c.totals.CacheBytesFreed += entry.Cache.BytesFreed
	c.totals.ProcessesExited += int64(entry.Processes.Exited)
	for _, s := range entry.Sweeps {
		c.totals.FilesActed += int64(s.Acted)
		c.totals.SweepBytesFreed += s.BytesFreed
	}
	completed := entry.CompletedAt
	c.lastTick = &completed
}

func tickEvent(entry HistoryEntry) *commbus.TickCompleted {
	ev := &commbus.TickCompleted{
		TickID:           entry.TickID,
		Trigger:          entry.Trigger,
		StartedAt:        entry.StartedAt,
		DurationMS:       entry.Duration.Milliseconds(),
		CacheExpired:     entry.Cache.Expired,
		CacheEvicted:     entry.Cache.LRUEvicted,
		CacheBytesFreed:  entry.Cache.BytesFreed,
		ProcessesChecked: entry.Processes.Checked,
		ProcessesExited:  entry.Processes.Exited,
		Errors:           append([]string(nil), entry.Errors...),
	}
	for _, s := range entry.Sweeps {
		ev.FilesMatched += s.Matched
		ev.FilesActed += s.Acted
		ev.SweepBytesFreed += s.BytesFreed
	}
	return ev
}

// =============================================================================
// History
// =============================================================================

// History returns the most recent limit entries, oldest first.
// A limit <= 0 returns the whole retained history.
func (c *Coordinator) History(limit int) []HistoryEntry {
	return c.history.last(limit)
}

// ExportHistory writes the retained history to w as JSON lines, one flat
// object per entry.
func (c *Coordinator) ExportHistory(w io.Writer) error {
	return writeJSONLines(w, c.history.last(0))
}

// =============================================================================
// Process Termination Policy
// =============================================================================

// TerminateProcess terminates a tracked process, choosing graceful unless
// the process already failed graceful termination EscalateAfter times.
func (c *Coordinator) TerminateProcess(ctx context.Context, pid int) (Outcome, error) {
	if c.registry == nil {
		return Outcome{}, fmt.Errorf("no process registry configured")
	}
	rec, ok := c.registry.Get(pid)
	if !ok {
		return Outcome{}, NewNotFoundError(pid)
	}

	strategy := StrategyGraceful
	if rec.GracefulFailures >= c.config.EscalateAfter {
		strategy = StrategyForce
		if c.logger != nil {
			c.logger.Info("process_cleanup_escalated", "pid", pid, "graceful_failures", rec.GracefulFailures)
		}
	}

	outcome, err := c.registry.Cleanup(ctx, pid, strategy, 0)
	if err != nil {
		return outcome, err
	}

	c.publish(ctx, &commbus.ProcessCleaned{
		PID:        outcome.PID,
		Strategy:   outcome.Strategy.String(),
		State:      string(outcome.State),
		Attempts:   outcome.Attempts,
		DurationMS: outcome.Duration.Milliseconds(),
		Error:      outcome.Error,
	})
	return outcome, nil
}

// TerminateAll applies TerminateProcess to every active process. One pid's
// failure never aborts the batch.
func (c *Coordinator) TerminateAll(ctx context.Context) map[int]Outcome {
	results := make(map[int]Outcome)
	if c.registry == nil {
		return results
	}
	for _, pid := range c.registry.snapshotPIDs() {
		outcome, err := c.TerminateProcess(ctx, pid)
		if err != nil {
			outcome = Outcome{PID: pid, State: ProcessStateFailed, Error: err.Error()}
		}
		results[pid] = outcome
	}
	return results
}

// =============================================================================
// System Status
// =============================================================================

// Status returns a snapshot of scheduler state, totals, and subsystem stats.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	s := Status{
		Running:  c.running,
		Interval: c.interval,
		Totals:   c.totals,
		RuleSets: len(c.ruleSets),
	}
	if c.startedAt != nil {
		t := *c.startedAt
		s.StartedAt = &t
	}
	if c.lastTick != nil {
		t := *c.lastTick
		s.LastTickAt = &t
	}
	c.mu.Unlock()

	if c.registry != nil {
		s.Processes = c.registry.Stats()
		s.ProcessCounts = c.registry.Count()
	}
	if c.caches.Len() > 0 {
		s.Caches = c.caches.Stats()
	}
	s.HistorySize = c.history.len()
	return s
}

// =============================================================================
// Bus Integration
// =============================================================================

func (c *Coordinator) publish(ctx context.Context, event commbus.Message) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, event); err != nil && c.logger != nil {
		c.logger.Warn("event_publish_failed", "type", commbus.GetMessageType(event), "error", err.Error())
	}
}

func (c *Coordinator) handleTriggerTick(ctx context.Context, msg commbus.Message) (any, error) {
	entry, err := c.TryRunOnce(ctx)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (c *Coordinator) handleStatusQuery(ctx context.Context, msg commbus.Message) (any, error) {
	return c.Status(), nil
}
