package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/janitor/coreengine/observability"
	"github.com/jeeves-cluster-organization/janitor/coreengine/typeutil"
)

// =============================================================================
// Valid State Transitions
// =============================================================================

// validTransitions defines allowed state transitions.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateRegistered: {
		ProcessStateTerminatingGraceful: true,
		ProcessStateTerminatingForce:    true,
		ProcessStateTerminated:          true, // Exited on its own
	},
	ProcessStateTerminatingGraceful: {
		ProcessStateTerminatingForce: true, // Escalation
		ProcessStateTerminated:       true,
		ProcessStateFailed:           true,
	},
	ProcessStateTerminatingForce: {
		ProcessStateTerminated: true,
		ProcessStateFailed:     true,
	},
	ProcessStateFailed: {
		ProcessStateTerminatingGraceful: true, // Retry
		ProcessStateTerminatingForce:    true,
	},
	ProcessStateTerminated: {}, // Terminal state
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to ProcessState) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Registry Configuration
// =============================================================================

// RegistryConfig holds termination timing parameters.
type RegistryConfig struct {
	// DefaultTimeout applies when Cleanup is called without a timeout (default: 30s).
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
	// PollInterval is how often liveness is re-checked while waiting (default: 100ms).
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// ForceWait bounds the wait after a hard termination (default: 2s).
	ForceWait time.Duration `json:"force_wait" yaml:"force_wait"`
}

// DefaultRegistryConfig returns default termination timing.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		DefaultTimeout: 30 * time.Second,
		PollInterval:   100 * time.Millisecond,
		ForceWait:      2 * time.Second,
	}
}

// =============================================================================
// Process Registry
// =============================================================================

// tombstone keeps the final outcome of a terminated process.
type tombstone struct {
	record  *TrackedProcess
	outcome Outcome
}

// ProcessRegistry maps pids to tracked-process records and owns their
// state transitions. Thread-safe; the lock is never held while waiting for
// a process to exit.
type ProcessRegistry struct {
	config     RegistryConfig
	terminator Terminator
	source     ProcessSource
	logger     Logger

	active     map[int]*TrackedProcess
	tombstones map[int]*tombstone
	stats      CleanupStats

	now func() time.Time
	mu  sync.RWMutex
}

// NewProcessRegistry creates a new process registry.
func NewProcessRegistry(terminator Terminator, source ProcessSource, logger Logger, config *RegistryConfig) *ProcessRegistry {
	cfg := DefaultRegistryConfig()
	if config != nil {
		if config.DefaultTimeout > 0 {
			cfg.DefaultTimeout = config.DefaultTimeout
		}
		if config.PollInterval > 0 {
			cfg.PollInterval = config.PollInterval
		}
		if config.ForceWait > 0 {
			cfg.ForceWait = config.ForceWait
		}
	}
	return &ProcessRegistry{
		config:     cfg,
		terminator: terminator,
		source:     source,
		logger:     logger,
		active:     make(map[int]*TrackedProcess),
		tombstones: make(map[int]*tombstone),
		stats:      CleanupStats{ByStrategy: make(map[string]int)},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register starts tracking a process in the registered state.
// Registering an already active pid returns the existing record.
func (r *ProcessRegistry) Register(pid int, command string, metadata map[string]any) (*TrackedProcess, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid: %d", pid)
	}
	md, err := typeutil.NormalizeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("register pid %d: %w", pid, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[pid]; ok {
		return existing.Clone(), nil
	}

	// A reused pid starts a fresh record
	delete(r.tombstones, pid)

	rec := &TrackedProcess{
		PID:          pid,
		Command:      command,
		RegisteredAt: r.now(),
		State:        ProcessStateRegistered,
		Metadata:     md,
	}
	r.active[pid] = rec

	if r.logger != nil {
		r.logger.Info("process_registered",
			"pid", pid,
			"command", truncate(command, 50),
		)
	}

	return rec.Clone(), nil
}

// Cleanup terminates a tracked process with the given strategy.
//
// Termination failures are reported through Outcome, not the error. The
// error is non-nil only for an unknown pid, a cleanup already in flight for
// the same pid, or a forbidden state transition.
func (r *ProcessRegistry) Cleanup(ctx context.Context, pid int, strategy Strategy, timeout time.Duration) (Outcome, error) {
	strategy = strategy.orDefault()
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}

	r.mu.Lock()
	rec, ok := r.active[pid]
	if !ok {
		ts, done := r.tombstones[pid]
		r.mu.Unlock()
		if done {
			return ts.outcome, nil
		}
		return Outcome{}, NewNotFoundError(pid)
	}
	if rec.State.IsTerminating() {
		r.mu.Unlock()
		return Outcome{}, fmt.Errorf("pid %d: %w", pid, ErrCleanupInProgress)
	}
	if err := r.transitionLocked(rec, strategy.initialState()); err != nil {
		r.mu.Unlock()
		return Outcome{}, err
	}
	rec.LastStrategy = strategy
	r.mu.Unlock()

	start := time.Now()
	res := r.runStrategy(ctx, pid, strategy, timeout)
	elapsed := time.Since(start)

	r.mu.Lock()
	defer r.mu.Unlock()

	rec.Attempts += res.attempts
	r.stats.TotalAttempts++
	r.stats.ByStrategy[strategy.String()]++

	outcome := Outcome{
		PID:      pid,
		Strategy: strategy,
		Duration: elapsed,
	}

	switch {
	case rec.State == ProcessStateTerminated:
		// Reconcile observed the exit while we were waiting
		r.stats.Succeeded++
		outcome.State = ProcessStateTerminated
		outcome.Attempts = rec.Attempts
		if ts, ok := r.tombstones[pid]; ok && ts.record == rec {
			ts.outcome = outcome
		}
	case res.exited:
		r.stats.Succeeded++
		_ = r.transitionLocked(rec, ProcessStateTerminated)
		completed := r.now()
		rec.CompletedAt = &completed
		rec.LastError = ""
		outcome.State = ProcessStateTerminated
		outcome.Attempts = rec.Attempts
		r.retireLocked(rec, outcome)
	default:
		r.stats.Failed++
		_ = r.transitionLocked(rec, ProcessStateFailed)
		if strategy == StrategyGraceful {
			rec.GracefulFailures++
		}
		if res.err != nil {
			rec.LastError = res.err.Error()
		}
		outcome.State = ProcessStateFailed
		outcome.Attempts = rec.Attempts
		outcome.Error = rec.LastError
	}

	observability.RecordProcessCleanup(strategy.String(), string(outcome.State), int(elapsed.Milliseconds()))

	if r.logger != nil {
		if outcome.Terminated() {
			r.logger.Info("process_cleaned_up",
				"pid", pid,
				"strategy", strategy.String(),
				"attempts", outcome.Attempts,
			)
		} else {
			r.logger.Warn("process_cleanup_failed",
				"pid", pid,
				"strategy", strategy.String(),
				"attempts", outcome.Attempts,
				"error", outcome.Error,
			)
		}
	}

	return outcome, nil
}

// CleanupAll applies Cleanup to a snapshot of the active pids. One pid's
// failure never aborts the batch.
func (r *ProcessRegistry) CleanupAll(ctx context.Context, strategy Strategy) map[int]Outcome {
	pids := r.snapshotPIDs()
	results := make(map[int]Outcome, len(pids))

	for _, pid := range pids {
		outcome, err := r.Cleanup(ctx, pid, strategy, 0)
		if err != nil {
			outcome = Outcome{
				PID:      pid,
				State:    ProcessStateFailed,
				Strategy: strategy.orDefault(),
				Error:    err.Error(),
			}
		}
		results[pid] = outcome
	}

	return results
}

// Reconcile re-checks every registered or terminating process against the
// host process table. Processes that are gone are marked terminated without
// a termination request from this engine.
func (r *ProcessRegistry) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	r.mu.RLock()
	pids := make([]int, 0, len(r.active))
	for pid, rec := range r.active {
		if rec.State.IsLive() {
			pids = append(pids, pid)
		}
	}
	r.mu.RUnlock()

	if len(pids) == 0 {
		return result, nil
	}
	sort.Ints(pids)
	result.Checked = len(pids)

	if r.source == nil {
		return result, fmt.Errorf("reconcile: no process source configured")
	}
	live, err := r.source.Alive(ctx, pids)
	if err != nil {
		return result, fmt.Errorf("query process table: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range live {
		if l.Alive {
			continue
		}
		rec, ok := r.active[l.PID]
		if !ok || !rec.State.IsLive() {
			continue
		}
		if err := r.transitionLocked(rec, ProcessStateTerminated); err != nil {
			continue
		}
		completed := r.now()
		rec.CompletedAt = &completed
		r.retireLocked(rec, Outcome{
			PID:            rec.PID,
			State:          ProcessStateTerminated,
			Strategy:       rec.LastStrategy,
			Attempts:       rec.Attempts,
			ExitedOnItsOwn: true,
		})
		result.Exited++
		result.PIDs = append(result.PIDs, rec.PID)

		if r.logger != nil {
			r.logger.Info("process_exited", "pid", rec.PID, "command", truncate(rec.Command, 50))
		}
	}

	observability.RecordProcessesExited(result.Exited)
	return result, nil
}

// PruneTerminated drops tombstones older than retention.
// Returns the number of tombstones removed.
func (r *ProcessRegistry) PruneTerminated(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-retention)
	count := 0
	for pid, ts := range r.tombstones {
		if ts.record.CompletedAt != nil && !ts.record.CompletedAt.After(cutoff) {
			delete(r.tombstones, pid)
			count++
		}
	}
	return count
}

// Clear forgets a failed or terminated process.
func (r *ProcessRegistry) Clear(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[pid]; ok {
		if rec.State != ProcessStateFailed {
			return fmt.Errorf("cannot clear pid %d in state %s", pid, rec.State)
		}
		delete(r.active, pid)
		return nil
	}
	if _, ok := r.tombstones[pid]; ok {
		delete(r.tombstones, pid)
		return nil
	}
	return NewNotFoundError(pid)
}

// Get returns a copy of the record for pid, including terminated ones.
func (r *ProcessRegistry) Get(pid int) (*TrackedProcess, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.active[pid]; ok {
		return rec.Clone(), true
	}
	if ts, ok := r.tombstones[pid]; ok {
		return ts.record.Clone(), true
	}
	return nil, false
}

// List returns copies of the active records ordered by pid.
func (r *ProcessRegistry) List() []*TrackedProcess {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*TrackedProcess, 0, len(r.active))
	for _, rec := range r.active {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PID < result[j].PID })
	return result
}

// Count returns the number of processes by state, tombstones included.
func (r *ProcessRegistry) Count() map[ProcessState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[ProcessState]int)
	for _, rec := range r.active {
		counts[rec.State]++
	}
	counts[ProcessStateTerminated] += len(r.tombstones)
	return counts
}

// Stats returns cumulative cleanup statistics.
func (r *ProcessRegistry) Stats() CleanupStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.ByStrategy = make(map[string]int, len(r.stats.ByStrategy))
	for k, v := range r.stats.ByStrategy {
		s.ByStrategy[k] = v
	}
	return s
}

// snapshotPIDs returns the active pids in ascending order.
func (r *ProcessRegistry) snapshotPIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pids := make([]int, 0, len(r.active))
	for pid := range r.active {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// setState moves a process between terminating states during escalation.
func (r *ProcessRegistry) setState(pid int, state ProcessState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[pid]; ok && rec.State.IsTerminating() {
		_ = r.transitionLocked(rec, state)
	}
}

// transitionLocked validates and applies a state change. Caller holds mu.
func (r *ProcessRegistry) transitionLocked(rec *TrackedProcess, to ProcessState) error {
	if !IsValidTransition(rec.State, to) {
		return &TransitionError{PID: rec.PID, From: rec.State, To: to}
	}
	rec.State = to
	return nil
}

// retireLocked moves a terminated record to the tombstone table. Caller holds mu.
func (r *ProcessRegistry) retireLocked(rec *TrackedProcess, outcome Outcome) {
	delete(r.active, rec.PID)
	r.tombstones[rec.PID] = &tombstone{record: rec, outcome: outcome}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
