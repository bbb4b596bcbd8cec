package kernel

import (
	"context"
	"time"

	"github.com/jeeves-cluster-organization/janitor/commbus"
)

// CleanupConfig holds configurable scheduler parameters.
type CleanupConfig struct {
	// Interval is how often to run a tick (default: 5 minutes).
	Interval time.Duration `json:"interval" yaml:"interval"`
	// ShutdownGrace bounds how long Stop waits for the loop (default: 5 seconds).
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
	// ProcessRetention is how long to keep terminated processes (default: 24 hours).
	ProcessRetention time.Duration `json:"process_retention" yaml:"process_retention"`
	// HistoryLimit caps the number of retained history entries (default: 1000).
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`
	// EscalateAfter is the number of graceful failures after which
	// TerminateProcess switches to force (default: 2).
	EscalateAfter int `json:"escalate_after" yaml:"escalate_after"`
}

// DefaultCleanupConfig returns default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:         5 * time.Minute,
		ShutdownGrace:    5 * time.Second,
		ProcessRetention: 24 * time.Hour,
		HistoryLimit:     1000,
		EscalateAfter:    2,
	}
}

// withDefaults fills zero fields from DefaultCleanupConfig.
func (c CleanupConfig) withDefaults() CleanupConfig {
	d := DefaultCleanupConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.ProcessRetention <= 0 {
		c.ProcessRetention = d.ProcessRetention
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = d.EscalateAfter
	}
	return c
}

// Start begins the periodic background tick. An interval <= 0 uses the
// configured default. Returns ErrAlreadyRunning while a loop is active,
// including one that was asked to stop but has not exited yet.
func (c *Coordinator) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = c.config.Interval
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.running = true
	c.stopping = false
	c.interval = interval
	c.stopCh = stop
	c.doneCh = done
	started := c.now()
	c.startedAt = &started
	c.mu.Unlock()

	SafeGo(c.logger, "cleanup_loop", func() {
		c.loop(interval, stop, done)
	}, func(any) {
		c.publish(context.Background(), &commbus.SchedulerStateChanged{Running: false, Interval: interval})
	})

	if c.logger != nil {
		c.logger.Info("cleanup_loop_started", "interval", interval.String())
	}
	c.publish(context.Background(), &commbus.SchedulerStateChanged{Running: true, Interval: interval})
	return nil
}

// Stop asks the loop to exit after its current tick and waits up to
// ShutdownGrace for it. On timeout it returns a ShutdownTimeoutError; the
// loop still exits on its own and Running stays true until it does.
// Stopping an idle coordinator is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	first := !c.stopping
	if first {
		close(c.stopCh)
		c.stopping = true
	}
	done := c.doneCh
	interval := c.interval
	c.mu.Unlock()

	if first {
		c.publish(context.Background(), &commbus.SchedulerStateChanged{Running: false, Interval: interval})
	}

	timer := time.NewTimer(c.config.ShutdownGrace)
	defer timer.Stop()

	select {
	case <-done:
		if c.logger != nil {
			c.logger.Info("cleanup_loop_stopped")
		}
		return nil
	case <-timer.C:
		if c.logger != nil {
			c.logger.Warn("cleanup_loop_stop_timeout", "grace", c.config.ShutdownGrace.String())
		}
		return &ShutdownTimeoutError{Grace: c.config.ShutdownGrace}
	}
}

// Running reports whether the background loop goroutine is alive.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// loop drives scheduled ticks until stop is closed. Loop state is cleared
// before done is closed, so a Stop that observed done sees Running false.
func (c *Coordinator) loop(interval time.Duration, stop <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer c.loopExited(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A stop request that raced the ticker wins
			select {
			case <-stop:
				return
			default:
			}
			c.runScheduledTick()
		case <-stop:
			return
		}
	}
}

func (c *Coordinator) loopExited(done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.doneCh == done {
		c.running = false
		c.stopping = false
		c.startedAt = nil
	}
}

// runScheduledTick runs one tick unless a manual tick holds the guard.
func (c *Coordinator) runScheduledTick() {
	select {
	case c.tickGuard <- struct{}{}:
	default:
		if c.logger != nil {
			c.logger.Debug("scheduled_tick_skipped", "reason", "tick_in_progress")
		}
		return
	}
	defer func() { <-c.tickGuard }()

	if err := SafeExecute(c.logger, "scheduled_tick", func() error {
		c.runTick(context.Background(), triggerScheduled)
		return nil
	}); err != nil && c.logger != nil {
		c.logger.Error("tick_aborted", "error", err.Error())
	}
}

// RunOnce performs exactly one tick outside the schedule. It waits for an
// in-flight tick to finish first; ctx bounds only that wait and the
// subsystem calls that honor cancellation.
func (c *Coordinator) RunOnce(ctx context.Context) (HistoryEntry, error) {
	select {
	case c.tickGuard <- struct{}{}:
	case <-ctx.Done():
		return HistoryEntry{}, ctx.Err()
	}
	defer func() { <-c.tickGuard }()

	return c.runTick(ctx, triggerManual), nil
}

// TryRunOnce is RunOnce that returns ErrTickInProgress instead of waiting.
func (c *Coordinator) TryRunOnce(ctx context.Context) (HistoryEntry, error) {
	select {
	case c.tickGuard <- struct{}{}:
	default:
		return HistoryEntry{}, ErrTickInProgress
	}
	defer func() { <-c.tickGuard }()

	return c.runTick(ctx, triggerManual), nil
}
