package kernel

import (
	"context"
	"errors"
	"time"
)

// Terminator sends termination requests to host processes.
type Terminator interface {
	// Signal delivers sig to pid. Returns ErrProcessGone if pid does not exist.
	Signal(pid int, sig Signal) error
	// Alive reports whether pid is still running.
	Alive(pid int) bool
}

// ProcessSource queries the host process table.
type ProcessSource interface {
	Alive(ctx context.Context, pids []int) ([]Liveness, error)
}

// SignalSource answers process table queries by signalling each pid through a
// Terminator. Used when no process table is readable.
type SignalSource struct {
	Terminator Terminator
}

// Alive returns one Liveness entry per requested pid.
func (s SignalSource) Alive(ctx context.Context, pids []int) ([]Liveness, error) {
	result := make([]Liveness, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result = append(result, Liveness{PID: pid, Alive: s.Terminator.Alive(pid)})
	}
	return result, nil
}

// attemptResult is the result of executing a strategy.
type attemptResult struct {
	exited   bool
	attempts int
	err      error
}

// runStrategy executes strategy against pid without holding the registry lock.
func (r *ProcessRegistry) runStrategy(ctx context.Context, pid int, strategy Strategy, timeout time.Duration) attemptResult {
	switch strategy {
	case StrategyForce:
		exited, err := r.attempt(ctx, pid, SignalKill, r.config.ForceWait)
		return attemptResult{exited: exited, attempts: 1, err: err}

	case StrategyGracefulThenForce:
		exited, err := r.attempt(ctx, pid, SignalTerminate, timeout)
		if exited || ctx.Err() != nil {
			return attemptResult{exited: exited, attempts: 1, err: err}
		}
		if r.logger != nil {
			r.logger.Info("process_cleanup_escalating", "pid", pid, "timeout", timeout.String())
		}
		r.setState(pid, ProcessStateTerminatingForce)
		exited, err = r.attempt(ctx, pid, SignalKill, r.config.ForceWait)
		return attemptResult{exited: exited, attempts: 2, err: err}

	default:
		exited, err := r.attempt(ctx, pid, SignalTerminate, timeout)
		return attemptResult{exited: exited, attempts: 1, err: err}
	}
}

// attempt signals pid and waits up to wait for it to exit.
func (r *ProcessRegistry) attempt(ctx context.Context, pid int, sig Signal, wait time.Duration) (bool, error) {
	if r.terminator == nil {
		return false, errors.New("no terminator configured")
	}
	if err := r.terminator.Signal(pid, sig); err != nil {
		if errors.Is(err, ErrProcessGone) {
			return true, nil
		}
		return false, err
	}
	return r.waitForExit(ctx, pid, sig, wait)
}

// waitForExit polls liveness every PollInterval until pid exits or wait
// elapses. A timeout is never reported before wait has passed.
func (r *ProcessRegistry) waitForExit(ctx context.Context, pid int, sig Signal, wait time.Duration) (bool, error) {
	if !r.terminator.Alive(pid) {
		return true, nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			if !r.terminator.Alive(pid) {
				return true, nil
			}
		case <-deadline.C:
			if !r.terminator.Alive(pid) {
				return true, nil
			}
			return false, &TerminationTimeoutError{PID: pid, Signal: sig, Wait: wait}
		}
	}
}
