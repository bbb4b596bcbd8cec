// Package kernel implements the cleanup engine's process and scheduling layer.
//
// This package provides the tracked-process registry, strategy-driven
// termination, and the coordinator that drives cache eviction, process
// reconciliation and filesystem sweeps on a shared schedule.
//
// Key concepts:
//   - ProcessState: lifecycle of a tracked process (registered -> terminating -> terminated | failed)
//   - Strategy: closed set of termination strategies
//   - Outcome: result of one cleanup call
package kernel

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Process States
// =============================================================================

// ProcessState represents the lifecycle state of a tracked process.
// State transitions:
//
//	registered -> terminating_graceful -> terminating_force -> terminated
//	terminating_* -> failed
//	failed -> terminating_* (retry)
type ProcessState string

const (
	// ProcessStateRegistered indicates the process is tracked and no termination was requested.
	ProcessStateRegistered ProcessState = "registered"
	// ProcessStateTerminatingGraceful indicates a polite termination request is in flight.
	ProcessStateTerminatingGraceful ProcessState = "terminating_graceful"
	// ProcessStateTerminatingForce indicates a hard termination request is in flight.
	ProcessStateTerminatingForce ProcessState = "terminating_force"
	// ProcessStateTerminated indicates the process is gone.
	ProcessStateTerminated ProcessState = "terminated"
	// ProcessStateFailed indicates the process outlived the strategy's deadline.
	ProcessStateFailed ProcessState = "failed"
)

// IsTerminal returns true if this is a terminal state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated || s == ProcessStateFailed
}

// IsTerminating returns true while a cleanup call owns the process.
func (s ProcessState) IsTerminating() bool {
	return s == ProcessStateTerminatingGraceful || s == ProcessStateTerminatingForce
}

// IsLive returns true for states reconcile must re-check against the host.
func (s ProcessState) IsLive() bool {
	return s == ProcessStateRegistered || s.IsTerminating()
}

// =============================================================================
// Termination Strategy
// =============================================================================

// Strategy is a termination strategy. The set is closed: values can only be
// obtained from the exported variables or ParseStrategy.
type Strategy struct {
	name string
}

var (
	// StrategyGraceful sends a polite termination request and waits for exit.
	StrategyGraceful = Strategy{name: "graceful"}
	// StrategyForce sends an immediate hard termination.
	StrategyForce = Strategy{name: "force"}
	// StrategyGracefulThenForce escalates to force when the graceful deadline passes.
	StrategyGracefulThenForce = Strategy{name: "timeout"}
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "graceful", "":
		return StrategyGraceful, nil
	case "force":
		return StrategyForce, nil
	case "timeout", "graceful_then_force":
		return StrategyGracefulThenForce, nil
	default:
		return Strategy{}, fmt.Errorf("unknown cleanup strategy: %q", s)
	}
}

// String returns the strategy name.
func (s Strategy) String() string {
	return s.orDefault().name
}

// MarshalJSON encodes the strategy as its name.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a strategy name.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// orDefault maps the zero value to graceful.
func (s Strategy) orDefault() Strategy {
	if s.name == "" {
		return StrategyGraceful
	}
	return s
}

// initialState is the state a process enters when this strategy starts.
func (s Strategy) initialState() ProcessState {
	if s.orDefault() == StrategyForce {
		return ProcessStateTerminatingForce
	}
	return ProcessStateTerminatingGraceful
}

// =============================================================================
// Signals
// =============================================================================

// Signal is the termination request sent to a host process.
type Signal int

const (
	// SignalTerminate is a request the target may intercept (SIGTERM).
	SignalTerminate Signal = iota + 1
	// SignalKill cannot be intercepted (SIGKILL).
	SignalKill
)

// String returns the conventional signal name.
func (s Signal) String() string {
	switch s {
	case SignalTerminate:
		return "SIGTERM"
	case SignalKill:
		return "SIGKILL"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// Liveness is one entry of a host process table query.
type Liveness struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

// =============================================================================
// Tracked Process
// =============================================================================

// TrackedProcess is the registry's record of a host process.
type TrackedProcess struct {
	PID          int          `json:"pid"`
	Command      string       `json:"command"`
	RegisteredAt time.Time    `json:"registered_at"`
	State        ProcessState `json:"state"`

	// Termination bookkeeping
	LastStrategy     Strategy   `json:"last_strategy"`
	Attempts         int        `json:"attempts"`
	GracefulFailures int        `json:"graceful_failures"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`

	// Opaque caller context, primitive values only
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (p *TrackedProcess) Clone() *TrackedProcess {
	c := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		c.CompletedAt = &t
	}
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Outcome is the result of a cleanup call.
type Outcome struct {
	PID            int           `json:"pid"`
	State          ProcessState  `json:"state"`
	Strategy       Strategy      `json:"strategy"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
	ExitedOnItsOwn bool          `json:"exited_on_its_own,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Terminated reports whether the process is gone.
func (o Outcome) Terminated() bool {
	return o.State == ProcessStateTerminated
}

// CleanupStats aggregates cleanup calls.
type CleanupStats struct {
	TotalAttempts int            `json:"total_attempts"`
	Succeeded     int            `json:"succeeded"`
	Failed        int            `json:"failed"`
	ByStrategy    map[string]int `json:"by_strategy"`
}

// ReconcileResult summarizes one reconcile pass.
type ReconcileResult struct {
	Checked int   `json:"checked"`
	Exited  int   `json:"exited"`
	PIDs    []int `json:"pids,omitempty"`
}
