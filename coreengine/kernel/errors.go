package kernel

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Start while the loop is active.
	ErrAlreadyRunning = errors.New("cleanup loop already running")
	// ErrCleanupInProgress is returned when another call is terminating the same pid.
	ErrCleanupInProgress = errors.New("cleanup already in progress")
	// ErrProcessGone is returned by a Terminator when the target no longer exists.
	ErrProcessGone = errors.New("process does not exist")
	// ErrTickInProgress is returned by TryRunOnce while another tick holds the guard.
	ErrTickInProgress = errors.New("tick already in progress")
)

// NotFoundError is returned for a pid the registry does not track.
type NotFoundError struct {
	PID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown pid: %d", e.PID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(pid int) *NotFoundError {
	return &NotFoundError{PID: pid}
}

// ShutdownTimeoutError is returned by Stop when the loop did not confirm
// exit within the grace period. The loop has still been asked to exit.
type ShutdownTimeoutError struct {
	Grace time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("cleanup loop did not stop within %s", e.Grace)
}

// TransitionError is returned for a state change the lifecycle table forbids.
type TransitionError struct {
	PID  int
	From ProcessState
	To   ProcessState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s for pid %d", e.From, e.To, e.PID)
}

// TerminationTimeoutError describes a process that outlived its deadline.
// It is recorded in Outcome.Error, never returned from Cleanup.
type TerminationTimeoutError struct {
	PID    int
	Signal Signal
	Wait   time.Duration
}

func (e *TerminationTimeoutError) Error() string {
	return fmt.Sprintf("pid %d still alive %s after %s", e.PID, e.Wait, e.Signal)
}
