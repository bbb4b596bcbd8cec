package sweep

import "fmt"

// SweepError is a per-file failure recorded during a sweep.
type SweepError struct {
	Path string
	Rule string
	Op   string
	Err  error
}

func (e *SweepError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("rule %q: %s %s: %v", e.Rule, e.Op, e.Path, e.Err)
}

func (e *SweepError) Unwrap() error {
	return e.Err
}

// RootError is returned when the sweep root itself cannot be used.
type RootError struct {
	Root string
	Err  error
}

func (e *RootError) Error() string {
	return fmt.Sprintf("sweep root %s: %v", e.Root, e.Err)
}

func (e *RootError) Unwrap() error {
	return e.Err
}
