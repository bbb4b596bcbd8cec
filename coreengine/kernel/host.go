package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// zombieState is the procfs state letter of an exited, unreaped process.
const zombieState = "Z"

// HostTerminator signals real host processes.
// Liveness treats zombies as exited.
type HostTerminator struct {
	fs    procfs.FS
	hasFS bool
}

// NewHostTerminator creates a terminator backed by the default /proc mount.
// Without /proc, liveness falls back to signal 0 probing.
func NewHostTerminator() *HostTerminator {
	fs, err := procfs.NewDefaultFS()
	return &HostTerminator{fs: fs, hasFS: err == nil}
}

// Signal delivers sig to pid.
func (t *HostTerminator) Signal(pid int, sig Signal) error {
	var s unix.Signal
	switch sig {
	case SignalTerminate:
		s = unix.SIGTERM
	case SignalKill:
		s = unix.SIGKILL
	default:
		return fmt.Errorf("unsupported signal: %s", sig)
	}

	err := unix.Kill(pid, s)
	if errors.Is(err, unix.ESRCH) {
		return ErrProcessGone
	}
	if err != nil {
		return fmt.Errorf("send %s to pid %d: %w", sig, pid, err)
	}
	return nil
}

// Alive reports whether pid is running and not a zombie.
func (t *HostTerminator) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if !t.hasFS {
		return true
	}
	return procAlive(t.fs, pid)
}

// ProcFSSource reads process liveness from procfs.
type ProcFSSource struct {
	fs procfs.FS
}

// NewProcFSSource creates a source for the procfs mounted at mountPoint.
// An empty mountPoint uses the default /proc.
func NewProcFSSource(mountPoint string) (*ProcFSSource, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", mountPoint, err)
	}
	return &ProcFSSource{fs: fs}, nil
}

// Alive returns one Liveness entry per requested pid.
func (s *ProcFSSource) Alive(ctx context.Context, pids []int) ([]Liveness, error) {
	result := make([]Liveness, 0, len(pids))
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result = append(result, Liveness{PID: pid, Alive: procAlive(s.fs, pid)})
	}
	return result, nil
}

// procAlive reports whether /proc/<pid> exists and is not a zombie.
func procAlive(fs procfs.FS, pid int) bool {
	p, err := fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		// Vanished between lookup and read
		return false
	}
	return stat.State != zombieState
}
