package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Logger interface for the sweeper.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Item is one action taken, or that would have been taken in dry-run.
type Item struct {
	Rule        string `json:"rule"`
	Path        string `json:"path"`
	Action      Action `json:"action"`
	Size        int64  `json:"size"`
	Destination string `json:"destination,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// Result reports one sweep.
type Result struct {
	Root       string        `json:"root"`
	DryRun     bool          `json:"dry_run"`
	Matched    int           `json:"matched"`
	Eligible   int           `json:"eligible"`
	Acted      int           `json:"acted"`
	BytesFreed int64         `json:"bytes_freed"`
	Errors     []*SweepError `json:"-"`
	Items      []Item        `json:"items,omitempty"`
}

// ErrorStrings renders the per-file errors.
func (r *Result) ErrorStrings() []string {
	if len(r.Errors) == 0 {
		return nil
	}
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Error()
	}
	return out
}

// PruneResult reports one empty-directory pass.
type PruneResult struct {
	Removed []string      `json:"removed,omitempty"`
	Errors  []*SweepError `json:"-"`
}

// Sweeper applies rules to directory trees.
type Sweeper struct {
	quarantineDir string
	logger        Logger
	now           func() time.Time
}

// NewSweeper creates a sweeper. quarantineDir is the default destination for
// move rules; a RuleSet may override it.
func NewSweeper(quarantineDir string, logger Logger) *Sweeper {
	return &Sweeper{
		quarantineDir: quarantineDir,
		logger:        logger,
		now:           time.Now,
	}
}

// candidate is a regular file found under the root.
type candidate struct {
	path string
	rel  string
	info fs.FileInfo
}

// SweepSet runs Sweep with the rule set's root, rules, dry-run flag and
// quarantine directory, then prunes empty directories when configured.
func (s *Sweeper) SweepSet(ctx context.Context, rs RuleSet) (*Result, *PruneResult, error) {
	quarantine := rs.QuarantineDir
	if quarantine == "" {
		quarantine = s.quarantineDir
	}
	res, err := s.sweep(ctx, rs.Root, rs.Rules, rs.DryRun, quarantine)
	if err != nil || !rs.PruneEmptyDirs {
		return res, nil, err
	}
	pruned, err := s.pruneEmptyDirs(ctx, rs.Root, rs.DryRun, quarantine)
	return res, pruned, err
}

// Sweep applies rules in order to every regular file under root.
// Per-file failures are recorded in the result; the only hard failures are
// an unusable root and context cancellation.
func (s *Sweeper) Sweep(ctx context.Context, root string, rules []Rule, dryRun bool) (*Result, error) {
	return s.sweep(ctx, root, rules, dryRun, s.quarantineDir)
}

func (s *Sweeper) sweep(ctx context.Context, root string, rules []Rule, dryRun bool, quarantine string) (*Result, error) {
	result := &Result{Root: root, DryRun: dryRun}

	if err := checkRoot(root); err != nil {
		return result, err
	}
	if err := ValidateRules(rules, quarantine); err != nil {
		return result, err
	}

	files, err := s.collect(ctx, root, quarantine, result)
	if err != nil {
		return result, err
	}

	now := s.now()
	handled := make(map[string]struct{})

	for _, rule := range rules {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if !rule.MatchPath(f.rel) {
				continue
			}
			result.Matched++

			if !rule.Condition.Matches(fileAge(now, f.info), f.info.Size()) {
				continue
			}
			result.Eligible++

			// An earlier rule already removed or moved this file
			if _, done := handled[f.path]; done {
				continue
			}

			item := Item{Rule: rule.Name, Path: f.path, Action: rule.Action, Size: f.info.Size(), DryRun: dryRun}
			if dryRun {
				if rule.Action == ActionMove {
					item.Destination = previewDest(filepath.Join(quarantine, filepath.FromSlash(f.rel)))
				}
				handled[f.path] = struct{}{}
				result.Acted++
				result.Items = append(result.Items, item)
				continue
			}

			acted, dest, err := s.apply(rule, f, quarantine)
			if err != nil {
				result.Errors = append(result.Errors, err)
				if s.logger != nil {
					s.logger.Warn("sweep_action_failed", "rule", rule.Name, "path", f.path, "error", err.Error())
				}
				continue
			}
			handled[f.path] = struct{}{}
			if !acted {
				continue
			}
			item.Destination = dest
			result.Acted++
			result.BytesFreed += f.info.Size()
			result.Items = append(result.Items, item)
		}
	}

	if s.logger != nil {
		s.logger.Info("sweep_completed",
			"root", root,
			"dry_run", dryRun,
			"matched", result.Matched,
			"eligible", result.Eligible,
			"acted", result.Acted,
			"bytes_freed", result.BytesFreed,
			"errors", len(result.Errors),
		)
	}

	return result, nil
}

// collect lists regular files under root, skipping the quarantine directory.
func (s *Sweeper) collect(ctx context.Context, root, quarantine string, result *Result) ([]candidate, error) {
	skip := absPath(quarantine)
	var files []candidate

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return &RootError{Root: root, Err: err}
			}
			result.Errors = append(result.Errors, &SweepError{Path: path, Op: "walk", Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skip != "" && path != root && absPath(path) == skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Vanished between listing and stat
			if !errors.Is(err, fs.ErrNotExist) {
				result.Errors = append(result.Errors, &SweepError{Path: path, Op: "stat", Err: err})
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		files = append(files, candidate{path: path, rel: filepath.ToSlash(rel), info: info})
		return nil
	})

	return files, err
}

// apply performs the rule's action on f. acted is false when the file was
// already gone before a delete.
func (s *Sweeper) apply(rule Rule, f candidate, quarantine string) (acted bool, dest string, serr *SweepError) {
	switch rule.Action {
	case ActionDelete:
		if err := os.Remove(f.path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, "", nil
			}
			return false, "", &SweepError{Path: f.path, Rule: rule.Name, Op: "delete", Err: err}
		}
		if s.logger != nil {
			s.logger.Debug("sweep_deleted", "rule", rule.Name, "path", f.path)
		}
		return true, "", nil

	case ActionMove:
		dest, err := moveFile(f.path, filepath.Join(quarantine, filepath.FromSlash(f.rel)))
		if err != nil {
			return false, "", &SweepError{Path: f.path, Rule: rule.Name, Op: "move", Err: err}
		}
		if s.logger != nil {
			s.logger.Debug("sweep_moved", "rule", rule.Name, "path", f.path, "destination", dest)
		}
		return true, dest, nil
	}
	return false, "", &SweepError{Path: f.path, Rule: rule.Name, Op: string(rule.Action), Err: fmt.Errorf("unknown action")}
}

// PruneEmptyDirs removes empty directories under root, deepest first.
// The root and the quarantine directory are kept.
func (s *Sweeper) PruneEmptyDirs(ctx context.Context, root string, dryRun bool) (*PruneResult, error) {
	return s.pruneEmptyDirs(ctx, root, dryRun, s.quarantineDir)
}

func (s *Sweeper) pruneEmptyDirs(ctx context.Context, root string, dryRun bool, quarantine string) (*PruneResult, error) {
	result := &PruneResult{}
	if err := checkRoot(root); err != nil {
		return result, err
	}

	skip := absPath(quarantine)
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() && path != root {
				result.Errors = append(result.Errors, &SweepError{Path: path, Op: "walk", Err: err})
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || path == root {
			return nil
		}
		if skip != "" && absPath(path) == skip {
			return filepath.SkipDir
		}
		dirs = append(dirs, path)
		return nil
	})
	if err != nil {
		return result, err
	}

	// WalkDir visits parents before children; reverse for bottom-up
	removed := make(map[string]struct{})
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		entries, err := os.ReadDir(dir)
		if err != nil {
			result.Errors = append(result.Errors, &SweepError{Path: dir, Op: "readdir", Err: err})
			continue
		}
		empty := true
		for _, e := range entries {
			if _, gone := removed[filepath.Join(dir, e.Name())]; !gone {
				empty = false
				break
			}
		}
		if !empty {
			continue
		}
		if !dryRun {
			if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
				result.Errors = append(result.Errors, &SweepError{Path: dir, Op: "rmdir", Err: err})
				continue
			}
		}
		removed[dir] = struct{}{}
		result.Removed = append(result.Removed, dir)
	}

	if s.logger != nil && len(result.Removed) > 0 {
		s.logger.Info("empty_dirs_pruned", "root", root, "dry_run", dryRun, "count", len(result.Removed))
	}
	return result, nil
}

// =============================================================================
// Filesystem helpers
// =============================================================================

func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &RootError{Root: root, Err: err}
	}
	if !info.IsDir() {
		return &RootError{Root: root, Err: errors.New("not a directory")}
	}
	return nil
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// moveFile relocates src to dest, creating parent directories and never
// overwriting: a taken destination becomes name_1.ext, name_2.ext, ...
// Returns the destination actually used.
func moveFile(src, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	for i := 0; i < maxDestSuffix; i++ {
		candidate := destName(dest, i)
		err := placeFile(src, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("no free destination name for %s", dest)
}

const maxDestSuffix = 10000

// destName returns dest for n == 0 and dest with an _n suffix before the
// extension otherwise.
func destName(dest string, n int) string {
	if n == 0 {
		return dest
	}
	ext := filepath.Ext(dest)
	return strings.TrimSuffix(dest, ext) + "_" + strconv.Itoa(n) + ext
}

// placeFile puts src at dest and removes src. An existing dest is never
// replaced; the create fails with fs.ErrExist instead.
func placeFile(src, dest string) error {
	if err := os.Link(src, dest); err != nil {
		if !linkUnsupported(err) {
			return err
		}
		// Quarantine on another filesystem, or one without hard links
		if err := copyFile(src, dest); err != nil {
			return err
		}
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return nil
}

func linkUnsupported(err error) bool {
	return errors.Is(err, unix.EXDEV) ||
		errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EMLINK)
}

// previewDest reports the destination a move to dest would use right now.
// It only stats; nothing is created.
func previewDest(dest string) string {
	for i := 0; i < maxDestSuffix; i++ {
		candidate := destName(dest, i)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			return candidate
		}
	}
	return dest
}

// copyFile copies src to a new file dest, keeping mode and mtime. dest must
// not exist. A partially written dest is removed.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return err
	}
	if err := os.Chtimes(dest, info.ModTime(), info.ModTime()); err != nil {
		_ = os.Remove(dest)
		return err
	}
	return nil
}
