// Package sweep applies declarative cleanup rules to a directory tree.
//
// A rule pairs a glob pattern with a condition (age and size bounds,
// conjunctive) and an action (delete or move to quarantine). Rules are
// evaluated in registration order and every matching rule applies
// independently; there is no first-match-wins.
package sweep

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Action is what a rule does to an eligible file.
type Action string

const (
	// ActionDelete removes the file.
	ActionDelete Action = "delete"
	// ActionMove relocates the file under the quarantine directory.
	ActionMove Action = "move"
)

// IsValid reports whether a is a known action.
func (a Action) IsValid() bool {
	return a == ActionDelete || a == ActionMove
}

// Condition bounds the files a rule acts on. Zero fields are unbounded.
type Condition struct {
	AgeMin  time.Duration `json:"age_min,omitempty" yaml:"age_min,omitempty"`
	AgeMax  time.Duration `json:"age_max,omitempty" yaml:"age_max,omitempty"`
	SizeMin int64         `json:"size_min,omitempty" yaml:"size_min,omitempty"`
	SizeMax int64         `json:"size_max,omitempty" yaml:"size_max,omitempty"`
}

// Matches evaluates the condition against a file's age and size.
func (c Condition) Matches(age time.Duration, size int64) bool {
	if c.AgeMin > 0 && age < c.AgeMin {
		return false
	}
	if c.AgeMax > 0 && age > c.AgeMax {
		return false
	}
	if c.SizeMin > 0 && size < c.SizeMin {
		return false
	}
	if c.SizeMax > 0 && size > c.SizeMax {
		return false
	}
	return true
}

// Rule is one cleanup rule.
type Rule struct {
	Name      string    `json:"name" yaml:"name"`
	Pattern   string    `json:"pattern" yaml:"pattern"`
	Condition Condition `json:"condition" yaml:"condition"`
	Action    Action    `json:"action" yaml:"action"`
}

// MatchPath reports whether rel (slash separated, relative to the sweep
// root) matches the rule's pattern. Patterns without a slash match the base
// name at any depth; patterns with a slash match the whole relative path.
func (r Rule) MatchPath(rel string) bool {
	name := rel
	if !strings.Contains(r.Pattern, "/") {
		name = filepath.Base(filepath.FromSlash(rel))
	}
	ok, err := filepath.Match(r.Pattern, name)
	return err == nil && ok
}

// RuleSet is a named group of rules applied to one root.
type RuleSet struct {
	Name           string `json:"name" yaml:"name"`
	Root           string `json:"root" yaml:"root"`
	Rules          []Rule `json:"rules" yaml:"rules"`
	DryRun         bool   `json:"dry_run" yaml:"dry_run"`
	QuarantineDir  string `json:"quarantine_dir,omitempty" yaml:"quarantine_dir,omitempty"`
	PruneEmptyDirs bool   `json:"prune_empty_dirs,omitempty" yaml:"prune_empty_dirs,omitempty"`
}

// Validate checks the rule set and its rules.
func (rs RuleSet) Validate() error {
	if rs.Root == "" {
		return fmt.Errorf("rule set %q: root is required", rs.Name)
	}
	if err := ValidateRules(rs.Rules, rs.QuarantineDir); err != nil {
		return fmt.Errorf("rule set %q: %w", rs.Name, err)
	}
	return nil
}

// ValidateRules checks names are unique, patterns are valid globs, actions
// are known, bounds are ordered, and move rules have a quarantine directory.
func ValidateRules(rules []Rule, quarantineDir string) error {
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = struct{}{}

		if r.Pattern == "" {
			return fmt.Errorf("rule %q: pattern is required", r.Name)
		}
		if _, err := filepath.Match(r.Pattern, ""); err != nil {
			return fmt.Errorf("rule %q: invalid pattern %q: %w", r.Name, r.Pattern, err)
		}
		if !r.Action.IsValid() {
			return fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
		}
		if r.Action == ActionMove && quarantineDir == "" {
			return fmt.Errorf("rule %q: move requires a quarantine directory", r.Name)
		}

		c := r.Condition
		if c.AgeMin < 0 || c.AgeMax < 0 || c.SizeMin < 0 || c.SizeMax < 0 {
			return fmt.Errorf("rule %q: negative bound", r.Name)
		}
		if c.AgeMax > 0 && c.AgeMin > c.AgeMax {
			return fmt.Errorf("rule %q: age_min exceeds age_max", r.Name)
		}
		if c.SizeMax > 0 && c.SizeMin > c.SizeMax {
			return fmt.Errorf("rule %q: size_min exceeds size_max", r.Name)
		}
	}
	return nil
}

// fileAge returns how long ago info was last modified.
func fileAge(now time.Time, info os.FileInfo) time.Duration {
	age := now.Sub(info.ModTime())
	if age < 0 {
		return 0
	}
	return age
}
