package sweep

import (
	"fmt"
	"os"
	"time"
)

// Built-in rule set names.
const (
	PresetTemp = "temp"
	PresetLogs = "logs"
)

// Default ages for the built-in rule sets.
const (
	DefaultTempMaxAge = 24 * time.Hour
	DefaultLogMaxAge  = 7 * 24 * time.Hour
)

// Preset returns a built-in rule set.
//
//   - temp: deletes any file under root older than maxAge (default 24h) and
//     prunes emptied directories. An empty root is the system temp directory.
//   - logs: deletes *.log files under root older than maxAge (default 7 days).
//     root is required.
func Preset(name, root string, maxAge time.Duration) (RuleSet, error) {
	if maxAge < 0 {
		return RuleSet{}, fmt.Errorf("preset %s: negative max age", name)
	}

	switch name {
	case PresetTemp:
		if root == "" {
			root = os.TempDir()
		}
		if maxAge == 0 {
			maxAge = DefaultTempMaxAge
		}
		return RuleSet{
			Name: PresetTemp,
			Root: root,
			Rules: []Rule{{
				Name:      "stale-temp",
				Pattern:   "*",
				Condition: Condition{AgeMin: maxAge},
				Action:    ActionDelete,
			}},
			PruneEmptyDirs: true,
		}, nil

	case PresetLogs:
		if root == "" {
			return RuleSet{}, fmt.Errorf("preset %s: root is required", name)
		}
		if maxAge == 0 {
			maxAge = DefaultLogMaxAge
		}
		return RuleSet{
			Name: PresetLogs,
			Root: root,
			Rules: []Rule{{
				Name:      "stale-log",
				Pattern:   "*.log",
				Condition: Condition{AgeMin: maxAge},
				Action:    ActionDelete,
			}},
		}, nil
	}

	return RuleSet{}, fmt.Errorf("unknown preset: %s", name)
}
