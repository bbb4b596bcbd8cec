// Package typeutil provides helpers for loosely typed key/value data:
// primitive-only metadata and flattening of nested records.
package typeutil

import (
	"fmt"
	"sort"
	"strconv"
)

// IsPrimitive reports whether value is nil, a string, a bool, or a number.
func IsPrimitive(value any) bool {
	switch value.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// NormalizeMetadata copies metadata, rejecting non-primitive values.
// A nil or empty map yields nil.
func NormalizeMetadata(metadata map[string]any) (map[string]any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if !IsPrimitive(v) {
			return nil, fmt.Errorf("metadata key %q: unsupported value type %T", k, v)
		}
		out[k] = v
	}
	return out, nil
}

// Flatten collapses nested maps and slices into a single level map with
// dot-separated keys, e.g. {"cache": {"expired": 1}} -> {"cache.expired": 1}.
// Slice elements are keyed by index. Empty maps and slices are dropped.
func Flatten(data map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", data)
	return out
}

func flattenInto(out map[string]any, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenInto(out, join(prefix, k), v[k])
		}
	case []any:
		for i, item := range v {
			flattenInto(out, join(prefix, strconv.Itoa(i)), item)
		}
	default:
		out[prefix] = v
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
