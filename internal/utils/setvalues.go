package utils

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// MergeSetValues merges multiple value maps with later maps having higher precedence.
// Returns the merged result as sorted key=value pairs, ready for helm --set.
func MergeSetValues(pp ...map[string]string) []string {
	m := map[string]string{}
	for _, p := range pp {
		maps.Copy(m, p)
	}

	results := []string{}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		results = append(results, fmt.Sprintf("%s=%s", k, m[k]))
	}

	return results
}

// ParseSetValues parses key=value pairs (as given to --set) into a map.
// Entries without '=' are rejected.
func ParseSetValues(pairs []string) (map[string]string, error) {
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid set value %q, expected key=value", pair)
		}
		m[k] = v
	}
	return m, nil
}
