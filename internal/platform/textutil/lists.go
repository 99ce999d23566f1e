package textutil

import "strings"

// NormalizeList trims entries, drops blanks and removes case-insensitive
// duplicates while keeping the first spelling seen.
func NormalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// LookupSet builds a lower-cased membership set from values.
func LookupSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range NormalizeList(values) {
		set[strings.ToLower(value)] = struct{}{}
	}
	return set
}
