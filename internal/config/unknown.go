package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

const accountSection = "account"

// knownSectionKeys are the valid keys of each settings section.
var knownSectionKeys = map[string]map[string]bool{
	"logging": {"log_level": true, "log_format": true},
	"network": {"timeout": true, "user_agent": true, "requests_per_second": true, "burst": true},
	"cache":   {"backend": true, "path": true, "redis_addr": true, "ttl": true},
}

// knownAccountKeys are the valid keys inside an [account."name"] section.
var knownAccountKeys = map[string]bool{
	"provider": true, "secret": true, "enabled": true, "default": true, "secret_updated_at": true,
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		// Keys below an unknown section are covered by the section's error.
		if _, ok := knownSectionKeys[key[0]]; len(key) > 1 && !ok && key[0] != accountSection {
			continue
		}

		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	switch {
	case len(key) == 1:
		if suggestion := closestMatch(key[0], sortedKeys(knownSectionKeys)); suggestion != "" {
			return fmt.Errorf("unknown config key %q, did you mean [%s]?", key[0], suggestion)
		}

		return fmt.Errorf("unknown config key %q", key[0])

	case key[0] == accountSection && len(key) >= 3:
		field := key[2]
		if suggestion := closestMatch(field, sortedKeys(knownAccountKeys)); suggestion != "" {
			return fmt.Errorf("unknown key %q in account %q, did you mean %q?", field, key[1], suggestion)
		}

		return fmt.Errorf("unknown key %q in account %q", field, key[1])

	default:
		field := key[len(key)-1]
		if known, ok := knownSectionKeys[key[0]]; ok {
			if suggestion := closestMatch(field, sortedKeys(known)); suggestion != "" {
				return fmt.Errorf("unknown config key %q in [%s], did you mean %q?", field, key[0], suggestion)
			}
		}

		return fmt.Errorf("unknown config key %q", strings.Join(key, "."))
	}
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings using a
// single-row table.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
