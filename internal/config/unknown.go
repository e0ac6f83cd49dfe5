package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys maps each section to its valid keys.
var knownKeys = map[string]map[string]bool{
	"auth": {
		"client_id": true, "client_secret": true, "token_file": true,
		"service_account_dir": true, "use_service_accounts": true,
	},
	"copy": {
		"default_target": true, "parallel_limit": true, "retry_limit": true,
		"timeout_base": true, "timeout_max": true, "page_size": true,
		"pool_scope": true, "resume_finished": true, "file_error_policy": true,
		"requests_per_second": true, "summarize_on_start": true,
	},
	"state":   {"db_path": true},
	"logging": {"log_level": true, "log_file": true, "log_format": true},
	"server":  {"listen": true, "cors_origins": true, "resync_cron": true},
}

// knownSectionsList is the sorted list of section names. Sorted for
// deterministic suggestions when two candidates have the same distance.
var knownSectionsList = sortedKeys(knownKeys)

// knownKeysList holds the sorted keys of each section.
var knownKeysList = func() map[string][]string {
	lists := make(map[string][]string, len(knownKeys))
	for section, keys := range knownKeys {
		lists[section] = sortedKeys(keys)
	}

	return lists
}()

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. A key inside a known section
// is matched against that section's keys; anything else is matched against
// the section names, or against every section when a bare key belongs in
// one.
func unknownKeyError(key toml.Key) error {
	if len(key) >= 2 {
		if _, ok := knownKeys[key[0]]; ok {
			if s := closestMatch(key[1], knownKeysList[key[0]]); s != "" {
				return fmt.Errorf("unknown config key %q in [%s]; did you mean %q?", key[1], key[0], s)
			}

			return fmt.Errorf("unknown config key %q in [%s]", key[1], key[0])
		}
	}

	name := key[0]

	for _, section := range knownSectionsList {
		if knownKeys[section][name] {
			return fmt.Errorf("config key %q belongs in [%s]", name, section)
		}
	}

	if s := closestMatch(name, knownSectionsList); s != "" {
		return fmt.Errorf("unknown config section %q; did you mean %q?", name, s)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization: two rows instead of a full matrix.
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
