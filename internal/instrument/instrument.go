// Package instrument derives canonical instrument keys from CALLISTO file
// names.
//
// File names look like STATION-NAME_YYYYMMDD_HHMMSS[_ID].fit.gz. The key is
// the lower-cased station name with hyphens turned into underscores, plus the
// antenna ID when present:
//
//	ALASKA-COHOE_20230127_001500_612.fit.gz -> alaska_cohoe_612
//	ALASKA-COHOE_20230127_001500.fit.gz     -> alaska_cohoe
//
// A trailing numeric token of six or more digits is always read as the
// HHMMSS timestamp, even when the station meant it as an ID.
package instrument

import (
	"fmt"
	"strings"
	"time"
)

// timestampDigits is the length of an HHMMSS token.
const timestampDigits = 6

// Resolve returns the canonical instrument key for a file name, path or URL.
func Resolve(name string) string {
	tokens := tokens(Strip(name))

	var b strings.Builder
	for _, tok := range tokens {
		if isNumeric(tok) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		b.WriteString(tok)
	}

	if n := len(tokens); n > 0 {
		if last := tokens[n-1]; isNumeric(last) && len(last) < timestampDigits {
			b.WriteByte('_')
			b.WriteString(last)
		}
	}
	return b.String()
}

// Station reverses a key into the upper-case hyphenated station name used
// by the archive, dropping a trailing antenna ID.
//
//	Station("alaska_cohoe_612") == "ALASKA-COHOE"
func Station(key string) string {
	parts := strings.Split(strings.ToUpper(key), "_")
	if n := len(parts); n > 1 && isNumeric(parts[n-1]) {
		parts = parts[:n-1]
	}
	return strings.Join(parts, "-")
}

// ObservedAt parses the observation start encoded in a file name.
func ObservedAt(name string) (time.Time, error) {
	parts := strings.Split(Strip(name), "_")
	if n := len(parts); n > 0 && len(parts[n-1]) < timestampDigits {
		parts = parts[:n-1]
	}
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("instrument: no date in %q", name)
	}
	stamp := parts[len(parts)-2] + "_" + parts[len(parts)-1]
	t, err := time.Parse("20060102_150405", stamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("instrument: no date in %q: %w", name, err)
	}
	return t, nil
}

// Normalize lower-cases s and maps hyphens to underscores so station names,
// keys and user filters compare equal.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "-", "_")
}

// Strip removes any directory (or URL prefix) and every extension.
func Strip(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return name
}

func tokens(name string) []string {
	raw := strings.Split(Normalize(name), "_")
	out := raw[:0]
	for _, tok := range raw {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
