package catalog

import (
	"strings"

	"github.com/KI7MT/ecallisto-lab-apps/internal/instrument"
)

// Filter selects files by instrument name. Each entry is a set of
// space-separated tokens that must all occur in the file name; a file
// matches when any entry matches. Comparison ignores case and treats
// hyphens and underscores alike. A single-token entry also matches a file
// whose instrument key equals it or starts with it followed by "_", so
// table names such as alaska_cohoe_612 select their files. The zero
// Filter matches everything.
type Filter struct {
	entries [][]string
}

// NewFilter builds a Filter from entries such as Config.Instruments().
func NewFilter(entries []string) Filter {
	var f Filter
	for _, e := range entries {
		toks := strings.Fields(instrument.Normalize(e))
		if len(toks) > 0 {
			f.entries = append(f.entries, toks)
		}
	}
	return f
}

// Empty reports whether f matches everything.
func (f Filter) Empty() bool { return len(f.entries) == 0 }

// Match reports whether the file name (or URL) is selected.
func (f Filter) Match(name string) bool {
	if f.Empty() {
		return true
	}
	key := instrument.Resolve(name)
	name = instrument.Normalize(instrument.Strip(name))
	for _, toks := range f.entries {
		if len(toks) == 1 && (key == toks[0] || strings.HasPrefix(key, toks[0]+"_")) {
			return true
		}
		all := true
		for _, tok := range toks {
			if !strings.Contains(name, tok) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	if f.Empty() {
		return "*"
	}
	parts := make([]string, len(f.entries))
	for i, toks := range f.entries {
		parts[i] = strings.Join(toks, " ")
	}
	return strings.Join(parts, ",")
}
