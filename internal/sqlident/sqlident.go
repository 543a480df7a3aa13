// Package sqlident validates and quotes SQL identifiers built from
// externally derived strings (instrument keys, frequency values).
//
// Every table and column name passes through Quote before it reaches a DDL
// or DML statement. Names outside the safe character set are rejected, never
// escaped.
package sqlident

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsafeIdentifier is returned for names that cannot be used as-is.
var ErrUnsafeIdentifier = errors.New("unsafe SQL identifier")

// MaxLen is the PostgreSQL identifier limit (NAMEDATALEN - 1).
const MaxLen = 63

// Quote returns name ready for interpolation into SQL. Plain lower-case
// identifiers pass through unchanged; reserved words and names that start
// with a digit or contain '.', '-' or upper-case letters are double-quoted.
func Quote(name string) (string, error) {
	if err := Check(name); err != nil {
		return "", err
	}
	if isBare(name) {
		return name, nil
	}
	return `"` + name + `"`, nil
}

// MustQuote is Quote for compile-time constant names.
func MustQuote(name string) string {
	q, err := Quote(name)
	if err != nil {
		panic(err)
	}
	return q
}

// Check reports whether name is within the safe character set.
func Check(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnsafeIdentifier)
	}
	if len(name) > MaxLen {
		return fmt.Errorf("%w: %q longer than %d bytes", ErrUnsafeIdentifier, name, MaxLen)
	}
	for i := 0; i < len(name); i++ {
		if !isSafe(name[i]) {
			return fmt.Errorf("%w: %q contains %q", ErrUnsafeIdentifier, name, name[i])
		}
	}
	return nil
}

// List quotes names and joins them with ", ".
func List(names []string) (string, error) {
	quoted := make([]string, len(names))
	for i, n := range names {
		q, err := Quote(n)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, ", "), nil
}

// ColumnDefs builds a "name type, name type" column definition list. types
// must either match names in length or hold a single type used for all.
//
//	ColumnDefs([]string{"3133213", "1"}, []string{"int", "float"})
//	// `"3133213" int, "1" float`
func ColumnDefs(names, types []string) (string, error) {
	if len(types) != 1 && len(types) != len(names) {
		return "", fmt.Errorf("sqlident: %d names but %d types", len(names), len(types))
	}
	defs := make([]string, len(names))
	for i, n := range names {
		q, err := Quote(n)
		if err != nil {
			return "", err
		}
		typ := types[0]
		if len(types) > 1 {
			typ = types[i]
		}
		if !isTypeName(typ) {
			return "", fmt.Errorf("%w: column type %q", ErrUnsafeIdentifier, typ)
		}
		defs[i] = q + " " + typ
	}
	return strings.Join(defs, ", "), nil
}

// reserved holds the PostgreSQL reserved key words plus the ClickHouse
// keywords that break CREATE TABLE or SELECT when used bare.
var reserved = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "asymmetric": true, "authorization": true,
	"between": true, "binary": true, "both": true, "case": true, "cast": true,
	"check": true, "collate": true, "collation": true, "column": true,
	"concurrently": true, "constraint": true, "create": true, "cross": true,
	"current_catalog": true, "current_date": true, "current_role": true,
	"current_schema": true, "current_time": true, "current_timestamp": true,
	"current_user": true, "default": true, "deferrable": true, "desc": true,
	"distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "final": true, "for": true, "foreign": true,
	"format": true, "freeze": true, "from": true, "full": true, "grant": true,
	"group": true, "having": true, "ilike": true, "in": true, "initially": true,
	"inner": true, "intersect": true, "interval": true, "into": true, "is": true,
	"isnull": true, "join": true, "key": true, "lateral": true, "leading": true,
	"left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true,
	"null": true, "offset": true, "on": true, "only": true, "or": true,
	"order": true, "outer": true, "overlaps": true, "partition": true,
	"placing": true, "prewhere": true, "primary": true, "references": true,
	"returning": true, "right": true, "sample": true, "select": true,
	"session_user": true, "settings": true, "similar": true, "some": true,
	"symmetric": true, "system_user": true, "table": true, "tablesample": true,
	"then": true, "to": true, "trailing": true, "true": true, "union": true,
	"unique": true, "user": true, "using": true, "variadic": true,
	"verbose": true, "when": true, "where": true, "window": true, "with": true,
}

func isBare(name string) bool {
	if reserved[name] {
		return false
	}
	c := name[0]
	if !(c >= 'a' && c <= 'z' || c == '_') {
		return false
	}
	for i := 1; i < len(name); i++ {
		c = name[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

func isSafe(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '.' || c == '-'
}

func isTypeName(t string) bool {
	if t == "" {
		return false
	}
	for i := 0; i < len(t); i++ {
		c := t[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == ' ' || c == '(' || c == ')' || c == ',' || c == '_') {
			return false
		}
	}
	return true
}
