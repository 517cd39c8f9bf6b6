package tiles

import (
	"regexp"
	"strings"
)

// ColumnTypeClass says how a column is carried into tile attributes.
type ColumnTypeClass int

const (
	Passthrough ColumnTypeClass = iota
	CastBigint
	CastVarchar
	Excluded
)

func (c ColumnTypeClass) String() string {
	switch c {
	case Passthrough:
		return "passthrough"
	case CastBigint:
		return "bigint"
	case CastVarchar:
		return "varchar"
	default:
		return "excluded"
	}
}

var nestedPrefixes = []string{"STRUCT", "MAP", "LIST", "UNION"}

var unsignedWide = map[string]bool{
	"UBIGINT":   true,
	"UHUGEINT":  true,
	"HUGEINT":   true,
	"UINTEGER":  true,
	"USMALLINT": true,
	"UTINYINT":  true,
}

var mvtNative = map[string]bool{
	"VARCHAR":  true,
	"TEXT":     true,
	"STRING":   true,
	"FLOAT":    true,
	"DOUBLE":   true,
	"REAL":     true,
	"INTEGER":  true,
	"INT":      true,
	"INT4":     true,
	"INT8":     true,
	"BIGINT":   true,
	"SMALLINT": true,
	"TINYINT":  true,
	"BOOLEAN":  true,
	"BOOL":     true,
}

var typeModifier = regexp.MustCompile(`\s*\(.*\)$`)

// Classify maps a declared store column type to its tile attribute treatment.
// Arrays and nested types cannot be encoded and are excluded; wide or
// unsigned integers are narrowed to BIGINT; the MVT-native scalar types pass
// through and everything else (dates, decimals, uuids, blobs) is stringified.
func Classify(declared string) ColumnTypeClass {
	t := strings.ToUpper(strings.TrimSpace(declared))
	if strings.HasSuffix(t, "[]") {
		return Excluded
	}
	for _, p := range nestedPrefixes {
		if strings.HasPrefix(t, p) {
			return Excluded
		}
	}
	if unsignedWide[t] {
		return CastBigint
	}
	if mvtNative[typeModifier.ReplaceAllString(t, "")] {
		return Passthrough
	}
	return CastVarchar
}

// ClassifyForExport is Classify for the offline export, where nested values
// are stringified instead of dropped.
func ClassifyForExport(declared string) ColumnTypeClass {
	c := Classify(declared)
	if c == Excluded {
		return CastVarchar
	}
	return c
}

// ProjectColumn renders the select expression for a column of the given
// class; ok is false for excluded columns.
func ProjectColumn(name string, class ColumnTypeClass) (string, bool) {
	q := QuoteIdent(name)
	switch class {
	case Passthrough:
		return q, true
	case CastBigint:
		return "CAST(" + q + " AS BIGINT) AS " + q, true
	case CastVarchar:
		return "CAST(" + q + " AS VARCHAR) AS " + q, true
	default:
		return "", false
	}
}

// QuoteIdent double-quotes a SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
