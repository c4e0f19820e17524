package core

import "strings"

// Row is one result row keyed by column name.
type Row map[string]Value

// Lookup finds a field by name, preferring an exact match and falling
// back to a case-insensitive scan. Key fields and routing conditions
// are written by humans, column names come from sources; the two
// rarely agree on casing.
func (r Row) Lookup(field string) (Value, bool) {
	if v, ok := r[field]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return Value{}, false
}

// Field renders the named field, with "" for a missing one. Most
// callers want the canonical text, not the variant.
func (r Row) Field(name string) string {
	v, ok := r.Lookup(name)
	if !ok {
		return ""
	}
	return v.Render()
}

// RowFromAny coerces a dynamically-typed record into a Row.
func RowFromAny(m map[string]any) Row {
	row := make(Row, len(m))
	for k, v := range m {
		row[k] = FromAny(v)
	}
	return row
}
