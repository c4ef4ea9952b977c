package ir

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Datum is a sealed interface representing one typed column value.
// Only Null, Bool, Int, String, and Bytes implement this.
// NO float datum - floats have no canonical encoding for key hashing.
type Datum interface {
	datum() // Sealed - only these types implement it
}

// Null represents a SQL null column.
type Null struct{}

func (Null) datum() {}

// Bool represents a boolean column.
type Bool bool

func (Bool) datum() {}

// Int represents an integer column. Always int64.
type Int int64

func (Int) datum() {}

// String represents a text column.
type String string

func (String) datum() {}

// Bytes represents a binary column.
// Bytes is not comparable with ==; use DatumEqual.
type Bytes []byte

func (Bytes) datum() {}

// Row is an ordered tuple of datums.
// Rows are treated as immutable once constructed; callers must not mutate
// a row after handing it to the operator or a backend.
type Row []Datum

// NewRow creates a Row from datums.
func NewRow(datums ...Datum) Row {
	return Row(datums)
}

// Project returns the datums at the given positions, in index order.
// Positions beyond the end of the row are skipped; key indices come from
// the planner and are trusted to be valid.
func (r Row) Project(indices []int) Row {
	out := make(Row, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(r) {
			continue
		}
		out = append(out, r[idx])
	}
	return out
}

// Equal reports whether two rows hold the same datums in the same order.
func (r Row) Equal(other Row) bool {
	if len(r) != len(other) {
		return false
	}
	for i := range r {
		if !DatumEqual(r[i], other[i]) {
			return false
		}
	}
	return true
}

// String renders the row as a parenthesised tuple, e.g. (1, "a", null).
func (r Row) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, d := range r {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(FormatDatum(d))
	}
	b.WriteByte(')')
	return b.String()
}

// DatumEqual compares two datums by type and value.
// A nil datum is treated as Null.
func DatumEqual(a, b Datum) bool {
	switch av := normalize(a).(type) {
	case Null:
		_, ok := normalize(b).(Null)
		return ok
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Bytes:
		bv, ok := b.(Bytes)
		return ok && bytes.Equal(av, bv)
	default:
		return false
	}
}

// FormatDatum renders a datum for logs, CLI output, and golden files.
func FormatDatum(d Datum) string {
	switch v := normalize(d).(type) {
	case Null:
		return "null"
	case Bool:
		return strconv.FormatBool(bool(v))
	case Int:
		return strconv.FormatInt(int64(v), 10)
	case String:
		return strconv.Quote(string(v))
	case Bytes:
		return "0x" + hex.EncodeToString(v)
	default:
		return fmt.Sprintf("<unknown %T>", d)
	}
}

// DatumFromAny converts a decoded YAML/JSON scalar into a Datum.
// Supported inputs: nil, bool, string, int, int64, uint64 (within int64
// range), and map{"bytes": "<hex>"} for binary columns.
func DatumFromAny(v any) (Datum, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Datum:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(int64(val)), nil
	case map[string]any:
		raw, ok := val["bytes"]
		if !ok || len(val) != 1 {
			return nil, fmt.Errorf("unsupported object datum: expected {bytes: <hex>}")
		}
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("bytes datum must be a hex string, got %T", raw)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("bytes datum: %w", err)
		}
		return Bytes(b), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are not supported as datums: %v", val)
	default:
		return nil, fmt.Errorf("unsupported datum type: %T", v)
	}
}

// RowFromAny converts a decoded list of scalars into a Row.
func RowFromAny(vals []any) (Row, error) {
	row := make(Row, len(vals))
	for i, v := range vals {
		d, err := DatumFromAny(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = d
	}
	return row, nil
}

func normalize(d Datum) Datum {
	if d == nil {
		return Null{}
	}
	return d
}
