package ir

import (
	"encoding/hex"
	"fmt"
)

// ErrorKind distinguishes the data-level upsert error variants.
type ErrorKind uint8

const (
	// ErrKeyDecode marks raw key bytes that failed to parse as a key row.
	ErrKeyDecode ErrorKind = iota + 1
	// ErrNullKey marks a record whose key columns were null.
	ErrNullKey
	// ErrValue marks a row that failed downstream validation.
	ErrValue
)

// String returns the snake_case name used in scenarios and output.
func (k ErrorKind) String() string {
	switch k {
	case ErrKeyDecode:
		return "key_decode"
	case ErrNullKey:
		return "null_key"
	case ErrValue:
		return "value"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ParseErrorKind is the inverse of ErrorKind.String.
func ParseErrorKind(s string) (ErrorKind, error) {
	switch s {
	case "key_decode":
		return ErrKeyDecode, nil
	case "null_key":
		return ErrNullKey, nil
	case "value":
		return ErrValue, nil
	default:
		return 0, fmt.Errorf("unknown upsert error kind %q", s)
	}
}

// UpsertError is a data-level error that participates in upsert semantics
// like any other value: it can be inserted, superseded, and retracted.
//
// Exactly one payload is meaningful per Kind:
//   - ErrKeyDecode: Raw holds the undecodable key bytes
//   - ErrNullKey: no payload
//   - ErrValue: Message describes the failure, ForKey holds the projected
//     key columns so a key can still be computed
type UpsertError struct {
	Kind    ErrorKind
	Raw     []byte
	Message string
	ForKey  Row
}

// KeyDecodeError creates an ErrKeyDecode error for raw key bytes.
func KeyDecodeError(raw []byte) *UpsertError {
	return &UpsertError{Kind: ErrKeyDecode, Raw: raw}
}

// NullKeyError creates an ErrNullKey error.
func NullKeyError() *UpsertError {
	return &UpsertError{Kind: ErrNullKey}
}

// ValueError creates an ErrValue error carrying the failed row's key columns.
func ValueError(message string, forKey Row) *UpsertError {
	return &UpsertError{Kind: ErrValue, Message: message, ForKey: forKey}
}

// Error implements the error interface.
func (e *UpsertError) Error() string {
	switch e.Kind {
	case ErrKeyDecode:
		return fmt.Sprintf("key decode: 0x%s", hex.EncodeToString(e.Raw))
	case ErrNullKey:
		return "null key"
	case ErrValue:
		return fmt.Sprintf("value: %s (key %s)", e.Message, e.ForKey)
	default:
		return fmt.Sprintf("upsert error kind %d", uint8(e.Kind))
	}
}

// Equal compares two errors by kind and the payload meaningful for that kind.
func (e *UpsertError) Equal(other *UpsertError) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.Kind != other.Kind {
		return false
	}
	switch e.Kind {
	case ErrKeyDecode:
		return DatumEqual(Bytes(e.Raw), Bytes(other.Raw))
	case ErrValue:
		return e.Message == other.Message && e.ForKey.Equal(other.ForKey)
	default:
		return true
	}
}

// UpsertValue is the payload associated with a key: either a row or a
// data-level error. Exactly one of Row and Err is meaningful; a non-nil Err
// marks the error variant.
type UpsertValue struct {
	Row Row
	Err *UpsertError
}

// Ok wraps a row as an UpsertValue.
func Ok(row Row) UpsertValue {
	return UpsertValue{Row: row}
}

// Fail wraps a data-level error as an UpsertValue.
func Fail(err *UpsertError) UpsertValue {
	return UpsertValue{Err: err}
}

// IsOk reports whether the value holds a row.
func (v UpsertValue) IsOk() bool {
	return v.Err == nil
}

// Equal compares two values variant-wise.
func (v UpsertValue) Equal(other UpsertValue) bool {
	if v.IsOk() != other.IsOk() {
		return false
	}
	if v.IsOk() {
		return v.Row.Equal(other.Row)
	}
	return v.Err.Equal(other.Err)
}

// String renders the row, or "error: <message>" for the error variant.
func (v UpsertValue) String() string {
	if v.IsOk() {
		return v.Row.String()
	}
	return "error: " + v.Err.Error()
}

// Some returns a pointer to a copy of v, for optional-value call sites.
func Some(v UpsertValue) *UpsertValue {
	return &v
}
