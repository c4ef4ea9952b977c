package ir

import (
	"encoding/binary"
)

// Canonical encoding tags. The encoding is a tag-length-value byte string:
// every datum starts with a type tag, variable-size payloads carry an
// 8-byte big-endian length, integers are 8-byte big-endian two's complement.
//
// CRITICAL: This is the ONLY serialization that may be fed into UpsertKey
// hashing. Changing any tag or layout changes every key and invalidates
// state produced by earlier versions; bump DomainUpsertKey if you must.
const (
	tagNull   byte = 0x00
	tagFalse  byte = 0x01
	tagTrue   byte = 0x02
	tagInt    byte = 0x03
	tagString byte = 0x04
	tagBytes  byte = 0x05

	// Key-level framing: a key is either a row of datums or a single
	// error datum. Distinct tags keep Ok([Bytes(x)]) and KeyDecode(x) apart.
	tagKeyRow   byte = 0x10
	tagKeyError byte = 0x11

	// Value-level framing, used for identity of whole UpsertValues.
	tagValueOk  byte = 0x20
	tagValueErr byte = 0x21
)

// AppendDatum appends the canonical encoding of d to buf.
// A nil datum encodes as Null.
func AppendDatum(buf []byte, d Datum) []byte {
	switch v := normalize(d).(type) {
	case Null:
		return append(buf, tagNull)
	case Bool:
		if v {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case Int:
		buf = append(buf, tagInt)
		return binary.BigEndian.AppendUint64(buf, uint64(v))
	case String:
		buf = append(buf, tagString)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(v)))
		return append(buf, v...)
	case Bytes:
		buf = append(buf, tagBytes)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(v)))
		return append(buf, v...)
	default:
		// Sealed interface: unreachable.
		panic("ir: unknown datum type")
	}
}

// appendDatums appends a length-prefixed datum sequence.
func appendDatums(buf []byte, row Row) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(row)))
	for _, d := range row {
		buf = AppendDatum(buf, d)
	}
	return buf
}

// AppendKeyRow appends the canonical encoding of a key row.
func AppendKeyRow(buf []byte, key Row) []byte {
	buf = append(buf, tagKeyRow)
	return appendDatums(buf, key)
}

// AppendKeyError appends the canonical encoding of an error's distinguishing
// datum (raw bytes for key decode errors, null for null keys).
func AppendKeyError(buf []byte, d Datum) []byte {
	buf = append(buf, tagKeyError)
	return AppendDatum(buf, d)
}

// AppendValue appends the canonical encoding of a whole UpsertValue.
// Two values encode identically iff UpsertValue.Equal reports true.
func AppendValue(buf []byte, v UpsertValue) []byte {
	if v.IsOk() {
		buf = append(buf, tagValueOk)
		return appendDatums(buf, v.Row)
	}
	buf = append(buf, tagValueErr, byte(v.Err.Kind))
	switch v.Err.Kind {
	case ErrKeyDecode:
		buf = AppendDatum(buf, Bytes(v.Err.Raw))
	case ErrValue:
		buf = AppendDatum(buf, String(v.Err.Message))
		buf = appendDatums(buf, v.Err.ForKey)
	}
	return buf
}

// CanonicalValue returns the canonical encoding of v.
// Used as the identity of a value during consolidation.
func CanonicalValue(v UpsertValue) []byte {
	return AppendValue(nil, v)
}
