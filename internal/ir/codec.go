package ir

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Datum kinds in the msgpack value encoding.
const (
	kindNull uint8 = iota
	kindBool
	kindInt
	kindString
	kindBytes
)

// Value variants in the msgpack value encoding.
const (
	variantOk  uint8 = 1
	variantErr uint8 = 2
)

// MarshalValue serializes an UpsertValue for storage in a disk backend.
//
// Layout (msgpack stream): variant, then
//   - Ok: row
//   - Err: kind, then raw bytes (key decode) | nothing (null key) |
//     message and row (value error)
//
// where a row is an array length followed by (kind, payload) pairs.
// This is a storage format, not an identity: use CanonicalValue for that.
func MarshalValue(v UpsertValue) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := encodeValue(enc, v); err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalValue is the inverse of MarshalValue.
func UnmarshalValue(data []byte) (UpsertValue, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	v, err := decodeValue(dec)
	if err != nil {
		return UpsertValue{}, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func encodeValue(enc *msgpack.Encoder, v UpsertValue) error {
	if v.IsOk() {
		if err := enc.EncodeUint8(variantOk); err != nil {
			return err
		}
		return encodeRow(enc, v.Row)
	}
	if err := enc.EncodeUint8(variantErr); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.Err.Kind)); err != nil {
		return err
	}
	switch v.Err.Kind {
	case ErrKeyDecode:
		return enc.EncodeBytes(v.Err.Raw)
	case ErrNullKey:
		return nil
	case ErrValue:
		if err := enc.EncodeString(v.Err.Message); err != nil {
			return err
		}
		return encodeRow(enc, v.Err.ForKey)
	default:
		return fmt.Errorf("unknown error kind %d", uint8(v.Err.Kind))
	}
}

func encodeRow(enc *msgpack.Encoder, row Row) error {
	if err := enc.EncodeArrayLen(len(row)); err != nil {
		return err
	}
	for i, d := range row {
		if err := encodeDatum(enc, d); err != nil {
			return fmt.Errorf("column %d: %w", i, err)
		}
	}
	return nil
}

func encodeDatum(enc *msgpack.Encoder, d Datum) error {
	switch v := normalize(d).(type) {
	case Null:
		return enc.EncodeUint8(kindNull)
	case Bool:
		if err := enc.EncodeUint8(kindBool); err != nil {
			return err
		}
		return enc.EncodeBool(bool(v))
	case Int:
		if err := enc.EncodeUint8(kindInt); err != nil {
			return err
		}
		return enc.EncodeInt(int64(v))
	case String:
		if err := enc.EncodeUint8(kindString); err != nil {
			return err
		}
		return enc.EncodeString(string(v))
	case Bytes:
		if err := enc.EncodeUint8(kindBytes); err != nil {
			return err
		}
		return enc.EncodeBytes(v)
	default:
		return fmt.Errorf("unsupported datum type %T", d)
	}
}

func decodeValue(dec *msgpack.Decoder) (UpsertValue, error) {
	variant, err := dec.DecodeUint8()
	if err != nil {
		return UpsertValue{}, err
	}
	switch variant {
	case variantOk:
		row, err := decodeRow(dec)
		if err != nil {
			return UpsertValue{}, err
		}
		return Ok(row), nil
	case variantErr:
		kind, err := dec.DecodeUint8()
		if err != nil {
			return UpsertValue{}, err
		}
		switch ErrorKind(kind) {
		case ErrKeyDecode:
			raw, err := dec.DecodeBytes()
			if err != nil {
				return UpsertValue{}, err
			}
			return Fail(KeyDecodeError(raw)), nil
		case ErrNullKey:
			return Fail(NullKeyError()), nil
		case ErrValue:
			msg, err := dec.DecodeString()
			if err != nil {
				return UpsertValue{}, err
			}
			forKey, err := decodeRow(dec)
			if err != nil {
				return UpsertValue{}, err
			}
			return Fail(ValueError(msg, forKey)), nil
		default:
			return UpsertValue{}, fmt.Errorf("unknown error kind %d", kind)
		}
	default:
		return UpsertValue{}, fmt.Errorf("unknown value variant %d", variant)
	}
}

func decodeRow(dec *msgpack.Decoder) (Row, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	row := make(Row, n)
	for i := range row {
		d, err := decodeDatum(dec)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = d
	}
	return row, nil
}

func decodeDatum(dec *msgpack.Decoder) (Datum, error) {
	kind, err := dec.DecodeUint8()
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindNull:
		return Null{}, nil
	case kindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return nil, err
		}
		return Bool(b), nil
	case kindInt:
		n, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		return Int(n), nil
	case kindString:
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return String(s), nil
	case kindBytes:
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil
	default:
		return nil, fmt.Errorf("unknown datum kind %d", kind)
	}
}
