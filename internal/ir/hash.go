package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
)

// DomainUpsertKey is the domain prefix for UpsertKey hashing.
// Version suffix enables future algorithm migration.
const DomainUpsertKey = "upsert/key/v1"

// KeySize is the width of an UpsertKey in bytes (SHA-256 digest).
const KeySize = sha256.Size

// UpsertKey is the content-addressed identity of a key row.
//
// The hash is cryptographic, so equality of two UpsertKeys is treated as
// proof that the originating key rows were equal. Everything downstream of
// the codec (stash ordering, backend lookups, worker routing) uses the
// UpsertKey in place of the key row.
type UpsertKey [KeySize]byte

// String returns the lowercase hex encoding of the key.
func (k UpsertKey) String() string {
	return hex.EncodeToString(k[:])
}

// Compare orders keys bytewise. Returns -1, 0, or +1.
func (k UpsertKey) Compare(other UpsertKey) int {
	return bytes.Compare(k[:], other[:])
}

// Hash64 folds the key into a uint64 for cheap partitioning.
func (k UpsertKey) Hash64() uint64 {
	return binary.BigEndian.Uint64(k[:8])
}

// ParseUpsertKey parses the hex form produced by String.
func ParseUpsertKey(s string) (UpsertKey, error) {
	var k UpsertKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse upsert key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("parse upsert key: expected %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromBytes copies a KeySize byte slice into an UpsertKey.
func KeyFromBytes(b []byte) (UpsertKey, error) {
	var k UpsertKey
	if len(b) != KeySize {
		return k, fmt.Errorf("upsert key: expected %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// FromKey computes the UpsertKey of a decoded key.
//
// For an Ok value the Row is the key row itself. For the error variant the
// key is derived from the error: a value error hashes its projected key
// columns exactly like an Ok key row, a key decode error hashes its raw
// bytes, and a null key hashes a null marker.
func FromKey(key UpsertValue) UpsertKey {
	return NewHasher().FromKey(key)
}

// FromValue computes the UpsertKey of a full value row by projecting the
// key columns at keyIndices (in ascending order) and hashing them exactly as
// FromKey would. For data representing the same logical key, FromValue and
// FromKey always agree; rehydration depends on this.
func FromValue(value UpsertValue, keyIndices []int) UpsertKey {
	return NewHasher().FromValue(value, keyIndices)
}

// Hasher computes UpsertKeys reusing a scratch buffer between calls.
// Not safe for concurrent use; each operator owns one.
type Hasher struct {
	buf []byte
}

// NewHasher creates a Hasher with an empty scratch buffer.
func NewHasher() *Hasher {
	return &Hasher{}
}

// FromKey is the buffered form of the package-level FromKey.
func (h *Hasher) FromKey(key UpsertValue) UpsertKey {
	if key.IsOk() {
		return h.hashRow(key.Row)
	}
	return h.hashError(key.Err)
}

// FromValue is the buffered form of the package-level FromValue.
func (h *Hasher) FromValue(value UpsertValue, keyIndices []int) UpsertKey {
	if !value.IsOk() {
		return h.hashError(value.Err)
	}
	return h.hashRow(value.Row.Project(SortedIndices(keyIndices)))
}

func (h *Hasher) hashRow(key Row) UpsertKey {
	h.buf = AppendKeyRow(h.buf[:0], key)
	return h.sum()
}

func (h *Hasher) hashError(err *UpsertError) UpsertKey {
	switch err.Kind {
	case ErrValue:
		return h.hashRow(err.ForKey)
	case ErrKeyDecode:
		h.buf = AppendKeyError(h.buf[:0], Bytes(err.Raw))
	default:
		h.buf = AppendKeyError(h.buf[:0], Null{})
	}
	return h.sum()
}

// sum computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte (0x00) separator prevents domain/data boundary ambiguity.
func (h *Hasher) sum() UpsertKey {
	d := sha256.New()
	d.Write([]byte(DomainUpsertKey))
	d.Write([]byte{0x00})
	d.Write(h.buf)
	var k UpsertKey
	d.Sum(k[:0])
	return k
}

// SortedIndices returns indices in ascending order. The input is copied
// when it is not already sorted so callers' slices are never mutated.
func SortedIndices(indices []int) []int {
	if slices.IsSorted(indices) {
		return indices
	}
	sorted := slices.Clone(indices)
	slices.Sort(sorted)
	return sorted
}
