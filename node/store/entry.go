package store

import (
	"encoding/binary"
	"fmt"
)

// EntryMetadataSize is the fixed on-disk size of one slot's metadata record.
const EntryMetadataSize = 128

// Entry flag bits, stored big-endian at offset 0x30 of the metadata record.
const (
	entryFlagOccupied   uint64 = 1 << 0
	entryFlagPlainKey   uint64 = 1 << 1
	entryFlagNewBlock   uint64 = 1 << 2
	entryFlagWrongStore uint64 = 1 << 3
)

// Entry is the in-memory representation of a slot: the 128-byte metadata
// record plus, when requested, the decrypted header and data that live in
// the parallel header+data file.
type Entry struct {
	DigestedKey []byte // 32 bytes
	IV          []byte // 16 bytes
	Flags       uint64
	StoreSize   uint64
	PlainKey    []byte // 32 bytes, present only when entryFlagPlainKey is set
	Generation  uint32

	Header []byte
	Data   []byte

	// encrypted tracks whether Header/Data currently hold ciphertext. It is
	// never persisted; it only coordinates the cipher manager's in-place
	// encrypt/decrypt calls within a single operation.
	encrypted bool
}

// Occupied reports whether the slot this entry came from holds live data.
func (e *Entry) Occupied() bool { return e != nil && e.Flags&entryFlagOccupied != 0 }

// HasPlainKey reports whether the routing key is stored alongside the entry.
func (e *Entry) HasPlainKey() bool { return e.Flags&entryFlagPlainKey != 0 }

// IsNewBlock reports whether the new-block flag is set.
func (e *Entry) IsNewBlock() bool { return e.Flags&entryFlagNewBlock != 0 }

// IsWrongStore reports whether the entry was written via overflow.
func (e *Entry) IsWrongStore() bool { return e.Flags&entryFlagWrongStore != 0 }

// freeEntryMetadata is the canonical free-slot representation: all zero
// bytes, occupied bit clear. Invariant 3 (spec.md §3) requires writers to
// restore exactly this pattern when a slot is freed.
var freeEntryMetadata = make([]byte, EntryMetadataSize)

func decodeEntryMetadata(offset int64, buf []byte) (*Entry, error) {
	if len(buf) != EntryMetadataSize {
		return nil, fmt.Errorf("saltstore: short metadata read at offset %d: got %d bytes", offset, len(buf))
	}

	e := &Entry{
		DigestedKey: append([]byte(nil), buf[0:32]...),
		IV:          append([]byte(nil), buf[32:48]...),
		Flags:       binary.BigEndian.Uint64(buf[48:56]),
		StoreSize:   binary.BigEndian.Uint64(buf[56:64]),
		Generation:  binary.BigEndian.Uint32(buf[96:100]),
		encrypted:   true,
	}
	if e.Flags&entryFlagPlainKey != 0 {
		e.PlainKey = append([]byte(nil), buf[64:96]...)
	}
	return e, nil
}

func encodeEntryMetadata(e *Entry) []byte {
	buf := make([]byte, EntryMetadataSize)
	copy(buf[0:32], e.DigestedKey)
	copy(buf[32:48], e.IV)
	binary.BigEndian.PutUint64(buf[48:56], e.Flags)
	binary.BigEndian.PutUint64(buf[56:64], e.StoreSize)
	if e.Flags&entryFlagPlainKey != 0 && e.PlainKey != nil {
		copy(buf[64:96], e.PlainKey)
	}
	binary.BigEndian.PutUint32(buf[96:100], e.Generation)
	return buf
}
