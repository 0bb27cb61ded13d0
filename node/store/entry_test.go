package store

import (
	"bytes"
	"testing"
)

func TestEntryMetadataRoundTrip(t *testing.T) {
	e := &Entry{
		DigestedKey: bytes.Repeat([]byte{0x01}, 32),
		IV:          bytes.Repeat([]byte{0x02}, 16),
		Flags:       entryFlagOccupied | entryFlagPlainKey | entryFlagNewBlock,
		StoreSize:   1024,
		PlainKey:    bytes.Repeat([]byte{0x03}, 32),
		Generation:  7,
	}

	buf := encodeEntryMetadata(e)
	if len(buf) != EntryMetadataSize {
		t.Fatalf("expected encoded metadata of length %d, got %d", EntryMetadataSize, len(buf))
	}

	decoded, err := decodeEntryMetadata(0, buf)
	if err != nil {
		t.Fatalf("decodeEntryMetadata: %v", err)
	}

	if !bytes.Equal(decoded.DigestedKey, e.DigestedKey) {
		t.Error("digested key mismatch")
	}
	if !bytes.Equal(decoded.IV, e.IV) {
		t.Error("IV mismatch")
	}
	if decoded.Flags != e.Flags {
		t.Errorf("flags mismatch: got %x want %x", decoded.Flags, e.Flags)
	}
	if decoded.StoreSize != e.StoreSize {
		t.Errorf("store size mismatch: got %d want %d", decoded.StoreSize, e.StoreSize)
	}
	if !bytes.Equal(decoded.PlainKey, e.PlainKey) {
		t.Error("plain key mismatch")
	}
	if decoded.Generation != e.Generation {
		t.Errorf("generation mismatch: got %d want %d", decoded.Generation, e.Generation)
	}
	if !decoded.Occupied() || !decoded.HasPlainKey() || !decoded.IsNewBlock() || decoded.IsWrongStore() {
		t.Error("decoded flag helpers do not match encoded flags")
	}
}

func TestFreeEntryMetadataIsAllZero(t *testing.T) {
	for i, b := range freeEntryMetadata {
		if b != 0 {
			t.Fatalf("freeEntryMetadata[%d] = %d, want 0", i, b)
		}
	}
	decoded, err := decodeEntryMetadata(0, freeEntryMetadata)
	if err != nil {
		t.Fatalf("decodeEntryMetadata: %v", err)
	}
	if decoded.Occupied() {
		t.Error("an all-zero metadata record must decode as not occupied")
	}
}

func TestEntryPlainKeyOmittedWhenFlagClear(t *testing.T) {
	e := &Entry{
		DigestedKey: bytes.Repeat([]byte{0x09}, 32),
		Flags:       entryFlagOccupied,
	}
	buf := encodeEntryMetadata(e)
	decoded, err := decodeEntryMetadata(0, buf)
	if err != nil {
		t.Fatalf("decodeEntryMetadata: %v", err)
	}
	if decoded.PlainKey != nil {
		t.Error("plain key should be nil when the plain-key flag is clear")
	}
}
