package store

import (
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/rs/zerolog"
)

// slotIOReseedInterval is the number of bytes of fresh-entropy-seeded
// pseudorandom fill SlotIO writes before drawing a new seed from rng,
// bounding how much filler any single seed is responsible for.
const slotIOReseedInterval = 1 << 30 // 1 GiB

// SlotIO owns the two parallel fixed-stride files backing a store: the
// metadata file (EntryMetadataSize-byte records) and the header+data file
// (paddedRecordSize-byte records). Grounded on the teacher's
// readEntryMetadata/writeEntryMetadata/readHeaderAndData/writeHeaderAndData
// and ensureFileSize on SaltedHashFreenetStore, split into its own type so
// the engine file can treat slot storage as a single collaborator.
type SlotIO struct {
	metaFile *os.File
	hdFile   *os.File

	headerLen int
	dataLen   int
	hdStride  int64

	offsetReady int64 // highest (exclusive) offset known to be allocated on disk

	logger zerolog.Logger
}

func paddedRecordSize(headerLen, dataLen int) int64 {
	raw := int64(headerLen + dataLen)
	const unit = 512
	if rem := raw % unit; rem != 0 {
		raw += unit - rem
	}
	return raw
}

// openSlotIO opens (creating if necessary) the metadata and header+data
// files for a store rooted at basePath, e.g. "<dir>/<name>".
func openSlotIO(basePath string, headerLen, dataLen int, logger zerolog.Logger) (*SlotIO, error) {
	metaFile, err := os.OpenFile(basePath+".metadata", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("saltstore: opening metadata file: %w", err)
	}
	hdFile, err := os.OpenFile(basePath+".hd", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("saltstore: opening header/data file: %w", err)
	}

	stride := paddedRecordSize(headerLen, dataLen)

	st, err := metaFile.Stat()
	if err != nil {
		metaFile.Close()
		hdFile.Close()
		return nil, fmt.Errorf("saltstore: stat metadata file: %w", err)
	}
	ready := st.Size() / EntryMetadataSize

	return &SlotIO{
		metaFile:    metaFile,
		hdFile:      hdFile,
		headerLen:   headerLen,
		dataLen:     dataLen,
		hdStride:    stride,
		offsetReady: ready,
		logger:      logger,
	}, nil
}

// ReadyOffset returns the number of slots currently backed by allocated
// storage (i.e. the current capacity as far as the files are concerned).
func (s *SlotIO) ReadyOffset() int64 { return s.offsetReady }

// ensureSize grows both files to back the given capacity. When preallocate
// is true, the newly added header+data range is filled with pseudorandom
// bytes (reseeded periodically from rng) rather than left zero, so that an
// observer cannot distinguish "never written" slots from "written, then
// cleared" slots by looking for runs of zero bytes; the metadata file is
// always left zero-filled by Truncate, which already satisfies the
// free-slot invariant.
func (s *SlotIO) ensureSize(capacity int64, preallocate bool, rng io.Reader) error {
	if capacity <= s.offsetReady {
		return nil
	}

	if err := s.metaFile.Truncate(capacity * EntryMetadataSize); err != nil {
		return fmt.Errorf("saltstore: growing metadata file: %w", err)
	}

	newHDSize := capacity * s.hdStride
	if preallocate {
		if err := s.fillRandomRange(s.offsetReady*s.hdStride, newHDSize, rng); err != nil {
			return err
		}
	} else if err := s.hdFile.Truncate(newHDSize); err != nil {
		return fmt.Errorf("saltstore: growing header/data file: %w", err)
	}

	s.offsetReady = capacity
	return nil
}

func (s *SlotIO) fillRandomRange(from, to int64, rng io.Reader) error {
	const chunkSize = 1 << 20 // 1 MiB writes
	buf := make([]byte, chunkSize)
	var seed *rand.Rand
	var seededAt int64 = -1

	for pos := from; pos < to; pos += chunkSize {
		n := chunkSize
		if remaining := to - pos; remaining < int64(n) {
			n = int(remaining)
		}
		if seed == nil || pos-seededAt >= slotIOReseedInterval {
			seedBytes := make([]byte, 8)
			if _, err := io.ReadFull(rng, seedBytes); err != nil {
				return fmt.Errorf("saltstore: seeding preallocation fill: %w", err)
			}
			var seedVal int64
			for _, b := range seedBytes {
				seedVal = seedVal<<8 | int64(b)
			}
			seed = rand.New(rand.NewSource(seedVal))
			seededAt = pos
		}
		if _, err := seed.Read(buf[:n]); err != nil {
			return fmt.Errorf("saltstore: generating preallocation fill: %w", err)
		}
		if _, err := s.hdFile.WriteAt(buf[:n], pos); err != nil {
			return fmt.Errorf("saltstore: writing preallocation fill: %w", err)
		}
	}
	return nil
}

// shrinkTo truncates both files down to the given (smaller) capacity. It is
// only ever called by the cleaner, after every slot beyond the new capacity
// has been relocated or deliberately discarded.
func (s *SlotIO) shrinkTo(capacity int64) error {
	if err := s.metaFile.Truncate(capacity * EntryMetadataSize); err != nil {
		return fmt.Errorf("saltstore: shrinking metadata file: %w", err)
	}
	if err := s.hdFile.Truncate(capacity * s.hdStride); err != nil {
		return fmt.Errorf("saltstore: shrinking header/data file: %w", err)
	}
	s.offsetReady = capacity
	return nil
}

// ReadEntry reads the metadata (and, if withData is true, header+data) for
// the slot at offset. It returns (nil, nil) if the slot is free or its
// digested key does not match expectedDigestedKey (pass nil to skip the
// match check and read whatever occupies the slot).
func (s *SlotIO) ReadEntry(offset int64, expectedDigestedKey []byte, withData bool) (*Entry, error) {
	buf := make([]byte, EntryMetadataSize)
	if _, err := s.metaFile.ReadAt(buf, offset*EntryMetadataSize); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errEOF
		}
		return nil, fmt.Errorf("saltstore: reading metadata at offset %d: %w", offset, err)
	}

	entry, err := decodeEntryMetadata(offset, buf)
	if err != nil {
		return nil, err
	}
	if !entry.Occupied() {
		return nil, nil
	}
	if expectedDigestedKey != nil && !bytesEqual(entry.DigestedKey, expectedDigestedKey) {
		return nil, nil
	}

	if withData {
		hd := make([]byte, s.hdStride)
		if _, err := s.hdFile.ReadAt(hd, offset*s.hdStride); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, errEOF
			}
			return nil, fmt.Errorf("saltstore: reading header/data at offset %d: %w", offset, err)
		}
		entry.Header = append([]byte(nil), hd[:s.headerLen]...)
		entry.Data = append([]byte(nil), hd[s.headerLen:s.headerLen+s.dataLen]...)
	}

	return entry, nil
}

// WriteEntry writes metadata and, if present, header+data for entry to the
// slot at offset.
func (s *SlotIO) WriteEntry(offset int64, entry *Entry) error {
	meta := encodeEntryMetadata(entry)
	if _, err := s.metaFile.WriteAt(meta, offset*EntryMetadataSize); err != nil {
		return fmt.Errorf("saltstore: writing metadata at offset %d: %w", offset, err)
	}

	if entry.Header != nil || entry.Data != nil {
		hd := make([]byte, s.hdStride)
		copy(hd[:s.headerLen], entry.Header)
		copy(hd[s.headerLen:s.headerLen+s.dataLen], entry.Data)
		if _, err := s.hdFile.WriteAt(hd, offset*s.hdStride); err != nil {
			return fmt.Errorf("saltstore: writing header/data at offset %d: %w", offset, err)
		}
	}
	return nil
}

// ClearSlot resets the slot at offset to the canonical free-slot metadata
// pattern. Header+data bytes are left as-is; they carry no signal once the
// occupied bit is clear.
func (s *SlotIO) ClearSlot(offset int64) error {
	if _, err := s.metaFile.WriteAt(freeEntryMetadata, offset*EntryMetadataSize); err != nil {
		return fmt.Errorf("saltstore: clearing metadata at offset %d: %w", offset, err)
	}
	return nil
}

// FlagsAt returns the flags word for the slot at offset (zero for a free
// slot). It decodes the whole metadata record through ReadEntry.
func (s *SlotIO) FlagsAt(offset int64) (uint64, error) {
	entry, err := s.ReadEntry(offset, nil, false)
	if err != nil {
		return 0, err
	}
	if entry == nil {
		return 0, nil
	}
	return entry.Flags, nil
}

// IsFreeAt reports whether the slot at offset is unoccupied.
func (s *SlotIO) IsFreeAt(offset int64) (bool, error) {
	entry, err := s.ReadEntry(offset, nil, false)
	if err != nil {
		return false, err
	}
	return entry == nil, nil
}

func (s *SlotIO) Close() error {
	metaErr := s.metaFile.Close()
	hdErr := s.hdFile.Close()
	if metaErr != nil {
		return metaErr
	}
	return hdErr
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
