package store

import "fmt"

// CleanerBatchSize bounds how many slots the cleaner locks and processes in
// one pass of runBatch, keeping any single batch's lock hold time short
// enough that foreground Fetch/Put calls are not starved.
const CleanerBatchSize = 128

// batchEntryResult tells runBatch what to do with a processed slot.
type batchEntryResult struct {
	modified bool
	freed    bool
}

// batchTransform is applied to one slot at a time under lock. entry is nil
// when the slot is free.
type batchTransform func(offset int64, entry *Entry) (batchEntryResult, error)

// runBatch locks every offset in the given slice (in ascending order, via
// the store's lock manager), reads each slot, applies transform, and writes
// back or clears as instructed. It stops early and returns ErrShutdown if
// shutdown fires while waiting for locks. Grounded on the WorkerPool/
// BatchProcessor shape sketched in the reference pack's keepalive package,
// adapted here to a strictly sequential per-batch walk since slot I/O must
// stay ordered by offset.
func (s *SaltedHashStore) runBatch(offsets []int64, transform batchTransform) (int, error) {
	set, ok := s.lockMgr.LockOffsets(offsets)
	if !ok {
		return 0, ErrShutdown
	}
	defer s.lockMgr.Unlock(set)

	processed := 0
	for _, offset := range offsets {
		entry, err := s.slots.ReadEntry(offset, nil, true)
		if err != nil {
			return processed, fmt.Errorf("cleaner: reading offset %d: %w", offset, err)
		}

		result, err := transform(offset, entry)
		if err != nil {
			return processed, fmt.Errorf("cleaner: transforming offset %d: %w", offset, err)
		}

		switch {
		case result.freed:
			if err := s.slots.ClearSlot(offset); err != nil {
				return processed, fmt.Errorf("cleaner: clearing offset %d: %w", offset, err)
			}
		case result.modified && entry != nil:
			if err := s.slots.WriteEntry(offset, entry); err != nil {
				return processed, fmt.Errorf("cleaner: writing offset %d: %w", offset, err)
			}
		}
		processed++
	}
	return processed, nil
}
