package store

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cleanerBaseInterval is the target spacing between maintenance sweeps.
const cleanerBaseInterval = 5 * time.Minute

// cleanerJitter bounds the random offset, either side of cleanerBaseInterval,
// applied to each sweep so that many stores in one process do not all wake
// up on the same tick.
const cleanerJitter = 30 * time.Second

// globalMaintenanceLatch serializes heavy cleaner work (resize, rebuild)
// across every store instance sharing a process, per spec.md §5/§9: at
// most one store may be mid-sweep at a time. It is try-acquire only, never
// blocking, so a busy store's cleaner simply skips this tick rather than
// queuing behind another store's work.
var globalMaintenanceLatch sync.Mutex

func tryAcquireMaintenanceLatch() bool {
	return globalMaintenanceLatch.TryLock()
}

func releaseMaintenanceLatch() {
	globalMaintenanceLatch.Unlock()
}

// Cleaner runs the background maintenance loop for one store: resizing
// when a capacity change has been requested, and rebuilding the bloom
// filter when its rebuild flag is set. Grounded on the teacher's lack of a
// background worker (SetMaxKeys is stubbed in salted_store.go) combined
// with the ticker-driven loop shape from cuemby-warren/pkg/scheduler.
type Cleaner struct {
	store  *SaltedHashStore
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	relocatedTotal int64
	lostTotal      int64
}

func newCleaner(s *SaltedHashStore) *Cleaner {
	return &Cleaner{
		store:  s,
		logger: componentLogger(s.name, "cleaner"),
		stopCh: make(chan struct{}),
	}
}

func (c *Cleaner) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Cleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cleaner) run() {
	defer c.wg.Done()
	for {
		jitter := time.Duration(rand.Int63n(2*int64(cleanerJitter))) - cleanerJitter
		timer := time.NewTimer(cleanerBaseInterval + jitter)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		c.sweep()
	}
}

// sweep runs at most one maintenance action per tick: a pending resize
// takes priority over a pending bloom rebuild, since a resize already
// forces every slot to be revisited and will leave the bloom filter
// correct for the new capacity on its own.
func (c *Cleaner) sweep() {
	s := c.store

	s.configMu.RLock()
	needsResize := s.config.PreviousCapacity != 0
	needsRebuild := s.config.RebuildBloom()
	s.configMu.RUnlock()

	if !needsResize && !needsRebuild {
		return
	}

	if !tryAcquireMaintenanceLatch() {
		c.logger.Debug().Msg("maintenance latch busy, skipping this tick")
		return
	}
	defer releaseMaintenanceLatch()

	var err error
	if needsResize {
		err = c.runResize()
	} else {
		err = c.runRebuild()
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("maintenance sweep did not complete")
	}

	s.configMu.Lock()
	persistErr := s.config.persist(s.configPath())
	s.configMu.Unlock()
	if persistErr != nil {
		c.logger.Warn().Err(persistErr).Msg("persisting configuration after sweep")
	}
	if saveErr := s.bloom.SaveTo(s.bloomPath()); saveErr != nil {
		c.logger.Warn().Err(saveErr).Msg("persisting bloom filter after sweep")
	}
}

// runResize grows or shrinks the store to config.Capacity, growing the files
// first when the capacity increases. Every entry written under a different
// capacity (StoreSize != Capacity) is freed from its slot and queued in a
// small bounded buffer (the oldest queued entry is dropped and counted as
// lost on overflow); the queue is retried after each batch, on a
// best-effort basis, and entries still homeless when the walk finishes are
// counted as lost.
func (c *Cleaner) runResize() error {
	s := c.store

	s.configMu.RLock()
	oldCapacity := s.config.PreviousCapacity
	newCapacity := s.config.Capacity
	generation := s.config.Generation + 1
	s.configMu.RUnlock()

	if newCapacity > oldCapacity {
		if err := s.slots.ensureSize(newCapacity, s.preallocate, s.rng); err != nil {
			return err
		}
	}

	s.bloom.Fork(estimateBloomBits(newCapacity), s.bloom.K())

	walkTo := oldCapacity
	if newCapacity > walkTo {
		walkTo = newCapacity
	}

	const relocQueueCap = 256
	relocQueue := make([]*Entry, 0, relocQueueCap)

	pushReloc := func(e *Entry) {
		if len(relocQueue) >= relocQueueCap {
			c.lostTotal++
			s.metrics.lost.Inc()
			relocQueue = relocQueue[1:]
		}
		relocQueue = append(relocQueue, e)
	}

	var processed int64
	for processed < walkTo {
		end := processed + CleanerBatchSize
		if end > walkTo {
			end = walkTo
		}
		offsets := make([]int64, 0, end-processed)
		for o := processed; o < end; o++ {
			offsets = append(offsets, o)
		}

		_, err := s.runBatch(offsets, func(offset int64, entry *Entry) (batchEntryResult, error) {
			if entry == nil || !entry.Occupied() {
				return batchEntryResult{}, nil
			}
			if int64(entry.StoreSize) != newCapacity {
				// Bucketed under the old capacity (or an earlier resize);
				// its candidate offsets at newCapacity may differ from its
				// current physical offset regardless of whether that offset
				// still exists in the new file, so it must be relocated.
				pushReloc(entry)
				return batchEntryResult{freed: true}, nil
			}
			// Already written for the new capacity; leave in place, but
			// refresh the bloom filter's shadow side and bump generation.
			s.bloom.Add(entry.DigestedKey)
			if entry.Generation != generation {
				entry.Generation = generation
				return batchEntryResult{modified: true}, nil
			}
			return batchEntryResult{}, nil
		})
		if err != nil {
			s.bloom.Discard()
			return err
		}

		remaining := relocQueue[:0]
		for _, e := range relocQueue {
			if c.resolveOldEntry(e, newCapacity, generation) {
				c.relocatedTotal++
				s.metrics.relocated.Inc()
			} else {
				remaining = append(remaining, e)
			}
		}
		relocQueue = remaining

		processed = end

		select {
		case <-c.stopCh:
			s.bloom.Discard()
			return ErrShutdown
		default:
		}
	}

	for _, e := range relocQueue {
		if c.resolveOldEntry(e, newCapacity, generation) {
			c.relocatedTotal++
			s.metrics.relocated.Inc()
		} else {
			c.lostTotal++
			s.metrics.lost.Inc()
		}
	}

	if newCapacity < oldCapacity {
		if err := s.slots.shrinkTo(newCapacity); err != nil {
			s.bloom.Discard()
			return err
		}
	}

	s.bloom.Merge()

	s.configMu.Lock()
	s.config.PreviousCapacity = 0
	s.config.Generation = generation
	s.config.KeyCount = 0 // reset; only later Puts count keys again
	s.config.BloomK = s.bloom.K()
	s.configMu.Unlock()

	return nil
}

// resolveOldEntry attempts to place an entry displaced by a resize into one
// of its candidate slots at the new capacity, locking those candidates in
// ascending order to respect the store-wide lock ordering.
func (c *Cleaner) resolveOldEntry(entry *Entry, capacity int64, generation uint32) bool {
	s := c.store
	candidates := CandidateOffsets(entry.DigestedKey, capacity)

	set, ok := s.lockMgr.LockOffsets(candidates)
	if !ok {
		return false
	}
	defer s.lockMgr.Unlock(set)

	for _, offset := range candidates {
		existing, err := s.slots.ReadEntry(offset, nil, false)
		if err != nil {
			continue
		}
		if existing != nil && bytesEqual(existing.DigestedKey, entry.DigestedKey) {
			return true
		}
		if existing == nil {
			entry.Generation = generation
			entry.StoreSize = uint64(capacity)
			if err := s.slots.WriteEntry(offset, entry); err != nil {
				continue
			}
			s.bloom.Add(entry.DigestedKey)
			return true
		}
	}
	return false
}

// runRebuild walks every occupied slot and re-adds its digested key to a
// freshly forked bloom filter, correcting any drift accumulated from
// non-counting Remove no-ops or from a prior interrupted rebuild.
func (c *Cleaner) runRebuild() error {
	s := c.store

	s.configMu.RLock()
	capacity := s.config.Capacity
	generation := s.config.Generation + 1
	s.configMu.RUnlock()

	s.bloom.Fork(estimateBloomBits(capacity), s.bloom.K())

	var processed int64
	for processed < capacity {
		end := processed + CleanerBatchSize
		if end > capacity {
			end = capacity
		}
		offsets := make([]int64, 0, end-processed)
		for o := processed; o < end; o++ {
			offsets = append(offsets, o)
		}

		_, err := s.runBatch(offsets, func(offset int64, entry *Entry) (batchEntryResult, error) {
			if entry == nil || !entry.Occupied() {
				return batchEntryResult{}, nil
			}
			s.bloom.Add(entry.DigestedKey)
			if entry.Generation != generation {
				entry.Generation = generation
				return batchEntryResult{modified: true}, nil
			}
			return batchEntryResult{}, nil
		})
		if err != nil {
			s.bloom.Discard()
			return err
		}

		processed = end

		select {
		case <-c.stopCh:
			s.bloom.Discard()
			return ErrShutdown
		default:
		}
	}

	s.bloom.Merge()

	s.configMu.Lock()
	s.config.Flags &^= configFlagRebuildBloom
	s.config.Generation = generation
	s.config.BloomK = s.bloom.K()
	s.configMu.Unlock()

	return nil
}

// estimateBloomBits picks a bit-array size targeting roughly 1% false
// positive rate at the given capacity, matching the sizing the teacher's
// loadSlotFilter/saveSlotFilter assume a fixed filter width for but never
// actually computes; bloom/v3's own EstimateParameters informs the ratio.
func estimateBloomBits(capacity int64) uint {
	if capacity <= 0 {
		return 1024
	}
	return uint(capacity) * 10
}
