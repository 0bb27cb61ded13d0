package store

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// configLockRetries and configLockTimeout together bound how long fetch/put
// will wait for a configuration read-lock before giving up, per spec.md §5:
// ten attempts of two seconds each.
const (
	configLockRetries      = 10
	configLockTimeout      = 2 * time.Second
	configLockPollInterval = 5 * time.Millisecond
)

// bloomRebuildWriteMultiplier times the capacity is the number of writes
// between automatic rebuild-bloom flag sets, bounding false-positive drift from non-counting
// Remove no-ops (spec.md §4.5 step 7: "once every 2 x capacity writes").
const bloomRebuildWriteMultiplier = 2

// ShutdownCoordinator lets an external owner learn when it should persist
// and close a store in response to process shutdown, mirroring the
// "Shutdown coordinator" external collaborator named in spec.md §1.
type ShutdownCoordinator interface {
	RegisterShutdownHook(hook func())
}

// PutOutcome distinguishes the three results Put can report, per spec.md
// §4.5. Collisions are also available as ErrCollision for callers that
// prefer errors.Is, but the outcome is returned alongside a nil error so
// "already present" and "newly inserted" are both cheaply distinguishable
// without inspecting text.
type PutOutcome int

const (
	PutInserted PutOutcome = iota
	PutAlreadyPresent
	PutCollision
)

// SaltedHashStore is a persistent, fixed-capacity, index-less,
// content-addressed block store. Grounded on the teacher's
// SaltedHashFreenetStore, rewritten around independently-testable
// collaborators (CipherManager, SlotIO, LockManager, BloomFilter, Cleaner)
// in place of the teacher's single monolithic struct.
type SaltedHashStore struct {
	name        string
	dir         string
	descriptor  StoreCallback
	rng         io.Reader
	preallocate bool

	configMu sync.RWMutex
	config   *Configuration

	cipher  *CipherManager
	slots   *SlotIO
	lockMgr *LockManager
	bloom   *BloomFilter

	checkBloom bool
	cleaner    *Cleaner

	secondaryMu sync.RWMutex
	secondary   *SaltedHashStore

	flagsMu sync.Mutex

	shutdown atomic.Bool

	logger  zerolog.Logger
	metrics *storeMetrics

	startHits, startMisses, startWrites, startBloomFP int64
}

// Construct builds (or reopens) a store rooted at dir/name. It handles
// config-file corruption recovery, schedules a bloom rebuild when the
// dirty bit was left set by an unclean shutdown, and starts the background
// cleaner. Grounded on the teacher's NewSaltedHashFreenetStore + Start,
// merged into one call since the teacher's Start did no async work worth
// splitting out.
func Construct(dir, name string, descriptor StoreCallback, rng io.Reader, maxKeys int64,
	bloomBits uint, countingBloom bool, shutdownHook ShutdownCoordinator,
	preallocate, resizeOnStart bool, masterKey []byte) (*SaltedHashStore, error) {

	if rng == nil {
		rng = rand.Reader
	}
	if maxKeys <= 0 {
		maxKeys = 100000
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("saltstore: creating store directory: %w", err)
	}

	basePath := filepath.Join(dir, name)
	configPath := basePath + ".config"

	cfg, existed, err := loadConfig(configPath)
	if err != nil {
		Logger.Warn().Err(err).Str("store", name).Msg("config corrupt, recovering as new store")
		// One-shot recovery per spec.md §7: drop config and metadata,
		// leave the header+data file as-is per Open Question 1.
		os.Remove(configPath)
		os.Remove(basePath + ".metadata")
		cfg, existed = nil, false
	}

	var cipherMgr *CipherManager
	needsRebuild := false

	if !existed {
		cipherMgr, err = NewCipherManagerFresh(rng, masterKey)
		if err != nil {
			return nil, err
		}
		cfg = &Configuration{
			Salt:          cipherMgr.DiskSalt(),
			Capacity:      maxKeys,
			BloomK:        4,
			SchemaVersion: 1,
			Flags:         configFlagDirty,
		}
	} else {
		cipherMgr, err = NewCipherManagerFromDiskSalt(cfg.Salt, masterKey)
		if err != nil {
			return nil, err
		}
		if cfg.Dirty() {
			needsRebuild = true
		}
	}
	cfg.Flags |= configFlagDirty
	if needsRebuild {
		cfg.Flags |= configFlagRebuildBloom
	}

	logger := componentLogger(name, "engine")

	slots, err := openSlotIO(basePath, descriptor.HeaderLength(), descriptor.DataLength(), logger)
	if err != nil {
		return nil, err
	}
	if err := slots.ensureSize(cfg.Capacity, preallocate, rng); err != nil {
		slots.Close()
		return nil, err
	}

	m := estimateBloomBits(cfg.Capacity)
	if bloomBits > 0 {
		m = bloomBits
	}
	bf, err := LoadBloomFilter(basePath+".bloom", m, uint(cfg.BloomK), countingBloom)
	if err != nil {
		slots.Close()
		return nil, err
	}

	s := &SaltedHashStore{
		name:        name,
		dir:         dir,
		descriptor:  descriptor,
		rng:         rng,
		preallocate: preallocate,
		config:      cfg,
		cipher:      cipherMgr,
		slots:       slots,
		lockMgr:     NewLockManager(),
		bloom:       bf,
		checkBloom:  true,
		logger:      logger,
		metrics:     newStoreMetrics(name),
	}
	s.snapshotStats()

	if err := cfg.persist(configPath); err != nil {
		slots.Close()
		return nil, err
	}

	s.cleaner = newCleaner(s)
	s.cleaner.Start()

	if resizeOnStart && cfg.PreviousCapacity != 0 {
		s.logger.Info().Msg("resize already pending at startup")
	}

	if shutdownHook != nil {
		shutdownHook.RegisterShutdownHook(func() { s.Close() })
	}

	return s, nil
}

func (s *SaltedHashStore) configPath() string { return filepath.Join(s.dir, s.name) + ".config" }
func (s *SaltedHashStore) bloomPath() string  { return filepath.Join(s.dir, s.name) + ".bloom" }

func (s *SaltedHashStore) snapshotStats() {
	s.startHits, s.startMisses, s.startWrites, s.startBloomFP =
		s.config.Hits, s.config.Misses, s.config.Writes, s.config.BloomFalsePositives
}

// RegisterMetrics wires this store's counters into reg. Call once after
// Construct; safe to call with a nil registry.
func (s *SaltedHashStore) RegisterMetrics(reg *prometheus.Registry) {
	s.metrics.register(reg)
}

// Start reports whether asynchronous startup work is still pending. Since
// Construct performs all startup work synchronously, this always returns
// false; it exists to satisfy the external API shape named in spec.md §6.
func (s *SaltedHashStore) Start(ticker *time.Ticker, longStart bool) bool {
	return false
}

// acquireConfigRead attempts to read-lock the configuration, retrying up to
// configLockRetries times at configLockTimeout each, per spec.md §5. It
// uses TryRLock in a poll loop rather than spawning a goroutine per attempt,
// so a timed-out caller never leaks a blocked locker.
func (s *SaltedHashStore) acquireConfigRead() error {
	deadlinePerAttempt := configLockTimeout
	for attempt := 0; attempt < configLockRetries; attempt++ {
		attemptDeadline := time.Now().Add(deadlinePerAttempt)
		for time.Now().Before(attemptDeadline) {
			if s.shutdown.Load() {
				return ErrShutdown
			}
			if s.configMu.TryRLock() {
				return nil
			}
			time.Sleep(configLockPollInterval)
		}
	}
	return ErrLockTimeout
}

// Fetch retrieves a block by routing key. Grounded on the teacher's Fetch,
// generalized to probe both capacities during a resize and to distinguish
// bloom false positives from genuine misses.
func (s *SaltedHashStore) Fetch(routingKey, fullKey []byte, dontPromote, canReadClientCache,
	canReadSlashdotCache, ignoreOldBlocks bool, meta *BlockMetadata) (StorableBlock, error) {

	if s.shutdown.Load() {
		return nil, ErrClosed
	}
	if err := s.acquireConfigRead(); err != nil {
		return nil, err
	}
	defer s.configMu.RUnlock()

	digestedKey := s.cipher.DigestedKey(routingKey)

	bloomMaybe := true
	if s.checkBloom {
		bloomMaybe = s.bloom.Test(digestedKey)
		if !bloomMaybe {
			atomic.AddInt64(&s.config.Misses, 1)
			s.metrics.misses.Inc()
			return nil, nil
		}
	}

	capacities := []int64{s.config.Capacity}
	if s.config.PreviousCapacity != 0 {
		capacities = append(capacities, s.config.PreviousCapacity)
	}

	for _, capacity := range capacities {
		candidates := CandidateOffsets(digestedKey, capacity)

		set, ok := s.lockMgr.LockOffsets(candidates)
		if !ok {
			return nil, ErrShutdown
		}

		block, found, err := s.fetchAmongCandidates(candidates, digestedKey, routingKey, fullKey,
			canReadClientCache, canReadSlashdotCache, ignoreOldBlocks, meta)
		s.lockMgr.Unlock(set)

		if err != nil {
			atomic.AddInt64(&s.config.Misses, 1)
			s.metrics.misses.Inc()
			return nil, err
		}
		if found {
			atomic.AddInt64(&s.config.Hits, 1)
			s.metrics.hits.Inc()
			return block, nil
		}
	}

	if bloomMaybe {
		atomic.AddInt64(&s.config.BloomFalsePositives, 1)
		s.metrics.bloomFalsePositives.Inc()
	}
	atomic.AddInt64(&s.config.Misses, 1)
	s.metrics.misses.Inc()
	return nil, nil
}

func (s *SaltedHashStore) fetchAmongCandidates(candidates []int64, digestedKey, routingKey, fullKey []byte,
	canReadClientCache, canReadSlashdotCache, ignoreOldBlocks bool, meta *BlockMetadata) (StorableBlock, bool, error) {

	for _, offset := range candidates {
		if offset >= s.slots.ReadyOffset() {
			continue
		}
		entry, err := s.slots.ReadEntry(offset, digestedKey, true)
		if err == errEOF {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if entry == nil {
			continue
		}
		if ignoreOldBlocks && !entry.IsNewBlock() {
			continue
		}

		if err := s.cipher.Decrypt(entry, routingKey); err != nil {
			continue
		}

		block, err := s.descriptor.Construct(entry.Data, entry.Header, routingKey, fullKey,
			canReadClientCache, canReadSlashdotCache, meta, nil)
		if err != nil || block == nil {
			continue
		}
		if meta != nil && !entry.IsNewBlock() {
			meta.SetOldBlock()
		}
		return block, true, nil
	}
	return nil, false, nil
}

// Put stores a block, following the probe/overwrite/overflow logic of
// spec.md §4.5. It returns only an error (nil on success);
// PutWithOutcome exposes the finer-grained result.
func (s *SaltedHashStore) Put(block StorableBlock, data, header []byte, overwrite, oldBlock bool) error {
	_, err := s.put(block, data, header, overwrite, !oldBlock, false)
	return err
}

// PutWithOutcome is Put plus the distinguishing outcome spec.md §4.5 calls
// for (inserted / already-present / collision).
func (s *SaltedHashStore) PutWithOutcome(block StorableBlock, data, header []byte, overwrite, isNewBlock bool) (PutOutcome, error) {
	return s.put(block, data, header, overwrite, isNewBlock, false)
}

func (s *SaltedHashStore) put(block StorableBlock, data, header []byte, overwrite, isNewBlock, wrongStore bool) (PutOutcome, error) {
	if s.shutdown.Load() {
		return PutOutcome(0), ErrClosed
	}
	if err := s.acquireConfigRead(); err != nil {
		return PutOutcome(0), err
	}
	defer s.configMu.RUnlock()

	routingKey := block.GetRoutingKey()
	digestedKey := s.cipher.DigestedKey(routingKey)
	capacity := s.config.Capacity
	candidates := CandidateOffsets(digestedKey, capacity)

	set, ok := s.lockMgr.LockOffsets(candidates)
	if !ok {
		return PutOutcome(0), ErrShutdown
	}
	defer s.lockMgr.Unlock(set)

	atomic.AddInt64(&s.config.Writes, 1)
	s.metrics.writes.Inc()

	// Step 2: probe for an existing entry at any candidate.
	for _, offset := range candidates {
		if offset >= s.slots.ReadyOffset() {
			continue
		}
		existing, err := s.slots.ReadEntry(offset, digestedKey, true)
		if err == errEOF {
			continue
		}
		if err != nil {
			return PutOutcome(0), err
		}
		if existing == nil {
			continue
		}

		if !s.descriptor.CollisionPossible() {
			if isNewBlock && !existing.IsNewBlock() {
				existing.Flags |= entryFlagNewBlock
				if werr := s.slots.WriteEntry(offset, existing); werr != nil {
					return PutOutcome(0), werr
				}
			}
			return PutAlreadyPresent, nil
		}

		if err := s.cipher.Decrypt(existing, routingKey); err != nil {
			return PutOutcome(0), err
		}
		existingBlock, err := s.descriptor.Construct(existing.Data, existing.Header, routingKey,
			block.GetFullKey(), true, true, nil, nil)
		if err == nil && existingBlock != nil && existingBlock.Equals(block) {
			if isNewBlock && !existing.IsNewBlock() {
				existing.Flags |= entryFlagNewBlock
				reEnc := &Entry{DigestedKey: digestedKey, Flags: existing.Flags, StoreSize: uint64(capacity),
					Generation: s.config.Generation, Header: existing.Header, Data: existing.Data}
				if err := s.cipher.Encrypt(reEnc, routingKey, s.rng); err != nil {
					return PutOutcome(0), err
				}
				if werr := s.slots.WriteEntry(offset, reEnc); werr != nil {
					return PutOutcome(0), werr
				}
			}
			return PutAlreadyPresent, nil
		}
		if !overwrite {
			return PutCollision, ErrCollision
		}

		return s.writeNewEntry(offset, digestedKey, routingKey, header, data, isNewBlock, wrongStore, capacity, false)
	}

	// Step 3: walk candidates for a free slot.
	for _, offset := range candidates {
		if offset >= s.slots.ReadyOffset() {
			continue
		}
		free, err := s.slots.IsFreeAt(offset)
		if err != nil {
			return PutOutcome(0), err
		}
		if free {
			return s.writeNewEntry(offset, digestedKey, routingKey, header, data, isNewBlock, wrongStore, capacity, true)
		}
	}

	// Step 4: try the secondary (overflow) store, cycle-safe by construction.
	if !wrongStore {
		s.secondaryMu.RLock()
		secondary := s.secondary
		s.secondaryMu.RUnlock()
		if secondary != nil {
			if outcome, err := secondary.put(block, data, header, overwrite, isNewBlock, true); err == nil {
				return outcome, nil
			}
		}
	}

	// Step 5: eviction.
	victim := candidates[0]
	if wrongStore {
		wrongCount := 0
		wrongOffset := int64(-1)
		for _, offset := range candidates {
			flags, err := s.slots.FlagsAt(offset)
			if err != nil {
				continue
			}
			if flags&entryFlagWrongStore != 0 {
				wrongCount++
				if wrongOffset == -1 {
					wrongOffset = offset
				}
			}
		}
		threshold := float64(wrongCount) / float64(MaxProbe+wrongCount)
		if wrongOffset == -1 || !probabilisticallyTrue(threshold, s.rng) {
			return PutOutcome(0), ErrStoreFull
		}
		victim = wrongOffset
	}

	return s.writeNewEntry(victim, digestedKey, routingKey, header, data, isNewBlock, wrongStore, capacity, false)
}

func (s *SaltedHashStore) writeNewEntry(offset int64, digestedKey, routingKey, header, data []byte,
	isNewBlock, wrongStore bool, capacity int64, wasFree bool) (PutOutcome, error) {

	var prevOccupant *Entry
	if !wasFree {
		existing, err := s.slots.ReadEntry(offset, nil, false)
		if err != nil && err != errEOF {
			return PutOutcome(0), err
		}
		prevOccupant = existing
	}

	entry := &Entry{
		DigestedKey: digestedKey,
		Flags:       entryFlagOccupied,
		StoreSize:   uint64(capacity),
		Generation:  s.config.Generation,
		Header:      append([]byte(nil), header...),
		Data:        append([]byte(nil), data...),
	}
	if isNewBlock {
		entry.Flags |= entryFlagNewBlock
	}
	if wrongStore {
		entry.Flags |= entryFlagWrongStore
	}
	if s.descriptor.StoreFullKeys() {
		entry.Flags |= entryFlagPlainKey
		entry.PlainKey = append([]byte(nil), routingKey...)
	}

	if err := s.cipher.Encrypt(entry, routingKey, s.rng); err != nil {
		return PutOutcome(0), err
	}
	if err := s.slots.WriteEntry(offset, entry); err != nil {
		return PutOutcome(0), err
	}

	if prevOccupant.Occupied() && prevOccupant.Generation == s.config.Generation {
		s.bloom.Remove(prevOccupant.DigestedKey)
	} else {
		atomic.AddInt64(&s.config.KeyCount, 1)
	}
	s.bloom.Add(digestedKey)

	if s.config.Writes%int64(bloomRebuildWriteMultiplier*maxInt64(capacity, 1)) == 0 {
		// Flags is also read under configMu elsewhere; a dedicated mutex
		// avoids upgrading the read-lock this call is already holding.
		s.flagsMu.Lock()
		s.config.Flags |= configFlagRebuildBloom
		s.flagsMu.Unlock()
	}

	return PutInserted, nil
}

// ProbablyInStore reports whether routingKey might be present, per
// spec.md §4.5: if bloom checking is disabled, callers must probe disk
// themselves, so this conservatively returns true.
func (s *SaltedHashStore) ProbablyInStore(routingKey []byte) bool {
	if err := s.acquireConfigRead(); err != nil {
		return true
	}
	defer s.configMu.RUnlock()

	if !s.checkBloom {
		return true
	}
	return s.bloom.Test(s.cipher.DigestedKey(routingKey))
}

// SetMaxKeys requests a capacity change. shrinkNow is accepted for
// interface compatibility; the actual resize always runs asynchronously on
// the cleaner (spec.md §4.6), since in-place synchronous shrink would
// require exclusive access the live traffic cannot afford to wait for.
func (s *SaltedHashStore) SetMaxKeys(maxStoreKeys int64, shrinkNow bool) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	if s.shutdown.Load() {
		return ErrClosed
	}
	if maxStoreKeys == s.config.Capacity {
		return nil
	}
	if s.config.PreviousCapacity != 0 {
		return nil
	}
	s.config.PreviousCapacity = s.config.Capacity
	s.config.Capacity = maxStoreKeys
	return s.config.persist(s.configPath())
}

func (s *SaltedHashStore) GetMaxKeys() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.Capacity
}

func (s *SaltedHashStore) Hits() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.Hits
}

func (s *SaltedHashStore) Misses() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.Misses
}

func (s *SaltedHashStore) Writes() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.Writes
}

func (s *SaltedHashStore) KeyCount() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.KeyCount
}

func (s *SaltedHashStore) GetBloomFalsePositive() int64 {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.BloomFalsePositives
}

// HitsSinceStart and friends report the delta-since-construction variants
// named in spec.md §6.
func (s *SaltedHashStore) HitsSinceStart() int64   { return s.Hits() - s.startHits }
func (s *SaltedHashStore) MissesSinceStart() int64 { return s.Misses() - s.startMisses }
func (s *SaltedHashStore) WritesSinceStart() int64 { return s.Writes() - s.startWrites }
func (s *SaltedHashStore) BloomFalsePositivesSinceStart() int64 {
	return s.GetBloomFalsePositive() - s.startBloomFP
}

// SetAltStore attaches a secondary overflow store, enforcing the
// one-directional cycle prevention required by spec.md §5/§9: a store
// whose own secondary is already set cannot be attached as a secondary.
func (s *SaltedHashStore) SetAltStore(secondary *SaltedHashStore) error {
	if secondary != nil {
		secondary.secondaryMu.RLock()
		hasGrandchild := secondary.secondary != nil
		secondary.secondaryMu.RUnlock()
		if hasGrandchild {
			return fmt.Errorf("saltstore: secondary store already has its own secondary, refusing to attach")
		}
	}
	s.secondaryMu.Lock()
	s.secondary = secondary
	s.secondaryMu.Unlock()
	return nil
}

// Close performs an orderly shutdown: signals the lock manager and
// cleaner, persists configuration with the dirty bit cleared, flushes the
// bloom filter, and closes open files.
func (s *SaltedHashStore) Close() error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.lockMgr.Shutdown()
	s.cleaner.Stop()

	s.configMu.Lock()
	s.config.Flags &^= configFlagDirty
	persistErr := s.config.persist(s.configPath())
	s.configMu.Unlock()

	bloomErr := s.bloom.SaveTo(s.bloomPath())
	closeErr := s.slots.Close()

	if persistErr != nil {
		return persistErr
	}
	if bloomErr != nil {
		return bloomErr
	}
	return closeErr
}

// Destruct closes the store and removes every file backing it, per the
// destruct() operation named in spec.md §6 (supplementing the fetch/put
// surface the distilled spec otherwise focuses on).
func (s *SaltedHashStore) Destruct() error {
	if err := s.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("error during close before destruct")
	}
	basePath := filepath.Join(s.dir, s.name)
	for _, suffix := range []string{".config", ".metadata", ".hd", ".bloom"} {
		if err := os.Remove(basePath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("saltstore: removing %s: %w", basePath+suffix, err)
		}
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// probabilisticallyTrue returns true with probability p, drawing entropy
// from rng. Used for the wrong-store eviction weighting in step 5 of put.
func probabilisticallyTrue(p float64, rng io.Reader) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	var b [8]byte
	if _, err := io.ReadFull(rng, b[:]); err != nil {
		return false
	}
	v := float64(0)
	for _, x := range b {
		v = v*256 + float64(x)
	}
	max := float64(1)
	for i := 0; i < 8; i++ {
		max *= 256
	}
	return v/max < p
}
