package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	fileatomic "github.com/natefinch/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"
)

// bloomBackend is the probabilistic membership structure underlying one
// side (live or shadow) of a BloomFilter. Two implementations exist: a
// non-counting backend built directly on bloom/v3 (cheap, but Remove is a
// documented no-op), and a counting backend built on a raw bitset plus a
// parallel array of 16-bit counters (supports Remove, at roughly seventeen
// times the memory of the plain bit array).
// Grounded on PriyanshuSharma23-FlashLog/sst/writer.go's confirmed bloom/v3
// usage (New/Add/Test/WriteTo/ReadFrom); the counting variant avoids any
// bloom/v3-internal API (Locations, BitSet) that could not be confirmed
// against the vendored pack.
type bloomBackend struct {
	m uint
	k uint

	plain *bloom.BloomFilter // non-counting mode

	bits   *bitset.BitSet // counting mode
	counts []uint16       // counting mode, parallel to bits
}

func newBloomBackend(m, k uint, counting bool) *bloomBackend {
	if counting {
		return &bloomBackend{
			m:      m,
			k:      k,
			bits:   bitset.New(m),
			counts: make([]uint16, m),
		}
	}
	return &bloomBackend{
		m:     m,
		k:     k,
		plain: bloom.New(m, k),
	}
}

// locations derives k independent bit positions from the SHA-256 digest of
// key. The key passed in is always already a uniform digest (a digested
// routing key), so chunking its hash is sufficient entropy; this
// deliberately avoids depending on any unexported hashing inside bloom/v3.
func locations(key []byte, m, k uint) []uint {
	sum := sha256.Sum256(key)
	out := make([]uint, k)
	for i := uint(0); i < k; i++ {
		off := (i * 8) % uint(len(sum)-8+1)
		v := binary.BigEndian.Uint64(sum[off : off+8])
		out[i] = uint(v%uint64(m)) ^ (i * 0x9E3779B1 % m)
		out[i] %= m
	}
	return out
}

func (b *bloomBackend) add(key []byte) {
	if b.plain != nil {
		b.plain.Add(key)
		return
	}
	for _, pos := range locations(key, b.m, b.k) {
		if !b.bits.Test(pos) {
			b.bits.Set(pos)
		}
		if b.counts[pos] < 65535 {
			b.counts[pos]++
		}
	}
}

// remove decrements the counting backend's counters, clearing bits that
// reach zero. On the non-counting backend this is an intentional no-op:
// bloom/v3 offers no removal primitive, and any drift this causes (a stale
// "maybe present" after the key was actually deleted) is corrected by the
// periodic rebuild the cleaner already performs.
func (b *bloomBackend) remove(key []byte) {
	if b.plain != nil {
		return
	}
	for _, pos := range locations(key, b.m, b.k) {
		if b.counts[pos] == 0 {
			continue
		}
		b.counts[pos]--
		if b.counts[pos] == 0 {
			b.bits.Clear(pos)
		}
	}
}

func (b *bloomBackend) test(key []byte) bool {
	if b.plain != nil {
		return b.plain.Test(key)
	}
	for _, pos := range locations(key, b.m, b.k) {
		if !b.bits.Test(pos) {
			return false
		}
	}
	return true
}

func (b *bloomBackend) writeTo(w io.Writer) error {
	if b.plain != nil {
		_, err := b.plain.WriteTo(w)
		return err
	}
	if _, err := b.bits.WriteTo(w); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, b.counts)
}

func (b *bloomBackend) readFrom(r io.Reader) error {
	if b.plain != nil {
		_, err := b.plain.ReadFrom(r)
		return err
	}
	if _, err := b.bits.ReadFrom(r); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, b.counts)
}

// BloomFilter is the probabilistic "definitely not present" gate described
// in spec.md §4.4/§9: a live backend consulted by Fetch/ProbablyInStore,
// and an optional shadow backend forked during a resize or rebuild that
// accumulates writes in parallel until the operation finishes and the two
// are merged.
//
// Add/Remove write to both live and shadow whenever a fork is in progress.
// A literal reading of "writes go to the shadow" would leave a block
// inserted mid-resize invisible to Fetch's bloom gate (which only ever
// reads live) until the merge completed, incorrectly reporting blocks that
// are actually present on disk as absent. Writing to both preserves read
// correctness during the fork while the shadow still independently
// accumulates everything needed for the eventual merge.
type BloomFilter struct {
	mu     sync.RWMutex
	m, k   uint
	count  bool
	live   *bloomBackend
	shadow *bloomBackend
}

func NewBloomFilter(m, k uint, counting bool) *BloomFilter {
	return &BloomFilter{
		m:     m,
		k:     k,
		count: counting,
		live:  newBloomBackend(m, k, counting),
	}
}

func (bf *BloomFilter) Add(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.live.add(key)
	if bf.shadow != nil {
		bf.shadow.add(key)
	}
}

func (bf *BloomFilter) Remove(key []byte) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.live.remove(key)
	if bf.shadow != nil {
		bf.shadow.remove(key)
	}
}

func (bf *BloomFilter) Test(key []byte) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.live.test(key)
}

// Fork starts a shadow backend sized for newM, copying every key the live
// backend already thinks is present is not possible for a probabilistic
// structure, so the shadow starts empty: callers (the cleaner) are
// responsible for re-adding every live key to the shadow as they walk the
// store during a rebuild, or for relying on Add's dual-write during a
// resize where every surviving key gets rewritten anyway.
func (bf *BloomFilter) Fork(newM, newK uint) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.shadow = newBloomBackend(newM, newK, bf.count)
}

func (bf *BloomFilter) Forked() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.shadow != nil
}

// Merge promotes the shadow backend to live, discarding the old live
// backend, and adopts the shadow's (possibly new) m/k.
func (bf *BloomFilter) Merge() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.shadow == nil {
		return
	}
	bf.live = bf.shadow
	bf.m = bf.shadow.m
	bf.k = bf.shadow.k
	bf.shadow = nil
}

// Discard abandons an in-progress fork, leaving live untouched. Used when a
// resize or rebuild aborts partway through (e.g. on shutdown).
func (bf *BloomFilter) Discard() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.shadow = nil
}

func (bf *BloomFilter) K() uint32 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return uint32(bf.k)
}

// SaveTo persists the live backend atomically.
func (bf *BloomFilter) SaveTo(path string) error {
	bf.mu.RLock()
	defer bf.mu.RUnlock()

	var buf bytes.Buffer
	if err := bf.live.writeTo(&buf); err != nil {
		return fmt.Errorf("saltstore: serializing bloom filter: %w", err)
	}
	return fileatomic.WriteFile(path, &buf)
}

// LoadBloomFilter reads a bloom filter previously written by SaveTo. If the
// file does not exist, a fresh empty filter is returned instead of an
// error, matching the teacher's loadSlotFilter fallback-to-fresh behavior.
func LoadBloomFilter(path string, m, k uint, counting bool) (*BloomFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewBloomFilter(m, k, counting), nil
		}
		return nil, fmt.Errorf("saltstore: opening bloom filter: %w", err)
	}
	defer f.Close()

	bf := NewBloomFilter(m, k, counting)
	if err := bf.live.readFrom(f); err != nil {
		return nil, fmt.Errorf("saltstore: reading bloom filter: %w", err)
	}
	return bf, nil
}
