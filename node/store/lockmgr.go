package store

import "sort"

// lockToken is an opaque marker returned by LockSlot and passed back to
// UnlockSlot. UnlockSlot ignores a nil token (what LockSlot returns once
// shutdown has been signalled); a token is not tied to a particular offset.
type lockToken struct{}

// LockManager serializes access to individual slot offsets using one
// buffered channel per offset as a cancelable mutex: a channel of capacity
// 1, pre-filled with a single token. Acquiring a lock is a channel receive
// (which can be combined with a select against shutdown); releasing is a
// send back. This mirrors the teacher's general preference for
// channel-based coordination over condition variables, generalized here to
// support the store's ascending-offset, multi-slot locking requirement
// (spec.md §5).
type LockManager struct {
	sems map[int64]chan struct{}

	// mu guards creation of new entries in sems. Per-offset contention is
	// handled by the channel itself, not by this mutex.
	mu chan struct{}

	shutdownCh chan struct{}
	closeOnce  chan struct{} // holds one token; Shutdown takes it so shutdownCh is closed exactly once
}

// NewLockManager constructs an empty lock manager.
func NewLockManager() *LockManager {
	lm := &LockManager{
		sems:       make(map[int64]chan struct{}),
		mu:         make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
		closeOnce:  make(chan struct{}, 1),
	}
	lm.mu <- struct{}{}
	lm.closeOnce <- struct{}{}
	return lm
}

func (lm *LockManager) semFor(offset int64) chan struct{} {
	<-lm.mu
	sem, ok := lm.sems[offset]
	if !ok {
		sem = make(chan struct{}, 1)
		sem <- struct{}{}
		lm.sems[offset] = sem
	}
	lm.mu <- struct{}{}
	return sem
}

// LockSlot blocks until the given offset is locked or shutdown is
// signalled. It returns nil if shutdown won the race.
func (lm *LockManager) LockSlot(offset int64) *lockToken {
	select {
	case <-lm.shutdownCh:
		return nil
	default:
	}
	sem := lm.semFor(offset)
	select {
	case <-sem:
		return &lockToken{}
	case <-lm.shutdownCh:
		return nil
	}
}

// UnlockSlot releases a lock acquired via LockSlot.
func (lm *LockManager) UnlockSlot(offset int64, tok *lockToken) {
	if tok == nil {
		return
	}
	sem := lm.semFor(offset)
	sem <- struct{}{}
}

// SlotLockSet is the result of a successful multi-offset acquisition,
// opaque to callers beyond passing it back to Unlock.
type SlotLockSet struct {
	offsets []int64
	tokens  []*lockToken
}

// LockOffsets sorts and deduplicates offsets, then acquires them in
// ascending order to match the fixed lock-ordering discipline required to
// avoid deadlock between foreground operations and the batch cleaner
// (spec.md §5). It returns false if shutdown fires partway through, having
// already released anything it acquired.
func (lm *LockManager) LockOffsets(offsets []int64) (*SlotLockSet, bool) {
	unique := dedupeSorted(offsets)

	set := &SlotLockSet{offsets: make([]int64, 0, len(unique))}
	for _, off := range unique {
		tok := lm.LockSlot(off)
		if tok == nil {
			lm.Unlock(set)
			return nil, false
		}
		set.offsets = append(set.offsets, off)
		set.tokens = append(set.tokens, tok)
	}
	return set, true
}

// Unlock releases every lock held by set, in reverse acquisition order.
func (lm *LockManager) Unlock(set *SlotLockSet) {
	if set == nil {
		return
	}
	for i := len(set.offsets) - 1; i >= 0; i-- {
		lm.UnlockSlot(set.offsets[i], set.tokens[i])
	}
}

// Shutdown signals every blocked and future LockSlot/LockOffsets call to
// abort. It is safe to call more than once.
func (lm *LockManager) Shutdown() {
	select {
	case <-lm.closeOnce:
		close(lm.shutdownCh)
	default:
	}
}

func dedupeSorted(offsets []int64) []int64 {
	cp := append([]int64(nil), offsets...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:0]
	var last int64
	haveLast := false
	for _, v := range cp {
		if haveLast && v == last {
			continue
		}
		out = append(out, v)
		last = v
		haveLast = true
	}
	return out
}
