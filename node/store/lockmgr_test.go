package store

import (
	"testing"
	"time"
)

func TestLockManagerMutualExclusion(t *testing.T) {
	lm := NewLockManager()

	tok := lm.LockSlot(5)
	if tok == nil {
		t.Fatal("expected a token from an uncontended LockSlot")
	}

	acquired := make(chan bool, 1)
	go func() {
		second := lm.LockSlot(5)
		acquired <- second != nil
		lm.UnlockSlot(5, second)
	}()

	select {
	case <-acquired:
		t.Fatal("second LockSlot should not succeed while the first holder still owns the lock")
	case <-time.After(50 * time.Millisecond):
	}

	lm.UnlockSlot(5, tok)

	select {
	case ok := <-acquired:
		if !ok {
			t.Fatal("second LockSlot should succeed once the first is released")
		}
	case <-time.After(time.Second):
		t.Fatal("second LockSlot never completed after release")
	}
}

func TestLockManagerShutdownUnblocksWaiters(t *testing.T) {
	lm := NewLockManager()
	tok := lm.LockSlot(1)

	result := make(chan *lockToken, 1)
	go func() {
		result <- lm.LockSlot(1)
	}()

	time.Sleep(20 * time.Millisecond)
	lm.Shutdown()

	select {
	case got := <-result:
		if got != nil {
			t.Fatal("expected nil token after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked after shutdown")
	}

	lm.UnlockSlot(1, tok)
}

func TestLockOffsetsAscendingAndReleasable(t *testing.T) {
	lm := NewLockManager()

	set, ok := lm.LockOffsets([]int64{5, 1, 3, 1, 5})
	if !ok {
		t.Fatal("expected LockOffsets to succeed")
	}
	if len(set.offsets) != 3 {
		t.Fatalf("expected 3 deduped offsets, got %d", len(set.offsets))
	}
	for i := 1; i < len(set.offsets); i++ {
		if set.offsets[i] <= set.offsets[i-1] {
			t.Fatalf("offsets not strictly ascending: %v", set.offsets)
		}
	}

	lm.Unlock(set)

	// Every offset must be free again.
	for _, off := range []int64{1, 3, 5} {
		tok := lm.LockSlot(off)
		if tok == nil {
			t.Fatalf("offset %d should be lockable after Unlock", off)
		}
		lm.UnlockSlot(off, tok)
	}
}

func TestLockOffsetsFailsCleanlyOnShutdown(t *testing.T) {
	lm := NewLockManager()
	lm.Shutdown()

	set, ok := lm.LockOffsets([]int64{1, 2, 3})
	if ok || set != nil {
		t.Fatal("LockOffsets should fail once shutdown has been signalled")
	}
}
