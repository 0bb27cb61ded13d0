package store

import "testing"

// TestCleanerResizeGrowRelocatesEntries exercises runResize directly
// (bypassing the 5-minute ticker) to verify every previously-inserted key
// survives a grow, matching S4 in spec.md §8.
func TestCleanerResizeGrowRelocatesEntries(t *testing.T) {
	s := newTestStore(t, 64, false)

	const n = 20
	blocks := make([]*testBlock, n)
	for i := 0; i < n; i++ {
		block, header, data := newTestBlock(byte(i))
		blocks[i] = block
		if err := s.Put(block, data, header, false, true); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	if err := s.SetMaxKeys(512, false); err != nil {
		t.Fatalf("SetMaxKeys: %v", err)
	}

	if err := s.cleaner.runResize(); err != nil {
		t.Fatalf("runResize: %v", err)
	}

	if s.slots.ReadyOffset() != 512 {
		t.Fatalf("expected metadata file sized for 512 slots, got %d", s.slots.ReadyOffset())
	}
	if s.config.PreviousCapacity != 0 {
		t.Fatalf("expected PreviousCapacity cleared after resize, got %d", s.config.PreviousCapacity)
	}

	for i, block := range blocks {
		fetched, err := s.Fetch(block.routingKey, block.fullKey, false, false, false, false, nil)
		if err != nil {
			t.Fatalf("Fetch %d after resize: %v", i, err)
		}
		if fetched == nil {
			t.Fatalf("key %d lost during grow resize", i)
		}
	}
}

// TestCleanerRebuildClearsFlag exercises runRebuild directly.
func TestCleanerRebuildClearsFlag(t *testing.T) {
	s := newTestStore(t, 64, false)

	block, header, data := newTestBlock(1)
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s.configMu.Lock()
	s.config.Flags |= configFlagRebuildBloom
	s.configMu.Unlock()

	if err := s.cleaner.runRebuild(); err != nil {
		t.Fatalf("runRebuild: %v", err)
	}

	if s.config.RebuildBloom() {
		t.Fatal("expected rebuild-bloom flag cleared after a successful rebuild")
	}

	fetched, err := s.Fetch(block.routingKey, block.fullKey, false, false, false, false, nil)
	if err != nil {
		t.Fatalf("Fetch after rebuild: %v", err)
	}
	if fetched == nil {
		t.Fatal("key should still be retrievable after a bloom rebuild")
	}
}

func TestMaintenanceLatchIsTryAcquireOnly(t *testing.T) {
	if !tryAcquireMaintenanceLatch() {
		t.Fatal("expected the first acquisition to succeed")
	}
	defer releaseMaintenanceLatch()

	if tryAcquireMaintenanceLatch() {
		releaseMaintenanceLatch()
		t.Fatal("expected a second acquisition to fail while the latch is held")
	}
}
