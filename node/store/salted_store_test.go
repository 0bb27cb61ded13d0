package store

import (
	"bytes"
	"crypto/dsa"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
)

const (
	testHeaderLen = 8
	testDataLen   = 32
)

// testBlock is a minimal StorableBlock used to drive Fetch/Put in isolation
// from any particular block format's verification logic.
type testBlock struct {
	routingKey []byte
	fullKey    []byte
	header     []byte
	data       []byte
}

func (b *testBlock) GetRoutingKey() []byte { return b.routingKey }
func (b *testBlock) GetFullKey() []byte    { return b.fullKey }
func (b *testBlock) Equals(other StorableBlock) bool {
	o, ok := other.(*testBlock)
	if !ok {
		return false
	}
	return bytes.Equal(b.routingKey, o.routingKey) && bytes.Equal(b.data, o.data) && bytes.Equal(b.header, o.header)
}

// testCallback is a content-addressed (collision-impossible) descriptor,
// matching the CHK shape but with small fixed sizes convenient for tests.
type testCallback struct {
	collisionPossible bool
	storeFullKeys     bool
}

func (c *testCallback) DataLength() int         { return testDataLen }
func (c *testCallback) HeaderLength() int       { return testHeaderLen }
func (c *testCallback) RoutingKeyLength() int   { return 32 }
func (c *testCallback) FullKeyLength() int      { return 34 }
func (c *testCallback) StoreFullKeys() bool     { return c.storeFullKeys }
func (c *testCallback) CollisionPossible() bool { return c.collisionPossible }
func (c *testCallback) ConstructNeedsKey() bool { return false }

func (c *testCallback) Construct(data, headers, routingKey, fullKey []byte,
	canReadClientCache, canReadSlashdotCache bool,
	meta *BlockMetadata, knownPubKey *dsa.PublicKey) (StorableBlock, error) {
	return &testBlock{
		routingKey: append([]byte(nil), routingKey...),
		fullKey:    append([]byte(nil), fullKey...),
		header:     append([]byte(nil), headers...),
		data:       append([]byte(nil), data...),
	}, nil
}

func (c *testCallback) RoutingKeyFromFullKey(keyBuf []byte) []byte {
	if len(keyBuf) < 34 {
		return nil
	}
	return keyBuf[2:34]
}

func routingKeyFromSeed(seed byte) []byte {
	sum := sha256.Sum256([]byte{seed, seed, seed})
	return sum[:]
}

func newTestBlock(seed byte) (*testBlock, []byte, []byte) {
	routingKey := routingKeyFromSeed(seed)
	header := bytes.Repeat([]byte{seed}, testHeaderLen)
	data := bytes.Repeat([]byte{seed ^ 0xFF}, testDataLen)
	fullKey := append([]byte{0, 0}, routingKey...)
	return &testBlock{routingKey: routingKey, fullKey: fullKey, header: header, data: data}, header, data
}

func newTestStore(t *testing.T, capacity int64, collisionPossible bool) *SaltedHashStore {
	t.Helper()
	dir := t.TempDir()
	cb := &testCallback{collisionPossible: collisionPossible, storeFullKeys: true}
	s, err := Construct(dir, "test", cb, nil, capacity, 0, false, nil, false, false, nil)
	if err != nil {
		t.Fatalf("Construct: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// S1. Empty-store miss.
func TestEmptyStoreMiss(t *testing.T) {
	s := newTestStore(t, 1024, false)

	block, err := s.Fetch(routingKeyFromSeed(1), nil, false, false, false, false, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if block != nil {
		t.Fatal("expected a miss on an empty store")
	}
	if s.Misses() != 1 {
		t.Fatalf("expected miss counter 1, got %d", s.Misses())
	}
	if s.GetBloomFalsePositive() != 0 {
		t.Fatalf("expected 0 bloom false positives, got %d", s.GetBloomFalsePositive())
	}
}

// S2. Insert then fetch.
func TestInsertThenFetch(t *testing.T) {
	s := newTestStore(t, 1024, false)

	block, header, data := newTestBlock(0x00)
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("Put: %v", err)
	}

	fetched, err := s.Fetch(block.routingKey, block.fullKey, false, false, false, false, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched == nil {
		t.Fatal("expected the stored block to be found")
	}
	fb := fetched.(*testBlock)
	if !bytes.Equal(fb.data, data) || !bytes.Equal(fb.header, header) {
		t.Fatal("fetched block content does not match what was stored")
	}
	if s.Hits() != 1 {
		t.Fatalf("expected hit counter 1, got %d", s.Hits())
	}
}

func TestPutCollisionWithoutOverwrite(t *testing.T) {
	s := newTestStore(t, 1024, true) // SSK-like: collisions possible

	block, header, data := newTestBlock(0x10)
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("initial Put: %v", err)
	}

	differentData := bytes.Repeat([]byte{0x55}, testDataLen)
	conflicting := &testBlock{routingKey: block.routingKey, fullKey: block.fullKey, header: header, data: differentData}

	outcome, err := s.PutWithOutcome(conflicting, differentData, header, false, true)
	if outcome != PutCollision {
		t.Fatalf("expected PutCollision, got %v (err=%v)", outcome, err)
	}
}

func TestPutCollisionWithOverwrite(t *testing.T) {
	s := newTestStore(t, 1024, true)

	block, header, data := newTestBlock(0x20)
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("initial Put: %v", err)
	}

	differentData := bytes.Repeat([]byte{0x66}, testDataLen)
	conflicting := &testBlock{routingKey: block.routingKey, fullKey: block.fullKey, header: header, data: differentData}

	outcome, err := s.PutWithOutcome(conflicting, differentData, header, true, true)
	if err != nil {
		t.Fatalf("overwrite Put: %v", err)
	}
	if outcome != PutInserted {
		t.Fatalf("expected PutInserted on overwrite, got %v", outcome)
	}

	fetched, err := s.Fetch(block.routingKey, block.fullKey, false, false, false, false, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	fb := fetched.(*testBlock)
	if !bytes.Equal(fb.data, differentData) {
		t.Fatal("expected fetch to return the overwritten data")
	}
}

func TestProbablyInStore(t *testing.T) {
	s := newTestStore(t, 1024, false)
	block, header, data := newTestBlock(0x30)

	if s.ProbablyInStore(block.routingKey) {
		t.Fatal("key should not appear present before it is inserted")
	}
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.ProbablyInStore(block.routingKey) {
		t.Fatal("key should appear present after insertion")
	}
}

func TestSetMaxKeysSchedulesResize(t *testing.T) {
	s := newTestStore(t, 256, false)

	if err := s.SetMaxKeys(1024, false); err != nil {
		t.Fatalf("SetMaxKeys: %v", err)
	}
	if s.GetMaxKeys() != 1024 {
		t.Fatalf("expected capacity 1024, got %d", s.GetMaxKeys())
	}

	// A second call while a resize is pending must be ignored.
	if err := s.SetMaxKeys(2048, false); err != nil {
		t.Fatalf("SetMaxKeys (second call): %v", err)
	}
	if s.GetMaxKeys() != 1024 {
		t.Fatalf("expected capacity to remain 1024 while a resize is pending, got %d", s.GetMaxKeys())
	}
}

func TestSetAltStoreRejectsCycle(t *testing.T) {
	primary := newTestStore(t, 256, false)
	secondary := newTestStore(t, 256, false)
	tertiary := newTestStore(t, 256, false)

	if err := secondary.SetAltStore(tertiary); err != nil {
		t.Fatalf("attaching tertiary to secondary: %v", err)
	}
	if err := primary.SetAltStore(secondary); err == nil {
		t.Fatal("expected an error attaching a secondary that already has its own secondary")
	}
}

func TestOverflowToSecondaryStore(t *testing.T) {
	// capacity=5 with MaxProbe=5 means every candidate for one h bucket can
	// be filled, forcing the 6th colliding key to overflow.
	primary := newTestStore(t, 5, false)
	secondary := newTestStore(t, 5, false)
	if err := primary.SetAltStore(secondary); err != nil {
		t.Fatalf("SetAltStore: %v", err)
	}

	for i := byte(0); i < 5; i++ {
		block, header, data := newTestBlock(i)
		if err := primary.Put(block, data, header, false, true); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	overflowBlock, header, data := newTestBlock(5)
	if err := primary.Put(overflowBlock, data, header, false, true); err != nil {
		t.Fatalf("overflow Put: %v", err)
	}

	if secondary.KeyCount() != 1 || primary.KeyCount() != 5 {
		t.Fatalf("expected the secondary to absorb the overflow (keys: primary %d, secondary %d)",
			primary.KeyCount(), secondary.KeyCount())
	}
}

func TestConstructRecoversFromCorruptConfig(t *testing.T) {
	dir := t.TempDir()
	cb := &testCallback{collisionPossible: false, storeFullKeys: true}

	s, err := Construct(dir, "test", cb, nil, 128, 0, false, nil, false, false, nil)
	if err != nil {
		t.Fatalf("initial Construct: %v", err)
	}
	block, header, data := newTestBlock(0x40)
	if err := s.Put(block, data, header, false, true); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Corrupt the config file to exercise the one-shot recovery path.
	configPath := filepath.Join(dir, "test.config")
	if err := os.WriteFile(configPath, []byte{1, 2, 3}, 0o600); err != nil {
		t.Fatalf("corrupting config: %v", err)
	}

	recovered, err := Construct(dir, "test", cb, nil, 128, 0, false, nil, false, false, nil)
	if err != nil {
		t.Fatalf("Construct after corruption: %v", err)
	}
	defer recovered.Close()

	if recovered.GetMaxKeys() != 128 {
		t.Fatalf("expected a fresh store with capacity 128, got %d", recovered.GetMaxKeys())
	}
}
