package store

import "crypto/dsa"

// StorableBlock is the minimal interface for blocks that can be stored
type StorableBlock interface {
	// GetRoutingKey returns the routing key for network routing
	GetRoutingKey() []byte

	// GetFullKey returns the complete key with type information
	GetFullKey() []byte

	// Equals checks if two blocks are equal
	Equals(other StorableBlock) bool
}

// BlockMetadata contains metadata about a block fetch/store operation
type BlockMetadata struct {
	oldBlock bool
}

// IsOldBlock returns whether the block is marked as old
func (m *BlockMetadata) IsOldBlock() bool {
	return m.oldBlock
}

// SetOldBlock marks the block as old
func (m *BlockMetadata) SetOldBlock() {
	m.oldBlock = true
}

// NewBlockMetadata creates a new BlockMetadata
func NewBlockMetadata() *BlockMetadata {
	return &BlockMetadata{oldBlock: false}
}

// StoreCallback defines the interface for type-specific store operations.
// A concrete implementation (CHK, SSK, or any other block format) is
// supplied by the caller; the store itself stays agnostic to block
// verification, which is out of scope here and is the caller's concern.
type StoreCallback interface {
	// Fixed-size parameters
	DataLength() int
	HeaderLength() int
	RoutingKeyLength() int
	FullKeyLength() int

	// Storage configuration
	StoreFullKeys() bool
	CollisionPossible() bool
	ConstructNeedsKey() bool

	// Block construction from raw data
	Construct(data, headers, routingKey, fullKey []byte,
		canReadClientCache, canReadSlashdotCache bool,
		meta *BlockMetadata, knownPubKey *dsa.PublicKey) (StorableBlock, error)

	// Extract routing key from full key
	RoutingKeyFromFullKey(keyBuf []byte) []byte
}
