package store

import "encoding/binary"

// MaxProbe is P in spec.md §4.1: the number of candidate slot offsets
// produced for a single key.
const MaxProbe = 5

// layoutStepSquare and layoutStepLinear mirror the teacher's quadratic-probe coefficients
// (node/store/salted_store.go's getOffsetFromDigestedKey): step i advances
// by 141*i^2 + 13*i, which avoids the clustering a linear probe would
// produce while staying cheap to compute.
const (
	layoutStepSquare = 141
	layoutStepLinear = 13
)

// CandidateOffsets computes the up-to-MaxProbe distinct slot offsets a key
// may occupy at the given capacity, per spec.md §4.1. The first eight bytes
// of the digested key are read as an unsigned 64-bit integer; offsets are
// masked to the non-negative int64 range (mod 2^63) before reduction mod
// capacity, then uniquified by incrementing on collision.
func CandidateOffsets(digestedKey []byte, capacity int64) []int64 {
	if capacity <= 0 {
		return nil
	}

	h := binary.BigEndian.Uint64(digestedKey[:8])
	offsets := make([]int64, MaxProbe)

	for i := 0; i < MaxProbe; i++ {
		step := uint64(layoutStepSquare*i*i + layoutStepLinear*i)
		raw := (h + step) & 0x7FFFFFFFFFFFFFFF
		offsets[i] = int64(raw % uint64(capacity))
	}

	// Uniquify: for each i, bump past any earlier offset it collides with.
	// Bounded by capacity attempts so tiny stores (P > C) terminate with
	// duplicates intact rather than spinning forever.
	for i := 1; i < MaxProbe; i++ {
		for attempt := int64(0); attempt < capacity; attempt++ {
			collided := false
			for j := 0; j < i; j++ {
				if offsets[i] == offsets[j] {
					collided = true
					break
				}
			}
			if !collided {
				break
			}
			offsets[i] = (offsets[i] + 1) % capacity
		}
	}

	return offsets
}
