package p2p

import (
	"crypto/sha256"
	"encoding/binary"
)

// Bucket table dimensions, following the typical Bitcoin-derived address
// manager sizing spec.md §3 names.
const (
	NewTableBuckets   = 128
	NewBucketSize     = 32
	TriedTableBuckets = 64
	TriedBucketSize   = 32
)

// bucketHash computes a keyed hash of secret concatenated with parts. No
// keyed-hash library (siphash, blake3-keyed, ...) is wired to peer
// placement anywhere in the retrieval pack; crypto/sha256 keyed by
// prepending the book's secret is used instead (see DESIGN.md).
func bucketHash(secret []byte, parts ...string) uint64 {
	h := sha256.New()
	h.Write(secret)
	for _, p := range parts {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// newBucketIndex computes the new-table bucket for a candidate peer, keyed
// by the source group (the group of the peer that told us about it) and
// the peer's own group, per spec.md §4.3.1.
func newBucketIndex(secret []byte, sourceGroup, peerGroup string) int {
	return int(bucketHash(secret, "new", sourceGroup, peerGroup) % NewTableBuckets)
}

// triedBucketIndex computes the tried-table bucket for a confirmed-reachable peer.
func triedBucketIndex(secret []byte, peerID string) int {
	return int(bucketHash(secret, "tried", peerID) % TriedTableBuckets)
}

// slotIndex computes the slot within a bucket for peerID.
func slotIndex(secret []byte, peerID string, bucketSize int) int {
	return int(bucketHash(secret, "slot", peerID) % uint64(bucketSize))
}
