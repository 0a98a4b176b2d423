package storage

import "fmt"

// Pebble key schema.
// Design principles:
// 1. Prefix-based for range scans (iterate segments in batch order)
// 2. Zero-padded numeric components for lexicographic ordering
// 3. One-shot commitments under their own prefix so consumption is a
//    single delete

const (
	prefixSegment    = "seg:"  // finalized batch transcript segments
	prefixCommitment = "cm:"   // pending onchain-action commitments
	prefixProver     = "pi:"   // prover input per batch
	prefixMeta       = "meta:" // watermarks and counters
)

// segmentKey returns the key for a batch transcript segment.
// Format: "seg:{batch_idx}" with the index zero-padded to 20 digits.
func segmentKey(batchIdx uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixSegment, batchIdx))
}

// commitmentKey returns the key for a pending onchain-action commitment.
func commitmentKey(actionID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixCommitment, actionID))
}

// proverInputKey returns the key for a batch's prover input artifact.
func proverInputKey(batchIdx uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixProver, batchIdx))
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan by
// incrementing the prefix's last byte.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
