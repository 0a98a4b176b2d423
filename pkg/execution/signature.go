package execution

import (
	"crypto/ecdsa"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

// verifyOwnerSignature checks that sig is a valid ECDSA signature by the
// holder of owner over payload. Used by every mutation that spends a
// note, modifies a position, or touches an order tab; it always runs
// before any state write, so a malformed signature can never leave
// partial state behind.
func verifyOwnerSignature(owner *ecdsa.PublicKey, payload []byte, sig []byte) bool {
	addr := field.AddressFromPubKey(owner)
	return field.VerifySignature(addr, payload, sig)
}

// notesInDigest builds the signing payload for a transaction spending a
// set of input notes (by hash) with an optional refund note hash folded
// in, the shape every spend/split/withdrawal signature covers.
func notesInDigest(noteHashes []field.Element, refundHash field.Element, extra ...field.Element) []byte {
	all := make([]field.Element, 0, len(noteHashes)+1+len(extra))
	all = append(all, noteHashes...)
	all = append(all, refundHash)
	all = append(all, extra...)
	return field.DigestFields(all...)
}
