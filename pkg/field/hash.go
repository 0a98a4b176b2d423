package field

import (
	"crypto/ecdsa"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// HashBinary folds two field elements into one. It is the node function used
// everywhere a fixed-arity commitment is needed: Merkle interior nodes and
// the amount/blinding commitments inside note, VLP note and tab hashes.
// Position and tab header hashes use HashVector instead. Order
// matters: HashBinary(a, b) != HashBinary(b, a) in general.
func HashBinary(a, b Element) Element {
	h := mimc.NewMiMC()
	ab := a.Bytes()
	bb := b.Bytes()
	h.Write(ab[:])
	h.Write(bb[:])
	var out Element
	out.SetBytes(h.Sum(nil))
	return out
}

// HashVector folds an arbitrary-arity list of field elements into one. Used
// for leaf hashes (note/position/tab) whose field count varies by entity
// kind. An empty vector hashes to the zero element, matching the convention
// an unallocated leaf already uses for "absent".
func HashVector(xs ...Element) Element {
	if len(xs) == 0 {
		return Zero()
	}
	h := mimc.NewMiMC()
	for _, x := range xs {
		b := x.Bytes()
		h.Write(b[:])
	}
	var out Element
	out.SetBytes(h.Sum(nil))
	return out
}

// PubKeyToFieldX projects the X coordinate of an ECDSA public key into the
// scalar field. Every note/position/tab is addressed by this projection
// rather than by the raw secp256k1 point, so a single field element can sit
// in a leaf alongside the rest of the entity's fields.
func PubKeyToFieldX(pub *ecdsa.PublicKey) Element {
	if pub == nil || pub.X == nil {
		return Zero()
	}
	return FromBigInt(pub.X)
}
