// Package field provides the prime-field arithmetic and hash primitives the
// rest of the engine treats as given: a single prime-order field compatible
// with STARK arithmetic, a binary and a vector hash over that field, and
// ECDSA signing/verification over secp256k1 for note, position, and tab
// ownership.
package field

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Element is a single element of the scalar field used for every note,
// position, and order-tab hash, and for every Merkle interior node. It is a
// fixed-size value (no arbitrary-precision heap allocation in hot paths).
type Element = fr.Element

// Zero returns the additive identity.
func Zero() Element {
	var z Element
	return z
}

// FromUint64 lifts a u64 into the field.
func FromUint64(v uint64) Element {
	var e Element
	e.SetUint64(v)
	return e
}

// FromBigInt lifts an arbitrary-precision integer into the field, reducing
// modulo the field order.
func FromBigInt(v *big.Int) Element {
	var e Element
	e.SetBigInt(v)
	return e
}

// FromBytes interprets big-endian bytes as a field element, reducing modulo
// the field order.
func FromBytes(b []byte) Element {
	var e Element
	e.SetBytes(b)
	return e
}

// Bytes32 returns the canonical big-endian 32-byte encoding of e.
func Bytes32(e Element) [32]byte {
	return e.Bytes()
}

// Equal reports whether two elements represent the same field value.
func Equal(a, b Element) bool {
	return a.Equal(&b)
}

// IsZero reports whether e is the additive identity, the hash value an
// unused or fully-spent leaf collapses to.
func IsZero(e Element) bool {
	return e.IsZero()
}

// Add returns a+b.
func Add(a, b Element) Element {
	var out Element
	out.Add(&a, &b)
	return out
}

// String renders e as a decimal string, for logs and JSON.
func String(e Element) string {
	return e.String()
}

// Parse parses a decimal or 0x-hex string into an Element.
func Parse(s string) (Element, error) {
	var e Element
	if _, err := e.SetString(s); err != nil {
		return Element{}, fmt.Errorf("field: parse %q: %w", s, err)
	}
	return e, nil
}
