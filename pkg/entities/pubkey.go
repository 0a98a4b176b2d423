package entities

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// pubKeyFromStrings rebuilds a secp256k1 public key from the decimal
// coordinate strings the wire forms carry. A zeroed coordinate pair (the
// encoding of an absent key) yields the zero-value key.
func pubKeyFromStrings(x, y string) ecdsa.PublicKey {
	if (x == "" || x == "0") && (y == "" || y == "0") {
		return ecdsa.PublicKey{}
	}
	xi, okX := new(big.Int).SetString(x, 10)
	yi, okY := new(big.Int).SetString(y, 10)
	if !okX || !okY {
		return ecdsa.PublicKey{}
	}
	return ecdsa.PublicKey{Curve: crypto.S256(), X: xi, Y: yi}
}
