package field

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
)

// AggregatePubKeys sums a set of secp256k1 public keys with curve-point
// addition, producing the aggregate key a group signature (e.g. a forced
// escape by multiple asset owners) is verified against. Returns nil for an
// empty input.
func AggregatePubKeys(pubs ...*ecdsa.PublicKey) *ecdsa.PublicKey {
	if len(pubs) == 0 {
		return nil
	}
	curve := crypto.S256()
	x, y := pubs[0].X, pubs[0].Y
	for _, p := range pubs[1:] {
		x, y = curve.Add(x, y, p.X, p.Y)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
}
