package execution

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
)

// TestEscapeValid: a single-owner note escape with a correct signature
// zeroes the leaf and records is_valid.
func TestEscapeValid(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)
	note := depositOne(t, e, alice, perpmath.TokenUSDC, 777_000, 51)

	req := EscapeRequest{EscapeID: 1, Notes: []*entities.Note{note}}
	req.Signature = sign(t, alice, req.Digest())

	res := e.Escape(req, 90)
	if !res.Successful || !res.IsValid {
		t.Fatalf("escape should be valid: %+v", res)
	}
	if !field.IsZero(leafHash(e, note.Index)) {
		t.Error("escaped note leaf must be zero")
	}
}

// TestEscapeInvalidClaim: an escape naming a note whose hash does not
// match the ledger records counter-evidence (the actual leaf) and leaves
// the tree untouched.
func TestEscapeInvalidClaim(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)
	real := depositOne(t, e, alice, perpmath.TokenUSDC, 500_000, 52)

	// The claim inflates the amount, so its hash mismatches the leaf.
	fake := &entities.Note{
		Index:    real.Index,
		Address:  *alice.PublicKey(),
		Token:    perpmath.TokenUSDC,
		Amount:   9_999_999,
		Blinding: real.Blinding,
	}
	req := EscapeRequest{EscapeID: 2, Notes: []*entities.Note{fake}}
	req.Signature = sign(t, alice, req.Digest())

	res := e.Escape(req, 91)
	if !res.Successful {
		t.Fatalf("invalid escape is still a processed transaction: %+v", res)
	}
	if res.IsValid {
		t.Fatal("mismatched claim must not validate")
	}
	if len(res.CounterEvidence) != 1 {
		t.Fatalf("counter evidence entries = %d, want 1", len(res.CounterEvidence))
	}
	ev := res.CounterEvidence[0]
	if ev.Index != real.Index || ev.LeafHash != field.String(real.Hash()) {
		t.Errorf("counter evidence should name the actual leaf: %+v", ev)
	}
	if !field.Equal(leafHash(e, real.Index), real.Hash()) {
		t.Error("invalid escape must not mutate the tree")
	}
}

// TestEscapeAggregateSignature: two owners escape jointly; the signature
// must come from the key whose scalar is the sum of both owners' scalars
// (matching the curve-point sum of their public keys).
func TestEscapeAggregateSignature(t *testing.T) {
	e := newTestEngine()
	alice := newSigner(t)
	bob := newSigner(t)
	an := depositOne(t, e, alice, perpmath.TokenUSDC, 100, 53)
	bn := depositOne(t, e, bob, perpmath.TokenUSDC, 200, 54)

	req := EscapeRequest{EscapeID: 3, Notes: []*entities.Note{an, bn}}

	// Aggregate private scalar = (a + b) mod N.
	n := crypto.S256().Params().N
	ka, _ := new(big.Int).SetString(alice.PrivateKeyHex(), 16)
	kb, _ := new(big.Int).SetString(bob.PrivateKeyHex(), 16)
	sum := new(big.Int).Mod(new(big.Int).Add(ka, kb), n)
	aggKey, err := crypto.ToECDSA(common32(sum))
	if err != nil {
		t.Fatalf("aggregate key: %v", err)
	}
	sig, err := crypto.Sign(req.Digest(), aggKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.Signature = sig

	res := e.Escape(req, 92)
	if !res.IsValid {
		t.Fatalf("aggregate-signed escape should validate: %+v", res)
	}
	if !field.IsZero(leafHash(e, an.Index)) || !field.IsZero(leafHash(e, bn.Index)) {
		t.Error("both escaped leaves must be zero")
	}

	// A single owner's signature must not satisfy the aggregate.
	cn := depositOne(t, e, alice, perpmath.TokenUSDC, 300, 55)
	dn := depositOne(t, e, bob, perpmath.TokenUSDC, 400, 56)
	req2 := EscapeRequest{EscapeID: 4, Notes: []*entities.Note{cn, dn}}
	req2.Signature = sign(t, alice, req2.Digest())
	res = e.Escape(req2, 93)
	if res.IsValid {
		t.Error("single-owner signature must not validate a joint escape")
	}
}

// common32 left-pads a scalar to the 32 bytes crypto.ToECDSA expects.
func common32(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}
