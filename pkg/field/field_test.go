package field

import (
	"math/big"
	"testing"
)

func TestHashBinaryDeterministicAndOrdered(t *testing.T) {
	a := FromUint64(1)
	b := FromUint64(2)

	h1 := HashBinary(a, b)
	h2 := HashBinary(a, b)
	if !Equal(h1, h2) {
		t.Error("HashBinary is not deterministic")
	}
	if Equal(HashBinary(a, b), HashBinary(b, a)) {
		t.Error("HashBinary should be order-sensitive")
	}
	if IsZero(h1) {
		t.Error("hash of nonzero inputs should not be zero")
	}
}

func TestHashVectorConventions(t *testing.T) {
	if !IsZero(HashVector()) {
		t.Error("empty vector must hash to zero (the absent-leaf convention)")
	}
	a := FromUint64(7)
	b := FromUint64(8)
	if Equal(HashVector(a, b), HashVector(b, a)) {
		t.Error("HashVector should be order-sensitive")
	}
	if Equal(HashVector(a), HashVector(a, Zero())) {
		t.Error("appending an element must change the hash")
	}
}

func TestParseRoundTrip(t *testing.T) {
	e := FromUint64(123456789)
	s := String(e)
	back, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !Equal(e, back) {
		t.Errorf("round trip: got %s, want %s", String(back), s)
	}
}

func TestSignVerifyRecover(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	digest := DigestFields(FromUint64(1), FromUint64(2), FromUint64(3))
	if len(digest) != 32 {
		t.Fatalf("digest length = %d, want 32", len(digest))
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifySignature(signer.Address(), digest, sig) {
		t.Error("valid signature rejected")
	}

	// Bent payload must not verify.
	other := DigestFields(FromUint64(1), FromUint64(2), FromUint64(4))
	if VerifySignature(signer.Address(), other, sig) {
		t.Error("signature verified against a different payload")
	}

	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

// TestAggregatePubKeys checks the group-escape identity: the pubkey of the
// sum of two private scalars equals the curve-point sum of the two pubkeys.
func TestAggregatePubKeys(t *testing.T) {
	s1, _ := GenerateKey()
	s2, _ := GenerateKey()

	p1, _ := FromPrivateKeyHex(s1.PrivateKeyHex())
	p2, _ := FromPrivateKeyHex(s2.PrivateKeyHex())

	agg := AggregatePubKeys(p1.publicKey, p2.publicKey)
	if agg == nil || agg.X == nil {
		t.Fatal("aggregate key is nil")
	}

	// priv_sum = (priv1 + priv2) mod N
	n := agg.Curve.Params().N
	k1, _ := new(big.Int).SetString(s1.PrivateKeyHex(), 16)
	k2, _ := new(big.Int).SetString(s2.PrivateKeyHex(), 16)
	sum := new(big.Int).Mod(new(big.Int).Add(k1, k2), n)

	x, y := agg.Curve.ScalarBaseMult(sum.Bytes())
	if x.Cmp(agg.X) != 0 || y.Cmp(agg.Y) != 0 {
		t.Error("aggregate pubkey does not equal pubkey of summed private scalars")
	}
}

func TestPubKeyToFieldX(t *testing.T) {
	if !IsZero(PubKeyToFieldX(nil)) {
		t.Error("nil key must project to zero")
	}
	s, _ := GenerateKey()
	if IsZero(PubKeyToFieldX(s.publicKey)) {
		t.Error("real key must not project to zero")
	}
}
