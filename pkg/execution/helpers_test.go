package execution

import (
	"fmt"
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
)

const testDepth = 16

func newTestEngine() *Engine {
	tree := merkletree.NewSuperficial(testDepth)
	alloc := merkletree.NewIndexAllocator(testDepth)
	return NewEngine(tree, alloc)
}

func newSigner(t *testing.T) *field.Signer {
	t.Helper()
	s, err := field.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return s
}

// depositOne mints a single note of (token, amount) to the signer and
// returns it with its assigned index.
func depositOne(t *testing.T, e *Engine, s *field.Signer, token uint32, amount uint64, blinding uint64) *entities.Note {
	t.Helper()
	res := e.Deposit(DepositRequest{
		DepositID: fmt.Sprintf("dep-%d-%d", token, blinding),
		Owner:     *s.PublicKey(),
		Token:     token,
		Amount:    amount,
		NotesOut:  []NoteOut{{Amount: amount, Blinding: field.FromUint64(blinding)}},
	}, 1)
	if !res.Successful {
		t.Fatalf("deposit failed: %s", res.ErrorMessage)
	}
	return &entities.Note{
		Index:    res.Indices[0],
		Address:  *s.PublicKey(),
		Token:    token,
		Amount:   amount,
		Blinding: field.FromUint64(blinding),
	}
}

func sign(t *testing.T, s *field.Signer, digest []byte) []byte {
	t.Helper()
	sig, err := s.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

// spotOrder builds and signs a spot order spending (tokenSpent, amountSpent)
// for at least amountReceived of tokenReceived, funded by notes.
func spotOrder(t *testing.T, s *field.Signer, id string, tokenSpent, tokenReceived uint32, amountSpent, amountReceived uint64, notes []*entities.Note) *SpotOrder {
	t.Helper()
	o := &SpotOrder{
		OrderID:         id,
		Owner:           *s.PublicKey(),
		TokenSpent:      tokenSpent,
		TokenReceived:   tokenReceived,
		AmountSpent:     amountSpent,
		AmountReceived:  amountReceived,
		FeeLimit:        amountSpent, // generous for tests
		NotesIn:         notes,
		RefundBlinding:  field.FromUint64(1000),
		ReceiveBlinding: field.FromUint64(1001),
	}
	o.Signature = sign(t, s, o.Digest())
	return o
}

// perpOrder builds and signs a perpetual order.
func perpOrder(t *testing.T, s *field.Signer, id string, effect PositionEffect, side entities.Side, synAmount, collAmount uint64, notes []*entities.Note, pos *entities.Position) *PerpOrder {
	t.Helper()
	o := &PerpOrder{
		OrderID:          id,
		Owner:            *s.PublicKey(),
		SyntheticToken:   perpmath.TokenBTC,
		Effect:           effect,
		Side:             side,
		SyntheticAmount:  synAmount,
		CollateralAmount: collAmount,
		FeeLimit:         collAmount,
		NotesIn:          notes,
		RefundBlinding:   field.FromUint64(2000),
		ReceiveBlinding:  field.FromUint64(2001),
		Position:         pos,
	}
	o.Signature = sign(t, s, o.Digest())
	return o
}

// leafHash reads the current leaf hash at index.
func leafHash(e *Engine, index uint64) field.Element {
	return e.Tree.GetLeaf(index).Hash
}
