package entities

import (
	"encoding/json"
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/field"
)

func testKey(t *testing.T) *field.Signer {
	t.Helper()
	s, err := field.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return s
}

func TestNoteHashConventions(t *testing.T) {
	n := Note{
		Index:    3,
		Token:    2413654107,
		Amount:   1_000_000,
		Blinding: field.FromUint64(42),
	}
	h1 := n.Hash()
	if field.IsZero(h1) {
		t.Error("funded note must not hash to zero")
	}

	n2 := n
	n2.Amount = 999_999
	if field.Equal(h1, n2.Hash()) {
		t.Error("amount change must change the hash")
	}

	spent := n
	spent.Amount = 0
	if !field.IsZero(spent.Hash()) {
		t.Error("zero-amount note must hash to zero")
	}
	if !spent.IsZero() {
		t.Error("zero-amount note must report IsZero")
	}
}

func TestNoteJSONRoundTrip(t *testing.T) {
	signer := testKey(t)
	pub := *signer.PublicKey()

	n := Note{
		Index:    7,
		Address:  pub,
		Token:    3592681469,
		Amount:   123456,
		Blinding: field.FromUint64(99),
	}

	data, err := json.Marshal(&n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Note
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Index != n.Index || back.Token != n.Token || back.Amount != n.Amount {
		t.Errorf("scalar fields differ after round trip: %+v vs %+v", back, n)
	}
	if !field.Equal(back.Blinding, n.Blinding) {
		t.Error("blinding differs after round trip")
	}
	if !field.Equal(back.Hash(), n.Hash()) {
		t.Error("hash differs after round trip")
	}
}

func TestPositionHashAndRoundTrip(t *testing.T) {
	signer := testKey(t)
	pub := *signer.PublicKey()

	p := Position{
		Index: 11,
		Header: PositionHeader{
			SyntheticToken:           3592681469,
			PositionAddress:          pub,
			AllowPartialLiquidations: true,
		},
		OrderSide:        Long,
		PositionSize:     10_000_000,
		Margin:           299_500_000,
		EntryPrice:       30_000,
		LiquidationPrice: 27_100,
		BankruptcyPrice:  27_005,
		LastFundingIdx:   4,
	}
	if field.IsZero(p.Hash()) {
		t.Error("open position must not hash to zero")
	}

	closed := p
	closed.PositionSize = 0
	if !field.IsZero(closed.Hash()) {
		t.Error("zero-size position must hash to zero")
	}

	data, err := json.Marshal(&p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Position
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !field.Equal(back.Hash(), p.Hash()) {
		t.Error("position hash differs after round trip")
	}
	if back.OrderSide != Long || back.Margin != p.Margin || back.LastFundingIdx != p.LastFundingIdx {
		t.Errorf("fields differ after round trip: %+v", back)
	}
}

func TestOrderTabHashAndRoundTrip(t *testing.T) {
	signer := testKey(t)
	pub := *signer.PublicKey()

	tab := OrderTab{
		TabIdx: 5,
		Header: TabHeader{
			BaseToken:     3592681469,
			QuoteToken:    2413654107,
			BaseBlinding:  field.FromUint64(1),
			QuoteBlinding: field.FromUint64(2),
			PubKey:        pub,
		},
		BaseAmount:  50_000_000,
		QuoteAmount: 15_000_000_000,
	}
	if field.IsZero(tab.Hash()) {
		t.Error("funded tab must not hash to zero")
	}

	drained := tab
	drained.BaseAmount = 0
	drained.QuoteAmount = 0
	if !field.IsZero(drained.Hash()) {
		t.Error("drained tab must hash to zero")
	}

	data, err := json.Marshal(&tab)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back OrderTab
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !field.Equal(back.Hash(), tab.Hash()) {
		t.Error("tab hash differs after round trip")
	}
}

func TestVLPNoteHashAndRoundTrip(t *testing.T) {
	signer := testKey(t)
	owner := Note{Address: *signer.PublicKey()}

	vlp := NewVLPNote(9, owner, 777, 1000, 900, field.FromUint64(5))
	if vlp.Token != 777 || vlp.Amount != 1000 || vlp.Index != 9 || vlp.InitialValue != 900 {
		t.Errorf("vlp note fields wrong: %+v", vlp)
	}
	if field.IsZero(vlp.Hash()) {
		t.Error("funded vlp note must not hash to zero")
	}

	// The cost basis is committed into the hash: bending it changes the
	// leaf, and the receipt hashes differently from a plain note.
	bent := *vlp
	bent.InitialValue = 901
	if field.Equal(vlp.Hash(), bent.Hash()) {
		t.Error("initial value change must change the vlp note hash")
	}
	if field.Equal(vlp.Hash(), vlp.Note.Hash()) {
		t.Error("vlp note must not hash like a plain note")
	}

	data, err := json.Marshal(vlp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back VLPNote
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.InitialValue != 900 {
		t.Errorf("initial value after round trip = %d, want 900", back.InitialValue)
	}
	if !field.Equal(back.Hash(), vlp.Hash()) {
		t.Error("vlp note hash differs after round trip")
	}
}
