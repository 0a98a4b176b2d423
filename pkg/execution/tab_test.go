package execution

import (
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
)

func openTab(t *testing.T, e *Engine, s *field.Signer) (*entities.OrderTab, TabOpenResult) {
	t.Helper()
	base := depositOne(t, e, s, perpmath.TokenBTC, 50_000_000, 31)
	quote := depositOne(t, e, s, perpmath.TokenUSDC, 15_000_000_000, 32)

	req := TabOpenRequest{
		Header: entities.TabHeader{
			BaseToken:     perpmath.TokenBTC,
			QuoteToken:    perpmath.TokenUSDC,
			BaseBlinding:  field.FromUint64(33),
			QuoteBlinding: field.FromUint64(34),
			PubKey:        *s.PublicKey(),
		},
		BaseNotes:  []*entities.Note{base},
		QuoteNotes: []*entities.Note{quote},
	}
	req.Signature = sign(t, s, req.Digest())

	res := e.OpenOrderTab(req, 70)
	if !res.Successful {
		t.Fatalf("tab open failed: %s", res.ErrorMessage)
	}
	tab := &entities.OrderTab{
		TabIdx:      res.TabIdx,
		Header:      req.Header,
		BaseAmount:  50_000_000,
		QuoteAmount: 15_000_000_000,
	}
	return tab, res
}

func TestTabOpenClose(t *testing.T) {
	e := newTestEngine()
	mm := newSigner(t)
	tab, res := openTab(t, e, mm)

	if !field.Equal(leafHash(e, tab.TabIdx), tab.Hash()) {
		t.Fatal("tab leaf mismatch after open")
	}
	if field.String(tab.Hash()) != res.TabHash {
		t.Error("reported tab hash differs from recomputed")
	}

	// Partial close: withdraw half the base, none of the quote.
	closeReq := TabCloseRequest{
		Tab:           tab,
		BaseAmount:    25_000_000,
		QuoteAmount:   0,
		BaseBlinding:  field.FromUint64(35),
		QuoteBlinding: field.FromUint64(36),
	}
	closeReq.Signature = sign(t, mm, closeReq.Digest())
	cres := e.CloseOrderTab(closeReq, 71)
	if !cres.Successful {
		t.Fatalf("partial tab close failed: %s", cres.ErrorMessage)
	}
	if tab.BaseAmount != 25_000_000 {
		t.Errorf("tab base = %d, want 25000000", tab.BaseAmount)
	}
	if !field.Equal(leafHash(e, tab.TabIdx), tab.Hash()) {
		t.Error("reduced tab leaf mismatch")
	}
	baseOut := &entities.Note{
		Index: cres.BaseOutIndex, Address: *mm.PublicKey(),
		Token: perpmath.TokenBTC, Amount: 25_000_000, Blinding: field.FromUint64(35),
	}
	if !field.Equal(leafHash(e, cres.BaseOutIndex), baseOut.Hash()) {
		t.Error("base return note mismatch")
	}

	// Full close drains both sides and zeroes the tab leaf.
	closeAll := TabCloseRequest{
		Tab:           tab,
		BaseAmount:    25_000_000,
		QuoteAmount:   15_000_000_000,
		BaseBlinding:  field.FromUint64(37),
		QuoteBlinding: field.FromUint64(38),
	}
	closeAll.Signature = sign(t, mm, closeAll.Digest())
	cres = e.CloseOrderTab(closeAll, 72)
	if !cres.Successful {
		t.Fatalf("full tab close failed: %s", cres.ErrorMessage)
	}
	if !field.IsZero(leafHash(e, tab.TabIdx)) {
		t.Error("drained tab leaf must be zero")
	}
}

func TestTabCloseOverdraw(t *testing.T) {
	e := newTestEngine()
	mm := newSigner(t)
	tab, _ := openTab(t, e, mm)

	req := TabCloseRequest{
		Tab:         tab,
		BaseAmount:  tab.BaseAmount + 1,
		QuoteAmount: 0,
	}
	req.Signature = sign(t, mm, req.Digest())
	if res := e.CloseOrderTab(req, 73); res.Successful {
		t.Error("overdrawing a tab must fail")
	}
	if !field.Equal(leafHash(e, tab.TabIdx), tab.Hash()) {
		t.Error("failed close must not mutate the tab")
	}
}
