package batch

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/execution"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/merkletree"
	"github.com/uhyunpark/rollupcore/pkg/orderbook"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollcfg"
	"github.com/uhyunpark/rollupcore/pkg/storage"
)

func newTestBatch(t *testing.T, store *storage.Store) *TransactionBatch {
	t.Helper()
	cfg := rollcfg.Default()
	cfg.Tree.Depth = 16
	b, err := New(cfg, store, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("batch engine: %v", err)
	}
	return b
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSigner(t *testing.T) *field.Signer {
	t.Helper()
	s, err := field.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return s
}

// deposit mints one note through the worker dispatch path.
func deposit(t *testing.T, b *TransactionBatch, s *field.Signer, token uint32, amount, blinding uint64) *entities.Note {
	t.Helper()
	h, err := b.ExecuteTransaction(context.Background(), Transaction{
		Kind: execution.KindDeposit,
		Deposit: &execution.DepositRequest{
			Owner:    *s.PublicKey(),
			Token:    token,
			Amount:   amount,
			NotesOut: []execution.NoteOut{{Amount: amount, Blinding: field.FromUint64(blinding)}},
		},
	})
	if err != nil {
		t.Fatalf("admit deposit: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait deposit: %v", err)
	}
	if !res.Successful {
		t.Fatalf("deposit failed: %s", res.ErrorMessage)
	}
	return &entities.Note{
		Index:    res.Deposit.Indices[0],
		Address:  *s.PublicKey(),
		Token:    token,
		Amount:   amount,
		Blinding: field.FromUint64(blinding),
	}
}

func signedSpotOrder(t *testing.T, s *field.Signer, id string, spent, received uint32, amountSpent, amountReceived uint64, notes []*entities.Note) *execution.SpotOrder {
	t.Helper()
	o := &execution.SpotOrder{
		OrderID:         id,
		Owner:           *s.PublicKey(),
		TokenSpent:      spent,
		TokenReceived:   received,
		AmountSpent:     amountSpent,
		AmountReceived:  amountReceived,
		FeeLimit:        amountSpent,
		NotesIn:         notes,
		RefundBlinding:  field.FromUint64(100),
		ReceiveBlinding: field.FromUint64(101),
	}
	sig, err := s.Sign(o.Digest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	o.Signature = sig
	return o
}

// TestSpotLimitCrossEndToEnd: a resting sell and a crossing buy execute a
// real state transition, and finalization commits it.
func TestSpotLimitCrossEndToEnd(t *testing.T) {
	store := newStore(t)
	b := newTestBatch(t, store)
	alice := newSigner(t)
	bob := newSigner(t)

	aliceUSDC := deposit(t, b, alice, perpmath.TokenUSDC, 300_000_000, 1)
	bobBTC := deposit(t, b, bob, perpmath.TokenBTC, 1_000_000, 2)

	// Bob rests an ask at 30,000.
	ack := b.SubmitSpotLimit(SpotLimitMsg{
		Market: "BTC-USDC",
		Side:   orderbook.Sell,
		Price:  30_000,
		Qty:    1_000_000,
		Order: signedSpotOrder(t, bob, "bob-ask", perpmath.TokenBTC, perpmath.TokenUSDC,
			1_000_000, 300_000_000, []*entities.Note{bobBTC}),
	})
	if !ack.Successful || !ack.Rested || len(ack.Fills) != 0 {
		t.Fatalf("resting ask ack wrong: %+v", ack)
	}

	// Alice crosses it.
	ack = b.SubmitSpotLimit(SpotLimitMsg{
		Market: "BTC-USDC",
		Side:   orderbook.Buy,
		Price:  30_000,
		Qty:    1_000_000,
		Order: signedSpotOrder(t, alice, "alice-bid", perpmath.TokenUSDC, perpmath.TokenBTC,
			300_000_000, 1_000_000, []*entities.Note{aliceUSDC}),
	})
	if !ack.Successful || len(ack.Fills) != 1 {
		t.Fatalf("crossing bid ack wrong: %+v", ack)
	}
	fill := ack.Fills[0]
	if !fill.Successful || fill.Price != 30_000 || fill.Qty != 1_000_000 {
		t.Fatalf("fill wrong: %+v", fill)
	}

	// Spent inputs are gone from the tree.
	if !field.IsZero(b.Tree().GetLeaf(aliceUSDC.Index).Hash) {
		t.Error("taker input should be zeroed")
	}
	if !field.IsZero(b.Tree().GetLeaf(bobBTC.Index).Hash) {
		t.Error("maker input should be zeroed")
	}

	res := b.FinalizeBatch()
	if !res.Successful {
		t.Fatalf("finalize failed: %s", res.ErrorMessage)
	}
	if res.BatchIdx != 1 || res.PreRoot == res.PostRoot || res.TxCount == 0 {
		t.Errorf("finalize result wrong: %+v", res)
	}

	// Program output prefix: [pre_root, new_root, batch_id, ...].
	out, err := b.ProgramOutput(1)
	if err != nil {
		t.Fatalf("program output: %v", err)
	}
	if field.String(out[0]) != res.PreRoot || field.String(out[1]) != res.PostRoot {
		t.Error("program output roots do not match finalize result")
	}
	if field.String(out[2]) != "1" {
		t.Errorf("program output batch id = %s, want 1", field.String(out[2]))
	}

	// Idempotence: a second finalize with no mutations returns the same
	// result and writes nothing new.
	again := b.FinalizeBatch()
	if again.BatchIdx != res.BatchIdx || again.PostRoot != res.PostRoot {
		t.Errorf("finalize is not idempotent: %+v vs %+v", again, res)
	}

	// Recovery law: a fresh engine over the same store replays to the
	// same root.
	b2 := newTestBatch(t, store)
	_, _, root, _, err := b2.Tree().Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if field.String(root) != res.PostRoot {
		t.Errorf("recovered root %s != finalized root %s", field.String(root), res.PostRoot)
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := newTestBatch(t, nil)
	bob := newSigner(t)
	bobBTC := deposit(t, b, bob, perpmath.TokenBTC, 1_000_000, 3)

	order := signedSpotOrder(t, bob, "bob-ask2", perpmath.TokenBTC, perpmath.TokenUSDC,
		1_000_000, 300_000_000, []*entities.Note{bobBTC})
	ack := b.SubmitSpotLimit(SpotLimitMsg{
		Market: "BTC-USDC", Side: orderbook.Sell, Price: 30_000, Qty: 1_000_000, Order: order,
	})
	if !ack.Rested {
		t.Fatal("order should rest")
	}
	userID := field.AddressFromPubKey(bob.PublicKey()).Hex()

	remaining, found, err := b.CancelOrder("BTC-USDC", "bob-ask2", userID)
	if err != nil || !found || remaining != 1_000_000 {
		t.Fatalf("first cancel = (%d,%v,%v)", remaining, found, err)
	}
	remaining, found, err = b.CancelOrder("BTC-USDC", "bob-ask2", userID)
	if err != nil || found || remaining != 0 {
		t.Errorf("second cancel should be a no-op: (%d,%v,%v)", remaining, found, err)
	}

	if _, _, err := b.CancelOrder("NO-SUCH", "x", "y"); err == nil {
		t.Error("unknown market must error")
	}
}

func TestOracleMonotonicity(t *testing.T) {
	b := newTestBatch(t, nil)

	errs := b.UpdateIndexPrices([]IndexPriceUpdate{
		{Token: perpmath.TokenBTC, Price: 30_000, Timestamp: 100},
	})
	if errs[0] != nil {
		t.Fatalf("first update rejected: %v", errs[0])
	}

	errs = b.UpdateIndexPrices([]IndexPriceUpdate{
		{Token: perpmath.TokenBTC, Price: 29_000, Timestamp: 100}, // not newer
		{Token: perpmath.TokenBTC, Price: 31_000, Timestamp: 101}, // newer
		{Token: 12345, Price: 1, Timestamp: 102},                  // unlisted
	})
	if errs[0] == nil {
		t.Error("stale timestamp must be rejected")
	}
	if errs[1] != nil {
		t.Errorf("newer update rejected: %v", errs[1])
	}
	if errs[2] == nil {
		t.Error("unlisted token must be rejected")
	}

	if p, ok := b.IndexPrice(perpmath.TokenBTC); !ok || p != 31_000 {
		t.Errorf("index price = %d, want 31000", p)
	}
}

func TestFundingEpochAdvance(t *testing.T) {
	b := newTestBatch(t, nil)

	// No index price yet: funding snapshot cannot be taken.
	if err := b.AdvanceFundingEpoch(perpmath.TokenBTC, 100); err == nil {
		t.Error("funding epoch without an index price must fail")
	}

	b.UpdateIndexPrices([]IndexPriceUpdate{{Token: perpmath.TokenBTC, Price: 30_000, Timestamp: 1}})
	if err := b.AdvanceFundingEpoch(perpmath.TokenBTC, 100); err != nil {
		t.Fatalf("funding epoch: %v", err)
	}
	f := b.fundingSnapshot()
	if f.CurrentFundingIdx != 2 || len(f.Rates) != 1 || f.Prices[0] != 30_000 {
		t.Errorf("funding snapshot wrong: %+v", f)
	}
}

func TestRestoreOrderbook(t *testing.T) {
	b := newTestBatch(t, nil)

	bids := []*orderbook.Order{{ID: "r1", UserID: "u1", Price: 29_000, Qty: 10, Remaining: 10, Seq: 1}}
	asks := []*orderbook.Order{{ID: "r2", UserID: "u2", Price: 31_000, Qty: 5, Remaining: 5, Seq: 2}}
	if err := b.RestoreOrderbook("BTC-USDC", bids, asks); err != nil {
		t.Fatalf("restore: %v", err)
	}
	m, err := b.markets.get("BTC-USDC")
	if err != nil {
		t.Fatal(err)
	}
	if best, ok := m.Book.BestBid(); !ok || best != 29_000 {
		t.Errorf("best bid after restore = %d", best)
	}
	if err := b.RestoreOrderbook("NO-SUCH", nil, nil); err == nil {
		t.Error("unknown market must error")
	}
}

// TestTabModificationDispatch drives a tab open through the composite
// worker path.
func TestTabModificationDispatch(t *testing.T) {
	b := newTestBatch(t, nil)
	mm := newSigner(t)

	base := deposit(t, b, mm, perpmath.TokenBTC, 50_000_000, 5)
	quote := deposit(t, b, mm, perpmath.TokenUSDC, 15_000_000_000, 6)

	req := execution.TabOpenRequest{
		Header: entities.TabHeader{
			BaseToken:     perpmath.TokenBTC,
			QuoteToken:    perpmath.TokenUSDC,
			BaseBlinding:  field.FromUint64(7),
			QuoteBlinding: field.FromUint64(8),
			PubKey:        *mm.PublicKey(),
		},
		BaseNotes:  []*entities.Note{base},
		QuoteNotes: []*entities.Note{quote},
	}
	sig, err := mm.Sign(req.Digest())
	if err != nil {
		t.Fatal(err)
	}
	req.Signature = sig

	h, err := b.ExecuteOrderTabModification(context.Background(), TabModification{Open: &req})
	if err != nil {
		t.Fatalf("admit tab open: %v", err)
	}
	res, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Successful || res.Open == nil {
		t.Fatalf("tab open failed: %+v", res)
	}
	if kind := b.Tree().GetLeaf(res.Open.TabIdx).Type; kind != merkletree.LeafOrderTab {
		t.Errorf("tab leaf kind = %v", kind)
	}
}
