package execution

import (
	"fmt"
	"testing"

	"github.com/uhyunpark/rollupcore/pkg/entities"
	"github.com/uhyunpark/rollupcore/pkg/field"
	"github.com/uhyunpark/rollupcore/pkg/perpmath"
	"github.com/uhyunpark/rollupcore/pkg/rollerr"
)

// fakeCommitments is an in-memory CommitmentStore with one-shot
// consumption, standing in for main storage.
type fakeCommitments struct {
	entries map[uint64]struct {
		kind string
		hash field.Element
	}
}

func newFakeCommitments() *fakeCommitments {
	return &fakeCommitments{entries: make(map[uint64]struct {
		kind string
		hash field.Element
	})}
}

func (f *fakeCommitments) put(id uint64, kind string, hash field.Element) {
	f.entries[id] = struct {
		kind string
		hash field.Element
	}{kind, hash}
}

func (f *fakeCommitments) ConsumeCommitment(id uint64, kind string, hash field.Element) error {
	e, ok := f.entries[id]
	if !ok {
		return fmt.Errorf("commitment %d not found", id)
	}
	if e.kind != kind || !field.Equal(e.hash, hash) {
		return fmt.Errorf("commitment %d does not match action", id)
	}
	delete(f.entries, id)
	return nil
}

const vlpToken = uint32(900001)

func registerPool(t *testing.T, e *Engine, fc *fakeCommitments, owner *field.Signer, orderID string) *entities.Position {
	t.Helper()
	pos := openLong(t, e, owner, orderID)
	dataHash := mmDataHash(pos.Hash(), field.FromUint64(uint64(vlpToken)), field.FromUint64(1_000_000_000_000))
	fc.put(1, "register_mm", dataHash)

	res := e.OnchainRegisterMM(MMRegisterRequest{
		ActionID:     1,
		Position:     pos,
		VlpToken:     vlpToken,
		MaxVlpSupply: 1_000_000_000_000,
	}, 80)
	if !res.Successful {
		t.Fatalf("register mm failed: %s", res.ErrorMessage)
	}
	return pos
}

// addLiquidity deposits amount of collateral for lp, adds it to the pool,
// and returns the VLP receipt the pool mints for it.
func addLiquidity(t *testing.T, e *Engine, fc *fakeCommitments, pos *entities.Position, lp *field.Signer, actionID, amount, blinding uint64) *entities.VLPNote {
	t.Helper()
	lpNote := depositOne(t, e, lp, perpmath.TokenUSDC, amount, blinding)
	fc.put(actionID, "add_liquidity", mmDataHash(pos.Hash(), lpNote.Hash()))
	supplyBefore := pos.VlpSupply
	marginBefore := pos.Margin

	res := e.OnchainAddLiquidity(MMAddLiquidityRequest{
		ActionID:    actionID,
		Position:    pos,
		Depositor:   *lp.PublicKey(),
		NotesIn:     []*entities.Note{lpNote},
		VlpBlinding: field.FromUint64(blinding + 1),
	}, 81)
	if !res.Successful {
		t.Fatalf("add liquidity failed: %s", res.ErrorMessage)
	}
	minted := amount * supplyBefore / marginBefore
	return entities.NewVLPNote(res.VlpOutIndex, entities.Note{Address: *lp.PublicKey()},
		vlpToken, minted, amount, field.FromUint64(blinding+1))
}

func TestMMRegisterRequiresCommitment(t *testing.T) {
	e := newTestEngine()
	fc := newFakeCommitments()
	e.Commitments = fc
	alice := newSigner(t)
	pos := openLong(t, e, alice, "mm-open0")

	res := e.OnchainRegisterMM(MMRegisterRequest{
		ActionID: 99, Position: pos, VlpToken: vlpToken, MaxVlpSupply: 1,
	}, 80)
	if !failedWithKind(res.Result, rollerr.CommitmentMissing) {
		t.Errorf("register without commitment should fail, got %q", res.ErrorMessage)
	}
}

func TestMMRegisterAndAddLiquidity(t *testing.T) {
	e := newTestEngine()
	fc := newFakeCommitments()
	e.Commitments = fc
	alice := newSigner(t)
	lp := newSigner(t)

	pos := registerPool(t, e, fc, alice, "mm-open1")
	if pos.Header.VlpToken != vlpToken {
		t.Fatal("vlp token not set")
	}
	// Shares start one-to-one with margin.
	if pos.VlpSupply != pos.Margin {
		t.Fatalf("initial vlp supply = %d, want %d", pos.VlpSupply, pos.Margin)
	}
	marginBefore := pos.Margin

	// Registering a live pool twice must fail.
	fc.put(9, "register_mm", mmDataHash(pos.Hash(), field.FromUint64(uint64(vlpToken)), field.FromUint64(1)))
	if res := e.OnchainRegisterMM(MMRegisterRequest{ActionID: 9, Position: pos, VlpToken: vlpToken, MaxVlpSupply: 1}, 80); res.Successful {
		t.Error("re-registering a live pool must fail")
	}

	vlp := addLiquidity(t, e, fc, pos, lp, 2, 100_000_000, 41)
	if pos.Margin != marginBefore+100_000_000 {
		t.Errorf("pool margin = %d, want %d", pos.Margin, marginBefore+100_000_000)
	}
	// At par, 100 USDC buys exactly 100 USDC worth of shares.
	if pos.VlpSupply != marginBefore+100_000_000 {
		t.Errorf("vlp supply = %d, want %d", pos.VlpSupply, marginBefore+100_000_000)
	}
	if vlp.Amount != 100_000_000 || vlp.InitialValue != 100_000_000 {
		t.Errorf("vlp receipt wrong: amount=%d initial=%d", vlp.Amount, vlp.InitialValue)
	}
	if !field.Equal(leafHash(e, vlp.Index), vlp.Hash()) {
		t.Error("vlp receipt note mismatch")
	}

	// Replaying the same action id must fail: commitments are one-shot.
	replay := depositOne(t, e, lp, perpmath.TokenUSDC, 50_000_000, 43)
	res := e.OnchainAddLiquidity(MMAddLiquidityRequest{
		ActionID:    2,
		Position:    pos,
		Depositor:   *lp.PublicKey(),
		NotesIn:     []*entities.Note{replay},
		VlpBlinding: field.FromUint64(44),
	}, 82)
	if !failedWithKind(res.Result, rollerr.CommitmentMissing) {
		t.Errorf("consumed commitment must not authorize a second action, got %q", res.ErrorMessage)
	}
}

func TestMMRemoveLiquidityFeeOnProfit(t *testing.T) {
	e := newTestEngine()
	fc := newFakeCommitments()
	e.Commitments = fc
	alice := newSigner(t)
	lp := newSigner(t)

	pos := registerPool(t, e, fc, alice, "mm-open2")
	vlp := addLiquidity(t, e, fc, pos, lp, 3, 100_000_000, 44)

	// Simulate pool PnL: bump margin 10% via a margin add by the owner, so
	// each share is now worth 1.1x its cost basis.
	topUp := depositOne(t, e, alice, perpmath.TokenUSDC, pos.Margin/10, 46)
	mcReq := MarginChangeRequest{Position: pos, Delta: int64(topUp.Amount), NotesIn: []*entities.Note{topUp}}
	mcReq.Signature = sign(t, alice, mcReq.Digest())
	if r := e.ChangePositionMargin(mcReq, 84); !r.Successful {
		t.Fatalf("margin top-up: %s", r.ErrorMessage)
	}
	marginBefore := pos.Margin
	supplyBefore := pos.VlpSupply

	fc.put(4, "remove_liquidity", mmDataHash(pos.Hash(), vlp.Hash()))
	res := e.OnchainRemoveLiquidity(MMRemoveLiquidityRequest{
		ActionID:       4,
		Position:       pos,
		VlpNotes:       []*entities.VLPNote{vlp},
		ReturnBlinding: field.FromUint64(47),
	}, 85)
	if !res.Successful {
		t.Fatalf("remove liquidity failed: %s", res.ErrorMessage)
	}

	// Share value 110 USDC against a 100 USDC initial value: the 20%
	// performance fee takes 2 USDC and the LP nets 108.
	if res.FeeTaken != 2_000_000 {
		t.Errorf("performance fee = %d, want 2000000", res.FeeTaken)
	}
	ret := &entities.Note{
		Index: res.ReturnIndex, Address: *lp.PublicKey(),
		Token: perpmath.TokenUSDC, Amount: 108_000_000, Blinding: field.FromUint64(47),
	}
	if !field.Equal(leafHash(e, res.ReturnIndex), ret.Hash()) {
		t.Error("redemption return note mismatch")
	}
	// The full share value leaves the pool: the fee is not re-credited to
	// the remaining holders' margin.
	if pos.Margin != marginBefore-110_000_000 {
		t.Errorf("pool margin after redemption = %d, want %d", pos.Margin, marginBefore-110_000_000)
	}
	if pos.VlpSupply != supplyBefore-100_000_000 {
		t.Errorf("vlp supply after burn = %d, want %d", pos.VlpSupply, supplyBefore-100_000_000)
	}
	// Burned receipt leaf zeroed.
	if !field.IsZero(leafHash(e, vlp.Index)) {
		t.Error("burned vlp receipt must be zeroed")
	}
}

func TestMMCloseDrainsPool(t *testing.T) {
	e := newTestEngine()
	fc := newFakeCommitments()
	e.Commitments = fc
	alice := newSigner(t)

	pos := registerPool(t, e, fc, alice, "mm-open3")
	marginBefore := pos.Margin
	supply := pos.VlpSupply

	fc.put(5, "close_mm", mmDataHash(pos.Hash(), field.FromUint64(marginBefore), field.FromUint64(supply)))
	res := e.OnchainCloseMM(MMCloseRequest{
		ActionID:        5,
		Position:        pos,
		InitialValueSum: marginBefore,
		VlpAmountSum:    supply,
		ReturnBlinding:  field.FromUint64(48),
	}, 86)
	if !res.Successful {
		t.Fatalf("close mm failed: %s", res.ErrorMessage)
	}

	// Flat pool (value == summed cost basis): no fee, the whole redeemed
	// value pays out and the pool margin drains in full.
	if res.FeeTaken != 0 {
		t.Errorf("flat pool fee = %d, want 0", res.FeeTaken)
	}
	if pos.Margin != 0 {
		t.Errorf("pool margin after close = %d, want 0", pos.Margin)
	}
	if pos.VlpSupply != 0 {
		t.Error("vlp supply must drop to zero on close")
	}
	ret := &entities.Note{
		Index: res.ReturnIndex, Address: *alice.PublicKey(),
		Token: perpmath.TokenUSDC, Amount: marginBefore, Blinding: field.FromUint64(48),
	}
	if !field.Equal(leafHash(e, res.ReturnIndex), ret.Hash()) {
		t.Error("close payout note mismatch")
	}

	// A drained pool is no longer a pool: further MM actions reject.
	fc.put(6, "close_mm", mmDataHash(pos.Hash(), field.FromUint64(1), field.FromUint64(1)))
	again := e.OnchainCloseMM(MMCloseRequest{ActionID: 6, Position: pos, InitialValueSum: 1, VlpAmountSum: 1, ReturnBlinding: field.FromUint64(49)}, 87)
	if again.Successful {
		t.Error("closing a drained pool must fail")
	}
}
