package orderbook

import (
	"testing"
	"time"
)

func limit(id, user string, side Side, price, qty uint64) *Order {
	return &Order{ID: id, UserID: user, Side: side, Price: price, Qty: qty}
}

func fillsOf(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventFilled {
			out = append(out, ev)
		}
	}
	return out
}

func TestLimitMatchAndRest(t *testing.T) {
	b := NewBook()

	events := b.NewLimit(limit("ask1", "alice", Sell, 30_000, 100))
	if len(fillsOf(events)) != 0 {
		t.Error("lone ask should not fill")
	}

	events = b.NewLimit(limit("bid1", "bob", Buy, 30_000, 40))
	fills := fillsOf(events)
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	f := fills[0]
	if f.MakerID != "ask1" || f.TakerID != "bid1" || f.Price != 30_000 || f.Qty != 40 {
		t.Errorf("unexpected fill: %+v", f)
	}

	// Maker's residual 60 still rests: a further crossing bid fills it.
	events = b.NewLimit(limit("bid2", "carol", Buy, 31_000, 100))
	fills = fillsOf(events)
	if len(fills) != 1 || fills[0].Qty != 60 || fills[0].Price != 30_000 {
		t.Errorf("residual maker fill wrong: %+v", fills)
	}
}

// TestPriceTimePriority: better prices fill first; FIFO breaks ties.
func TestPriceTimePriority(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("a_29900", "a", Sell, 29_900, 10))
	b.NewLimit(limit("b_30000_first", "b", Sell, 30_000, 10))
	b.NewLimit(limit("c_30000_second", "c", Sell, 30_000, 10))

	events := b.NewLimit(limit("taker", "t", Buy, 30_000, 25))
	fills := fillsOf(events)
	if len(fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(fills))
	}
	wantOrder := []string{"a_29900", "b_30000_first", "c_30000_second"}
	for i, want := range wantOrder {
		if fills[i].MakerID != want {
			t.Errorf("fill %d maker = %s, want %s", i, fills[i].MakerID, want)
		}
	}
	if fills[2].Qty != 5 {
		t.Errorf("last fill qty = %d, want 5", fills[2].Qty)
	}
}

func TestSelfMatchPrevention(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("own1", "alice", Sell, 30_000, 10))
	b.NewLimit(limit("own2", "alice", Sell, 30_000, 10))
	b.NewLimit(limit("other", "bob", Sell, 30_000, 10))

	events := b.NewLimit(limit("taker", "alice", Buy, 30_000, 10))
	fills := fillsOf(events)
	if len(fills) != 1 || fills[0].MakerID != "other" {
		t.Fatalf("self-match not skipped: %+v", fills)
	}

	// Alice's own orders must still be resting.
	if remaining, ok := b.Cancel("own1", "alice"); !ok || remaining != 10 {
		t.Error("skipped own order should remain resting untouched")
	}
}

func TestMarketOrderUnfilledRemainder(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("ask1", "alice", Sell, 30_000, 30))

	events, unfilled := b.NewMarket("mkt1", "bob", Buy, 100)
	fills := fillsOf(events)
	if len(fills) != 1 || fills[0].Qty != 30 {
		t.Fatalf("market fill wrong: %+v", fills)
	}
	if unfilled != 70 {
		t.Errorf("unfilled = %d, want 70", unfilled)
	}
	// Market orders never rest.
	if _, ok := b.Cancel("mkt1", "bob"); ok {
		t.Error("market order must not rest")
	}
}

func TestCancelIdempotent(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("bid1", "alice", Buy, 29_000, 50))

	remaining, ok := b.Cancel("bid1", "alice")
	if !ok || remaining != 50 {
		t.Fatalf("first cancel = (%d,%v), want (50,true)", remaining, ok)
	}
	remaining, ok = b.Cancel("bid1", "alice")
	if ok || remaining != 0 {
		t.Errorf("second cancel = (%d,%v), want (0,false)", remaining, ok)
	}

	// Wrong user cannot cancel.
	b.NewLimit(limit("bid2", "alice", Buy, 29_000, 50))
	if _, ok := b.Cancel("bid2", "mallory"); ok {
		t.Error("cancel by non-owner must fail")
	}
}

func TestAmend(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("ask1", "alice", Sell, 31_000, 50))
	b.NewLimit(limit("bid1", "bob", Buy, 30_000, 20))

	// Amend the ask down to cross the bid.
	events, err := b.Amend("ask1", "alice", 30_000, 0, false)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	fills := fillsOf(events)
	if len(fills) != 1 || fills[0].Qty != 20 || fills[0].Price != 30_000 {
		t.Fatalf("amend fills wrong: %+v", fills)
	}
	// Residual 30 rested at the new price.
	if remaining, ok := b.Cancel("ask1", "alice"); !ok || remaining != 30 {
		t.Errorf("amend residual = (%d,%v), want (30,true)", remaining, ok)
	}

	if _, err := b.Amend("ghost", "alice", 1, 0, false); err == nil {
		t.Error("amend of unknown order must error")
	}
}

func TestAmendMatchOnlyDropsResidual(t *testing.T) {
	b := NewBook()
	b.NewLimit(limit("ask1", "alice", Sell, 31_000, 50))
	b.NewLimit(limit("bid1", "bob", Buy, 30_000, 20))

	events, err := b.Amend("ask1", "alice", 30_000, 0, true)
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if len(fillsOf(events)) != 1 {
		t.Fatal("match-only amend should still match the crossable part")
	}
	// The residual must be dropped, not rested.
	if _, ok := b.Cancel("ask1", "alice"); ok {
		t.Error("match-only residual must not rest")
	}
}

func TestRestore(t *testing.T) {
	b := NewBook()
	bids := []*Order{
		{ID: "b1", UserID: "u1", Price: 29_000, Qty: 10, Remaining: 10, Seq: 1},
		{ID: "b2", UserID: "u2", Price: 29_500, Qty: 5, Remaining: 5, Seq: 2},
	}
	asks := []*Order{
		{ID: "a1", UserID: "u3", Price: 30_500, Qty: 7, Remaining: 7, Seq: 3},
	}
	b.Restore(bids, asks)

	if best, ok := b.BestBid(); !ok || best != 29_500 {
		t.Errorf("best bid = %d, want 29500", best)
	}
	if best, ok := b.BestAsk(); !ok || best != 30_500 {
		t.Errorf("best ask = %d, want 30500", best)
	}
	// Restored orders are cancelable by their owners.
	if remaining, ok := b.Cancel("b1", "u1"); !ok || remaining != 10 {
		t.Error("restored order not addressable")
	}
}

// TestDeterminism: the same input stream on two empty books produces the
// identical event sequence.
func TestDeterminism(t *testing.T) {
	run := func() []Event {
		b := NewBook()
		var all []Event
		all = append(all, b.NewLimit(limit("s1", "a", Sell, 30_100, 10))...)
		all = append(all, b.NewLimit(limit("s2", "b", Sell, 30_000, 15))...)
		all = append(all, b.NewLimit(limit("b1", "c", Buy, 30_100, 20))...)
		ev, _ := b.NewMarket("m1", "d", Buy, 3)
		all = append(all, ev...)
		return all
	}

	x, y := run(), run()
	if len(x) != len(y) {
		t.Fatalf("event counts differ: %d vs %d", len(x), len(y))
	}
	for i := range x {
		if x[i] != y[i] {
			t.Errorf("event %d differs: %+v vs %+v", i, x[i], y[i])
		}
	}
}

func TestBlockedOrdersSerialize(t *testing.T) {
	bo := NewBlockedOrders()

	if !bo.Acquire("ord1", 10*time.Millisecond) {
		t.Fatal("first acquire must succeed")
	}
	if bo.Acquire("ord1", 20*time.Millisecond) {
		t.Error("second acquire while held must time out")
	}
	bo.Release("ord1")
	if !bo.Acquire("ord1", 10*time.Millisecond) {
		t.Error("acquire after release must succeed")
	}
	bo.Release("ord1")

	// Contended acquire succeeds once the holder releases.
	if !bo.Acquire("ord2", time.Millisecond) {
		t.Fatal("acquire ord2")
	}
	done := make(chan bool)
	go func() {
		done <- bo.Acquire("ord2", 500*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)
	bo.Release("ord2")
	if !<-done {
		t.Error("waiter should acquire after release")
	}
}
