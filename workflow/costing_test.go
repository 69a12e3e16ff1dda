package workflow

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The replay engine is pure:
// given the same move history it must produce the same costs, bit for bit,
// no matter how many times it runs. The DB layer only persists what the
// replay computed.

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func inMove(id int, qty, unitCost string) *timelineMove {
	return &timelineMove{ID: id, ItemId: 7, Direction: models.StockDirectionIn, Qty: d(qty), UnitCost: d(unitCost)}
}

func outMove(id int, qty string, journalId *int) *timelineMove {
	return &timelineMove{ID: id, ItemId: 7, Direction: models.StockDirectionOut, Qty: d(qty), JournalId: journalId}
}

func TestBackdatedInsertRepricesDownstream(t *testing.T) {
	// Existing history: IN 10 @ 10.00, OUT 4, IN 10 @ 5.00.
	// A backdated OUT 3 lands between the first IN and the OUT 4.
	prefix := []*timelineMove{inMove(1, "10", "10.00")}
	inserted := outMove(99, "3", nil)
	suffix := []*timelineMove{outMove(2, "4", nil), inMove(3, "10", "5.00")}

	bal, err := replayTimeline(zeroBalance(), prefix, "timeline replay")
	if err != nil {
		t.Fatalf("prefix replay: %v", err)
	}
	bal, err = applyMove(bal, inserted, "backdated insert")
	if err != nil {
		t.Fatalf("apply inserted move: %v", err)
	}
	// The inserted OUT is priced at the average prevailing at its point in
	// the timeline, not at today's average.
	if !inserted.UnitCost.Equal(d("10.00")) || !inserted.TotalCost.Equal(d("30.00")) {
		t.Fatalf("inserted OUT priced %s/%s, want 10.00/30.00", inserted.UnitCost, inserted.TotalCost)
	}

	final, err := replayTimeline(bal, suffix, "timeline replay")
	if err != nil {
		t.Fatalf("suffix replay: %v", err)
	}
	if !final.Qty.Equal(d("13")) {
		t.Errorf("final qty = %s, want 13", final.Qty)
	}
	if !final.Value.Equal(d("80.00")) {
		t.Errorf("final value = %s, want 80.00", final.Value)
	}
	if !final.Avg.Equal(d("6.15")) {
		t.Errorf("final avg = %s, want 6.15", final.Avg)
	}
	// Downstream OUT repriced at the shifted average.
	if !suffix[0].TotalCost.Equal(d("40.00")) {
		t.Errorf("downstream OUT cost = %s, want 40.00", suffix[0].TotalCost)
	}
}

func TestCheaperBackdatedReceiptShiftsDownstreamCost(t *testing.T) {
	j2 := 2
	// Original history: IN 10 @ 10.00, then OUT 4 costed 40.00 (journal 2).
	original := []*timelineMove{inMove(1, "10", "10.00"), outMove(5, "4", &j2)}
	if _, err := replayTimeline(zeroBalance(), original, "timeline replay"); err != nil {
		t.Fatalf("original replay: %v", err)
	}
	oldCost := original[1].TotalCost
	if !oldCost.Equal(d("40.00")) {
		t.Fatalf("original OUT cost = %s, want 40.00", oldCost)
	}

	// A cheap IN 10 @ 1.00 lands before the OUT: the average drops to 5.50
	// and the OUT recosts to 22.00.
	bal, err := replayTimeline(zeroBalance(), []*timelineMove{inMove(1, "10", "10.00")}, "timeline replay")
	if err != nil {
		t.Fatalf("prefix replay: %v", err)
	}
	bal, err = applyMove(bal, inMove(9, "10", "1.00"), "backdated insert")
	if err != nil {
		t.Fatalf("apply inserted IN: %v", err)
	}
	if !bal.Avg.Equal(d("5.50")) {
		t.Fatalf("average after cheap IN = %s, want 5.50", bal.Avg)
	}
	if _, err := replayTimeline(bal, original[1:], "timeline replay"); err != nil {
		t.Fatalf("suffix replay: %v", err)
	}
	if !original[1].TotalCost.Equal(d("22.00")) {
		t.Fatalf("recosted OUT = %s, want 22.00", original[1].TotalCost)
	}

	delta := original[1].TotalCost.Sub(oldCost)
	if !delta.Equal(d("-18.00")) {
		t.Fatalf("cost delta = %s, want -18.00", delta)
	}
}

func TestOversellRejectedAtBackdatedInsert(t *testing.T) {
	bal, err := replayTimeline(zeroBalance(), []*timelineMove{inMove(1, "2", "4.00")}, "timeline replay")
	if err != nil {
		t.Fatalf("setup replay: %v", err)
	}

	after, err := applyMove(bal, outMove(9, "5", nil), "backdated insert")
	var stockErr *utils.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Situation != "backdated insert" {
		t.Errorf("situation = %q, want %q", stockErr.Situation, "backdated insert")
	}
	if !after.Qty.Equal(bal.Qty) || !after.Value.Equal(bal.Value) {
		t.Errorf("balance changed on rejection: %+v -> %+v", bal, after)
	}
}

func TestOversellDuringReplayReturnsStartingBalance(t *testing.T) {
	start, err := replayTimeline(zeroBalance(), []*timelineMove{inMove(1, "3", "2.00")}, "timeline replay")
	if err != nil {
		t.Fatalf("setup replay: %v", err)
	}

	after, err := replayTimeline(start, []*timelineMove{outMove(2, "1", nil), outMove(3, "10", nil)}, "timeline replay")
	var stockErr *utils.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Situation != "timeline replay" {
		t.Errorf("situation = %q, want %q", stockErr.Situation, "timeline replay")
	}
	// A failed replay yields the starting balance, never a half-applied one.
	if !after.Qty.Equal(start.Qty) || !after.Value.Equal(start.Value) {
		t.Errorf("balance changed on failed replay: %+v -> %+v", start, after)
	}
}

func TestOutEmptyingPositionDrainsFullValue(t *testing.T) {
	// qty 13 at avg 6.15 holds 80.00 of value; 13 * 6.15 rounds to 79.95.
	// Draining to zero must take the full 80.00 so no residue survives.
	bal := runningBalance{Qty: d("13"), Avg: d("6.15"), Value: d("80.00")}
	out := outMove(1, "13", nil)
	final, err := applyMove(bal, out, "insert")
	if err != nil {
		t.Fatalf("applyMove: %v", err)
	}
	if !out.TotalCost.Equal(d("80.00")) {
		t.Errorf("drain cost = %s, want 80.00", out.TotalCost)
	}
	if !final.Qty.IsZero() || !final.Value.IsZero() || !final.Avg.IsZero() {
		t.Errorf("final balance = %+v, want all zero", final)
	}
}

func TestPartialOutCostCappedAtRemainingValue(t *testing.T) {
	// Rounded avg * qty can exceed the value actually on hand; the OUT must
	// never push the running value negative.
	bal := runningBalance{Qty: d("3"), Avg: d("3.34"), Value: d("10.00")}
	out := outMove(1, "2.9999", nil)
	final, err := applyMove(bal, out, "insert")
	if err != nil {
		t.Fatalf("applyMove: %v", err)
	}
	if out.TotalCost.GreaterThan(d("10.00")) {
		t.Errorf("OUT cost %s exceeds value on hand 10.00", out.TotalCost)
	}
	if final.Value.IsNegative() {
		t.Errorf("running value went negative: %s", final.Value)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	build := func() []*timelineMove {
		return []*timelineMove{
			inMove(1, "10", "10.00"),
			outMove(2, "3", nil),
			inMove(3, "7", "6.33"),
			outMove(4, "9.5", nil),
			inMove(5, "100", "0.07"),
			outMove(6, "50", nil),
		}
	}

	first := build()
	second := build()
	finalA, err := replayTimeline(zeroBalance(), first, "timeline replay")
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	finalB, err := replayTimeline(zeroBalance(), second, "timeline replay")
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}

	if !finalA.Qty.Equal(finalB.Qty) || !finalA.Avg.Equal(finalB.Avg) || !finalA.Value.Equal(finalB.Value) {
		t.Fatalf("replays diverged: %+v vs %+v", finalA, finalB)
	}
	for i := range first {
		if !first[i].UnitCost.Equal(second[i].UnitCost) || !first[i].TotalCost.Equal(second[i].TotalCost) {
			t.Fatalf("move %d costs diverged: %s/%s vs %s/%s", first[i].ID,
				first[i].UnitCost, first[i].TotalCost, second[i].UnitCost, second[i].TotalCost)
		}
	}
}

func TestApplyMoveRejectsNonPositiveQty(t *testing.T) {
	for _, qty := range []string{"0", "-1"} {
		if _, err := applyMove(zeroBalance(), inMove(1, qty, "1.00"), "insert"); err == nil {
			t.Errorf("qty %s accepted, want rejection", qty)
		}
	}
}
