package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Weighted-average-cost engine. The StockMove history is the source of
// truth; the StockBalance snapshot is derived by replaying moves in
// (date, insertion order). All monetary amounts round to 2 dp at each step
// so repeated replays are bit-for-bit reproducible.

// TimelineCorruptionError flags a (warehouse, item) history whose replay
// goes negative. Corruption is surfaced, never silently clamped.
type TimelineCorruptionError struct {
	CompanyId   string
	WarehouseId int
	ItemId      int
	MoveId      int
	Reason      string
}

func (e *TimelineCorruptionError) Error() string {
	return fmt.Sprintf("stock timeline corrupted: company %s warehouse %d item %d move %d: %s",
		e.CompanyId, e.WarehouseId, e.ItemId, e.MoveId, e.Reason)
}

type runningBalance struct {
	Qty   decimal.Decimal
	Avg   decimal.Decimal
	Value decimal.Decimal
}

func zeroBalance() runningBalance {
	return runningBalance{Qty: decimal.Zero, Avg: decimal.Zero, Value: decimal.Zero}
}

// timelineMove carries the replay-relevant fields of a StockMove. The replay
// rewrites UnitCost/TotalCost in place; everything else is read-only.
type timelineMove struct {
	ID        int
	ItemId    int
	Direction models.StockDirection
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	TotalCost decimal.Decimal
	JournalId *int
}

func timelineFromMoves(moves []*models.StockMove) []*timelineMove {
	timeline := make([]*timelineMove, 0, len(moves))
	for _, m := range moves {
		timeline = append(timeline, &timelineMove{
			ID:        m.ID,
			ItemId:    m.ItemId,
			Direction: m.Direction,
			Qty:       m.Qty,
			UnitCost:  m.UnitCost,
			TotalCost: m.TotalCost,
			JournalId: m.JournalId,
		})
	}
	return timeline
}

// applyMove advances the running balance by one move.
//
// IN: quantity and cost add to the running totals; the average recomputes as
// value / quantity. OUT: the move is priced at the prevailing average; an OUT
// larger than the quantity on hand is an insufficient-stock rejection tagged
// with the caller's situation. An OUT that empties the position drains the
// full remaining value so no rounding residue survives at zero quantity.
func applyMove(bal runningBalance, mv *timelineMove, situation string) (runningBalance, error) {
	if !mv.Qty.IsPositive() {
		return bal, errors.New("stock move qty must be positive")
	}

	switch mv.Direction {
	case models.StockDirectionIn:
		total := utils.RoundMoney(mv.Qty.Mul(mv.UnitCost))
		mv.TotalCost = total

		qty := bal.Qty.Add(mv.Qty)
		value := utils.RoundMoney(bal.Value.Add(total))
		avg := utils.RoundMoney(value.Div(qty))
		return runningBalance{Qty: qty, Avg: avg, Value: value}, nil

	case models.StockDirectionOut:
		if mv.Qty.GreaterThan(bal.Qty) {
			return bal, &utils.InsufficientStockError{
				Situation: situation,
				ItemId:    mv.ItemId,
				Requested: mv.Qty,
				OnHand:    bal.Qty,
			}
		}
		unit := bal.Avg
		var total decimal.Decimal
		if mv.Qty.Equal(bal.Qty) {
			total = bal.Value
		} else {
			total = utils.RoundMoney(mv.Qty.Mul(unit))
			if total.GreaterThan(bal.Value) {
				total = bal.Value
			}
		}
		mv.UnitCost = unit
		mv.TotalCost = total

		qty := bal.Qty.Sub(mv.Qty)
		value := utils.RoundMoney(bal.Value.Sub(total))
		avg := bal.Avg
		if qty.IsZero() {
			avg = decimal.Zero
		}
		return runningBalance{Qty: qty, Avg: avg, Value: value}, nil

	default:
		return bal, errors.New("invalid stock move direction")
	}
}

// replayTimeline applies moves in order, recomputing OUT costs from the
// running average as it goes.
func replayTimeline(start runningBalance, moves []*timelineMove, situation string) (runningBalance, error) {
	bal := start
	var err error
	for _, mv := range moves {
		bal, err = applyMove(bal, mv, situation)
		if err != nil {
			return start, err
		}
	}
	return bal, nil
}

// StockMoveResult is what a recorded move did to the timeline.
// JournalDeltas maps a journal id to the signed cost change the replay
// attributed to it (new total minus old total); the caller realizes each
// delta as a new correcting journal entry, never by editing the original.
type StockMoveResult struct {
	Move          *models.StockMove
	Balance       *models.StockBalance
	JournalDeltas map[int]decimal.Decimal
	Backdated     bool
}

// InsertStockMoveInTx records one inventory movement inside the caller's
// transaction so it can commit atomically with an idempotency marker. A move
// dated at or after every existing move appends against the snapshot; a move
// dated strictly before an existing move triggers a full forward replay under
// the balance row lock, because the insertion shifts the average-cost
// baseline for everything downstream.
func InsertStockMoveInTx(ctx context.Context, tx *gorm.DB, input *models.NewStockMove) (*StockMoveResult, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	if !input.Qty.IsPositive() {
		return nil, errors.New("stock move qty must be positive")
	}
	switch input.Direction {
	case models.StockDirectionIn:
		if input.UnitCost.IsNegative() {
			return nil, errors.New("unit cost must not be negative")
		}
	case models.StockDirectionOut:
		// OUT moves are priced by the engine at the prevailing average.
	default:
		return nil, errors.New("invalid stock move direction")
	}

	// Stock moves are financial facts too: a move dated inside a closed
	// period would silently reprice frozen history during replay.
	company, err := models.GetCompanyById(ctx, companyId)
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePostingDate(ctx, tx, companyId, input.MoveDate, company.Timezone); err != nil {
		return nil, err
	}

	balance, err := models.LockStockBalance(ctx, tx, companyId, input.WarehouseId, input.ItemId)
	if err != nil {
		return nil, err
	}

	var laterCount int64
	err = tx.WithContext(ctx).Model(&models.StockMove{}).
		Where("company_id = ? AND warehouse_id = ? AND item_id = ? AND move_date > ?",
			companyId, input.WarehouseId, input.ItemId, input.MoveDate).
		Count(&laterCount).Error
	if err != nil {
		return nil, err
	}

	move := models.StockMove{
		CompanyId:     companyId,
		WarehouseId:   input.WarehouseId,
		ItemId:        input.ItemId,
		MoveDate:      input.MoveDate,
		Direction:     input.Direction,
		Qty:           input.Qty,
		UnitCost:      input.UnitCost,
		ReferenceType: input.ReferenceType,
		ReferenceId:   input.ReferenceId,
		JournalId:     input.JournalId,
	}

	if laterCount == 0 {
		return appendStockMove(ctx, tx, balance, &move)
	}
	return insertBackdatedStockMove(ctx, tx, balance, &move)
}

// appendStockMove is the ordinary case: the move lands at the end of the
// timeline, so the snapshot advances without replaying history.
func appendStockMove(ctx context.Context, tx *gorm.DB, balance *models.StockBalance, move *models.StockMove) (*StockMoveResult, error) {
	bal := runningBalance{Qty: balance.Qty, Avg: balance.AvgUnitCost, Value: balance.TotalValue}
	tm := timelineMove{
		ItemId:    move.ItemId,
		Direction: move.Direction,
		Qty:       move.Qty,
		UnitCost:  move.UnitCost,
		JournalId: move.JournalId,
	}
	next, err := applyMove(bal, &tm, "insert")
	if err != nil {
		return nil, err
	}
	move.UnitCost = tm.UnitCost
	move.TotalCost = tm.TotalCost

	if err := tx.WithContext(ctx).Create(move).Error; err != nil {
		return nil, err
	}
	if err := models.UpdateStockBalance(ctx, tx, balance, next.Qty, next.Avg, next.Value); err != nil {
		return nil, err
	}
	if err := models.EnqueueLedgerEvent(ctx, tx, move.CompanyId, models.EventTypeStockMoveRecorded,
		"stock_move", fmt.Sprint(move.ID), move); err != nil {
		return nil, err
	}
	return &StockMoveResult{
		Move:          move,
		Balance:       balance,
		JournalDeltas: map[int]decimal.Decimal{},
	}, nil
}

// insertBackdatedStockMove splices the move into the timeline and replays
// everything after it. The whole operation is atomic: any downstream
// oversell rejects the insertion and leaves every move and the snapshot
// untouched.
func insertBackdatedStockMove(ctx context.Context, tx *gorm.DB, balance *models.StockBalance, move *models.StockMove) (*StockMoveResult, error) {
	history, err := models.FetchStockTimeline(ctx, tx, move.CompanyId, move.WarehouseId, move.ItemId)
	if err != nil {
		return nil, err
	}

	oldTotals := make(map[int]decimal.Decimal, len(history))
	for _, m := range history {
		oldTotals[m.ID] = m.TotalCost
	}

	// The new move sorts after every existing move dated at or before it
	// (same-date ties break by insertion order).
	splitAt := 0
	for i, m := range history {
		if m.MoveDate.After(move.MoveDate) {
			break
		}
		splitAt = i + 1
	}
	prefix := timelineFromMoves(history[:splitAt])
	suffix := timelineFromMoves(history[splitAt:])

	// Replay the prefix from zero to find the balance at the insertion
	// point. The prefix was valid history, so a failure here means the
	// stored timeline itself is broken.
	balAtInsert, err := replayTimeline(zeroBalance(), prefix, "timeline replay")
	if err != nil {
		return nil, &TimelineCorruptionError{
			CompanyId:   move.CompanyId,
			WarehouseId: move.WarehouseId,
			ItemId:      move.ItemId,
			Reason:      err.Error(),
		}
	}

	inserted := &timelineMove{
		ItemId:    move.ItemId,
		Direction: move.Direction,
		Qty:       move.Qty,
		UnitCost:  move.UnitCost,
		JournalId: move.JournalId,
	}
	bal, err := applyMove(balAtInsert, inserted, "backdated insert")
	if err != nil {
		return nil, err
	}
	move.UnitCost = inserted.UnitCost
	move.TotalCost = inserted.TotalCost

	final, err := replayTimeline(bal, suffix, "timeline replay")
	if err != nil {
		return nil, err
	}

	if err := tx.WithContext(ctx).Create(move).Error; err != nil {
		return nil, err
	}

	// Persist recomputed costs and collect per-journal deltas for the
	// correction entries the caller will post.
	deltas := make(map[int]decimal.Decimal)
	for _, tm := range append(prefix, suffix...) {
		oldTotal := oldTotals[tm.ID]
		if tm.TotalCost.Equal(oldTotal) {
			continue
		}
		err := tx.WithContext(ctx).Model(&models.StockMove{}).
			Where("id = ? AND company_id = ?", tm.ID, move.CompanyId).
			Updates(map[string]interface{}{
				"unit_cost":  tm.UnitCost,
				"total_cost": tm.TotalCost,
			}).Error
		if err != nil {
			return nil, err
		}
		if tm.JournalId != nil {
			delta := tm.TotalCost.Sub(oldTotal)
			deltas[*tm.JournalId] = deltas[*tm.JournalId].Add(delta)
		}
	}
	for journalId, delta := range deltas {
		if delta.IsZero() {
			delete(deltas, journalId)
		}
	}

	if err := models.UpdateStockBalance(ctx, tx, balance, final.Qty, final.Avg, final.Value); err != nil {
		return nil, err
	}

	if err := models.EnqueueLedgerEvent(ctx, tx, move.CompanyId, models.EventTypeStockMoveRecorded,
		"stock_move", fmt.Sprint(move.ID), move); err != nil {
		return nil, err
	}
	if len(deltas) > 0 {
		payload := map[string]interface{}{
			"trigger_move_id": move.ID,
			"journal_deltas":  deltas,
		}
		if err := models.EnqueueLedgerEvent(ctx, tx, move.CompanyId, models.EventTypeCostRecalculated,
			"stock_move", fmt.Sprint(move.ID), payload); err != nil {
			return nil, err
		}
	}

	return &StockMoveResult{
		Move:          move,
		Balance:       balance,
		JournalDeltas: deltas,
		Backdated:     true,
	}, nil
}

// RebuildStockBalance replays the full history for one (warehouse, item)
// pair and overwrites the snapshot. Used for consistency sweeps and disaster
// recovery.
func RebuildStockBalance(ctx context.Context, companyId string, warehouseId int, itemId int) (*models.StockBalance, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()

	balance, err := models.LockStockBalance(ctx, tx, companyId, warehouseId, itemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	history, err := models.FetchStockTimeline(ctx, tx, companyId, warehouseId, itemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	timeline := timelineFromMoves(history)
	final, err := replayTimeline(zeroBalance(), timeline, "timeline replay")
	if err != nil {
		tx.Rollback()
		return nil, &TimelineCorruptionError{
			CompanyId:   companyId,
			WarehouseId: warehouseId,
			ItemId:      itemId,
			Reason:      err.Error(),
		}
	}

	if err := models.UpdateStockBalance(ctx, tx, balance, final.Qty, final.Avg, final.Value); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.EnqueueLedgerEvent(ctx, tx, companyId, models.EventTypeStockBalanceRebuilt,
		"stock_balance", fmt.Sprint(balance.ID), balance); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return balance, nil
}

// StockInconsistency is one snapshot that disagrees with its replayed
// history, or a pair whose history cannot be replayed at all.
type StockInconsistency struct {
	WarehouseId   int
	ItemId        int
	SnapshotQty   decimal.Decimal
	ReplayedQty   decimal.Decimal
	SnapshotValue decimal.Decimal
	ReplayedValue decimal.Decimal
	Corrupted     bool
	Reason        string
}

// CheckStockConsistency compares every snapshot of a tenant against a fresh
// replay of its history. It reports, it does not repair.
func CheckStockConsistency(ctx context.Context, companyId string) ([]StockInconsistency, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}

	db := config.GetDB()
	var balances []*models.StockBalance
	err := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Find(&balances).Error
	if err != nil {
		return nil, err
	}

	var findings []StockInconsistency
	for _, balance := range balances {
		history, err := models.FetchStockTimeline(ctx, db, companyId, balance.WarehouseId, balance.ItemId)
		if err != nil {
			return nil, err
		}
		final, err := replayTimeline(zeroBalance(), timelineFromMoves(history), "timeline replay")
		if err != nil {
			findings = append(findings, StockInconsistency{
				WarehouseId:   balance.WarehouseId,
				ItemId:        balance.ItemId,
				SnapshotQty:   balance.Qty,
				SnapshotValue: balance.TotalValue,
				Corrupted:     true,
				Reason:        err.Error(),
			})
			continue
		}
		if !final.Qty.Equal(balance.Qty) || !final.Value.Equal(balance.TotalValue) {
			findings = append(findings, StockInconsistency{
				WarehouseId:   balance.WarehouseId,
				ItemId:        balance.ItemId,
				SnapshotQty:   balance.Qty,
				ReplayedQty:   final.Qty,
				SnapshotValue: balance.TotalValue,
				ReplayedValue: final.Value,
				Reason:        "snapshot does not match replayed history",
			})
		}
	}
	return findings, nil
}
