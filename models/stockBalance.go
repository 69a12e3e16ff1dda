package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StockBalance is the derived snapshot per (tenant, warehouse, item). It is
// a cache over the StockMove history, rebuildable from scratch; the moves are
// the source of truth.
type StockBalance struct {
	ID          int             `gorm:"primary_key" json:"id"`
	CompanyId   string          `gorm:"size:64;not null;index:uniq_stock_balance,unique" json:"company_id"`
	WarehouseId int             `gorm:"not null;index:uniq_stock_balance,unique" json:"warehouse_id"`
	ItemId      int             `gorm:"not null;index:uniq_stock_balance,unique" json:"item_id"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"qty"`
	AvgUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"avg_unit_cost"`
	TotalValue  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_value"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// LockStockBalance returns the snapshot row locked FOR UPDATE for the rest of
// the transaction. Backdated-insert replay depends on this: no concurrent
// writer may touch the same (warehouse, item) timeline mid-replay. The row is
// created on first use; losing the create race to a concurrent writer is fine
// because the follow-up locked read finds the winner's row.
func LockStockBalance(ctx context.Context, tx *gorm.DB, companyId string, warehouseId int, itemId int) (*StockBalance, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}

	seed := StockBalance{
		CompanyId:   companyId,
		WarehouseId: warehouseId,
		ItemId:      itemId,
	}
	err := tx.WithContext(ctx).
		Where("company_id = ? AND warehouse_id = ? AND item_id = ?", companyId, warehouseId, itemId).
		FirstOrCreate(&seed).Error
	if err != nil && !IsDuplicateKeyErr(err) {
		return nil, err
	}

	var balance StockBalance
	err = tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND warehouse_id = ? AND item_id = ?", companyId, warehouseId, itemId).
		First(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// UpdateStockBalance overwrites the snapshot inside the caller's transaction.
func UpdateStockBalance(ctx context.Context, tx *gorm.DB, balance *StockBalance, qty, avgUnitCost, totalValue decimal.Decimal) error {
	err := tx.WithContext(ctx).Model(&StockBalance{}).
		Where("id = ? AND company_id = ?", balance.ID, balance.CompanyId).
		Updates(map[string]interface{}{
			"qty":           qty,
			"avg_unit_cost": avgUnitCost,
			"total_value":   totalValue,
		}).Error
	if err != nil {
		return err
	}
	balance.Qty = qty
	balance.AvgUnitCost = avgUnitCost
	balance.TotalValue = totalValue
	return nil
}

func GetStockBalance(ctx context.Context, db *gorm.DB, companyId string, warehouseId int, itemId int) (*StockBalance, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	var balance StockBalance
	err := db.WithContext(ctx).
		Where("company_id = ? AND warehouse_id = ? AND item_id = ?", companyId, warehouseId, itemId).
		First(&balance).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &balance, nil
}
