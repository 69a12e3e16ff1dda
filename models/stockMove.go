package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type StockDirection string

const (
	StockDirectionIn  StockDirection = "IN"
	StockDirectionOut StockDirection = "OUT"
)

// StockMove is one inventory movement. Quantity, direction and date are
// immutable once created; only the cost fields may change, and only because
// a backdated insert recomputed them during timeline replay.
type StockMove struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CompanyId     string          `gorm:"size:64;not null;index:idx_stock_timeline,priority:1" json:"company_id"`
	WarehouseId   int             `gorm:"not null;index:idx_stock_timeline,priority:2" json:"warehouse_id"`
	ItemId        int             `gorm:"not null;index:idx_stock_timeline,priority:3" json:"item_id"`
	MoveDate      time.Time       `gorm:"not null;index:idx_stock_timeline,priority:4" json:"move_date"`
	Direction     StockDirection  `gorm:"type:enum('IN','OUT');not null" json:"direction"`
	Qty           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	TotalCost     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_cost"`
	ReferenceType string          `gorm:"size:20" json:"reference_type"`
	ReferenceId   int             `json:"reference_id"`
	JournalId     *int            `gorm:"index" json:"journal_id"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// stockMoveCostColumns are the only columns the costing engine may rewrite.
var stockMoveCostColumns = map[string]bool{
	"unit_cost":  true,
	"total_cost": true,
}

// BeforeUpdate allows cost-only recomputation and rejects everything else.
// Editing quantity, direction or date of recorded history is a programmer
// error, the correction path is a new move.
func (StockMove) BeforeUpdate(tx *gorm.DB) error {
	if dest, ok := tx.Statement.Dest.(map[string]interface{}); ok {
		for column := range dest {
			if !stockMoveCostColumns[column] {
				return utils.ErrStockMoveImmutable
			}
		}
		return nil
	}
	return utils.ErrStockMoveImmutable
}

func (StockMove) BeforeDelete(tx *gorm.DB) error { return utils.ErrStockMoveImmutable }

type NewStockMove struct {
	WarehouseId   int             `json:"warehouse_id" binding:"required"`
	ItemId        int             `json:"item_id" binding:"required"`
	MoveDate      time.Time       `json:"move_date" binding:"required"`
	Direction     StockDirection  `json:"direction" binding:"required"`
	Qty           decimal.Decimal `json:"qty" binding:"required"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	ReferenceType string          `json:"reference_type"`
	ReferenceId   int             `json:"reference_id"`
	JournalId     *int            `json:"journal_id"`
}

// FetchStockTimeline loads the full move history for one (warehouse, item)
// pair in replay order: date first, insertion order as the tiebreaker.
func FetchStockTimeline(ctx context.Context, tx *gorm.DB, companyId string, warehouseId int, itemId int) ([]*StockMove, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	var moves []*StockMove
	err := tx.WithContext(ctx).
		Where("company_id = ? AND warehouse_id = ? AND item_id = ?", companyId, warehouseId, itemId).
		Order("move_date ASC, id ASC").
		Find(&moves).Error
	if err != nil {
		return nil, err
	}
	return moves, nil
}
