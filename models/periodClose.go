package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// PeriodClose marks the books closed through a date. No financial
// transaction may be dated on or before the latest through date.
type PeriodClose struct {
	ID          int       `gorm:"primary_key" json:"id"`
	CompanyId   string    `gorm:"size:64;not null;index" json:"company_id"`
	ThroughDate time.Time `gorm:"not null;index" json:"through_date" binding:"required"`
	Reason      string    `gorm:"size:255" json:"reason"`
	ClosedBy    string    `gorm:"size:64" json:"closed_by"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewPeriodClose struct {
	ThroughDate time.Time `json:"through_date" binding:"required"`
	Reason      string    `json:"reason"`
}

// ClosePeriod records a new boundary inside the caller's transaction.
// Boundaries only move forward: closing through an earlier date than an
// existing close is rejected.
func ClosePeriod(ctx context.Context, tx *gorm.DB, input *NewPeriodClose) (*PeriodClose, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	company, err := GetCompanyById(ctx, companyId)
	if err != nil {
		return nil, err
	}
	throughDate, err := utils.ConvertToDate(input.ThroughDate, company.Timezone)
	if err != nil {
		return nil, err
	}

	latest, err := LatestCloseDate(ctx, tx, companyId)
	if err != nil {
		return nil, err
	}
	if latest != nil && !throughDate.After(*latest) {
		return nil, errors.New("period close boundary must be after the latest existing close")
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	close := PeriodClose{
		CompanyId:   companyId,
		ThroughDate: throughDate,
		Reason:      input.Reason,
		ClosedBy:    userName,
	}
	if err := tx.WithContext(ctx).Create(&close).Error; err != nil {
		return nil, err
	}
	return &close, nil
}

// LatestCloseDate returns the latest through date, or nil when the tenant
// has never closed a period.
func LatestCloseDate(ctx context.Context, db *gorm.DB, companyId string) (*time.Time, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	var latest *time.Time
	err := db.WithContext(ctx).Model(&PeriodClose{}).
		Where("company_id = ?", companyId).
		Select("max(through_date)").Scan(&latest).Error
	if err != nil {
		return nil, err
	}
	return latest, nil
}

// postingDateAllowed is the boundary rule: a transaction dated on or before
// the close date is rejected; the day after is the first allowed date.
func postingDateAllowed(txnDate time.Time, throughDate time.Time) bool {
	return txnDate.After(throughDate)
}

// ValidatePostingDate rejects transactions dated inside a closed period.
// Dates compare by calendar day in the company's timezone.
func ValidatePostingDate(ctx context.Context, db *gorm.DB, companyId string, txnDate time.Time, timezone string) error {
	latest, err := LatestCloseDate(ctx, db, companyId)
	if err != nil {
		return err
	}
	if latest == nil {
		return nil
	}
	tDate, err := utils.ConvertToDate(txnDate, timezone)
	if err != nil {
		return err
	}
	lDate, err := utils.ConvertToDate(*latest, timezone)
	if err != nil {
		return err
	}
	if !postingDateAllowed(tDate, lDate) {
		return &utils.ClosedPeriodError{CompanyId: companyId, ThroughDate: lDate, TxnDate: tDate}
	}
	return nil
}

func GetPeriodCloses(ctx context.Context) ([]*PeriodClose, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	return utils.FetchAllModels[PeriodClose](ctx, companyId)
}
