package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/google/uuid"
)

// Company is the tenant. Every scoped table carries its id in company_id.
type Company struct {
	ID           string    `gorm:"primary_key;size:64" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Timezone     string    `gorm:"size:64;default:'UTC'" json:"timezone"`
	BaseCurrency string    `gorm:"size:3;default:'USD'" json:"base_currency"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCompany struct {
	Name         string `json:"name" binding:"required"`
	Timezone     string `json:"timezone"`
	BaseCurrency string `json:"base_currency"`
}

// CreateCompany provisions a tenant together with its default chart of
// accounts in one transaction.
func CreateCompany(ctx context.Context, input *NewCompany) (*Company, error) {
	if input.Name == "" {
		return nil, errors.New("company name is required")
	}
	timezone := input.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, errors.New("invalid timezone")
	}
	currency := input.BaseCurrency
	if currency == "" {
		currency = "USD"
	}

	company := Company{
		ID:           uuid.NewString(),
		Name:         input.Name,
		Timezone:     timezone,
		BaseCurrency: currency,
	}

	// Seeding runs before any authenticated request exists for the new
	// tenant, so the scoped inserts carry the fresh company id explicitly.
	seedCtx := utils.SetCompanyIdInContext(ctx, company.ID)

	db := config.GetDB()
	tx := db.WithContext(seedCtx).Begin()
	if err := tx.WithContext(ctx).Create(&company).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := SeedChartOfAccounts(seedCtx, tx, company.ID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := EnqueueLedgerEvent(seedCtx, tx, company.ID, EventTypeCompanyCreated, "company", company.ID, company); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	_ = company.StoreRedis()
	return &company, nil
}

func (c *Company) StoreRedis() error {
	return config.SetRedisObject("company:"+c.ID, c, time.Hour)
}

// GetCompanyById reads through the cache; a cache outage falls back to the DB.
func GetCompanyById(ctx context.Context, companyId string) (*Company, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}

	var company Company
	exists, err := config.GetRedisObject("company:"+companyId, &company)
	if err == nil && exists {
		return &company, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).First(&company, "id = ?", companyId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	_ = company.StoreRedis()
	return &company, nil
}

// GetCompany resolves the tenant of the current request context.
func GetCompany(ctx context.Context) (*Company, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	return GetCompanyById(ctx, companyId)
}
