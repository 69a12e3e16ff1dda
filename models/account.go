package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeIncome    AccountType = "INCOME"
	AccountTypeExpense   AccountType = "EXPENSE"
)

type BalanceSide string

const (
	BalanceSideDebit  BalanceSide = "DEBIT"
	BalanceSideCredit BalanceSide = "CREDIT"
)

// NormalBalance returns the side an account of this type increases on.
func (t AccountType) NormalBalance() BalanceSide {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return BalanceSideDebit
	default:
		return BalanceSideCredit
	}
}

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeIncome, AccountTypeExpense:
		return true
	}
	return false
}

// Account is a chart-of-accounts entry. Accounts are never deleted, only
// deactivated, because posted journal lines keep referencing them.
type Account struct {
	ID            int         `gorm:"primary_key" json:"id"`
	CompanyId     string      `gorm:"size:64;not null;index:uniq_account_code,unique" json:"company_id"`
	Code          string      `gorm:"size:20;not null;index:uniq_account_code,unique" json:"code" binding:"required"`
	Name          string      `gorm:"size:255;not null" json:"name" binding:"required"`
	Type          AccountType `gorm:"type:enum('ASSET','LIABILITY','EQUITY','INCOME','EXPENSE');not null" json:"type" binding:"required"`
	IsActive      *bool       `gorm:"not null;default:true" json:"is_active"`
	SystemDefined *bool       `gorm:"not null;default:false" json:"system_defined"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (a Account) BeforeDelete(tx *gorm.DB) error {
	return errors.New("accounts cannot be deleted; deactivate instead")
}

type NewAccount struct {
	Code string      `json:"code" binding:"required"`
	Name string      `json:"name" binding:"required"`
	Type AccountType `json:"type" binding:"required"`
}

// CreateAccount writes in the caller's transaction so the account commits
// atomically with whatever marker the caller persists alongside it.
func CreateAccount(ctx context.Context, tx *gorm.DB, input *NewAccount) (*Account, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	if !input.Type.Valid() {
		return nil, errors.New("invalid account type")
	}
	if err := utils.ValidateUnique[Account](ctx, companyId, "code", input.Code, 0); err != nil {
		return nil, err
	}

	account := Account{
		CompanyId: companyId,
		Code:      input.Code,
		Name:      input.Name,
		Type:      input.Type,
		IsActive:  utils.NewTrue(),
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// DeactivateAccount retires an account from new postings. History stays.
func DeactivateAccount(ctx context.Context, id int) (*Account, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	account, err := utils.FetchModel[Account](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND company_id = ?", id, companyId).
		Update("is_active", false).Error
	if err != nil {
		return nil, err
	}
	account.IsActive = utils.NewFalse()
	return account, nil
}

func GetAccount(ctx context.Context, id int) (*Account, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	return utils.FetchModel[Account](ctx, companyId, id)
}

func GetAccounts(ctx context.Context) ([]*Account, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	return utils.FetchAllModels[Account](ctx, companyId)
}

// validateActiveAccount rejects lines pointed at unknown or retired accounts.
func validateActiveAccount(ctx context.Context, companyId string, accountId int) error {
	count, err := utils.ResourceCountWhere[Account](ctx, companyId, "id = ? AND is_active = true", accountId)
	if err != nil {
		return err
	}
	if count <= 0 {
		return errors.New("account not found or inactive")
	}
	return nil
}

func defaultChartOfAccounts() []Account {
	systemAccount := func(code, name string, accType AccountType) Account {
		return Account{
			Code:          code,
			Name:          name,
			Type:          accType,
			IsActive:      utils.NewTrue(),
			SystemDefined: utils.NewTrue(),
		}
	}
	return []Account{
		systemAccount("1000", "Cash", AccountTypeAsset),
		systemAccount("1100", "Accounts Receivable", AccountTypeAsset),
		systemAccount("1200", "Inventory", AccountTypeAsset),
		systemAccount("2000", "Accounts Payable", AccountTypeLiability),
		systemAccount("2100", "Tax Payable", AccountTypeLiability),
		systemAccount("3000", "Owner Equity", AccountTypeEquity),
		systemAccount("3100", "Retained Earnings", AccountTypeEquity),
		systemAccount("4000", "Sales Revenue", AccountTypeIncome),
		systemAccount("4100", "Other Income", AccountTypeIncome),
		systemAccount("5000", "Cost of Goods Sold", AccountTypeExpense),
		systemAccount("6000", "General Expense", AccountTypeExpense),
	}
}

// SeedChartOfAccounts installs the default accounts for a new tenant.
// FirstOrCreate keeps re-runs (and onboarding retries) harmless.
func SeedChartOfAccounts(ctx context.Context, tx *gorm.DB, companyId string) error {
	if companyId == "" {
		return utils.ErrCompanyIdRequired
	}
	for _, account := range defaultChartOfAccounts() {
		account.CompanyId = companyId
		err := tx.WithContext(ctx).
			Where("company_id = ? AND code = ?", companyId, account.Code).
			FirstOrCreate(&account).Error
		if err != nil && !IsDuplicateKeyErr(err) {
			return err
		}
	}
	return nil
}
