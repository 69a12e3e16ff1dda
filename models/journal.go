package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Journal is an immutable posting header. Once committed it can never be
// updated or deleted; corrections are new, separately posted entries.
type Journal struct {
	ID                int                  `gorm:"primary_key" json:"id"`
	CompanyId         string               `gorm:"size:64;not null;index" json:"company_id"`
	JournalNumber     string               `gorm:"size:255;not null" json:"journal_number"`
	SequenceNo        int64                `gorm:"not null;index" json:"sequence_no"`
	JournalDate       time.Time            `gorm:"not null;index" json:"journal_date"`
	Description       string               `gorm:"type:text" json:"description"`
	Reference         string               `gorm:"size:255" json:"reference"`
	TotalAmount       decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	PostedBy          string               `gorm:"size:64" json:"posted_by"`
	ReversesJournalId *int                 `gorm:"index" json:"reverses_journal_id"`
	Transactions      []JournalTransaction `gorm:"foreignKey:JournalId" json:"transactions"`
	CreatedAt         time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

type JournalTransaction struct {
	ID          int             `gorm:"primary_key" json:"id"`
	JournalId   int             `gorm:"index;not null" json:"journal_id"`
	CompanyId   string          `gorm:"size:64;not null;index" json:"company_id"`
	AccountId   int             `gorm:"index;not null" json:"account_id"`
	Description string          `gorm:"size:255" json:"description"`
	Debit       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"debit"`
	Credit      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"credit"`
}

// Immutability is enforced at the data-access layer, unconditionally.
// These hooks fire for every update/delete path gorm knows about; raw SQL is
// kept out of application code by convention and review.

func (Journal) BeforeUpdate(tx *gorm.DB) error { return utils.ErrJournalImmutable }
func (Journal) BeforeDelete(tx *gorm.DB) error { return utils.ErrJournalImmutable }

func (JournalTransaction) BeforeUpdate(tx *gorm.DB) error { return utils.ErrJournalImmutable }
func (JournalTransaction) BeforeDelete(tx *gorm.DB) error { return utils.ErrJournalImmutable }

type NewJournal struct {
	JournalDate  time.Time               `json:"journal_date" binding:"required"`
	Description  string                  `json:"description"`
	Reference    string                  `json:"reference"`
	Transactions []NewJournalTransaction `json:"transactions" binding:"required,dive"`
}

type NewJournalTransaction struct {
	AccountId   int             `json:"account_id" binding:"required"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// validateJournalLines checks the double-entry invariants: at least one line,
// non-negative amounts, exactly one of debit/credit non-zero per line, and
// sum(debit) == sum(credit) exactly, with no rounding slack.
func validateJournalLines(lines []NewJournalTransaction) (decimal.Decimal, error) {
	if len(lines) == 0 {
		return decimal.Zero, errors.New("journal must have at least one line")
	}
	totalDebit := decimal.Zero
	totalCredit := decimal.Zero
	for _, line := range lines {
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return decimal.Zero, errors.New("debit and credit must not be negative")
		}
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return decimal.Zero, errors.New("exactly one of debit or credit must be non-zero per line")
		}
		totalDebit = totalDebit.Add(line.Debit)
		totalCredit = totalCredit.Add(line.Credit)
	}
	if !totalDebit.Equal(totalCredit) {
		return decimal.Zero, fmt.Errorf("journal is not balanced: debit %s, credit %s",
			totalDebit.String(), totalCredit.String())
	}
	return totalDebit, nil
}

func (input *NewJournal) validate(ctx context.Context, companyId string) (decimal.Decimal, error) {
	total, err := validateJournalLines(input.Transactions)
	if err != nil {
		return decimal.Zero, err
	}
	for _, line := range input.Transactions {
		if err := validateActiveAccount(ctx, companyId, line.AccountId); err != nil {
			return decimal.Zero, err
		}
	}
	return total, nil
}

// maxJournalSequence is the self-heal source for the year's counter: the
// highest sequence number a journal of that year already carries.
func maxJournalSequence(ctx context.Context, companyId string, year int) func(tx *gorm.DB) (int64, error) {
	return func(tx *gorm.DB) (int64, error) {
		var max *int64
		prefix := fmt.Sprintf("%s-%d-%%", SequencePrefixJournal, year)
		err := tx.WithContext(ctx).Model(&Journal{}).
			Where("company_id = ? AND journal_number LIKE ?", companyId, prefix).
			Select("max(sequence_no)").Scan(&max).Error
		if err != nil {
			return 0, err
		}
		if max == nil {
			return 0, nil
		}
		return *max, nil
	}
}

// postJournalInTx allocates the document number and writes header + lines
// atomically inside the caller's transaction. Shared by the posting API and
// the costing engine's correction path.
func postJournalInTx(ctx context.Context, tx *gorm.DB, journal *Journal, timezone string) error {
	journalDate, err := utils.ConvertToDate(journal.JournalDate, timezone)
	if err != nil {
		return err
	}
	year := journalDate.Year()

	seqNo, err := NextSequenceNumber(ctx, tx, journal.CompanyId, JournalSequenceKey(year),
		maxJournalSequence(ctx, journal.CompanyId, year))
	if err != nil {
		return err
	}
	journal.SequenceNo = seqNo
	journal.JournalNumber = FormatJournalNumber(year, seqNo)

	for i := range journal.Transactions {
		journal.Transactions[i].CompanyId = journal.CompanyId
	}
	if err := tx.WithContext(ctx).Create(journal).Error; err != nil {
		return err
	}

	eventType := EventTypeJournalPosted
	if journal.ReversesJournalId != nil {
		eventType = EventTypeJournalReversed
	}
	return EnqueueLedgerEvent(ctx, tx, journal.CompanyId, eventType, "journal",
		fmt.Sprint(journal.ID), journal)
}

// PostJournalInTx validates and posts an entry inside the caller's
// transaction. Used by the event consumer so the entry commits atomically
// with the consumer's idempotency marker.
func PostJournalInTx(ctx context.Context, tx *gorm.DB, input *NewJournal) (*Journal, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	company, err := GetCompanyById(ctx, companyId)
	if err != nil {
		return nil, err
	}

	totalAmount, err := input.validate(ctx, companyId)
	if err != nil {
		return nil, err
	}
	if err := ValidatePostingDate(ctx, tx, companyId, input.JournalDate, company.Timezone); err != nil {
		return nil, err
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	transactions := make([]JournalTransaction, 0, len(input.Transactions))
	for _, line := range input.Transactions {
		transactions = append(transactions, JournalTransaction{
			CompanyId:   companyId,
			AccountId:   line.AccountId,
			Description: line.Description,
			Debit:       utils.RoundMoney(line.Debit),
			Credit:      utils.RoundMoney(line.Credit),
		})
	}

	journal := Journal{
		CompanyId:    companyId,
		JournalDate:  input.JournalDate,
		Description:  input.Description,
		Reference:    input.Reference,
		TotalAmount:  utils.RoundMoney(totalAmount),
		PostedBy:     userName,
		Transactions: transactions,
	}
	if err := postJournalInTx(ctx, tx, &journal, company.Timezone); err != nil {
		return nil, err
	}
	return &journal, nil
}

// PostJournal is the sole write path for financial facts.
func PostJournal(ctx context.Context, input *NewJournal) (*Journal, error) {
	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	journal, err := PostJournalInTx(ctx, tx, input)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return journal, nil
}

// PostReversal posts a mirror-image entry of an existing journal inside the
// caller's transaction. The original stays untouched; the new entry links
// back via reverses_journal_id.
func PostReversal(ctx context.Context, tx *gorm.DB, originalId int, reversalDate time.Time, description string) (*Journal, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	company, err := GetCompanyById(ctx, companyId)
	if err != nil {
		return nil, err
	}
	original, err := utils.FetchModel[Journal](ctx, companyId, originalId, "Transactions")
	if err != nil {
		return nil, err
	}

	if err := ValidatePostingDate(ctx, tx, companyId, reversalDate, company.Timezone); err != nil {
		return nil, err
	}
	if description == "" {
		description = "Reversal of " + original.JournalNumber
	}

	transactions := make([]JournalTransaction, 0, len(original.Transactions))
	for _, line := range original.Transactions {
		transactions = append(transactions, JournalTransaction{
			CompanyId:   companyId,
			AccountId:   line.AccountId,
			Description: line.Description,
			Debit:       line.Credit,
			Credit:      line.Debit,
		})
	}

	userName, _ := utils.GetUserNameFromContext(ctx)
	reversal := Journal{
		CompanyId:         companyId,
		JournalDate:       reversalDate,
		Description:       description,
		Reference:         original.JournalNumber,
		TotalAmount:       original.TotalAmount,
		PostedBy:          userName,
		ReversesJournalId: &original.ID,
		Transactions:      transactions,
	}

	if err := postJournalInTx(ctx, tx, &reversal, company.Timezone); err != nil {
		return nil, err
	}
	return &reversal, nil
}

func GetJournal(ctx context.Context, id int) (*Journal, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	return utils.FetchModel[Journal](ctx, companyId, id, "Transactions")
}
