package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/shopspring/decimal"
)

// PostCostCorrections realizes the journal deltas a backdated insert
// produced: one new correcting entry per affected journal, posted through
// the ledger service. The original entries are never touched.
//
// A positive delta means cost of goods went up (debit COGS, credit
// Inventory); a negative delta reverses the pair.
func PostCostCorrections(ctx context.Context, deltas map[int]decimal.Decimal, correctionDate time.Time) ([]*models.Journal, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	if len(deltas) == 0 {
		return nil, nil
	}

	cogsAccount, err := findSystemAccount(ctx, companyId, "5000")
	if err != nil {
		return nil, err
	}
	inventoryAccount, err := findSystemAccount(ctx, companyId, "1200")
	if err != nil {
		return nil, err
	}

	// Deterministic posting order so retries allocate the same numbers.
	journalIds := make([]int, 0, len(deltas))
	for id := range deltas {
		journalIds = append(journalIds, id)
	}
	sort.Ints(journalIds)

	corrections := make([]*models.Journal, 0, len(journalIds))
	for _, journalId := range journalIds {
		delta := deltas[journalId]
		if delta.IsZero() {
			continue
		}
		original, err := models.GetJournal(ctx, journalId)
		if err != nil {
			return nil, err
		}

		amount := delta.Abs()
		debitAccount := cogsAccount
		creditAccount := inventoryAccount
		if delta.IsNegative() {
			debitAccount = inventoryAccount
			creditAccount = cogsAccount
		}

		input := models.NewJournal{
			JournalDate: correctionDate,
			Description: fmt.Sprintf("Cost correction for %s", original.JournalNumber),
			Reference:   original.JournalNumber,
			Transactions: []models.NewJournalTransaction{
				{AccountId: debitAccount.ID, Debit: amount},
				{AccountId: creditAccount.ID, Credit: amount},
			},
		}
		journal, err := models.PostJournal(ctx, &input)
		if err != nil {
			return nil, err
		}
		corrections = append(corrections, journal)
	}
	return corrections, nil
}

func findSystemAccount(ctx context.Context, companyId string, code string) (*models.Account, error) {
	db := config.GetDB()
	var account models.Account
	err := db.WithContext(ctx).
		Where("company_id = ? AND code = ?", companyId, code).
		First(&account).Error
	if err != nil {
		return nil, errors.New("system account " + code + " not found")
	}
	return &account, nil
}
