package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentSequence is the gapless counter per (tenant, sequence key). The
// allocator owns these rows exclusively; nothing else reads or writes them.
type DocumentSequence struct {
	ID          int       `gorm:"primary_key" json:"id"`
	CompanyId   string    `gorm:"size:64;not null;index:uniq_doc_seq,unique" json:"company_id"`
	SequenceKey string    `gorm:"size:100;not null;index:uniq_doc_seq,unique" json:"sequence_key"`
	NextNumber  int64     `gorm:"not null;default:1" json:"next_number"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Document number prefixes. The formatted string is presentation only; the
// allocated integer is what carries the gapless guarantee.
const (
	SequencePrefixJournal      = "JE"
	SequencePrefixPurchaseBill = "PB"
	SequencePrefixCreditNote   = "CN"
	SequencePrefixVendorCredit = "VC"
)

// ensureSequenceRow creates the counter on first use. Losing the create race
// to a concurrent allocator means the row exists, which is all we need.
func ensureSequenceRow(ctx context.Context, tx *gorm.DB, companyId string, sequenceKey string) error {
	row := DocumentSequence{
		CompanyId:   companyId,
		SequenceKey: sequenceKey,
		NextNumber:  1,
	}
	err := tx.WithContext(ctx).Create(&row).Error
	if err != nil && !IsDuplicateKeyErr(err) {
		return err
	}
	return nil
}

// healedNext self-heals a counter that fell behind the numbers already issued
// in the document table (partial migrations, manual repairs). The allocator
// must hand out max+1, never a collision.
func healedNext(stored int64, maxIssued int64) int64 {
	if stored < 1 {
		stored = 1
	}
	if maxIssued+1 > stored {
		return maxIssued + 1
	}
	return stored
}

// NextSequenceNumber allocates the next number for (companyId, sequenceKey)
// inside the caller's transaction. The counter row is locked FOR UPDATE so
// concurrent allocators for the same key serialize; unrelated keys and
// tenants stay fully concurrent. maxIssued reports the highest number already
// present in the target document table and may be nil when no self-heal
// source exists.
//
// The allocation only becomes durable when the caller's transaction commits;
// a rollback returns the number to the pool, which is what keeps the
// sequence gapless.
func NextSequenceNumber(ctx context.Context, tx *gorm.DB, companyId string, sequenceKey string, maxIssued func(tx *gorm.DB) (int64, error)) (int64, error) {
	if companyId == "" {
		return 0, utils.ErrCompanyIdRequired
	}
	if err := ensureSequenceRow(ctx, tx, companyId, sequenceKey); err != nil {
		return 0, err
	}

	var row DocumentSequence
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ? AND sequence_key = ?", companyId, sequenceKey).
		First(&row).Error
	if err != nil {
		return 0, err
	}

	next := row.NextNumber
	if maxIssued != nil {
		max, err := maxIssued(tx)
		if err != nil {
			return 0, err
		}
		next = healedNext(next, max)
	} else {
		next = healedNext(next, 0)
	}

	err = tx.WithContext(ctx).Model(&DocumentSequence{}).
		Where("id = ? AND company_id = ?", row.ID, companyId).
		Update("next_number", next+1).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}

// FormatDocumentNumber renders e.g. "PB-000042".
func FormatDocumentNumber(prefix string, n int64) string {
	return fmt.Sprintf("%s-%06d", prefix, n)
}

// FormatJournalNumber renders e.g. "JE-2026-000042". Journal counters are
// bucketed per calendar year, so the number restarts at 1 each January.
func FormatJournalNumber(year int, n int64) string {
	return fmt.Sprintf("%s-%d-%06d", SequencePrefixJournal, year, n)
}

// JournalSequenceKey is the year-bucketed counter key for journal entries.
func JournalSequenceKey(year int) string {
	return fmt.Sprintf("journal-%d", year)
}
