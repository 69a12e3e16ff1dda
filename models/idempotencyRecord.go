package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// IdempotencyRecord is the durable command-level dedup row: one per
// (tenant, client-supplied key), holding the original response so replays
// return it byte-for-byte. Rows never expire; replay must stay correct
// indefinitely.
type IdempotencyRecord struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId string    `gorm:"size:64;not null;index:uniq_idem_cmd,unique" json:"company_id"`
	IdemKey   string    `gorm:"size:255;not null;index:uniq_idem_cmd,unique" json:"idem_key"`
	Response  []byte    `gorm:"type:blob" json:"response"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IdempotencyOutcome tags the create-then-catch result so callers branch
// explicitly: Created means this call won; otherwise Record holds the
// winner's row.
type IdempotencyOutcome struct {
	Created bool
	Record  *IdempotencyRecord
}

// CreateOrGetIdempotencyRecord persists the response under (companyId, key).
// A duplicate-key violation means a concurrent identical request won the
// race; that is a replay, not an error.
func CreateOrGetIdempotencyRecord(ctx context.Context, tx *gorm.DB, companyId string, idemKey string, response []byte) (*IdempotencyOutcome, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	record := IdempotencyRecord{
		CompanyId: companyId,
		IdemKey:   idemKey,
		Response:  response,
	}
	err := tx.WithContext(ctx).Create(&record).Error
	if err == nil {
		return &IdempotencyOutcome{Created: true, Record: &record}, nil
	}
	if !IsDuplicateKeyErr(err) {
		return nil, err
	}

	var existing IdempotencyRecord
	err = tx.WithContext(ctx).
		Where("company_id = ? AND idem_key = ?", companyId, idemKey).
		First(&existing).Error
	if err != nil {
		return nil, err
	}
	return &IdempotencyOutcome{Created: false, Record: &existing}, nil
}

// GetIdempotencyRecord returns (nil, nil) when no record exists.
func GetIdempotencyRecord(ctx context.Context, db *gorm.DB, companyId string, idemKey string) (*IdempotencyRecord, error) {
	if companyId == "" {
		return nil, utils.ErrCompanyIdRequired
	}
	var record IdempotencyRecord
	err := db.WithContext(ctx).
		Where("company_id = ? AND idem_key = ?", companyId, idemKey).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
