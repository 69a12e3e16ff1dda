package workflow

import (
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil)
// meaning "skip safely". Runs inside the handler's transaction so the marker
// and the handler's side effects commit or roll back together.
func BeginIdempotency(tx *gorm.DB, companyId, handlerName, eventId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		CompanyId:   companyId,
		HandlerName: handlerName,
		EventId:     eventId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !models.IsDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("company_id = ? AND handler_name = ? AND event_id = ?", companyId, handlerName, eventId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// If another worker is currently processing, ask the bus to retry.
		// If the marker is stale (worker died mid-handler), reclaim it.
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, ErrIdempotencyInProgress
		}
		return false, reclaimIdempotencyKey(tx, existing.ID, companyId)
	default:
		// FAILED or unknown: retry by reusing the same row.
		return false, reclaimIdempotencyKey(tx, existing.ID, companyId)
	}
}

func reclaimIdempotencyKey(tx *gorm.DB, id int, companyId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("id = ? AND company_id = ?", id, companyId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, companyId, handlerName, eventId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("company_id = ? AND handler_name = ? AND event_id = ?", companyId, handlerName, eventId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, companyId, handlerName, eventId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("company_id = ? AND handler_name = ? AND event_id = ?", companyId, handlerName, eventId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
