package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Event consumer. Delivery is at-least-once; the event-level idempotency
// marker committed in the same transaction as the handler's side effects is
// what makes redelivery safe. Multiple workers may run concurrently.

// Commands document modules send over the bus.
const (
	EventTypeJournalRequested   = "document.journal.requested"
	EventTypeStockMoveRequested = "document.stock_move.requested"
)

func handlerNameFor(eventType string) string {
	switch eventType {
	case EventTypeJournalRequested:
		return "JournalPost"
	case EventTypeStockMoveRequested:
		return "StockMove"
	default:
		return "Unhandled"
	}
}

// ErrUnknownEventType is acked, not retried: redelivery cannot fix it.
var ErrUnknownEventType = errors.New("unknown event type")

// ProcessEnvelope handles one delivered event end to end.
func ProcessEnvelope(ctx context.Context, env config.EventEnvelope) error {
	if env.EventId == "" || env.CompanyId == "" || env.EventType == "" {
		return errors.New("malformed event envelope: eventId, companyId and eventType are required")
	}

	ctx = utils.SetCompanyIdInContext(ctx, env.CompanyId)
	if env.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, env.CorrelationId)
	}

	// Per-company lease keeps one worker on a tenant at a time. Best-effort:
	// if redis is down the DB advisory lock below still serializes posting.
	return utils.WithLockRetry(ctx, "consumer:"+env.CompanyId, 30*time.Second, 3, 200*time.Millisecond,
		func(ctx context.Context) error {
			return processEnvelopeLocked(ctx, env)
		})
}

func processEnvelopeLocked(ctx context.Context, env config.EventEnvelope) error {
	logger := config.GetLogger()
	db := config.GetDB()
	handlerName := handlerNameFor(env.EventType)

	// Begin with the request context so the tenant guard sees the company id
	// on every statement inside the transaction.
	tx := db.WithContext(ctx).Begin()
	if err := AcquireCompanyPostingLock(tx, env.CompanyId); err != nil {
		tx.Rollback()
		return err
	}
	// GET_LOCK is connection-scoped and survives transaction end, but a
	// finished gorm transaction rejects further statements. The release must
	// therefore run while the transaction is still live: before every
	// Rollback and before Commit, never after.

	skip, err := BeginIdempotency(tx, env.CompanyId, handlerName, env.EventId)
	if err != nil {
		ReleaseCompanyPostingLock(tx, env.CompanyId)
		tx.Rollback()
		return err
	}
	if skip {
		ReleaseCompanyPostingLock(tx, env.CompanyId)
		tx.Rollback()
		logger.WithFields(logrus.Fields{
			"event_id":   env.EventId,
			"event_type": env.EventType,
			"company_id": env.CompanyId,
		}).Info("event already processed; skipping")
		return nil
	}

	postCommit, err := dispatchEvent(ctx, tx, env)
	if err != nil {
		ReleaseCompanyPostingLock(tx, env.CompanyId)
		tx.Rollback()
		if errors.Is(err, ErrUnknownEventType) {
			logger.WithFields(logrus.Fields{
				"event_id":   env.EventId,
				"event_type": env.EventType,
			}).Warn("unknown event type; acking without side effects")
			return nil
		}
		markEventFailed(ctx, db, env.CompanyId, handlerName, env.EventId, err)
		return err
	}

	if err := MarkIdempotencySucceeded(tx, env.CompanyId, handlerName, env.EventId); err != nil {
		ReleaseCompanyPostingLock(tx, env.CompanyId)
		tx.Rollback()
		return err
	}
	ReleaseCompanyPostingLock(tx, env.CompanyId)
	if err := tx.Commit().Error; err != nil {
		return err
	}

	if postCommit != nil {
		// Post-commit follow-ups (cost-correction entries) run after the
		// event's own transaction is durable. A failure here is loud: the
		// deltas are also in the outbox for reconciliation.
		if err := postCommit(ctx); err != nil {
			config.LogError(logger, "workflow", "ProcessEnvelope",
				"post-commit correction failed", env.EventId, err)
		}
	}
	return nil
}

func dispatchEvent(ctx context.Context, tx *gorm.DB, env config.EventEnvelope) (func(context.Context) error, error) {
	switch env.EventType {
	case EventTypeJournalRequested:
		var input models.NewJournal
		if err := json.Unmarshal(env.Payload, &input); err != nil {
			return nil, fmt.Errorf("decode journal payload: %w", err)
		}
		_, err := models.PostJournalInTx(ctx, tx, &input)
		return nil, err

	case EventTypeStockMoveRequested:
		var input models.NewStockMove
		if err := json.Unmarshal(env.Payload, &input); err != nil {
			return nil, fmt.Errorf("decode stock move payload: %w", err)
		}
		result, err := InsertStockMoveInTx(ctx, tx, &input)
		if err != nil {
			return nil, err
		}
		if len(result.JournalDeltas) == 0 {
			return nil, nil
		}
		deltas := result.JournalDeltas
		return func(ctx context.Context) error {
			_, err := PostCostCorrections(ctx, deltas, time.Now().UTC())
			return err
		}, nil

	default:
		return nil, ErrUnknownEventType
	}
}

// markEventFailed records the failure on a fresh transaction because the
// handler's transaction, marker included, was rolled back.
func markEventFailed(ctx context.Context, db *gorm.DB, companyId, handlerName, eventId string, cause error) {
	msg := cause.Error()
	tx := db.WithContext(ctx).Begin()
	key := models.IdempotencyKey{
		CompanyId:   companyId,
		HandlerName: handlerName,
		EventId:     eventId,
		Status:      models.IdempotencyStatusFailed,
		LastError:   &msg,
	}
	if err := tx.Create(&key).Error; err != nil {
		if models.IsDuplicateKeyErr(err) {
			_ = MarkIdempotencyFailed(tx, companyId, handlerName, eventId, cause)
		} else {
			tx.Rollback()
			return
		}
	}
	_ = tx.Commit().Error
}
