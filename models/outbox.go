package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

// Event types emitted by this service.
const (
	EventTypeCompanyCreated      = "ledger.company.created"
	EventTypeJournalPosted       = "ledger.journal.posted"
	EventTypeJournalReversed     = "ledger.journal.reversed"
	EventTypeStockMoveRecorded   = "inventory.stock_move.recorded"
	EventTypeCostRecalculated    = "inventory.cost.recalculated"
	EventTypeStockBalanceRebuilt = "inventory.stock_balance.rebuilt"
)

// OutboxRecord is the transactional outbox row: the event is written in the
// same transaction as the financial fact it describes, and published
// asynchronously by the dispatcher after commit.
type OutboxRecord struct {
	ID            int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventId       string    `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	EventType     string    `gorm:"size:100;not null" json:"event_type"`
	SchemaVersion int       `gorm:"not null;default:1" json:"schema_version"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	CompanyId     string    `gorm:"size:64;not null;index" json:"company_id"`
	PartitionKey  string    `gorm:"size:255;not null" json:"partition_key"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CausationId   *string   `gorm:"size:64" json:"causation_id"`
	AggregateType string    `gorm:"size:50;not null" json:"aggregate_type"`
	AggregateId   string    `gorm:"size:64;not null" json:"aggregate_id"`
	Payload       []byte    `gorm:"type:blob" json:"payload"`

	// Publish metadata owned by the dispatcher.
	PublishStatus    OutboxPublishStatus `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnqueueLedgerEvent writes an outbox record inside the caller's transaction.
// The partition key is the company id: per-tenant ordering holds, cross-tenant
// ordering is not promised.
func EnqueueLedgerEvent(ctx context.Context, tx *gorm.DB, companyId string, eventType string, aggregateType string, aggregateId string, payload interface{}) error {
	if companyId == "" {
		return utils.ErrCompanyIdRequired
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := OutboxRecord{
		EventId:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: 1,
		OccurredAt:    time.Now().UTC(),
		CompanyId:     companyId,
		PartitionKey:  companyId,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		AggregateType: aggregateType,
		AggregateId:   aggregateId,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.WithContext(ctx).Create(&record).Error
}

// Envelope converts the stored record to the wire format.
func (r OutboxRecord) Envelope() config.EventEnvelope {
	return config.EventEnvelope{
		EventId:       r.EventId,
		EventType:     r.EventType,
		SchemaVersion: r.SchemaVersion,
		OccurredAt:    r.OccurredAt,
		CompanyId:     r.CompanyId,
		PartitionKey:  r.PartitionKey,
		CorrelationId: r.CorrelationId,
		CausationId:   r.CausationId,
		AggregateType: r.AggregateType,
		AggregateId:   r.AggregateId,
		Source:        "ledger_backend",
		Payload:       json.RawMessage(r.Payload),
	}
}
