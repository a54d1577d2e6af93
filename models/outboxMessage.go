package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QcOutboxMessage implements the transactional outbox for NC lifecycle
// events: the row is written inside the caller's DB transaction, and the
// dispatcher publishes to Pub/Sub after commit. Nothing is ever published
// from inside an uncommitted transaction.
type QcOutboxMessage struct {
	ID            int         `gorm:"primary_key;index:idx_qc_outbox_dispatch,priority:3" json:"id"`
	OrgId         string      `gorm:"size:64;not null;index" json:"org_id"`
	SiteId        string      `gorm:"size:64;not null;index" json:"site_id"`
	InstanceId    int         `gorm:"not null;index" json:"instance_id"`
	DomainId      string      `gorm:"size:64;not null" json:"domain_id"`
	SubCategoryId string      `gorm:"size:64;not null" json:"sub_category_id"`
	PointId       string      `gorm:"size:64;not null" json:"point_id"`
	EventType     QcEventType `gorm:"size:40;not null" json:"event_type"`
	OccurredAt    time.Time   `gorm:"index;not null" json:"occurred_at"`
	Payload       []byte      `gorm:"type:blob" json:"payload"`

	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_qc_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index;index:idx_qc_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToQcEventMessage(record QcOutboxMessage) config.QcEventMessage {
	return config.QcEventMessage{
		ID:            record.ID,
		OrgId:         record.OrgId,
		SiteId:        record.SiteId,
		InstanceId:    record.InstanceId,
		DomainId:      record.DomainId,
		SubCategoryId: record.SubCategoryId,
		PointId:       record.PointId,
		EventType:     string(record.EventType),
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// EnqueueQcEvent writes the outbox row inside the caller's transaction.
func EnqueueQcEvent(ctx context.Context, tx *gorm.DB, siteId string, instanceId int, domainId, subCategoryId, pointId string, eventType QcEventType, payload interface{}) error {

	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil
	}

	payloadInByte, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	record := QcOutboxMessage{
		OrgId:         orgId,
		SiteId:        siteId,
		InstanceId:    instanceId,
		DomainId:      domainId,
		SubCategoryId: subCategoryId,
		PointId:       pointId,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		Payload:       payloadInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
