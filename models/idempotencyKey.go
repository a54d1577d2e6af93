package models

import "time"

// IdempotencyKey provides durable, DB-backed idempotency for mutating
// handlers. This replaces the old client-side "insertion in flight" latch:
// a retried or double-delivered request with the same message id collapses
// onto the unique constraint instead of inserting twice.
// Unique constraint: (org_id, handler_name, message_id).
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	OrgId       string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"org_id"`
	HandlerName string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
