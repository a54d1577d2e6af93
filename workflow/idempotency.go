package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
	"bitbucket.org/batifocus/qc_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(tx *gorm.DB, orgId, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		OrgId:       orgId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("org_id = ? AND handler_name = ? AND message_id = ?", orgId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another request with the same key is mid-flight; tell the client to
		// retry later. A stale STARTED row (crashed handler) is reclaimed.
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, ErrIdempotencyInProgress
		}
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	default:
		return false, tx.Model(&models.IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

// RunIdempotent guards a mutation with a client-supplied idempotency key.
// An empty messageId means the client opted out and fn runs unguarded.
// A redelivered key whose first run SUCCEEDED returns (true, nil) without
// running fn; a key still mid-flight returns ErrIdempotencyInProgress.
func RunIdempotent(ctx context.Context, handlerName, messageId string, fn func(ctx context.Context) error) (skipped bool, err error) {
	if messageId == "" {
		return false, fn(ctx)
	}
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return false, errors.New("org id is required")
	}

	db := config.GetDB().WithContext(ctx)
	skip, err := BeginIdempotency(db, orgId, handlerName, messageId)
	if err != nil {
		return false, err
	}
	if skip {
		return true, nil
	}

	if err := fn(ctx); err != nil {
		_ = MarkIdempotencyFailed(db, orgId, handlerName, messageId, err)
		return false, err
	}
	return false, MarkIdempotencySucceeded(db, orgId, handlerName, messageId)
}

func MarkIdempotencySucceeded(tx *gorm.DB, orgId, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("org_id = ? AND handler_name = ? AND message_id = ?", orgId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, orgId, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("org_id = ? AND handler_name = ? AND message_id = ?", orgId, handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
