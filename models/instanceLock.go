package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireInstanceLock serializes per-instance write paths (bulk saves,
// remediation transitions) across server instances using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same *gorm.DB
// that will run the guarded transaction.
func AcquireInstanceLock(tx *gorm.DB, instanceId int) error {
	lockName := fmt.Sprintf("qc_instance:%d", instanceId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire lock for instance_id=%d", instanceId)
	}
	return nil
}

func ReleaseInstanceLock(tx *gorm.DB, instanceId int) {
	lockName := fmt.Sprintf("qc_instance:%d", instanceId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
