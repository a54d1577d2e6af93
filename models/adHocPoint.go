package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/bsm/redislock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GlobalSubCategoryKey is the sub-category slot for ad-hoc points registered
// directly under a domain. The merger materializes these as a synthetic
// leading sub-category named after the domain.
const GlobalSubCategoryKey = "_global"

// AdHocPoint is a control point private to one site's instance. Its id lives
// in the same namespace as template point ids (globally unique, verdicts key
// on it) but it is never promoted to the shared template.
type AdHocPoint struct {
	ID            int    `gorm:"primary_key" json:"id"`
	InstanceId    int    `gorm:"not null;index:uniq_adhoc_path,unique" json:"instance_id"`
	DomainId      string `gorm:"size:64;not null;index:uniq_adhoc_path,unique" json:"domain_id"`
	SubCategoryId string `gorm:"size:64;not null;index:uniq_adhoc_path,unique" json:"sub_category_id"`
	PointId       string `gorm:"size:64;not null;index:uniq_adhoc_path,unique" json:"point_id"`

	Label          string `gorm:"size:500;not null" json:"label" binding:"required"`
	Description    string `gorm:"type:text" json:"description"`
	IsSiteSpecific bool   `gorm:"not null;default:true" json:"is_site_specific"`

	// Position makes iteration order explicit: assigned monotonically per
	// instance at insert time, preserved across bulk saves.
	Position int `gorm:"not null" json:"position"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAdHocPoint struct {
	PointId     string `json:"point_id"`
	Label       string `json:"label" binding:"required"`
	Description string `json:"description"`
}

type AdHocPointPatch struct {
	Label       *string `json:"label"`
	Description *string `json:"description"`
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// AddAdHocPoint inserts one site-private point. A duplicate point id at the
// same path returns AlreadyExists and leaves state unchanged — the unique
// index is the authority, not an in-memory guard.
func AddAdHocPoint(ctx context.Context, siteId string, templateId int, domainId, subCategoryId string, input *NewAdHocPoint) (*AdHocPoint, error) {

	db := config.GetDB()
	if input.Label == "" {
		return nil, utils.NewValidationError("label", "is required")
	}
	if domainId == "" {
		return nil, utils.NewValidationError("domain_id", "is required")
	}
	if subCategoryId == "" {
		subCategoryId = GlobalSubCategoryKey
	}

	instance, err := GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	// Best-effort redis lock to cut down duplicate-key churn when two clients
	// register the same point at once. The unique index stays the authority.
	if redisLock := config.GetRedisLock(); redisLock != nil {
		lockKey := fmt.Sprintf("QcAdHoc:%d:%s:%s", instance.ID, domainId, subCategoryId)
		lock, lockErr := redisLock.Obtain(ctx, lockKey, 10*time.Second, nil)
		if lockErr == redislock.ErrNotObtained {
			config.GetLogger().WithFields(logrus.Fields{
				"field":       "AddAdHocPoint",
				"instance_id": instance.ID,
				"lock_key":    lockKey,
			}).Warn("could not obtain redis lock; proceeding without redis lock")
		} else if lockErr != nil {
			config.GetLogger().WithFields(logrus.Fields{
				"field":       "AddAdHocPoint",
				"instance_id": instance.ID,
				"lock_key":    lockKey,
			}).WithError(lockErr).Warn("redis lock error; proceeding without redis lock")
		} else {
			defer func() {
				if releaseErr := lock.Release(ctx); releaseErr != nil {
					config.GetLogger().WithFields(logrus.Fields{
						"field":    "AddAdHocPoint",
						"lock_key": lockKey,
					}).Warn("failed to release redis lock: " + releaseErr.Error())
				}
			}()
		}
	}

	point := AdHocPoint{
		InstanceId:     instance.ID,
		DomainId:       domainId,
		SubCategoryId:  subCategoryId,
		PointId:        idOrNew(input.PointId),
		Label:          input.Label,
		Description:    input.Description,
		IsSiteSpecific: true,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPosition *int
		if err := tx.Model(&AdHocPoint{}).
			Where("instance_id = ?", instance.ID).
			Select("MAX(position)").
			Scan(&maxPosition).Error; err != nil {
			return err
		}
		if maxPosition != nil {
			point.Position = *maxPosition + 1
		}
		if err := tx.Create(&point).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.ErrorAlreadyExists
			}
			return err
		}
		return createActivityLog(tx, ActivityActionCreate, instance.ID, "AdHocPoint", nil, point,
			"Site point \""+point.Label+"\" added.")
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return &point, nil
}

func UpdateAdHocPoint(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, patch *AdHocPointPatch) (*AdHocPoint, error) {

	db := config.GetDB()
	if subCategoryId == "" {
		subCategoryId = GlobalSubCategoryKey
	}

	instance, err := GetInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	var point AdHocPoint
	err = db.WithContext(ctx).
		Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instance.ID, domainId, subCategoryId, pointId).
		First(&point).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	before := point
	updates := map[string]interface{}{}
	if patch.Label != nil {
		if *patch.Label == "" {
			return nil, utils.NewValidationError("label", "is required")
		}
		updates["label"] = *patch.Label
		point.Label = *patch.Label
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
		point.Description = *patch.Description
	}
	if len(updates) == 0 {
		return &point, nil
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AdHocPoint{}).Where("id = ?", point.ID).Updates(updates).Error; err != nil {
			return err
		}
		return createActivityLog(tx, ActivityActionUpdate, instance.ID, "AdHocPoint", before, point,
			"Site point \""+point.Label+"\" updated.")
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return &point, nil
}

// DeleteAdHocPoint removes the point definition. Stored verdicts for its id
// remain untouched (audit history); they just stop resolving to a label.
func DeleteAdHocPoint(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string) (*AdHocPoint, error) {

	db := config.GetDB()
	if subCategoryId == "" {
		subCategoryId = GlobalSubCategoryKey
	}

	instance, err := GetInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	var point AdHocPoint
	err = db.WithContext(ctx).
		Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instance.ID, domainId, subCategoryId, pointId).
		First(&point).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&AdHocPoint{}, point.ID).Error; err != nil {
			return err
		}
		return createActivityLog(tx, ActivityActionDelete, instance.ID, "AdHocPoint", point, nil,
			"Site point \""+point.Label+"\" removed.")
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return &point, nil
}

func GetAdHocPointsByInstance(ctx context.Context, instanceId int) ([]*AdHocPoint, error) {

	db := config.GetDB()
	var results []*AdHocPoint
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Order("position").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
