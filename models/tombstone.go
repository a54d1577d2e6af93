package models

import (
	"context"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Tombstone hides a template or ad-hoc item from one site's effective view
// without deleting anything. Stored verdicts beneath a tombstoned path stay
// in place and reappear intact when the tombstone is removed — audit history
// depends on that round trip.
type Tombstone struct {
	ID            int            `gorm:"primary_key" json:"id"`
	InstanceId    int            `gorm:"not null;index:uniq_tombstone,unique" json:"instance_id"`
	Level         TombstoneLevel `gorm:"size:20;not null;index:uniq_tombstone,unique" json:"level"`
	DomainId      string         `gorm:"size:64;not null;index:uniq_tombstone,unique" json:"domain_id"`
	SubCategoryId string         `gorm:"size:64;not null;default:'';index:uniq_tombstone,unique" json:"sub_category_id"`
	PointId       string         `gorm:"size:64;not null;default:'';index:uniq_tombstone,unique" json:"point_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func putTombstone(ctx context.Context, siteId string, templateId int, row Tombstone) error {

	db := config.GetDB()

	instance, err := GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		return err
	}
	row.InstanceId = instance.ID

	// Hiding twice is a no-op; the unique index absorbs the duplicate.
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return utils.WrapPersistence("insert tombstone", err)
		}
		return createActivityLog(tx, ActivityActionCreate, instance.ID, "Tombstone", nil, row,
			"Hidden "+string(row.Level)+" on site "+siteId+".")
	})
	if err != nil {
		return err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return nil
}

func removeTombstone(ctx context.Context, siteId string, templateId int, row Tombstone) error {

	db := config.GetDB()

	instance, err := GetInstance(ctx, siteId, templateId)
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where(
			"instance_id = ? AND level = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instance.ID, row.Level, row.DomainId, row.SubCategoryId, row.PointId,
		).Delete(&Tombstone{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorRecordNotFound
		}
		return createActivityLog(tx, ActivityActionDelete, instance.ID, "Tombstone", row, nil,
			"Unhidden "+string(row.Level)+" on site "+siteId+".")
	})
	if err != nil {
		return err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return nil
}

// HideCategory hides a whole domain and everything beneath it, ad-hoc
// additions included.
func HideCategory(ctx context.Context, siteId string, templateId int, domainId string) error {
	if domainId == "" {
		return utils.NewValidationError("domain_id", "is required")
	}
	return putTombstone(ctx, siteId, templateId, Tombstone{
		Level:    TombstoneLevelDomain,
		DomainId: domainId,
	})
}

func HideSubCategory(ctx context.Context, siteId string, templateId int, domainId, subCategoryId string) error {
	if domainId == "" || subCategoryId == "" {
		return utils.NewValidationError("path", "domain id and sub-category id are required")
	}
	return putTombstone(ctx, siteId, templateId, Tombstone{
		Level:         TombstoneLevelSubCategory,
		DomainId:      domainId,
		SubCategoryId: subCategoryId,
	})
}

func HidePoint(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string) error {
	if domainId == "" || pointId == "" {
		return utils.NewValidationError("path", "domain id and point id are required")
	}
	if subCategoryId == "" {
		subCategoryId = GlobalSubCategoryKey
	}
	return putTombstone(ctx, siteId, templateId, Tombstone{
		Level:         TombstoneLevelPoint,
		DomainId:      domainId,
		SubCategoryId: subCategoryId,
		PointId:       pointId,
	})
}

func UnhideCategory(ctx context.Context, siteId string, templateId int, domainId string) error {
	return removeTombstone(ctx, siteId, templateId, Tombstone{
		Level:    TombstoneLevelDomain,
		DomainId: domainId,
	})
}

func UnhideSubCategory(ctx context.Context, siteId string, templateId int, domainId, subCategoryId string) error {
	return removeTombstone(ctx, siteId, templateId, Tombstone{
		Level:         TombstoneLevelSubCategory,
		DomainId:      domainId,
		SubCategoryId: subCategoryId,
	})
}

func UnhidePoint(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string) error {
	if subCategoryId == "" {
		subCategoryId = GlobalSubCategoryKey
	}
	return removeTombstone(ctx, siteId, templateId, Tombstone{
		Level:         TombstoneLevelPoint,
		DomainId:      domainId,
		SubCategoryId: subCategoryId,
		PointId:       pointId,
	})
}

func GetTombstonesByInstance(ctx context.Context, instanceId int) ([]*Tombstone, error) {

	db := config.GetDB()
	var results []*Tombstone
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
