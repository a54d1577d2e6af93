package models

import (
	"context"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
)

// AdHocCategory and AdHocSubCategory are the legacy overlay path for whole
// categories/sub-categories added at site level (as opposed to single ad-hoc
// points). Both mechanisms coexist; precedence relative to tombstones is:
// a tombstone always wins. A site-added category is hidden through the same
// HideCategory/HideSubCategory tombstones as template ones, so one removal
// path serves both.
type AdHocCategory struct {
	ID         int    `gorm:"primary_key" json:"id"`
	InstanceId int    `gorm:"not null;index:uniq_adhoc_cat,unique" json:"instance_id"`
	DomainId   string `gorm:"size:64;not null;index:uniq_adhoc_cat,unique" json:"domain_id"`
	Name       string `gorm:"size:255;not null" json:"name" binding:"required"`
	Position   int    `gorm:"not null" json:"position"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type AdHocSubCategory struct {
	ID            int    `gorm:"primary_key" json:"id"`
	InstanceId    int    `gorm:"not null;index:uniq_adhoc_subcat,unique" json:"instance_id"`
	DomainId      string `gorm:"size:64;not null;index:uniq_adhoc_subcat,unique" json:"domain_id"`
	SubCategoryId string `gorm:"size:64;not null;index:uniq_adhoc_subcat,unique" json:"sub_category_id"`
	Name          string `gorm:"size:255;not null" json:"name" binding:"required"`
	Position      int    `gorm:"not null" json:"position"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewAdHocCategory struct {
	DomainId string `json:"domain_id"`
	Name     string `json:"name" binding:"required"`
}

type NewAdHocSubCategory struct {
	DomainId      string `json:"domain_id" binding:"required"`
	SubCategoryId string `json:"sub_category_id"`
	Name          string `json:"name" binding:"required"`
}

// AddAdHocCategory registers a site-private domain. Its id joins the domain
// id namespace so verdicts and tombstones address it like a template domain.
func AddAdHocCategory(ctx context.Context, siteId string, templateId int, input *NewAdHocCategory) (*AdHocCategory, error) {

	db := config.GetDB()
	if input.Name == "" {
		return nil, utils.NewValidationError("name", "is required")
	}

	instance, err := GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	category := AdHocCategory{
		InstanceId: instance.ID,
		DomainId:   idOrNew(input.DomainId),
		Name:       input.Name,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPosition *int
		if err := tx.Model(&AdHocCategory{}).
			Where("instance_id = ?", instance.ID).
			Select("MAX(position)").
			Scan(&maxPosition).Error; err != nil {
			return err
		}
		if maxPosition != nil {
			category.Position = *maxPosition + 1
		}
		if err := tx.Create(&category).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.ErrorAlreadyExists
			}
			return err
		}
		return createActivityLog(tx, ActivityActionCreate, instance.ID, "AdHocCategory", nil, category,
			"Site category \""+category.Name+"\" added.")
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return &category, nil
}

func AddAdHocSubCategory(ctx context.Context, siteId string, templateId int, input *NewAdHocSubCategory) (*AdHocSubCategory, error) {

	db := config.GetDB()
	if input.Name == "" {
		return nil, utils.NewValidationError("name", "is required")
	}
	if input.DomainId == "" {
		return nil, utils.NewValidationError("domain_id", "is required")
	}

	instance, err := GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	subCategory := AdHocSubCategory{
		InstanceId:    instance.ID,
		DomainId:      input.DomainId,
		SubCategoryId: idOrNew(input.SubCategoryId),
		Name:          input.Name,
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxPosition *int
		if err := tx.Model(&AdHocSubCategory{}).
			Where("instance_id = ? AND domain_id = ?", instance.ID, input.DomainId).
			Select("MAX(position)").
			Scan(&maxPosition).Error; err != nil {
			return err
		}
		if maxPosition != nil {
			subCategory.Position = *maxPosition + 1
		}
		if err := tx.Create(&subCategory).Error; err != nil {
			if isDuplicateKeyErr(err) {
				return utils.ErrorAlreadyExists
			}
			return err
		}
		return createActivityLog(tx, ActivityActionCreate, instance.ID, "AdHocSubCategory", nil, subCategory,
			"Site sub-category \""+subCategory.Name+"\" added.")
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return &subCategory, nil
}

func GetAdHocCategoriesByInstance(ctx context.Context, instanceId int) ([]*AdHocCategory, error) {

	db := config.GetDB()
	var results []*AdHocCategory
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Order("position").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func GetAdHocSubCategoriesByInstance(ctx context.Context, instanceId int) ([]*AdHocSubCategory, error) {

	db := config.GetDB()
	var results []*AdHocSubCategory
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Order("position").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
