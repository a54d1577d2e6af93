package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Template is the organization-wide, reusable inspection checklist.
// Shared across every site of the organization; sites never mutate it directly
// (site-level changes go through ad-hoc points and tombstones on the instance).
type Template struct {
	ID      int    `gorm:"primary_key" json:"id"`
	OrgId   string `gorm:"size:64;index;not null" json:"org_id"`
	Title   string `gorm:"size:255;not null" json:"title" binding:"required"`
	Version int    `gorm:"not null;default:1" json:"version"`

	Domains []TemplateDomain `gorm:"foreignKey:TemplateId" json:"domains"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type TemplateDomain struct {
	ID         string `gorm:"primaryKey;size:64" json:"id"`
	TemplateId int    `gorm:"index;not null" json:"template_id"`
	Name       string `gorm:"size:255;not null" json:"name"`
	Position   int    `gorm:"not null" json:"position"`

	SubCategories []TemplateSubCategory `gorm:"foreignKey:DomainId" json:"sub_categories"`
}

type TemplateSubCategory struct {
	ID         string `gorm:"primaryKey;size:64" json:"id"`
	TemplateId int    `gorm:"index;not null" json:"template_id"`
	DomainId   string `gorm:"size:64;index;not null" json:"domain_id"`
	Name       string `gorm:"size:255;not null" json:"name"`
	Position   int    `gorm:"not null" json:"position"`

	Points []TemplatePoint `gorm:"foreignKey:SubCategoryId" json:"control_points"`
}

// TemplatePoint ids are globally unique and must never be reassigned once any
// stored verdict references them (verdict rows would be orphaned otherwise).
type TemplatePoint struct {
	ID            string `gorm:"primaryKey;size:64" json:"id"`
	TemplateId    int    `gorm:"index;not null" json:"template_id"`
	DomainId      string `gorm:"size:64;index;not null" json:"domain_id"`
	SubCategoryId string `gorm:"size:64;index;not null" json:"sub_category_id"`
	Label         string `gorm:"size:500;not null" json:"label"`
	Description   string `gorm:"type:text" json:"description"`
	Position      int    `gorm:"not null" json:"position"`
}

type NewTemplate struct {
	Title   string              `json:"title" binding:"required"`
	Domains []NewTemplateDomain `json:"domains"`
}

type NewTemplateDomain struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name" binding:"required"`
	SubCategories []NewTemplateSubCategory `json:"sub_categories"`
}

type NewTemplateSubCategory struct {
	ID     string            `json:"id"`
	Name   string            `json:"name" binding:"required"`
	Points []NewControlPoint `json:"control_points"`
}

type NewControlPoint struct {
	ID          string `json:"id"`
	Label       string `json:"label" binding:"required"`
	Description string `json:"description"`
}

type TemplatePatch struct {
	Title   *string              `json:"title"`
	Domains *[]NewTemplateDomain `json:"domains"`
}

func idOrNew(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func buildTemplateRows(templateId int, domains []NewTemplateDomain) ([]TemplateDomain, []TemplateSubCategory, []TemplatePoint, error) {
	var domainRows []TemplateDomain
	var subCategoryRows []TemplateSubCategory
	var pointRows []TemplatePoint

	seen := map[string]bool{}
	for di, d := range domains {
		if d.Name == "" {
			return nil, nil, nil, utils.NewValidationError("domains.name", "is required")
		}
		domainId := idOrNew(d.ID)
		if seen[domainId] {
			return nil, nil, nil, utils.NewValidationError("domains.id", "duplicate id "+domainId)
		}
		seen[domainId] = true
		domainRows = append(domainRows, TemplateDomain{
			ID:         domainId,
			TemplateId: templateId,
			Name:       d.Name,
			Position:   di,
		})
		for si, s := range d.SubCategories {
			if s.Name == "" {
				return nil, nil, nil, utils.NewValidationError("sub_categories.name", "is required")
			}
			subCategoryId := idOrNew(s.ID)
			if seen[subCategoryId] {
				return nil, nil, nil, utils.NewValidationError("sub_categories.id", "duplicate id "+subCategoryId)
			}
			seen[subCategoryId] = true
			subCategoryRows = append(subCategoryRows, TemplateSubCategory{
				ID:         subCategoryId,
				TemplateId: templateId,
				DomainId:   domainId,
				Name:       s.Name,
				Position:   si,
			})
			for pi, p := range s.Points {
				if p.Label == "" {
					return nil, nil, nil, utils.NewValidationError("control_points.label", "is required")
				}
				pointId := idOrNew(p.ID)
				if seen[pointId] {
					return nil, nil, nil, utils.NewValidationError("control_points.id", "duplicate id "+pointId)
				}
				seen[pointId] = true
				pointRows = append(pointRows, TemplatePoint{
					ID:            pointId,
					TemplateId:    templateId,
					DomainId:      domainId,
					SubCategoryId: subCategoryId,
					Label:         p.Label,
					Description:   p.Description,
					Position:      pi,
				})
			}
		}
	}
	return domainRows, subCategoryRows, pointRows, nil
}

func CreateTemplate(ctx context.Context, input *NewTemplate) (*Template, error) {

	db := config.GetDB()
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}
	if input.Title == "" {
		return nil, utils.NewValidationError("title", "is required")
	}

	template := Template{
		OrgId:   orgId,
		Title:   input.Title,
		Version: 1,
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&template).Error; err != nil {
			return err
		}
		domainRows, subCategoryRows, pointRows, err := buildTemplateRows(template.ID, input.Domains)
		if err != nil {
			return err
		}
		if len(domainRows) > 0 {
			if err := tx.Create(&domainRows).Error; err != nil {
				return err
			}
		}
		if len(subCategoryRows) > 0 {
			if err := tx.Create(&subCategoryRows).Error; err != nil {
				return err
			}
		}
		if len(pointRows) > 0 {
			if err := tx.Create(&pointRows).Error; err != nil {
				return err
			}
		}
		return createActivityLog(tx, ActivityActionCreate, template.ID, "Template", nil, template, "Template \""+template.Title+"\" created.")
	})
	if err != nil {
		return nil, err
	}
	return GetTemplate(ctx, template.ID)
}

// UpdateTemplate replaces title and/or the whole structure. Dropping a point
// that any stored verdict references is rejected: inspection history must stay
// resolvable.
func UpdateTemplate(ctx context.Context, id int, patch *TemplatePatch) (*Template, error) {

	db := config.GetDB()
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	existing, err := utils.FetchModel[Template](ctx, orgId, id)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
		if patch.Title != nil {
			if *patch.Title == "" {
				return utils.NewValidationError("title", "is required")
			}
			updates["title"] = *patch.Title
		}

		if patch.Domains != nil {
			domainRows, subCategoryRows, pointRows, err := buildTemplateRows(id, *patch.Domains)
			if err != nil {
				return err
			}

			var existingPointIds []string
			if err := tx.Model(&TemplatePoint{}).Where("template_id = ?", id).
				Pluck("id", &existingPointIds).Error; err != nil {
				return err
			}
			kept := make(map[string]bool, len(pointRows))
			for _, p := range pointRows {
				kept[p.ID] = true
			}
			var dropped []string
			for _, pid := range existingPointIds {
				if !kept[pid] {
					dropped = append(dropped, pid)
				}
			}
			if len(dropped) > 0 {
				var refCount int64
				if err := tx.Model(&Verdict{}).Where("point_id IN ?", dropped).Count(&refCount).Error; err != nil {
					return err
				}
				if refCount > 0 {
					return utils.ErrorInUse
				}
			}

			if err := tx.Where("template_id = ?", id).Delete(&TemplatePoint{}).Error; err != nil {
				return err
			}
			if err := tx.Where("template_id = ?", id).Delete(&TemplateSubCategory{}).Error; err != nil {
				return err
			}
			if err := tx.Where("template_id = ?", id).Delete(&TemplateDomain{}).Error; err != nil {
				return err
			}
			if len(domainRows) > 0 {
				if err := tx.Create(&domainRows).Error; err != nil {
					return err
				}
			}
			if len(subCategoryRows) > 0 {
				if err := tx.Create(&subCategoryRows).Error; err != nil {
					return err
				}
			}
			if len(pointRows) > 0 {
				if err := tx.Create(&pointRows).Error; err != nil {
					return err
				}
			}
		}

		if err := tx.Model(&Template{}).Where("id = ? AND org_id = ?", id, orgId).
			Updates(updates).Error; err != nil {
			return err
		}
		return createActivityLog(tx, ActivityActionUpdate, id, "Template", existing, patch, "Template \""+existing.Title+"\" updated.")
	})
	if err != nil {
		return nil, err
	}
	return GetTemplate(ctx, id)
}

// DeleteTemplate refuses while any control instance references the template.
// This is the application-layer referential check: templates stay alive as long
// as a site inspection record needs them.
func DeleteTemplate(ctx context.Context, id int) (*Template, error) {

	db := config.GetDB()
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	existing, err := GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refCount int64
		if err := tx.Model(&ControlInstance{}).Where("template_id = ?", id).Count(&refCount).Error; err != nil {
			return err
		}
		if refCount > 0 {
			return utils.ErrorInUse
		}
		if err := tx.Where("template_id = ?", id).Delete(&TemplatePoint{}).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", id).Delete(&TemplateSubCategory{}).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", id).Delete(&TemplateDomain{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ? AND org_id = ?", id, orgId).Delete(&Template{}).Error; err != nil {
			return err
		}
		return createActivityLog(tx, ActivityActionDelete, id, "Template", existing, nil, "Template \""+existing.Title+"\" deleted.")
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// GetTemplate loads the full ordered structure.
func GetTemplate(ctx context.Context, id int) (*Template, error) {

	db := config.GetDB()
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	var result Template
	err := db.WithContext(ctx).
		Preload("Domains", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Domains.SubCategories", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Domains.SubCategories.Points", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("org_id = ?", orgId).
		First(&result, "id = ?", id).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetTemplates(ctx context.Context) ([]*Template, error) {

	db := config.GetDB()
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return nil, errors.New("org id is required")
	}

	var results []*Template
	err := db.WithContext(ctx).
		Preload("Domains", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Domains.SubCategories", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Domains.SubCategories.Points", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("org_id = ?", orgId).
		Order("created_at").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
