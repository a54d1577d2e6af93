package models

import (
	"context"
	"errors"
	"sort"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ControlInstance is one template's inspection record for one construction
// site. Upserted lazily on first save; never hard-deleted while the site
// exists (DeleteSiteInstances is the cascade hook for site deletion).
type ControlInstance struct {
	ID         int            `gorm:"primary_key" json:"id"`
	OrgId      string         `gorm:"size:64;index;not null" json:"org_id"`
	SiteId     string         `gorm:"size:64;not null;index:uniq_site_template,unique" json:"site_id"`
	TemplateId int            `gorm:"not null;index:uniq_site_template,unique" json:"template_id"`
	Status     InstanceStatus `gorm:"size:20;not null" json:"status"`

	// Version is the optimistic-concurrency token for bulk saves. Row-level
	// verdict upserts do not consume it.
	Version int `gorm:"not null;default:1" json:"version"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RepairInput mirrors the subcontractor's remediation sub-record.
type RepairInput struct {
	DoneByParty             bool       `json:"done_by_party"`
	DoneDate                *time.Time `json:"done_date"`
	Comment                 string     `json:"comment"`
	Photos                  []string   `json:"photos"`
	PlannedInterventionDate *time.Time `json:"planned_intervention_date"`
}

// VerdictInput is the wire shape of one verdict inside a bulk save or a
// single recordVerdict call.
type VerdictInput struct {
	Result              VerdictResult `json:"result"`
	Explanation         string        `json:"explanation"`
	PhotoRef            string        `json:"photo_ref"`
	PlanRef             string        `json:"plan_ref"`
	Annotations         string        `json:"annotations"`
	ScheduledRepairDate *time.Time    `json:"scheduled_repair_date"`
	RepairValidated     bool          `json:"repair_validated"`
	ResponsiblePartyId  string        `json:"responsible_party_id"`
	Repair              RepairInput   `json:"repair"`
}

// Nested key-value payloads, spelled the way clients persist them:
// domainId -> subCategoryId -> pointId. Ad-hoc points registered directly
// under a domain use the GlobalSubCategoryKey sub-key.
type VerdictPayload map[string]map[string]map[string]VerdictInput
type AdHocPointPayload map[string]map[string]map[string]NewControlPoint

func getOrgId(ctx context.Context) (string, error) {
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return "", errors.New("org id is required")
	}
	return orgId, nil
}

// GetOrCreateInstance inserts lazily; racing creators collapse onto the
// unique (site_id, template_id) index.
func GetOrCreateInstance(ctx context.Context, siteId string, templateId int) (*ControlInstance, error) {

	db := config.GetDB()
	orgId, err := getOrgId(ctx)
	if err != nil {
		return nil, err
	}
	if siteId == "" {
		return nil, utils.NewValidationError("site_id", "is required")
	}
	if err := utils.ValidateResourceId[Template](ctx, orgId, templateId); err != nil {
		return nil, err
	}

	instance := ControlInstance{
		OrgId:      orgId,
		SiteId:     siteId,
		TemplateId: templateId,
		Status:     InstanceStatusInProgress,
		Version:    1,
	}
	err = db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "template_id"}},
			DoNothing: true,
		}).
		Create(&instance).Error
	if err != nil {
		return nil, utils.WrapPersistence("create control instance", err)
	}

	return GetInstance(ctx, siteId, templateId)
}

func GetInstance(ctx context.Context, siteId string, templateId int) (*ControlInstance, error) {

	db := config.GetDB()
	orgId, err := getOrgId(ctx)
	if err != nil {
		return nil, err
	}

	var result ControlInstance
	err = db.WithContext(ctx).
		Where("org_id = ? AND site_id = ? AND template_id = ?", orgId, siteId, templateId).
		First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetInstancesBySite(ctx context.Context, siteId string) ([]*ControlInstance, error) {

	db := config.GetDB()
	orgId, err := getOrgId(ctx)
	if err != nil {
		return nil, err
	}

	var results []*ControlInstance
	err = db.WithContext(ctx).
		Where("org_id = ? AND site_id = ?", orgId, siteId).
		Order("created_at").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SaveInstance is the bulk replace path: the client sends the whole
// verdicts/ad-hoc payload it read, plus the version it read it at. A version
// mismatch means someone else saved in between; the caller re-reads and
// retries instead of silently overwriting their work.
func SaveInstance(ctx context.Context, siteId string, templateId int, verdicts VerdictPayload, adHocPoints AdHocPointPayload, expectedVersion int) (*ControlInstance, error) {

	db := config.GetDB()
	if _, err := getOrgId(ctx); err != nil {
		return nil, err
	}

	instance, err := GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		return nil, err
	}

	verdictRows, err := flattenVerdictPayload(instance.ID, verdicts)
	if err != nil {
		return nil, err
	}

	// Preserve insertion order across bulk saves: points the instance already
	// has keep their position, new ones are appended in sorted-key order.
	existingAdHoc, err := GetAdHocPointsByInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	existingPositions := make(map[string]int, len(existingAdHoc))
	nextPosition := 0
	for _, p := range existingAdHoc {
		existingPositions[p.PointId] = p.Position
		if p.Position >= nextPosition {
			nextPosition = p.Position + 1
		}
	}
	adHocRows, err := flattenAdHocPayload(instance.ID, adHocPoints, existingPositions, nextPosition)
	if err != nil {
		return nil, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireInstanceLock(tx, instance.ID); err != nil {
			return err
		}
		defer ReleaseInstanceLock(tx, instance.ID)

		res := tx.Model(&ControlInstance{}).
			Where("id = ? AND version = ?", instance.ID, expectedVersion).
			Updates(map[string]interface{}{
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return utils.ErrorConflict
		}

		if err := tx.Where("instance_id = ?", instance.ID).Delete(&Verdict{}).Error; err != nil {
			return err
		}
		if len(verdictRows) > 0 {
			if err := tx.Create(&verdictRows).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("instance_id = ?", instance.ID).Delete(&AdHocPoint{}).Error; err != nil {
			return err
		}
		if len(adHocRows) > 0 {
			if err := tx.Create(&adHocRows).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	invalidateEffectiveStructureCache(instance.OrgId, siteId, templateId)
	return GetInstance(ctx, siteId, templateId)
}

// DeleteSiteInstances is called only from the site-deletion cascade. It is the
// single place a control instance (and its verdicts, overlays, tombstones)
// disappears.
func DeleteSiteInstances(ctx context.Context, siteId string) error {

	db := config.GetDB()
	orgId, err := getOrgId(ctx)
	if err != nil {
		return err
	}

	instances, err := GetInstancesBySite(ctx, siteId)
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, instance := range instances {
			for _, model := range []interface{}{&Verdict{}, &AdHocPoint{}, &AdHocCategory{}, &AdHocSubCategory{}, &Tombstone{}} {
				if err := tx.Where("instance_id = ?", instance.ID).Delete(model).Error; err != nil {
					return err
				}
			}
			if err := tx.Delete(&ControlInstance{}, instance.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, instance := range instances {
		invalidateEffectiveStructureCache(orgId, siteId, instance.TemplateId)
	}
	return nil
}

func flattenVerdictPayload(instanceId int, payload VerdictPayload) ([]Verdict, error) {
	var rows []Verdict
	for domainId, subCategories := range payload {
		for subCategoryId, points := range subCategories {
			for pointId, input := range points {
				row, err := newVerdictRow(instanceId, domainId, subCategoryId, pointId, input)
				if err != nil {
					return nil, err
				}
				rows = append(rows, *row)
			}
		}
	}
	return rows, nil
}

func flattenAdHocPayload(instanceId int, payload AdHocPointPayload, existingPositions map[string]int, nextPosition int) ([]AdHocPoint, error) {
	var rows []AdHocPoint
	for _, domainId := range sortedKeys(payload) {
		subCategories := payload[domainId]
		for _, subCategoryId := range sortedKeys(subCategories) {
			points := subCategories[subCategoryId]
			for _, pointId := range sortedKeys(points) {
				input := points[pointId]
				if input.Label == "" {
					return nil, utils.NewValidationError("label", "is required")
				}
				id := idOrNew(pointId)
				position, known := existingPositions[id]
				if !known {
					position = nextPosition
					nextPosition++
				}
				rows = append(rows, AdHocPoint{
					PointId:        id,
					InstanceId:     instanceId,
					DomainId:       domainId,
					SubCategoryId:  subCategoryId,
					Label:          input.Label,
					Description:    input.Description,
					IsSiteSpecific: true,
					Position:       position,
				})
			}
		}
	}
	return rows, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
