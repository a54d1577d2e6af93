package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Verdict is one recorded outcome for one control point in one instance.
// One row per (instance, domain, sub-category, point); the unique index is
// what makes concurrent writes to different points safe — each write touches
// only its own row inside a transaction, there is no whole-document replace
// on this path.
//
// Verdict rows exist for template points and ad-hoc points alike, and they
// survive tombstoning: hiding a point removes it from the effective view,
// never from here.
type Verdict struct {
	ID            int    `gorm:"primary_key" json:"id"`
	InstanceId    int    `gorm:"not null;index:uniq_verdict_path,unique" json:"instance_id"`
	DomainId      string `gorm:"size:64;not null;index:uniq_verdict_path,unique" json:"domain_id"`
	SubCategoryId string `gorm:"size:64;not null;index:uniq_verdict_path,unique" json:"sub_category_id"`
	PointId       string `gorm:"size:64;not null;index:uniq_verdict_path,unique" json:"point_id"`

	Result              VerdictResult `gorm:"size:20;not null" json:"result"`
	Explanation         string        `gorm:"type:text" json:"explanation"`
	PhotoRef            string        `gorm:"size:500" json:"photo_ref"`
	PlanRef             string        `gorm:"size:500" json:"plan_ref"`
	Annotations         string        `gorm:"type:text" json:"annotations"`
	ScheduledRepairDate *time.Time    `json:"scheduled_repair_date"`
	RepairValidated     bool          `gorm:"not null;default:false" json:"repair_validated"`
	ResponsiblePartyId  string        `gorm:"size:64;index" json:"responsible_party_id"`

	RepairDoneByParty bool       `gorm:"not null;default:false" json:"repair_done_by_party"`
	RepairDoneDate    *time.Time `json:"repair_done_date"`
	RepairComment     string     `gorm:"type:text" json:"repair_comment"`
	// RepairPhotos is a JSON array of opaque upload references.
	RepairPhotos      string     `gorm:"type:text" json:"repair_photos"`
	RepairPlannedDate *time.Time `json:"repair_planned_date"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// State derives the remediation position of this verdict. Never stored.
func (v *Verdict) State() RemediationState {
	switch v.Result {
	case VerdictResultSansObjet:
		return RemediationStateSansObjet
	case VerdictResultConforme:
		if v.RepairValidated {
			return RemediationStateNCValidated
		}
		return RemediationStateConforme
	case VerdictResultNonConforme:
		if v.RepairDoneByParty {
			return RemediationStateNCPendingValidation
		}
		if v.RepairPlannedDate != nil {
			return RemediationStateNCScheduled
		}
		return RemediationStateNCOpen
	default:
		return RemediationStateUnset
	}
}

// IsOpenNonConformity reports whether this verdict still needs remediation.
func (v *Verdict) IsOpenNonConformity() bool {
	return v.Result == VerdictResultNonConforme && !v.RepairValidated
}

func (v *Verdict) Input() VerdictInput {
	var photos []string
	if v.RepairPhotos != "" {
		_ = json.Unmarshal([]byte(v.RepairPhotos), &photos)
	}
	return VerdictInput{
		Result:              v.Result,
		Explanation:         v.Explanation,
		PhotoRef:            v.PhotoRef,
		PlanRef:             v.PlanRef,
		Annotations:         v.Annotations,
		ScheduledRepairDate: v.ScheduledRepairDate,
		RepairValidated:     v.RepairValidated,
		ResponsiblePartyId:  v.ResponsiblePartyId,
		Repair: RepairInput{
			DoneByParty:             v.RepairDoneByParty,
			DoneDate:                v.RepairDoneDate,
			Comment:                 v.RepairComment,
			Photos:                  photos,
			PlannedInterventionDate: v.RepairPlannedDate,
		},
	}
}

func newVerdictRow(instanceId int, domainId, subCategoryId, pointId string, input VerdictInput) (*Verdict, error) {
	if domainId == "" || pointId == "" {
		return nil, utils.NewValidationError("path", "domain id and point id are required")
	}
	result := input.Result
	if result == "" {
		result = VerdictResultUnset
	}
	if !result.IsValid() {
		return nil, utils.NewValidationError("result", "invalid verdict result")
	}
	if result == VerdictResultNonConforme && input.Explanation == "" {
		return nil, utils.NewValidationError("explanation", "is required for a NonConforme verdict")
	}
	// Validation closes the non-conformity; the same write must carry the
	// Conforme result or the row would read as validated-but-still-open.
	if input.RepairValidated && result != VerdictResultConforme {
		return nil, utils.NewValidationError("repair_validated", "requires a Conforme result")
	}

	photos := "[]"
	if len(input.Repair.Photos) > 0 {
		b, err := json.Marshal(input.Repair.Photos)
		if err != nil {
			return nil, err
		}
		photos = string(b)
	}

	return &Verdict{
		InstanceId:          instanceId,
		DomainId:            domainId,
		SubCategoryId:       subCategoryId,
		PointId:             pointId,
		Result:              result,
		Explanation:         input.Explanation,
		PhotoRef:            input.PhotoRef,
		PlanRef:             input.PlanRef,
		Annotations:         input.Annotations,
		ScheduledRepairDate: input.ScheduledRepairDate,
		RepairValidated:     input.RepairValidated,
		ResponsiblePartyId:  input.ResponsiblePartyId,
		RepairDoneByParty:   input.Repair.DoneByParty,
		RepairDoneDate:      input.Repair.DoneDate,
		RepairComment:       input.Repair.Comment,
		RepairPhotos:        photos,
		RepairPlannedDate:   input.Repair.PlannedInterventionDate,
	}, nil
}

// ApplyInput overwrites the mutable verdict fields from input, keeping the
// row identity. Same validation rules as a fresh write.
func (v *Verdict) ApplyInput(input VerdictInput) error {
	row, err := newVerdictRow(v.InstanceId, v.DomainId, v.SubCategoryId, v.PointId, input)
	if err != nil {
		return err
	}
	row.ID = v.ID
	row.CreatedAt = v.CreatedAt
	*v = *row
	return nil
}

// UpsertVerdictRow writes exactly one verdict row keyed by its path, inside
// the caller's transaction. Concurrent upserts on different paths touch
// different rows and both persist.
func UpsertVerdictRow(tx *gorm.DB, instanceId int, domainId, subCategoryId, pointId string, input VerdictInput) (*Verdict, error) {
	row, err := newVerdictRow(instanceId, domainId, subCategoryId, pointId, input)
	if err != nil {
		return nil, err
	}
	err = tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "instance_id"}, {Name: "domain_id"}, {Name: "sub_category_id"}, {Name: "point_id"},
		},
		// Not UpdateAll: the update path must leave id and created_at alone.
		DoUpdates: clause.AssignmentColumns([]string{
			"result", "explanation", "photo_ref", "plan_ref", "annotations",
			"scheduled_repair_date", "repair_validated", "responsible_party_id",
			"repair_done_by_party", "repair_done_date", "repair_comment",
			"repair_photos", "repair_planned_date", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return nil, utils.WrapPersistence("upsert verdict", err)
	}

	// On the MySQL update path the returned row keeps a zero id; reload by
	// the path key so callers always get the stored identity and timestamps.
	var saved Verdict
	err = tx.Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
		instanceId, domainId, subCategoryId, pointId).First(&saved).Error
	if err != nil {
		return nil, utils.WrapPersistence("reload verdict", err)
	}
	return &saved, nil
}

// GetVerdict fetches one verdict row by path.
// (may return RecordNotFound)
func GetVerdict(ctx context.Context, instanceId int, domainId, subCategoryId, pointId string) (*Verdict, error) {

	db := config.GetDB()
	var result Verdict
	err := db.WithContext(ctx).
		Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instanceId, domainId, subCategoryId, pointId).
		First(&result).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}

func GetVerdictsByInstance(ctx context.Context, instanceId int) ([]*Verdict, error) {

	db := config.GetDB()
	var results []*Verdict
	err := db.WithContext(ctx).
		Where("instance_id = ?", instanceId).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
