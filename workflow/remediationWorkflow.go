package workflow

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
)

// Remediation transitions for a non-conforming control point. Every
// transition loads the verdict under the instance advisory lock, checks the
// actor's role and the current derived state, mutates the single verdict row
// and logs plus enqueues its event in the same transaction.

type actor struct {
	role    models.ActorRole
	partyId string
	isAdmin bool
}

func actorFromContext(ctx context.Context) actor {
	role, _ := utils.GetActorRoleFromContext(ctx)
	partyId, _ := utils.GetPartyIdFromContext(ctx)
	return actor{
		role:    models.ActorRole(role),
		partyId: partyId,
		isAdmin: utils.GetIsAdminFromContext(ctx),
	}
}

func (a actor) canActAsResponsibleParty(v *models.Verdict) bool {
	if a.isAdmin {
		return true
	}
	return a.role == models.ActorRoleSubcontractor && a.partyId != "" && a.partyId == v.ResponsiblePartyId
}

func (a actor) canValidateRepairs() bool {
	return a.isAdmin || a.role == models.ActorRoleContractor
}

// ReportRepairDoneInput carries the subcontractor's completion report.
type ReportRepairDoneInput struct {
	DoneDate *time.Time `json:"done_date"`
	Comment  string     `json:"comment"`
	Photos   []string   `json:"photos"`
}

type transitionFunc func(tx *gorm.DB, verdict *models.Verdict) (models.QcEventType, error)

// runTransition is the shared skeleton: resolve instance and verdict, take
// the advisory lock, apply the mutation, log and enqueue, all in one
// transaction.
func runTransition(ctx context.Context, funcName, siteId string, templateId int, domainId, subCategoryId, pointId string, apply transitionFunc) (*models.Verdict, error) {

	logger := config.GetLogger()

	if subCategoryId == "" {
		subCategoryId = models.GlobalSubCategoryKey
	}

	instance, err := models.GetInstance(ctx, siteId, templateId)
	if err != nil {
		config.LogError(logger, "remediationWorkflow.go", funcName, "GetInstance", siteId, err)
		return nil, err
	}

	db := config.GetDB()
	var updated *models.Verdict
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		if err := models.AcquireInstanceLock(tx, instance.ID); err != nil {
			return err
		}
		defer models.ReleaseInstanceLock(tx, instance.ID)

		var verdict models.Verdict
		err := tx.Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instance.ID, domainId, subCategoryId, pointId).
			First(&verdict).Error
		if err != nil {
			return utils.ErrorRecordNotFound
		}
		before := verdict

		eventType, err := apply(tx, &verdict)
		if err != nil {
			return err
		}

		err = tx.Save(&verdict).Error
		if err != nil {
			config.LogError(logger, "remediationWorkflow.go", funcName, "SaveVerdict", verdict, err)
			return utils.WrapPersistence("save verdict", err)
		}

		err = models.CreateActivityLog(tx, models.ActivityActionUpdate, instance.ID, "control_instance", before, verdict, funcName+" "+pointId)
		if err != nil {
			config.LogError(logger, "remediationWorkflow.go", funcName, "CreateActivityLog", verdict, err)
			return err
		}

		err = models.EnqueueQcEvent(ctx, tx, siteId, instance.ID, domainId, subCategoryId, pointId, eventType, verdict)
		if err != nil {
			config.LogError(logger, "remediationWorkflow.go", funcName, "EnqueueQcEvent", verdict, err)
			return err
		}

		updated = &verdict
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OpenNonConformity records a NonConforme verdict with its explanation and
// responsible party. Any role may open one. Creates the verdict row when
// none exists yet.
func OpenNonConformity(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, explanation, responsiblePartyId string) (*models.Verdict, error) {
	if explanation == "" {
		return nil, utils.NewValidationError("explanation", "is required for a NonConforme verdict")
	}
	return RecordVerdict(ctx, siteId, templateId, domainId, subCategoryId, pointId, models.VerdictInput{
		Result:             models.VerdictResultNonConforme,
		Explanation:        explanation,
		ResponsiblePartyId: responsiblePartyId,
	})
}

// ScheduleRepair sets the planned intervention date. Only the party assigned
// on the verdict may schedule, and only while the non-conformity is open.
func ScheduleRepair(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, plannedDate time.Time) (*models.Verdict, error) {
	act := actorFromContext(ctx)
	return runTransition(ctx, "ScheduleRepair", siteId, templateId, domainId, subCategoryId, pointId,
		func(tx *gorm.DB, verdict *models.Verdict) (models.QcEventType, error) {
			if !act.canActAsResponsibleParty(verdict) {
				return "", utils.ErrorPermissionDenied
			}
			if verdict.State() != models.RemediationStateNCOpen {
				return "", utils.NewValidationError("state", "repair can only be scheduled on an open non-conformity")
			}
			verdict.RepairPlannedDate = &plannedDate
			return models.QcEventRepairScheduled, nil
		})
}

// ReportRepairDone marks the repair as done by the responsible party.
// Allowed from scheduled and from open, skipping the scheduling step.
func ReportRepairDone(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, input ReportRepairDoneInput) (*models.Verdict, error) {
	act := actorFromContext(ctx)
	return runTransition(ctx, "ReportRepairDone", siteId, templateId, domainId, subCategoryId, pointId,
		func(tx *gorm.DB, verdict *models.Verdict) (models.QcEventType, error) {
			if !act.canActAsResponsibleParty(verdict) {
				return "", utils.ErrorPermissionDenied
			}
			state := verdict.State()
			if state != models.RemediationStateNCOpen && state != models.RemediationStateNCScheduled {
				return "", utils.NewValidationError("state", "repair can only be reported on an open or scheduled non-conformity")
			}
			doneDate := input.DoneDate
			if doneDate == nil {
				now := time.Now().UTC()
				doneDate = &now
			}
			verdict.RepairDoneByParty = true
			verdict.RepairDoneDate = doneDate
			verdict.RepairComment = input.Comment
			if len(input.Photos) > 0 {
				b, err := json.Marshal(input.Photos)
				if err != nil {
					return "", err
				}
				verdict.RepairPhotos = string(b)
			}
			return models.QcEventRepairReported, nil
		})
}

// ValidateRepair closes the non-conformity: repair_validated and the flip to
// Conforme happen in the same row update, never separately. Contractor only.
func ValidateRepair(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string) (*models.Verdict, error) {
	act := actorFromContext(ctx)
	return runTransition(ctx, "ValidateRepair", siteId, templateId, domainId, subCategoryId, pointId,
		func(tx *gorm.DB, verdict *models.Verdict) (models.QcEventType, error) {
			if !act.canValidateRepairs() {
				return "", utils.ErrorPermissionDenied
			}
			if verdict.State() != models.RemediationStateNCPendingValidation {
				return "", utils.NewValidationError("state", "only a reported repair can be validated")
			}
			verdict.RepairValidated = true
			verdict.Result = models.VerdictResultConforme
			return models.QcEventNonConformityClosed, nil
		})
}

// OverrideVerdict replaces the verdict from any remediation state. The
// escape hatch for data-entry mistakes; the NonConforme explanation rule
// still applies.
func OverrideVerdict(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, input models.VerdictInput) (*models.Verdict, error) {
	return runTransition(ctx, "OverrideVerdict", siteId, templateId, domainId, subCategoryId, pointId,
		func(tx *gorm.DB, verdict *models.Verdict) (models.QcEventType, error) {
			if err := verdict.ApplyInput(input); err != nil {
				return "", err
			}
			return models.QcEventVerdictOverridden, nil
		})
}
