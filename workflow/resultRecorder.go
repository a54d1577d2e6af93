package workflow

import (
	"context"
	"errors"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
	"gorm.io/gorm"
)

// RecordVerdict writes one verdict for one control point, creating the
// control instance on first write. The write is a row-level upsert keyed by
// (instance, domain, sub_category, point), so concurrent calls for disjoint
// points never overwrite each other. Activity log and outbox event ride the
// same transaction.
func RecordVerdict(ctx context.Context, siteId string, templateId int, domainId, subCategoryId, pointId string, input models.VerdictInput) (*models.Verdict, error) {

	logger := config.GetLogger()

	if subCategoryId == "" {
		subCategoryId = models.GlobalSubCategoryKey
	}

	instance, err := models.GetOrCreateInstance(ctx, siteId, templateId)
	if err != nil {
		config.LogError(logger, "resultRecorder.go", "RecordVerdict", "GetOrCreateInstance", siteId, err)
		return nil, err
	}

	var row *models.Verdict
	db := config.GetDB()
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {

		var previous models.Verdict
		hadPrevious := true
		err := tx.Where("instance_id = ? AND domain_id = ? AND sub_category_id = ? AND point_id = ?",
			instance.ID, domainId, subCategoryId, pointId).
			First(&previous).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			hadPrevious = false
		}

		row, err = models.UpsertVerdictRow(tx, instance.ID, domainId, subCategoryId, pointId, input)
		if err != nil {
			return err
		}

		actionType := models.ActivityActionCreate
		var before interface{}
		if hadPrevious {
			actionType = models.ActivityActionUpdate
			before = previous
		}
		err = models.CreateActivityLog(tx, actionType, instance.ID, "control_instance", before, row, "Record verdict "+pointId)
		if err != nil {
			config.LogError(logger, "resultRecorder.go", "RecordVerdict", "CreateActivityLog", row, err)
			return err
		}

		if row.IsOpenNonConformity() && (!hadPrevious || !previous.IsOpenNonConformity()) {
			err = models.EnqueueQcEvent(ctx, tx, siteId, instance.ID, domainId, subCategoryId, pointId,
				models.QcEventNonConformityOpened, row)
			if err != nil {
				config.LogError(logger, "resultRecorder.go", "RecordVerdict", "EnqueueQcEvent", row, err)
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}
