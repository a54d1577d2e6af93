package utils

import (
	"context"

	"bitbucket.org/batifocus/qc_backend/config"
)

// check if id exists, using ctx's org_id in WHERE, return RecordNotFound error
func ValidateResourceId[T any](ctx context.Context, orgId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, orgId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

// count records, using WHERE org_id = ? AND $condition
// org_id can be blank for admin user
func ResourceCountWhere[T any](ctx context.Context, orgId string, condition string, value ...interface{}) (int64, error) {
	var model T
	var count int64

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&model)
	if orgId != "" {
		dbCtx = dbCtx.Where("org_id = ?", orgId)
	}
	err := dbCtx.Where(condition, value...).Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
