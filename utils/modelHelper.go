package utils

import (
	"context"

	"bitbucket.org/batifocus/qc_backend/config"
)

/* DB fetching */

// fetch model from db
// (ctx's org_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, orgId string, id interface{}, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("org_id = ?", orgId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, "id = ?", id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}
