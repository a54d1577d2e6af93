package models

import (
	"log"

	"bitbucket.org/batifocus/qc_backend/config"
)

// MigrateTable runs AutoMigrate for every table this backend owns.
// Call after the DB connection is established; can be skipped on startup via
// SKIP_MIGRATIONS and run as a separate job instead.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Template{},
		&TemplateDomain{},
		&TemplateSubCategory{},
		&TemplatePoint{},
		&ControlInstance{},
		&Verdict{},
		&AdHocPoint{},
		&AdHocCategory{},
		&AdHocSubCategory{},
		&Tombstone{},
		&IdempotencyKey{},
		&ActivityLog{},
		&QcOutboxMessage{},
	)
	if err != nil {
		log.Fatalf("failed to migrate tables: %v", err)
	}
}
