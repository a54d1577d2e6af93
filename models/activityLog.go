package models

import (
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/batifocus/qc_backend/utils"
	"gorm.io/gorm"
)

// ActivityLog keeps the before/after trail for template and instance
// mutations. Written inside the same transaction as the mutation it records.
type ActivityLog struct {
	ID            int       `gorm:"primary_key" json:"id"`
	OrgId         string    `gorm:"size:64;index;not null" json:"org_id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CreateActivityLog is the entry point for packages outside models; workflow
// transitions log through it inside their own transaction.
func CreateActivityLog(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) error {
	return createActivityLog(tx, actionType, referenceId, referenceType, before, after, description)
}

func createActivityLog(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) (err error) {

	var entry ActivityLog

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	ctx := tx.Statement.Context
	orgId, ok := utils.GetOrgIdFromContext(ctx)
	if !ok || orgId == "" {
		return errors.New("org id is required")
	}
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return errors.New("user id is required")
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok {
		return errors.New("user name is required")
	}

	entry.OrgId = orgId
	entry.ActionType = actionType
	entry.Before = string(b)
	entry.After = string(a)
	entry.Description = description
	entry.ReferenceID = referenceId
	entry.ReferenceType = referenceType
	entry.UserId = userId
	entry.UserName = userName

	return tx.Create(&entry).Error
}
