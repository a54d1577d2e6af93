package models

import (
	"encoding/json"
	"errors"
)

// VerdictResult is the recorded outcome for one control point.
// The French values are the domain vocabulary and are stored as-is.
type VerdictResult string

const (
	VerdictResultUnset       VerdictResult = "Unset"
	VerdictResultConforme    VerdictResult = "Conforme"
	VerdictResultNonConforme VerdictResult = "NonConforme"
	VerdictResultSansObjet   VerdictResult = "SansObjet"
)

func (r VerdictResult) IsValid() bool {
	switch r {
	case VerdictResultUnset, VerdictResultConforme, VerdictResultNonConforme, VerdictResultSansObjet:
		return true
	default:
		return false
	}
}

func (r *VerdictResult) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("verdict result must be string")
	}
	v := VerdictResult(s)
	if !v.IsValid() {
		return errors.New("invalid verdict result")
	}
	*r = v
	return nil
}

type InstanceStatus string

const (
	InstanceStatusInProgress InstanceStatus = "in_progress"
	InstanceStatusCompleted  InstanceStatus = "completed"
)

// TombstoneLevel says which part of the structure a tombstone hides.
type TombstoneLevel string

const (
	TombstoneLevelDomain      TombstoneLevel = "domain"
	TombstoneLevelSubCategory TombstoneLevel = "sub_category"
	TombstoneLevelPoint       TombstoneLevel = "point"
)

// ActorRole drives workflow write permissions (who may touch repair fields vs
// repair_validated). Carried in the request context by the session middleware.
type ActorRole string

const (
	ActorRoleContractor    ActorRole = "Contractor"
	ActorRoleSubcontractor ActorRole = "Subcontractor"
	ActorRoleAdmin         ActorRole = "Admin"
)

func (r ActorRole) IsValid() bool {
	switch r {
	case ActorRoleContractor, ActorRoleSubcontractor, ActorRoleAdmin:
		return true
	default:
		return false
	}
}

// RemediationState is derived from verdict fields, never stored.
type RemediationState string

const (
	RemediationStateUnset               RemediationState = "Unset"
	RemediationStateConforme            RemediationState = "Conforme"
	RemediationStateSansObjet           RemediationState = "SansObjet"
	RemediationStateNCOpen              RemediationState = "NC_Open"
	RemediationStateNCScheduled         RemediationState = "NC_Scheduled"
	RemediationStateNCPendingValidation RemediationState = "NC_PendingValidation"
	RemediationStateNCValidated         RemediationState = "NC_Validated"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

type OutboxPublishStatus = string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
)

// QcEventType tags outbox messages for the notification consumer.
type QcEventType string

const (
	QcEventNonConformityOpened QcEventType = "NC_OPENED"
	QcEventRepairScheduled     QcEventType = "NC_REPAIR_SCHEDULED"
	QcEventRepairReported      QcEventType = "NC_REPAIR_REPORTED"
	QcEventNonConformityClosed QcEventType = "NC_VALIDATED"
	QcEventVerdictOverridden   QcEventType = "VERDICT_OVERRIDDEN"
)

const (
	ActivityActionCreate = "CREATE"
	ActivityActionUpdate = "UPDATE"
	ActivityActionDelete = "DELETE"
)
