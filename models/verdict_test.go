package models

import (
	"errors"
	"testing"
	"time"

	"bitbucket.org/batifocus/qc_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
)

func TestVerdictStateDerivation(t *testing.T) {
	date := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		verdict Verdict
		want    RemediationState
	}{
		{"unset", Verdict{Result: VerdictResultUnset}, RemediationStateUnset},
		{"conforme", Verdict{Result: VerdictResultConforme}, RemediationStateConforme},
		{"sans objet", Verdict{Result: VerdictResultSansObjet}, RemediationStateSansObjet},
		{"nc open", Verdict{Result: VerdictResultNonConforme, Explanation: "fissure"}, RemediationStateNCOpen},
		{"nc scheduled", Verdict{Result: VerdictResultNonConforme, RepairPlannedDate: &date}, RemediationStateNCScheduled},
		{"nc pending validation", Verdict{Result: VerdictResultNonConforme, RepairDoneByParty: true}, RemediationStateNCPendingValidation},
		{"nc pending wins over scheduled", Verdict{Result: VerdictResultNonConforme, RepairPlannedDate: &date, RepairDoneByParty: true}, RemediationStateNCPendingValidation},
		{"nc validated", Verdict{Result: VerdictResultConforme, RepairValidated: true}, RemediationStateNCValidated},
	}
	for _, tc := range cases {
		if got := tc.verdict.State(); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIsOpenNonConformity(t *testing.T) {
	open := Verdict{Result: VerdictResultNonConforme}
	if !open.IsOpenNonConformity() {
		t.Fatal("NonConforme without validation must be open")
	}
	closed := Verdict{Result: VerdictResultConforme, RepairValidated: true}
	if closed.IsOpenNonConformity() {
		t.Fatal("validated repair must not be open")
	}
	// RepairValidated alone closes it even if the result was not flipped yet.
	if (&Verdict{Result: VerdictResultNonConforme, RepairValidated: true}).IsOpenNonConformity() {
		t.Fatal("validated NonConforme must not be open")
	}
}

func TestNewVerdictRowValidation(t *testing.T) {
	_, err := newVerdictRow(1, "dom", "sub", "pt", VerdictInput{Result: VerdictResultNonConforme})
	if !utils.IsValidationError(err) {
		t.Fatalf("NonConforme without explanation must fail validation, got %v", err)
	}

	_, err = newVerdictRow(1, "dom", "sub", "pt", VerdictInput{Result: "Invalid"})
	if !utils.IsValidationError(err) {
		t.Fatalf("unknown result must fail validation, got %v", err)
	}

	_, err = newVerdictRow(1, "", "sub", "pt", VerdictInput{Result: VerdictResultConforme})
	if !utils.IsValidationError(err) {
		t.Fatalf("missing domain id must fail validation, got %v", err)
	}

	_, err = newVerdictRow(1, "dom", "sub", "pt", VerdictInput{
		Result: VerdictResultNonConforme, Explanation: "fissure", RepairValidated: true,
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("validated repair with a NonConforme result must fail validation, got %v", err)
	}

	_, err = newVerdictRow(1, "dom", "sub", "pt", VerdictInput{
		Result: VerdictResultConforme, RepairValidated: true,
	})
	if err != nil {
		t.Fatalf("validated repair with a Conforme result must pass: %v", err)
	}

	row, err := newVerdictRow(1, "dom", "sub", "pt", VerdictInput{})
	if err != nil {
		t.Fatalf("empty result must default to Unset: %v", err)
	}
	if row.Result != VerdictResultUnset {
		t.Fatalf("expected Unset, got %s", row.Result)
	}
}

func TestApplyInputKeepsRowIdentity(t *testing.T) {
	created := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	verdict := Verdict{
		ID: 42, InstanceId: 7, DomainId: "dom", SubCategoryId: "sub", PointId: "pt",
		Result: VerdictResultNonConforme, Explanation: "fissure", CreatedAt: created,
	}

	err := verdict.ApplyInput(VerdictInput{Result: VerdictResultConforme})
	if err != nil {
		t.Fatalf("ApplyInput: %v", err)
	}
	if verdict.ID != 42 || !verdict.CreatedAt.Equal(created) {
		t.Fatal("ApplyInput must not change the row identity")
	}
	if verdict.Result != VerdictResultConforme || verdict.Explanation != "" {
		t.Fatalf("ApplyInput must replace fields wholesale: %+v", verdict)
	}

	err = verdict.ApplyInput(VerdictInput{Result: VerdictResultNonConforme})
	if err == nil || !utils.IsValidationError(err) {
		t.Fatalf("validation rules still apply on override, got %v", err)
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	if !isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}) {
		t.Fatal("mysql error 1062 must be detected as duplicate key")
	}
	if isDuplicateKeyErr(&mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock"}) {
		t.Fatal("other mysql errors are not duplicate key errors")
	}
	if isDuplicateKeyErr(errors.New("plain")) {
		t.Fatal("plain error is not a duplicate key error")
	}
}
