package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
	"bitbucket.org/batifocus/qc_backend/utils"
	"bitbucket.org/batifocus/qc_backend/workflow"
)

// End-to-end scenario over real MySQL + redis: template authoring, per-site
// overlays, concurrent verdict recording, the remediation workflow and the
// open-NC list. Requires docker; skipped unless INTEGRATION_TESTS is set.
func TestQcScenarioEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "qc_test")
	t.Setenv("EFFECTIVE_STRUCTURE_CACHE", "1")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetOrgIdInContext(ctx, "org-test")
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetActorRoleInContext(ctx, string(models.ActorRoleContractor))
	ctx = utils.SetIsAdminInContext(ctx, false)

	template, err := models.CreateTemplate(ctx, &models.NewTemplate{
		Title: "Contrôle fondations",
		Domains: []models.NewTemplateDomain{
			{
				ID:   "dom-foundations",
				Name: "Fondations",
				SubCategories: []models.NewTemplateSubCategory{
					{
						ID:   "sub-excavation",
						Name: "Excavation",
						Points: []models.NewControlPoint{
							{ID: "pt-depth", Label: "Profondeur conforme au plan"},
							{ID: "pt-clean", Label: "Fond de fouille propre"},
						},
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	const siteId = "site-alpha"

	// A site without an instance sees the plain template structure.
	structure, err := models.GetEffectiveStructure(ctx, siteId, template.ID)
	if err != nil {
		t.Fatalf("GetEffectiveStructure: %v", err)
	}
	if len(structure) != 1 || len(structure[0].SubCategories[0].Points) != 2 {
		t.Fatalf("unexpected base structure: %+v", structure)
	}

	// Ad-hoc point, then a duplicate id at the same path.
	_, err = models.AddAdHocPoint(ctx, siteId, template.ID, "dom-foundations", "sub-excavation",
		&models.NewAdHocPoint{PointId: "pt-extra", Label: "Blindage de fouille"})
	if err != nil {
		t.Fatalf("AddAdHocPoint: %v", err)
	}
	_, err = models.AddAdHocPoint(ctx, siteId, template.ID, "dom-foundations", "sub-excavation",
		&models.NewAdHocPoint{PointId: "pt-extra", Label: "Blindage (doublon)"})
	if !errors.Is(err, utils.ErrorAlreadyExists) {
		t.Fatalf("duplicate ad-hoc point: want AlreadyExists, got %v", err)
	}

	// Another site is not affected by the overlay.
	otherStructure, err := models.GetEffectiveStructure(ctx, "site-beta", template.ID)
	if err != nil {
		t.Fatalf("GetEffectiveStructure(site-beta): %v", err)
	}
	if len(otherStructure[0].SubCategories[0].Points) != 2 {
		t.Fatalf("overlay leaked across sites: %+v", otherStructure)
	}

	// Concurrent verdicts on disjoint points must both persist.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	points := []string{"pt-depth", "pt-clean"}
	for i, pointId := range points {
		wg.Add(1)
		go func(i int, pointId string) {
			defer wg.Done()
			_, errs[i] = workflow.RecordVerdict(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", pointId,
				models.VerdictInput{Result: models.VerdictResultConforme})
		}(i, pointId)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordVerdict(%s): %v", points[i], err)
		}
	}
	instance, err := models.GetInstance(ctx, siteId, template.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	verdicts, err := models.GetVerdictsByInstance(ctx, instance.ID)
	if err != nil {
		t.Fatalf("GetVerdictsByInstance: %v", err)
	}
	if len(verdicts) != 2 {
		t.Fatalf("expected both concurrent verdicts to persist, got %d", len(verdicts))
	}

	// Re-recording a point updates the row in place: same id, original
	// recording timestamp.
	first, err := models.GetVerdict(ctx, instance.ID, "dom-foundations", "sub-excavation", "pt-depth")
	if err != nil {
		t.Fatalf("GetVerdict before re-record: %v", err)
	}
	rerecorded, err := workflow.RecordVerdict(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth",
		models.VerdictInput{Result: models.VerdictResultSansObjet})
	if err != nil {
		t.Fatalf("re-record verdict: %v", err)
	}
	if rerecorded.ID != first.ID {
		t.Fatalf("re-record must keep the row id: %d != %d", rerecorded.ID, first.ID)
	}
	if !rerecorded.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("re-record must keep created_at: %v != %v", rerecorded.CreatedAt, first.CreatedAt)
	}

	// Bulk save with a stale version token must be rejected.
	_, err = models.SaveInstance(ctx, siteId, template.ID, nil, nil, instance.Version+1)
	if !errors.Is(err, utils.ErrorConflict) {
		t.Fatalf("stale version: want Conflict, got %v", err)
	}

	// Remediation: open NC, schedule as the responsible party, report, validate.
	partyCtx := utils.SetOrgIdInContext(context.Background(), "org-test")
	partyCtx = utils.SetUserIdInContext(partyCtx, 2)
	partyCtx = utils.SetUserNameInContext(partyCtx, "Sous-traitant")
	partyCtx = utils.SetActorRoleInContext(partyCtx, string(models.ActorRoleSubcontractor))
	partyCtx = utils.SetPartyIdInContext(partyCtx, "party-7")

	_, err = workflow.OpenNonConformity(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth",
		"profondeur hors tolérance", "party-7")
	if err != nil {
		t.Fatalf("OpenNonConformity: %v", err)
	}

	// The contractor is not the responsible party and must not schedule.
	planned := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	_, err = workflow.ScheduleRepair(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth", planned)
	if !errors.Is(err, utils.ErrorPermissionDenied) {
		t.Fatalf("contractor scheduling: want PermissionDenied, got %v", err)
	}

	if _, err = workflow.ScheduleRepair(partyCtx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth", planned); err != nil {
		t.Fatalf("ScheduleRepair: %v", err)
	}

	// Validation before the repair is reported is an illegal transition.
	_, err = workflow.ValidateRepair(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth")
	if !utils.IsValidationError(err) {
		t.Fatalf("premature validation: want ValidationError, got %v", err)
	}

	if _, err = workflow.ReportRepairDone(partyCtx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth",
		workflow.ReportRepairDoneInput{Comment: "reprise effectuée"}); err != nil {
		t.Fatalf("ReportRepairDone: %v", err)
	}

	// The subcontractor must not validate their own repair.
	_, err = workflow.ValidateRepair(partyCtx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth")
	if !errors.Is(err, utils.ErrorPermissionDenied) {
		t.Fatalf("self-validation: want PermissionDenied, got %v", err)
	}

	// Before validation the NC shows up in the open list for its party.
	open, err := workflow.ListOpenNonConformities(ctx, siteId, "party-7")
	if err != nil {
		t.Fatalf("ListOpenNonConformities: %v", err)
	}
	if len(open) != 1 || open[0].State != models.RemediationStateNCPendingValidation {
		t.Fatalf("expected one pending NC, got %+v", open)
	}

	validated, err := workflow.ValidateRepair(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-depth")
	if err != nil {
		t.Fatalf("ValidateRepair: %v", err)
	}
	if validated.Result != models.VerdictResultConforme || !validated.RepairValidated {
		t.Fatalf("validation must flip result and flag atomically: %+v", validated)
	}

	open, err = workflow.ListOpenNonConformities(ctx, siteId, "")
	if err != nil {
		t.Fatalf("ListOpenNonConformities: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("validated NC must leave the open list, got %+v", open)
	}

	// Hide / unhide round trip: the verdict row must survive the tombstone.
	if err := models.HidePoint(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-clean"); err != nil {
		t.Fatalf("HidePoint: %v", err)
	}
	structure, err = models.GetEffectiveStructure(ctx, siteId, template.ID)
	if err != nil {
		t.Fatalf("GetEffectiveStructure: %v", err)
	}
	for _, p := range structure[0].SubCategories[0].Points {
		if p.ID == "pt-clean" {
			t.Fatal("hidden point still visible")
		}
	}
	if err := models.UnhidePoint(ctx, siteId, template.ID, "dom-foundations", "sub-excavation", "pt-clean"); err != nil {
		t.Fatalf("UnhidePoint: %v", err)
	}
	if _, err := models.GetVerdict(ctx, instance.ID, "dom-foundations", "sub-excavation", "pt-clean"); err != nil {
		t.Fatalf("verdict must survive the hide/unhide round trip: %v", err)
	}

	// The template cannot be deleted while instances reference it.
	if _, err := models.DeleteTemplate(ctx, template.ID); !errors.Is(err, utils.ErrorInUse) {
		t.Fatalf("DeleteTemplate with live instances: want InUse, got %v", err)
	}

	// Site teardown cascades, then deletion goes through.
	if err := models.DeleteSiteInstances(ctx, siteId); err != nil {
		t.Fatalf("DeleteSiteInstances: %v", err)
	}
	if err := models.DeleteSiteInstances(ctx, "site-beta"); err != nil {
		t.Fatalf("DeleteSiteInstances(site-beta): %v", err)
	}

	// A template edit must show up immediately, even right after a cached
	// read for a site with no instance.
	if _, err := models.GetEffectiveStructure(ctx, siteId, template.ID); err != nil {
		t.Fatalf("GetEffectiveStructure before template edit: %v", err)
	}
	editedDomains := []models.NewTemplateDomain{
		{
			ID:   "dom-foundations",
			Name: "Fondations",
			SubCategories: []models.NewTemplateSubCategory{
				{
					ID:   "sub-excavation",
					Name: "Excavation",
					Points: []models.NewControlPoint{
						{ID: "pt-depth", Label: "Profondeur conforme au plan"},
						{ID: "pt-clean", Label: "Fond de fouille propre"},
						{ID: "pt-slope", Label: "Talutage des parois"},
					},
				},
			},
		},
	}
	edited, err := models.UpdateTemplate(ctx, template.ID, &models.TemplatePatch{Domains: &editedDomains})
	if err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	if edited.Version != template.Version+1 {
		t.Fatalf("template edit must bump the version: %d -> %d", template.Version, edited.Version)
	}
	editedStructure, err := models.GetEffectiveStructure(ctx, siteId, template.ID)
	if err != nil {
		t.Fatalf("GetEffectiveStructure after template edit: %v", err)
	}
	if len(editedStructure[0].SubCategories[0].Points) != 3 {
		t.Fatalf("template edit hidden by a stale cache entry: %+v", editedStructure)
	}

	if _, err := models.DeleteTemplate(ctx, template.ID); err != nil {
		t.Fatalf("DeleteTemplate after teardown: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qc-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("qc-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=qc_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
