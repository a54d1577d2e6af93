package workflow

import (
	"testing"
	"time"

	"bitbucket.org/batifocus/qc_backend/models"
)

func fixtureInstance() *models.ControlInstance {
	return &models.ControlInstance{ID: 7, SiteId: "site-1", TemplateId: 3}
}

func fixtureStructure() []models.EffectiveDomain {
	return []models.EffectiveDomain{
		{
			ID:   "dom-foundations",
			Name: "Fondations",
			SubCategories: []models.EffectiveSubCategory{
				{
					ID:   "sub-excavation",
					Name: "Excavation",
					Points: []models.EffectivePoint{
						{ID: "pt-depth", Label: "Profondeur conforme au plan"},
						{ID: "pt-clean", Label: "Fond de fouille propre"},
					},
				},
			},
		},
	}
}

func date(day int) *time.Time {
	d := time.Date(2026, 4, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func TestCollectOnlyIncludesOpenNonConformities(t *testing.T) {
	verdicts := []*models.Verdict{
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-depth",
			Result: models.VerdictResultNonConforme, Explanation: "hors tolérance"},
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-clean",
			Result: models.VerdictResultConforme},
	}

	items := collectOpenNonConformities(fixtureInstance(), "Gros œuvre", fixtureStructure(), verdicts, "")
	if len(items) != 1 {
		t.Fatalf("expected 1 open NC, got %d", len(items))
	}
	item := items[0]
	if item.PointId != "pt-depth" || item.State != models.RemediationStateNCOpen {
		t.Fatalf("unexpected item: %+v", item)
	}
	if item.DomainName != "Fondations" || item.SubCategoryName != "Excavation" || item.PointLabel != "Profondeur conforme au plan" {
		t.Fatalf("labels not resolved from structure: %+v", item)
	}
	if item.TemplateName != "Gros œuvre" || item.InstanceId != 7 || item.SiteId != "site-1" {
		t.Fatalf("instance context not carried: %+v", item)
	}
}

func TestCollectExcludesHiddenPaths(t *testing.T) {
	// pt-ghost is not in the effective structure (tombstoned or removed);
	// its verdict row survives but must not resurface in the list.
	verdicts := []*models.Verdict{
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-ghost",
			Result: models.VerdictResultNonConforme, Explanation: "fantôme"},
	}

	items := collectOpenNonConformities(fixtureInstance(), "", fixtureStructure(), verdicts, "")
	if len(items) != 0 {
		t.Fatalf("hidden path must not be listed, got %+v", items)
	}
}

func TestCollectFiltersByResponsibleParty(t *testing.T) {
	verdicts := []*models.Verdict{
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-depth",
			Result: models.VerdictResultNonConforme, Explanation: "a", ResponsiblePartyId: "party-a"},
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-clean",
			Result: models.VerdictResultNonConforme, Explanation: "b", ResponsiblePartyId: "party-b"},
	}

	items := collectOpenNonConformities(fixtureInstance(), "", fixtureStructure(), verdicts, "party-b")
	if len(items) != 1 || items[0].ResponsiblePartyId != "party-b" {
		t.Fatalf("party filter failed: %+v", items)
	}
}

func TestCollectKeepsScheduledDateAsSortKeyAndPlannedDateForDisplay(t *testing.T) {
	verdicts := []*models.Verdict{
		{InstanceId: 7, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-depth",
			Result: models.VerdictResultNonConforme, Explanation: "x",
			ScheduledRepairDate: date(20), RepairPlannedDate: date(5)},
	}

	items := collectOpenNonConformities(fixtureInstance(), "", fixtureStructure(), verdicts, "")
	if len(items) != 1 {
		t.Fatalf("expected one item: %+v", items)
	}
	if items[0].ScheduledRepairDate == nil || !items[0].ScheduledRepairDate.Equal(*date(20)) {
		t.Fatalf("scheduled repair date must carry through unchanged: %+v", items[0])
	}
	if items[0].NextActionDate == nil || !items[0].NextActionDate.Equal(*date(5)) {
		t.Fatalf("planned intervention date must show as the next action: %+v", items[0])
	}
}

func TestSortUsesScheduledDateEvenWhenRepairPlannedEarlier(t *testing.T) {
	items := []NonConformityItem{
		{PointId: "planned-early", ScheduledRepairDate: date(12), NextActionDate: date(2)},
		{PointId: "due-first", ScheduledRepairDate: date(6), NextActionDate: date(6)},
	}
	sortNonConformities(items)

	if items[0].PointId != "due-first" {
		t.Fatalf("order must follow the scheduled repair date, not the planned date: %+v", items)
	}
}

func TestSortPutsMissingDatesLast(t *testing.T) {
	items := []NonConformityItem{
		{PointId: "no-date-1"},
		{PointId: "late", ScheduledRepairDate: date(20)},
		{PointId: "no-date-2"},
		{PointId: "early", ScheduledRepairDate: date(3)},
	}
	sortNonConformities(items)

	got := []string{items[0].PointId, items[1].PointId, items[2].PointId, items[3].PointId}
	want := []string{"early", "late", "no-date-1", "no-date-2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order: %v, want %v", got, want)
		}
	}
}

func TestSortTieBreaksByPath(t *testing.T) {
	items := []NonConformityItem{
		{TemplateId: 1, DomainId: "b", SubCategoryId: "s", PointId: "p", ScheduledRepairDate: date(10)},
		{TemplateId: 1, DomainId: "a", SubCategoryId: "s", PointId: "p2", ScheduledRepairDate: date(10)},
		{TemplateId: 1, DomainId: "a", SubCategoryId: "s", PointId: "p1", ScheduledRepairDate: date(10)},
	}
	sortNonConformities(items)

	if items[0].DomainId != "a" || items[0].PointId != "p1" || items[2].DomainId != "b" {
		t.Fatalf("equal dates must order by path: %+v", items)
	}
}
