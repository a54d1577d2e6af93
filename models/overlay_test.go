package models

import (
	"reflect"
	"testing"
)

func fixtureTemplate() *Template {
	return &Template{
		ID:    1,
		Title: "Contrôle gros œuvre",
		Domains: []TemplateDomain{
			{
				ID:   "dom-foundations",
				Name: "Fondations",
				SubCategories: []TemplateSubCategory{
					{
						ID:   "sub-excavation",
						Name: "Excavation",
						Points: []TemplatePoint{
							{ID: "pt-depth", Label: "Profondeur conforme au plan"},
							{ID: "pt-clean", Label: "Fond de fouille propre"},
						},
					},
					{
						ID:   "sub-rebar",
						Name: "Ferraillage",
						Points: []TemplatePoint{
							{ID: "pt-rebar", Label: "Armatures conformes"},
						},
					},
				},
			},
			{
				ID:   "dom-walls",
				Name: "Élévations",
				SubCategories: []TemplateSubCategory{
					{
						ID:   "sub-masonry",
						Name: "Maçonnerie",
						Points: []TemplatePoint{
							{ID: "pt-plumb", Label: "Aplomb des murs"},
						},
					},
				},
			},
		},
	}
}

func subCategoryIds(d EffectiveDomain) []string {
	ids := make([]string, 0, len(d.SubCategories))
	for _, s := range d.SubCategories {
		ids = append(ids, s.ID)
	}
	return ids
}

func pointIds(s EffectiveSubCategory) []string {
	ids := make([]string, 0, len(s.Points))
	for _, p := range s.Points {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestBuildEffectiveStructureNoOverlay(t *testing.T) {
	structure := BuildEffectiveStructure(fixtureTemplate(), nil)

	if len(structure) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(structure))
	}
	if structure[0].ID != "dom-foundations" || structure[1].ID != "dom-walls" {
		t.Fatalf("unexpected domain order: %s, %s", structure[0].ID, structure[1].ID)
	}
	if got := subCategoryIds(structure[0]); !reflect.DeepEqual(got, []string{"sub-excavation", "sub-rebar"}) {
		t.Fatalf("unexpected sub-category order: %v", got)
	}
	if got := pointIds(structure[0].SubCategories[0]); !reflect.DeepEqual(got, []string{"pt-depth", "pt-clean"}) {
		t.Fatalf("unexpected point order: %v", got)
	}
	if structure[0].IsSiteSpecific {
		t.Fatal("template domain must not be flagged site-specific")
	}
}

func TestAdHocPointsAppendAfterTemplatePoints(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-extra", Label: "Blindage de fouille", Position: 1},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	got := pointIds(structure[0].SubCategories[0])
	if !reflect.DeepEqual(got, []string{"pt-depth", "pt-clean", "pt-extra"}) {
		t.Fatalf("ad-hoc point not appended after template points: %v", got)
	}
	points := structure[0].SubCategories[0].Points
	if !points[2].IsSiteSpecific {
		t.Fatal("ad-hoc point must be flagged site-specific")
	}
	if points[0].IsSiteSpecific {
		t.Fatal("template point must not be flagged site-specific")
	}
}

func TestDomainGlobalPointsFormSyntheticLeadingSubCategory(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-foundations", SubCategoryId: GlobalSubCategoryKey, PointId: "pt-global", Label: "Accès chantier sécurisé", Position: 1},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	first := structure[0].SubCategories[0]
	if first.ID != GlobalSubCategoryKey {
		t.Fatalf("expected synthetic sub-category first, got %s", first.ID)
	}
	if first.Name != "Fondations" {
		t.Fatalf("synthetic sub-category must carry the domain name, got %q", first.Name)
	}
	if got := pointIds(first); !reflect.DeepEqual(got, []string{"pt-global"}) {
		t.Fatalf("unexpected synthetic sub-category points: %v", got)
	}
	// Template sub-categories follow.
	if structure[0].SubCategories[1].ID != "sub-excavation" {
		t.Fatalf("template sub-categories must follow the synthetic one, got %s", structure[0].SubCategories[1].ID)
	}
}

func TestAdHocCategoriesAppendAfterTemplateDomains(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocCategories: []*AdHocCategory{
			{DomainId: "dom-site", Name: "Spécifique chantier", Position: 1},
		},
		AdHocSubCategories: []*AdHocSubCategory{
			{DomainId: "dom-site", SubCategoryId: "sub-site", Name: "Clôtures", Position: 1},
		},
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-site", SubCategoryId: "sub-site", PointId: "pt-fence", Label: "Clôture posée", Position: 1},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	if len(structure) != 3 {
		t.Fatalf("expected 3 domains, got %d", len(structure))
	}
	last := structure[2]
	if last.ID != "dom-site" || !last.IsSiteSpecific {
		t.Fatalf("site-added category must come last and be site-specific: %+v", last)
	}
	if got := pointIds(last.SubCategories[0]); !reflect.DeepEqual(got, []string{"pt-fence"}) {
		t.Fatalf("unexpected points under site-added sub-category: %v", got)
	}
}

func TestTombstoneHidesPoint(t *testing.T) {
	overlay := &InstanceOverlay{
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelPoint, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-clean"},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	if got := pointIds(structure[0].SubCategories[0]); !reflect.DeepEqual(got, []string{"pt-depth"}) {
		t.Fatalf("tombstoned point still visible: %v", got)
	}
}

func TestTombstoneHidesSubCategoryWithAdHocChildren(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-extra", Label: "Blindage", Position: 1},
		},
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelSubCategory, DomainId: "dom-foundations", SubCategoryId: "sub-excavation"},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	if got := subCategoryIds(structure[0]); !reflect.DeepEqual(got, []string{"sub-rebar"}) {
		t.Fatalf("tombstoned sub-category (or its ad-hoc children) still visible: %v", got)
	}
}

func TestTombstoneHidesWholeDomain(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-walls", SubCategoryId: GlobalSubCategoryKey, PointId: "pt-extra", Label: "Extra", Position: 1},
		},
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelDomain, DomainId: "dom-walls"},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	if len(structure) != 1 || structure[0].ID != "dom-foundations" {
		t.Fatalf("tombstoned domain still visible: %+v", structure)
	}
}

func TestTombstoneWinsOverSiteAddedCategory(t *testing.T) {
	overlay := &InstanceOverlay{
		AdHocCategories: []*AdHocCategory{
			{DomainId: "dom-site", Name: "Spécifique chantier", Position: 1},
		},
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelDomain, DomainId: "dom-site"},
		},
	}
	structure := BuildEffectiveStructure(fixtureTemplate(), overlay)

	for _, d := range structure {
		if d.ID == "dom-site" {
			t.Fatal("tombstone must hide the site-added category")
		}
	}
}

func TestRemovingTombstoneRestoresOriginalStructure(t *testing.T) {
	template := fixtureTemplate()
	base := BuildEffectiveStructure(template, nil)

	hidden := BuildEffectiveStructure(template, &InstanceOverlay{
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelPoint, DomainId: "dom-foundations", SubCategoryId: "sub-excavation", PointId: "pt-depth"},
		},
	})
	if reflect.DeepEqual(base, hidden) {
		t.Fatal("tombstone had no effect")
	}

	restored := BuildEffectiveStructure(template, &InstanceOverlay{})
	if !reflect.DeepEqual(base, restored) {
		t.Fatal("structure must round-trip once the tombstone is gone")
	}
}

func TestOverlaysAreIsolatedPerInstance(t *testing.T) {
	template := fixtureTemplate()

	siteA := BuildEffectiveStructure(template, &InstanceOverlay{
		AdHocPoints: []*AdHocPoint{
			{DomainId: "dom-foundations", SubCategoryId: "sub-rebar", PointId: "pt-a", Label: "Point A", Position: 1},
		},
	})
	siteB := BuildEffectiveStructure(template, &InstanceOverlay{})

	if got := pointIds(siteA[0].SubCategories[1]); !reflect.DeepEqual(got, []string{"pt-rebar", "pt-a"}) {
		t.Fatalf("site A missing its ad-hoc point: %v", got)
	}
	if got := pointIds(siteB[0].SubCategories[1]); !reflect.DeepEqual(got, []string{"pt-rebar"}) {
		t.Fatalf("site B must not see site A's ad-hoc point: %v", got)
	}
}

func TestVisibleTriples(t *testing.T) {
	overlay := &InstanceOverlay{
		Tombstones: []*Tombstone{
			{Level: TombstoneLevelPoint, DomainId: "dom-walls", SubCategoryId: "sub-masonry", PointId: "pt-plumb"},
		},
	}
	triples := VisibleTriples(BuildEffectiveStructure(fixtureTemplate(), overlay))

	if !triples[[3]string{"dom-foundations", "sub-excavation", "pt-depth"}] {
		t.Fatal("expected visible template point missing")
	}
	if triples[[3]string{"dom-walls", "sub-masonry", "pt-plumb"}] {
		t.Fatal("tombstoned point must not be addressable")
	}
}

func TestEffectiveStructureCacheKeyRotatesWithTemplateVersion(t *testing.T) {
	v1 := effectiveStructureCacheKey("org-1", "site-1", 4, 1)
	v2 := effectiveStructureCacheKey("org-1", "site-1", 4, 2)
	if v1 == v2 {
		t.Fatal("a template edit must address a fresh cache entry")
	}
	if v1 != effectiveStructureCacheKey("org-1", "site-1", 4, 1) {
		t.Fatal("cache key must be stable for an unchanged template")
	}
}
