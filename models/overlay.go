package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/utils"
)

// Effective structure: what one site actually sees for one template, after
// the site's overlay (ad-hoc additions) and tombstones are applied. Built in
// memory, never stored.

type EffectivePoint struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Description    string `json:"description"`
	IsSiteSpecific bool   `json:"is_site_specific"`
}

type EffectiveSubCategory struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	IsSiteSpecific bool             `json:"is_site_specific"`
	Points         []EffectivePoint `json:"control_points"`
}

type EffectiveDomain struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	IsSiteSpecific bool                   `json:"is_site_specific"`
	SubCategories  []EffectiveSubCategory `json:"sub_categories"`
}

// InstanceOverlay bundles one instance's site-private rows for the merge.
type InstanceOverlay struct {
	AdHocPoints        []*AdHocPoint
	AdHocCategories    []*AdHocCategory
	AdHocSubCategories []*AdHocSubCategory
	Tombstones         []*Tombstone
}

type tombstoneIndex struct {
	domains       map[string]bool
	subCategories map[string]map[string]bool
	points        map[string]map[string]map[string]bool
}

func indexTombstones(tombstones []*Tombstone) tombstoneIndex {
	idx := tombstoneIndex{
		domains:       map[string]bool{},
		subCategories: map[string]map[string]bool{},
		points:        map[string]map[string]map[string]bool{},
	}
	for _, t := range tombstones {
		switch t.Level {
		case TombstoneLevelDomain:
			idx.domains[t.DomainId] = true
		case TombstoneLevelSubCategory:
			if idx.subCategories[t.DomainId] == nil {
				idx.subCategories[t.DomainId] = map[string]bool{}
			}
			idx.subCategories[t.DomainId][t.SubCategoryId] = true
		case TombstoneLevelPoint:
			if idx.points[t.DomainId] == nil {
				idx.points[t.DomainId] = map[string]map[string]bool{}
			}
			if idx.points[t.DomainId][t.SubCategoryId] == nil {
				idx.points[t.DomainId][t.SubCategoryId] = map[string]bool{}
			}
			idx.points[t.DomainId][t.SubCategoryId][t.PointId] = true
		}
	}
	return idx
}

func (idx tombstoneIndex) hidesSubCategory(domainId, subCategoryId string) bool {
	return idx.subCategories[domainId] != nil && idx.subCategories[domainId][subCategoryId]
}

func (idx tombstoneIndex) hidesPoint(domainId, subCategoryId, pointId string) bool {
	byDomain := idx.points[domainId]
	if byDomain == nil {
		return false
	}
	bySubCategory := byDomain[subCategoryId]
	return bySubCategory != nil && bySubCategory[pointId]
}

// BuildEffectiveStructure merges template + overlay + tombstones. Pure: no
// I/O, inputs are never mutated.
//
// Ordering rules, preserved for UI parity:
//   - template domains in template order, then site-added categories in
//     insertion order;
//   - within a domain: the synthetic sub-category for domain-global ad-hoc
//     points first, then template sub-categories, then site-added
//     sub-categories;
//   - within a sub-category: template points first, then ad-hoc points in
//     insertion order.
//
// A tombstoned domain or sub-category disappears with all its children,
// ad-hoc additions included.
func BuildEffectiveStructure(template *Template, overlay *InstanceOverlay) []EffectiveDomain {
	if overlay == nil {
		overlay = &InstanceOverlay{}
	}
	idx := indexTombstones(overlay.Tombstones)

	adHocByPath := map[string]map[string][]*AdHocPoint{}
	for _, p := range overlay.AdHocPoints {
		if adHocByPath[p.DomainId] == nil {
			adHocByPath[p.DomainId] = map[string][]*AdHocPoint{}
		}
		adHocByPath[p.DomainId][p.SubCategoryId] = append(adHocByPath[p.DomainId][p.SubCategoryId], p)
	}
	adHocSubCategoriesByDomain := map[string][]*AdHocSubCategory{}
	for _, s := range overlay.AdHocSubCategories {
		adHocSubCategoriesByDomain[s.DomainId] = append(adHocSubCategoriesByDomain[s.DomainId], s)
	}

	appendAdHocPoints := func(points []EffectivePoint, domainId, subCategoryId string) []EffectivePoint {
		for _, p := range adHocByPath[domainId][subCategoryId] {
			if idx.hidesPoint(domainId, subCategoryId, p.PointId) {
				continue
			}
			points = append(points, EffectivePoint{
				ID:             p.PointId,
				Label:          p.Label,
				Description:    p.Description,
				IsSiteSpecific: true,
			})
		}
		return points
	}

	buildDomain := func(domainId, name string, siteSpecific bool, templateSubCategories []TemplateSubCategory) *EffectiveDomain {
		if idx.domains[domainId] {
			return nil
		}
		domain := EffectiveDomain{
			ID:             domainId,
			Name:           name,
			IsSiteSpecific: siteSpecific,
		}

		// Points registered directly under the domain surface as a synthetic
		// leading sub-category named after it.
		if !idx.hidesSubCategory(domainId, GlobalSubCategoryKey) {
			globalPoints := appendAdHocPoints(nil, domainId, GlobalSubCategoryKey)
			if len(globalPoints) > 0 {
				domain.SubCategories = append(domain.SubCategories, EffectiveSubCategory{
					ID:             GlobalSubCategoryKey,
					Name:           name,
					IsSiteSpecific: true,
					Points:         globalPoints,
				})
			}
		}

		for _, s := range templateSubCategories {
			if idx.hidesSubCategory(domainId, s.ID) {
				continue
			}
			subCategory := EffectiveSubCategory{
				ID:   s.ID,
				Name: s.Name,
			}
			for _, p := range s.Points {
				if idx.hidesPoint(domainId, s.ID, p.ID) {
					continue
				}
				subCategory.Points = append(subCategory.Points, EffectivePoint{
					ID:          p.ID,
					Label:       p.Label,
					Description: p.Description,
				})
			}
			subCategory.Points = appendAdHocPoints(subCategory.Points, domainId, s.ID)
			domain.SubCategories = append(domain.SubCategories, subCategory)
		}

		for _, s := range adHocSubCategoriesByDomain[domainId] {
			if idx.hidesSubCategory(domainId, s.SubCategoryId) {
				continue
			}
			domain.SubCategories = append(domain.SubCategories, EffectiveSubCategory{
				ID:             s.SubCategoryId,
				Name:           s.Name,
				IsSiteSpecific: true,
				Points:         appendAdHocPoints(nil, domainId, s.SubCategoryId),
			})
		}

		return &domain
	}

	var result []EffectiveDomain
	for _, d := range template.Domains {
		if domain := buildDomain(d.ID, d.Name, false, d.SubCategories); domain != nil {
			result = append(result, *domain)
		}
	}
	for _, c := range overlay.AdHocCategories {
		if domain := buildDomain(c.DomainId, c.Name, true, nil); domain != nil {
			result = append(result, *domain)
		}
	}
	return result
}

// VisibleTriples flattens an effective structure into the set of addressable
// (domainId, subCategoryId, pointId) paths. The NC tracker scans verdicts
// restricted to this set so tombstoned history never resurfaces in lists.
func VisibleTriples(structure []EffectiveDomain) map[[3]string]bool {
	triples := map[[3]string]bool{}
	for _, d := range structure {
		for _, s := range d.SubCategories {
			for _, p := range s.Points {
				triples[[3]string{d.ID, s.ID, p.ID}] = true
			}
		}
	}
	return triples
}

// LoadInstanceOverlay fetches the overlay rows for one instance.
func LoadInstanceOverlay(ctx context.Context, instanceId int) (*InstanceOverlay, error) {
	adHocPoints, err := GetAdHocPointsByInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	adHocCategories, err := GetAdHocCategoriesByInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	adHocSubCategories, err := GetAdHocSubCategoriesByInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	tombstones, err := GetTombstonesByInstance(ctx, instanceId)
	if err != nil {
		return nil, err
	}
	return &InstanceOverlay{
		AdHocPoints:        adHocPoints,
		AdHocCategories:    adHocCategories,
		AdHocSubCategories: adHocSubCategories,
		Tombstones:         tombstones,
	}, nil
}

func effectiveStructureCacheKey(orgId, siteId string, templateId, templateVersion int) string {
	return fmt.Sprintf("QcEffective:%s:%s:%d:v%d", orgId, siteId, templateId, templateVersion)
}

// invalidateEffectiveStructureCache drops the cached merge AFTER a
// successful write; it is never called optimistically before commit. The key
// carries the template version, so template edits rotate to a fresh key on
// their own and a deleted template stops resolving before the cache is read;
// only overlay writes need this explicit drop.
func invalidateEffectiveStructureCache(orgId, siteId string, templateId int) {
	if !config.EffectiveStructureCacheEnabled() {
		return
	}
	var version int
	if err := config.GetDB().Model(&Template{}).Where("id = ?", templateId).
		Pluck("version", &version).Error; err != nil {
		return
	}
	_ = config.RemoveRedisKey(effectiveStructureCacheKey(orgId, siteId, templateId, version))
}

// GetEffectiveStructure is the query path: template + overlay + merge, with
// an optional redis cache in front. A site with no instance yet sees the
// plain template structure.
func GetEffectiveStructure(ctx context.Context, siteId string, templateId int) ([]EffectiveDomain, error) {

	orgId, err := getOrgId(ctx)
	if err != nil {
		return nil, err
	}

	template, err := GetTemplate(ctx, templateId)
	if err != nil {
		return nil, err
	}

	cacheKey := effectiveStructureCacheKey(orgId, siteId, templateId, template.Version)
	if config.EffectiveStructureCacheEnabled() {
		var cached []EffectiveDomain
		if exists, err := config.GetRedisObject(cacheKey, &cached); err == nil && exists {
			return cached, nil
		}
	}

	overlay := &InstanceOverlay{}
	instance, err := GetInstance(ctx, siteId, templateId)
	if err == nil {
		overlay, err = LoadInstanceOverlay(ctx, instance.ID)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}

	structure := BuildEffectiveStructure(template, overlay)

	if config.EffectiveStructureCacheEnabled() {
		_ = config.SetRedisObject(cacheKey, structure, 10*time.Minute)
	}
	return structure, nil
}
