package workflow

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/batifocus/qc_backend/config"
	"bitbucket.org/batifocus/qc_backend/models"
)

// NonConformityItem is one open non-conformity in the site-wide list, with
// labels resolved from the effective structure of its instance.
type NonConformityItem struct {
	SiteId             string                  `json:"site_id"`
	TemplateId         int                     `json:"template_id"`
	TemplateName       string                  `json:"template_name"`
	InstanceId         int                     `json:"instance_id"`
	DomainId           string                  `json:"domain_id"`
	DomainName         string                  `json:"domain_name"`
	SubCategoryId      string                  `json:"sub_category_id"`
	SubCategoryName    string                  `json:"sub_category_name"`
	PointId            string                  `json:"point_id"`
	PointLabel         string                  `json:"point_label"`
	State              models.RemediationState `json:"state"`
	Explanation        string                  `json:"explanation"`
	ResponsiblePartyId string                  `json:"responsible_party_id"`
	// ScheduledRepairDate drives the list order; NextActionDate is for
	// display only: the planned intervention date once the repair is
	// scheduled, else the scheduled repair date.
	ScheduledRepairDate *time.Time `json:"scheduled_repair_date"`
	NextActionDate      *time.Time `json:"next_action_date"`
	RecordedAt          time.Time  `json:"recorded_at"`
}

type pointLabels struct {
	domainName      string
	subCategoryName string
	pointLabel      string
}

func indexPointLabels(structure []models.EffectiveDomain) map[[3]string]pointLabels {
	labels := map[[3]string]pointLabels{}
	for _, domain := range structure {
		for _, subCategory := range domain.SubCategories {
			for _, point := range subCategory.Points {
				labels[[3]string{domain.ID, subCategory.ID, point.ID}] = pointLabels{
					domainName:      domain.Name,
					subCategoryName: subCategory.Name,
					pointLabel:      point.Label,
				}
			}
		}
	}
	return labels
}

// collectOpenNonConformities scans one instance's verdicts against its
// effective structure. Verdicts on tombstoned paths are excluded; the rows
// stay in place but a hidden point is not an open obligation. Pure, no I/O.
func collectOpenNonConformities(instance *models.ControlInstance, templateName string, structure []models.EffectiveDomain, verdicts []*models.Verdict, filterPartyId string) []NonConformityItem {

	labels := indexPointLabels(structure)
	var items []NonConformityItem
	for _, verdict := range verdicts {
		if !verdict.IsOpenNonConformity() {
			continue
		}
		if filterPartyId != "" && verdict.ResponsiblePartyId != filterPartyId {
			continue
		}
		key := [3]string{verdict.DomainId, verdict.SubCategoryId, verdict.PointId}
		resolved, visible := labels[key]
		if !visible {
			continue
		}
		nextActionDate := verdict.RepairPlannedDate
		if nextActionDate == nil {
			nextActionDate = verdict.ScheduledRepairDate
		}
		items = append(items, NonConformityItem{
			SiteId:              instance.SiteId,
			TemplateId:          instance.TemplateId,
			TemplateName:        templateName,
			InstanceId:          instance.ID,
			DomainId:            verdict.DomainId,
			DomainName:          resolved.domainName,
			SubCategoryId:       verdict.SubCategoryId,
			SubCategoryName:     resolved.subCategoryName,
			PointId:             verdict.PointId,
			PointLabel:          resolved.pointLabel,
			State:               verdict.State(),
			Explanation:         verdict.Explanation,
			ResponsiblePartyId:  verdict.ResponsiblePartyId,
			ScheduledRepairDate: verdict.ScheduledRepairDate,
			NextActionDate:      nextActionDate,
			RecordedAt:          verdict.UpdatedAt,
		})
	}
	return items
}

// sortNonConformities orders by scheduled repair date ascending with missing
// dates last, then by path for a stable order between equal dates.
func sortNonConformities(items []NonConformityItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].ScheduledRepairDate, items[j].ScheduledRepairDate
		switch {
		case a == nil && b == nil:
			// fall through to the path tie-break
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		if items[i].TemplateId != items[j].TemplateId {
			return items[i].TemplateId < items[j].TemplateId
		}
		if items[i].DomainId != items[j].DomainId {
			return items[i].DomainId < items[j].DomainId
		}
		if items[i].SubCategoryId != items[j].SubCategoryId {
			return items[i].SubCategoryId < items[j].SubCategoryId
		}
		return items[i].PointId < items[j].PointId
	})
}

// ListOpenNonConformities returns every open non-conformity across all of a
// site's control instances, ordered by scheduled repair date with undated
// items last. Pass an empty filterPartyId for no responsibility filter.
func ListOpenNonConformities(ctx context.Context, siteId string, filterPartyId string) ([]NonConformityItem, error) {

	logger := config.GetLogger()

	instances, err := models.GetInstancesBySite(ctx, siteId)
	if err != nil {
		config.LogError(logger, "nonConformity.go", "ListOpenNonConformities", "GetInstancesBySite", siteId, err)
		return nil, err
	}

	items := []NonConformityItem{}
	for _, instance := range instances {
		template, err := models.GetTemplate(ctx, instance.TemplateId)
		if err != nil {
			config.LogError(logger, "nonConformity.go", "ListOpenNonConformities", "GetTemplate", instance.TemplateId, err)
			return nil, err
		}
		overlay, err := models.LoadInstanceOverlay(ctx, instance.ID)
		if err != nil {
			config.LogError(logger, "nonConformity.go", "ListOpenNonConformities", "LoadInstanceOverlay", instance.ID, err)
			return nil, err
		}
		verdicts, err := models.GetVerdictsByInstance(ctx, instance.ID)
		if err != nil {
			config.LogError(logger, "nonConformity.go", "ListOpenNonConformities", "GetVerdictsByInstance", instance.ID, err)
			return nil, err
		}
		structure := models.BuildEffectiveStructure(template, overlay)
		items = append(items, collectOpenNonConformities(instance, template.Title, structure, verdicts, filterPartyId)...)
	}

	sortNonConformities(items)
	return items, nil
}
