package reports

import (
	"context"
	"fmt"
	"io"
	"time"

	"bitbucket.org/batifocus/qc_backend/workflow"
	"github.com/xuri/excelize/v2"
)

const ncSheetName = "Non-conformities"

var ncHeadings = []string{
	"Template", "Domain", "Sub-category", "Control point",
	"State", "Explanation", "Responsible party", "Next action date", "Recorded at",
}

func writeNonConformitySheet(f *excelize.File, items []workflow.NonConformityItem) error {
	index, err := f.NewSheet(ncSheetName)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, heading := range ncHeadings {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(ncSheetName, cell, heading); err != nil {
			return err
		}
	}

	for i, item := range items {
		nextAction := ""
		if item.NextActionDate != nil {
			nextAction = item.NextActionDate.Format("2006-01-02")
		}
		values := []interface{}{
			item.TemplateName,
			item.DomainName,
			item.SubCategoryName,
			item.PointLabel,
			string(item.State),
			item.Explanation,
			item.ResponsiblePartyId,
			nextAction,
			item.RecordedAt.Format(time.RFC3339),
		}
		for col, value := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(ncSheetName, cell, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExportOpenNonConformities writes the site's open non-conformity list as an
// xlsx workbook, in the same order the list endpoint returns.
func ExportOpenNonConformities(ctx context.Context, w io.Writer, siteId string, filterPartyId string) error {
	items, err := workflow.ListOpenNonConformities(ctx, siteId, filterPartyId)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := writeNonConformitySheet(f, items); err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write xlsx: %v", err)
	}
	return nil
}
