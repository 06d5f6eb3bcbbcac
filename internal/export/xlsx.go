package export

import (
	"io"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"royaltyledger/internal"
	"royaltyledger/internal/insights"
)

const (
	SheetIncome    = "Income"
	SheetEstimates = "Estimates"
	SheetTrends    = "Trends"
)

// Workbook renders a ledger and its analysis into three sheets.
func Workbook(entries []internal.IncomeEntry, analysis insights.Analysis) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(0), SheetIncome); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetEstimates, SheetTrends} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}

	writeRow(f, SheetIncome, 1, "entry_id", "statement_id", "source_type", "source_label", "amount", "period_start", "period_end", "notes")
	for i, e := range entries {
		writeRow(f, SheetIncome, i+2,
			e.ID,
			derefString(e.StatementID),
			string(e.SourceType),
			internal.SourceLabel(e.SourceType),
			e.Amount,
			e.PeriodStart.Format(internal.DateLayout),
			e.PeriodEnd.Format(internal.DateLayout),
			e.Notes,
		)
	}

	writeRow(f, SheetEstimates, 1, "source", "source_name", "estimated_annual", "confidence", "confidence_label", "priority", "reason", "action_url")
	for i, e := range analysis.Estimates {
		writeRow(f, SheetEstimates, i+2,
			string(e.Source), e.SourceName, e.EstimatedAnnual, e.Confidence, e.ConfidenceLabel, string(e.Priority), e.Reason, e.ActionURL,
		)
	}
	writeRow(f, SheetEstimates, len(analysis.Estimates)+2, "total", "", analysis.TotalEstimated)

	writeRow(f, SheetTrends, 1, "source", "has_dropoff", "dropoff_percentage", "last_amount", "recent_average", "older_average")
	for i, t := range analysis.Trends {
		writeRow(f, SheetTrends, i+2,
			string(t.Source), t.HasDropoff, derefFloat(t.DropoffPercentage), derefFloat(t.LastAmount), t.RecentAverage, t.OlderAverage,
		)
	}

	return f, nil
}

func ToFile(entries []internal.IncomeEntry, analysis insights.Analysis, outputPath string) error {
	f, err := Workbook(entries, analysis)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

func ToWriter(w io.Writer, entries []internal.IncomeEntry, analysis insights.Analysis) error {
	f, err := Workbook(entries, analysis)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
