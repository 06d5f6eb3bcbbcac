package parsers

import (
	"fmt"
	"strings"

	"royaltyledger/internal"
)

// Template reads the generic import layout:
// source_type,amount,period_start,period_end,notes
func Template() Parser {
	return Parser{
		ID:   "template",
		Name: "Generic template",
		CanParse: func(_ string, headers []string) bool {
			return hasHeader(headers, "source_type") &&
				hasHeader(headers, "amount") &&
				hasHeader(headers, "period_start") &&
				hasHeader(headers, "period_end")
		},
		Parse: parseTemplate,
	}
}

func parseTemplate(content string) internal.ParseResult {
	header, dataRows := splitHeader(content)
	sourceIdx := findColumn(header, "source_type")
	amountIdx := findColumn(header, "amount")
	startIdx := findColumn(header, "period_start")
	endIdx := findColumn(header, "period_end")
	notesIdx := findColumn(header, "notes")

	return runRows("template", dataRows, func(cells []string) (*internal.ParsedRow, error) {
		amount, err := ParseAmount(cell(cells, amountIdx))
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, nil
		}

		start, err := ParseDate(cell(cells, startIdx))
		if err != nil {
			return nil, err
		}
		end, err := ParseDate(cell(cells, endIdx))
		if err != nil {
			return nil, err
		}
		if end.Before(start) {
			return nil, fmt.Errorf("period_end %s is before period_start %s", end.Format(internal.DateLayout), start.Format(internal.DateLayout))
		}

		return &internal.ParsedRow{
			SourceType:  templateSourceType(cell(cells, sourceIdx)),
			Amount:      amount,
			PeriodStart: start,
			PeriodEnd:   end,
			Notes:       cell(cells, notesIdx),
		}, nil
	})
}

func templateSourceType(raw string) internal.SourceType {
	st := internal.SourceType(strings.ToLower(strings.TrimSpace(raw)))
	if st.Valid() {
		return st
	}
	return MapSourceType(raw)
}
