package parsers

import (
	"fmt"

	"royaltyledger/internal"
)

func CDBaby() Parser {
	return Parser{
		ID:   "cdbaby",
		Name: "CD Baby",
		CanParse: func(_ string, headers []string) bool {
			return (hasHeader(headers, "report date") || hasHeader(headers, "date")) &&
				(hasHeader(headers, "service") || hasHeader(headers, "platform")) &&
				hasHeader(headers, "amount")
		},
		Parse: parseCDBaby,
	}
}

func parseCDBaby(content string) internal.ParseResult {
	header, dataRows := splitHeader(content)
	dateIdx := findColumn(header, "report date", "date")
	serviceIdx := findColumn(header, "service", "platform")
	amountIdx := findColumn(header, "amount")
	trackIdx := findColumn(header, "track", "title")

	return runRows("cdbaby", dataRows, func(cells []string) (*internal.ParsedRow, error) {
		service := cell(cells, serviceIdx)
		track := cellOr(cells, trackIdx, "Unknown Track")

		amount, err := ParseAmount(cell(cells, amountIdx))
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, nil
		}

		reported, err := ParseDate(cell(cells, dateIdx))
		if err != nil {
			return nil, err
		}
		start, end := MonthPeriod(reported.Year(), reported.Month())

		return &internal.ParsedRow{
			SourceType:  MapSourceType(service),
			Amount:      amount,
			PeriodStart: start,
			PeriodEnd:   end,
			Notes:       fmt.Sprintf("%s - %s", service, track),
		}, nil
	})
}
