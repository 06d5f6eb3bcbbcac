package parsers

import (
	"fmt"

	"royaltyledger/internal"
)

// DistroKid reads the "Sale Month, Store, Artist, Title, ..., Earnings (USD)"
// export. Each row covers one calendar month.
func DistroKid() Parser {
	return Parser{
		ID:   "distrokid",
		Name: "DistroKid",
		CanParse: func(_ string, headers []string) bool {
			return hasHeader(headers, "sale month") &&
				hasHeader(headers, "store") &&
				hasHeader(headers, "earnings (usd)")
		},
		Parse: parseDistroKid,
	}
}

func parseDistroKid(content string) internal.ParseResult {
	header, dataRows := splitHeader(content)
	monthIdx := findColumn(header, "sale month")
	storeIdx := findColumn(header, "store")
	earningsIdx := findColumn(header, "earnings")
	titleIdx := findColumn(header, "title")

	return runRows("distrokid", dataRows, func(cells []string) (*internal.ParsedRow, error) {
		store := cell(cells, storeIdx)
		title := cellOr(cells, titleIdx, "Unknown Track")

		amount, err := ParseAmount(cell(cells, earningsIdx))
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, nil
		}

		year, month, err := parseYearMonth(cell(cells, monthIdx))
		if err != nil {
			return nil, err
		}
		start, end := MonthPeriod(year, month)

		return &internal.ParsedRow{
			SourceType:  MapSourceType(store),
			Amount:      amount,
			PeriodStart: start,
			PeriodEnd:   end,
			Notes:       fmt.Sprintf("%s - %s", store, title),
		}, nil
	})
}
