package parsers

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"royaltyledger/internal"
)

// TuneCore reads "Period, Store, Song, ISRC, Territory, Net Revenue" exports.
// Periods are quarters ("Q1 2024"), months ("2024-01") or a written date.
func TuneCore() Parser {
	return Parser{
		ID:   "tunecore",
		Name: "TuneCore",
		CanParse: func(_ string, headers []string) bool {
			return hasHeader(headers, "period") &&
				hasHeader(headers, "store") &&
				(hasHeader(headers, "net revenue") || hasHeader(headers, "revenue"))
		},
		Parse: parseTuneCore,
	}
}

func parseTuneCore(content string) internal.ParseResult {
	header, dataRows := splitHeader(content)
	periodIdx := findColumn(header, "period")
	storeIdx := findColumn(header, "store")
	revenueIdx := findColumn(header, "revenue")
	songIdx := findColumn(header, "song")

	return runRows("tunecore", dataRows, func(cells []string) (*internal.ParsedRow, error) {
		store := cell(cells, storeIdx)
		song := cellOr(cells, songIdx, "Unknown Track")

		amount, err := ParseAmount(cell(cells, revenueIdx))
		if err != nil {
			return nil, err
		}
		if amount == 0 {
			return nil, nil
		}

		start, end, err := tuneCorePeriod(cell(cells, periodIdx))
		if err != nil {
			return nil, err
		}

		return &internal.ParsedRow{
			SourceType:  MapSourceType(store),
			Amount:      amount,
			PeriodStart: start,
			PeriodEnd:   end,
			Notes:       fmt.Sprintf("%s - %s", store, song),
		}, nil
	})
}

func tuneCorePeriod(period string) (time.Time, time.Time, error) {
	if strings.Contains(period, "Q") {
		m := reQuarter.FindStringSubmatch(period)
		if m == nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid period format: %q", period)
		}
		quarter, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		return QuarterPeriod(year, quarter)
	}

	if m := reYearMonth.FindStringSubmatch(strings.TrimSpace(period)); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid period format: %q", period)
		}
		start, end := MonthPeriod(year, time.Month(month))
		return start, end, nil
	}

	t, err := ParseDate(period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, end := MonthPeriod(t.Year(), t.Month())
	return start, end, nil
}
