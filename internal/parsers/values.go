package parsers

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"royaltyledger/internal"
)

var (
	reAmountNoise = regexp.MustCompile(`[$€£¥,\s]`)
	reQuarter     = regexp.MustCompile(`Q(\d) (\d{4})`)
	reYearMonth   = regexp.MustCompile(`^(\d{4})-(\d{2})$`)
	reLeadingNum  = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`)
)

// ParseAmount strips currency symbols, thousands separators and whitespace.
// A value in parentheses is negative.
func ParseAmount(raw string) (float64, error) {
	cleaned := reAmountNoise.ReplaceAllString(raw, "")
	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "("), ")")
	}

	amount, err := strconv.ParseFloat(reLeadingNum.FindString(cleaned), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("invalid amount: %q", raw)
	}
	if negative {
		amount = -amount
	}
	return amount, nil
}

var nativeDateLayouts = []string{
	internal.DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"Jan 2006",
	"January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

// ParseDate tries ISO and common written layouts first, then M/D/YYYY.
// The result is a UTC calendar date.
func ParseDate(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range nativeDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return dateOnly(t), nil
		}
	}

	parts := strings.Split(value, "/")
	if len(parts) == 3 {
		month, errM := strconv.Atoi(strings.TrimSpace(parts[0]))
		day, errD := strconv.Atoi(strings.TrimSpace(parts[1]))
		year, errY := strconv.Atoi(strings.TrimSpace(parts[2]))
		if errM == nil && errD == nil && errY == nil && validDay(year, month, day) {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
		}
	}

	return time.Time{}, fmt.Errorf("invalid date format: %q", raw)
}

func validDay(year, month, day int) bool {
	if year < 1 || month < 1 || month > 12 || day < 1 {
		return false
	}
	return day <= MonthPeriodEnd(year, time.Month(month)).Day()
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthPeriod returns the first and last day of the month.
func MonthPeriod(year int, month time.Month) (time.Time, time.Time) {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC), MonthPeriodEnd(year, month)
}

func MonthPeriodEnd(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
}

// QuarterPeriod returns the first day of the quarter's first month and the
// last day of its third month.
func QuarterPeriod(year, quarter int) (time.Time, time.Time, error) {
	if quarter < 1 || quarter > 4 {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid quarter: %d", quarter)
	}
	startMonth := time.Month((quarter-1)*3 + 1)
	start := time.Date(year, startMonth, 1, 0, 0, 0, 0, time.UTC)
	return start, MonthPeriodEnd(year, startMonth+2), nil
}

// parseYearMonth handles "YYYY-MM" (with an optional day suffix) and "MM/YYYY".
func parseYearMonth(raw string) (int, time.Month, error) {
	value := strings.TrimSpace(raw)
	var yearPart, monthPart string
	if strings.Contains(value, "/") {
		parts := strings.Split(value, "/")
		if len(parts) != 2 {
			t, err := ParseDate(value)
			if err != nil {
				return 0, 0, err
			}
			return t.Year(), t.Month(), nil
		}
		monthPart, yearPart = parts[0], parts[1]
	} else {
		parts := strings.Split(value, "-")
		if len(parts) < 2 {
			return 0, 0, fmt.Errorf("invalid sale month: %q", raw)
		}
		yearPart, monthPart = parts[0], parts[1]
	}

	year, err := strconv.Atoi(strings.TrimSpace(yearPart))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid sale month: %q", raw)
	}
	month, err := strconv.Atoi(strings.TrimSpace(monthPart))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid sale month: %q", raw)
	}
	return year, time.Month(month), nil
}

// MapSourceType classifies a store, service or society name. Rules are
// checked in order; anything unmatched counts as streaming.
func MapSourceType(name string) internal.SourceType {
	n := strings.ToLower(strings.TrimSpace(name))

	switch {
	case containsAny(n, "stream", "spotify", "apple music"):
		return internal.SourceStreaming
	case strings.Contains(n, "soundexchange"):
		return internal.SourceSoundExchange
	case containsAny(n, "pro", "ascap", "bmi", "sesac"):
		return internal.SourcePRO
	case containsAny(n, "mlc", "mechanical"):
		return internal.SourceMLC
	case strings.Contains(n, "youtube"):
		return internal.SourceYouTube
	case containsAny(n, "neighbour", "ppl"):
		return internal.SourceNeighbouring
	case strings.Contains(n, "sync"):
		return internal.SourceSync
	default:
		return internal.SourceStreaming
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
