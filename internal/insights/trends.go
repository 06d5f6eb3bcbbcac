package insights

import (
	"sort"

	"github.com/shopspring/decimal"

	"royaltyledger/internal"
)

// DropoffThreshold is the percentage decline above which a source is flagged.
const DropoffThreshold = 20.0

type Trend struct {
	Source            internal.SourceType `json:"source"`
	HasDropoff        bool                `json:"hasDropoff"`
	DropoffPercentage *float64            `json:"dropoffPercentage,omitempty"`
	LastAmount        *float64            `json:"lastAmount,omitempty"`
	RecentAverage     float64             `json:"recentAverage"`
	OlderAverage      float64             `json:"olderAverage"`
	EntriesConsidered int                 `json:"entriesConsidered"`
}

// AnalyzeTrends compares the two most recent entries of each source against
// the three before them. Sources with fewer than three entries, or with no
// positive older income, are not analysed.
func AnalyzeTrends(entries []internal.IncomeEntry) []Trend {
	if len(entries) < 3 {
		return nil
	}

	var order []internal.SourceType
	groups := map[internal.SourceType][]internal.IncomeEntry{}
	for _, e := range entries {
		if _, ok := groups[e.SourceType]; !ok {
			order = append(order, e.SourceType)
		}
		groups[e.SourceType] = append(groups[e.SourceType], e)
	}

	var trends []Trend
	for _, source := range order {
		group := groups[source]
		if len(group) < 3 {
			continue
		}
		sorted := append([]internal.IncomeEntry(nil), group...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].PeriodStart.After(sorted[j].PeriodStart)
		})

		recent := sorted[:2]
		older := sorted[2:min(5, len(sorted))]
		recentAvg := average(recent)
		olderAvg := average(older)
		if !olderAvg.IsPositive() {
			continue
		}

		t := Trend{
			Source:            source,
			RecentAverage:     recentAvg.InexactFloat64(),
			OlderAverage:      olderAvg.InexactFloat64(),
			EntriesConsidered: len(recent) + len(older),
		}
		pct := olderAvg.Sub(recentAvg).Mul(decimal.NewFromInt(100)).Div(olderAvg)
		if pct.GreaterThan(decimal.NewFromFloat(DropoffThreshold)) {
			rounded := pct.Round(0).InexactFloat64()
			last := sorted[0].Amount
			t.HasDropoff = true
			t.DropoffPercentage = &rounded
			t.LastAmount = &last
		}
		trends = append(trends, t)
	}
	return trends
}

// Dropoffs filters trends down to the flagged ones.
func Dropoffs(trends []Trend) []Trend {
	var out []Trend
	for _, t := range trends {
		if t.HasDropoff {
			out = append(out, t)
		}
	}
	return out
}

// average sums as decimals so cent amounts compare exactly at the threshold.
func average(entries []internal.IncomeEntry) decimal.Decimal {
	if len(entries) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(decimal.NewFromFloat(e.Amount))
	}
	return sum.Div(decimal.NewFromInt(int64(len(entries))))
}
