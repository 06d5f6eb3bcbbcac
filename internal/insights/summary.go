package insights

import (
	"github.com/shopspring/decimal"

	"royaltyledger/internal"
)

type SourceTotal struct {
	Source  internal.SourceType `json:"source"`
	Label   string              `json:"label"`
	Total   decimal.Decimal     `json:"total"`
	Entries int                 `json:"entries"`
}

// Summary holds exact ledger totals. Amounts are summed as decimals so that
// many small per-track rows add up to the cent.
type Summary struct {
	Total      decimal.Decimal `json:"total"`
	Entries    int             `json:"entries"`
	Statements int             `json:"statements"`
	BySource   []SourceTotal   `json:"bySource"`
}

// Summarize totals entries per source type. Every known source type is
// listed, in canonical order, with zero totals for sources not collected.
func Summarize(entries []internal.IncomeEntry) Summary {
	totals := map[internal.SourceType]*SourceTotal{}
	for _, s := range internal.SourceTypes {
		totals[s] = &SourceTotal{Source: s, Label: internal.SourceLabel(s), Total: decimal.Zero}
	}

	statements := map[string]bool{}
	sum := Summary{Total: decimal.Zero, Entries: len(entries)}
	for _, e := range entries {
		amount := decimal.NewFromFloat(e.Amount)
		sum.Total = sum.Total.Add(amount)

		st, ok := totals[e.SourceType]
		if !ok {
			st = &SourceTotal{Source: e.SourceType, Label: internal.SourceLabel(e.SourceType), Total: decimal.Zero}
			totals[e.SourceType] = st
		}
		st.Total = st.Total.Add(amount)
		st.Entries++

		if e.StatementID != nil {
			statements[*e.StatementID] = true
		}
	}
	sum.Statements = len(statements)

	for _, s := range internal.SourceTypes {
		sum.BySource = append(sum.BySource, *totals[s])
		delete(totals, s)
	}
	for _, e := range entries {
		if st, ok := totals[e.SourceType]; ok {
			sum.BySource = append(sum.BySource, *st)
			delete(totals, e.SourceType)
		}
	}
	return sum
}
