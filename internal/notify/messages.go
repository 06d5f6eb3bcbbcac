package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/shopspring/decimal"

	"royaltyledger/internal"
	"royaltyledger/internal/insights"
)

// MissingMoneyMinimum is the estimated total below which no alert is sent.
const MissingMoneyMinimum = 100

// HarvestDigest describes what a mailbox harvest added to a user's ledger.
type HarvestDigest struct {
	StatementsFound int
	EntriesCreated  int
	Sources         []insights.SourceTotal
}

func (d HarvestDigest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, s := range d.Sources {
		total = total.Add(s.Total)
	}
	return total
}

func greetingName(u internal.User) string {
	if strings.TrimSpace(u.ArtistName) != "" {
		return u.ArtistName
	}
	return "there"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

// HarvestSummary builds the post-harvest email. ok is false when the harvest
// found nothing worth reporting.
func HarvestSummary(u internal.User, d HarvestDigest, appURL string) (msg Message, ok bool) {
	if d.StatementsFound == 0 {
		return Message{}, false
	}

	var text, rows strings.Builder
	fmt.Fprintf(&text, "Hi %s,\n\nWe found %s in your inbox and added %s to your ledger, worth $%s in total.\n\n",
		greetingName(u), plural(d.StatementsFound, "new statement", "new statements"), plural(d.EntriesCreated, "income entry", "income entries"), d.Total().StringFixed(2))
	for _, s := range d.Sources {
		if s.Entries == 0 {
			continue
		}
		fmt.Fprintf(&text, "  %s: $%s (%s)\n", s.Label, s.Total.StringFixed(2), plural(s.Entries, "entry", "entries"))
		fmt.Fprintf(&rows, "<tr><td>%s</td><td>$%s</td><td>%d</td></tr>", html.EscapeString(s.Label), s.Total.StringFixed(2), s.Entries)
	}
	fmt.Fprintf(&text, "\nView your income: %s/income\n", appURL)

	return Message{
		To:      u.Email,
		Subject: fmt.Sprintf("%s found!", plural(d.StatementsFound, "new royalty statement", "new royalty statements")),
		Text:    text.String(),
		HTML: fmt.Sprintf(`<html><body style="font-family: Arial, sans-serif;">
<p>Hi %s,</p>
<p>We found %s and added %s to your ledger.</p>
<table>%s</table>
<p><a href="%s/income">View your income</a></p>
</body></html>`, html.EscapeString(greetingName(u)), plural(d.StatementsFound, "new statement", "new statements"), plural(d.EntriesCreated, "income entry", "income entries"), rows.String(), appURL),
	}, true
}

func UploadConfirmation(u internal.User, fileName, parser string, entries int, total decimal.Decimal, appURL string) Message {
	text := fmt.Sprintf("Hi %s,\n\nYour statement %s was read with the %s parser. %s worth $%s were added to your ledger.\n\nView your income: %s/income\n",
		greetingName(u), fileName, parser, plural(entries, "income entry", "income entries"), total.StringFixed(2), appURL)
	return Message{
		To:      u.Email,
		Subject: "Statement uploaded: " + fileName,
		Text:    text,
		HTML: fmt.Sprintf(`<html><body style="font-family: Arial, sans-serif;">
<p>Hi %s,</p>
<p>Your statement <strong>%s</strong> was read with the %s parser. %s worth $%s were added.</p>
<p><a href="%s/income">View your income</a></p>
</body></html>`, html.EscapeString(greetingName(u)), html.EscapeString(fileName), html.EscapeString(parser), plural(entries, "income entry", "income entries"), total.StringFixed(2), appURL),
	}
}

// MissingMoneyAlert lists the top three opportunities. ok is false when the
// estimated total is below MissingMoneyMinimum.
func MissingMoneyAlert(u internal.User, a insights.Analysis, appURL string) (msg Message, ok bool) {
	if a.TotalEstimated < MissingMoneyMinimum {
		return Message{}, false
	}

	top := a.Estimates
	if len(top) > 3 {
		top = top[:3]
	}
	var text, items strings.Builder
	fmt.Fprintf(&text, "Hi %s,\n\nBased on your streams you may be missing about $%.0f a year in royalties.\n\n", greetingName(u), a.TotalEstimated)
	for _, e := range top {
		fmt.Fprintf(&text, "  %s: ~$%.0f/yr  %s\n", e.SourceName, e.EstimatedAnnual, e.ActionURL)
		fmt.Fprintf(&items, `<li>%s: ~$%.0f/yr <a href="%s">%s</a></li>`, html.EscapeString(e.SourceName), e.EstimatedAnnual, e.ActionURL, html.EscapeString(e.ActionLabel))
	}
	fmt.Fprintf(&text, "\nSee the full breakdown: %s/dashboard\n", appURL)

	return Message{
		To:      u.Email,
		Subject: fmt.Sprintf("You may be missing $%.0f in royalties", a.TotalEstimated),
		Text:    text.String(),
		HTML: fmt.Sprintf(`<html><body style="font-family: Arial, sans-serif;">
<p>Hi %s,</p>
<p>You may be missing about <strong>$%.0f</strong> a year in royalties.</p>
<ul>%s</ul>
<p><a href="%s/dashboard">See the full breakdown</a></p>
</body></html>`, html.EscapeString(greetingName(u)), a.TotalEstimated, items.String(), appURL),
	}, true
}
