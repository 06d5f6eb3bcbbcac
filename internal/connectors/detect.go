package connectors

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type DetectResult struct {
	IsStatement bool
	Score       float64
	Reason      string
}

var statementKeywords = []string{
	"statement", "royalt", "earnings", "payment advice", "remittance",
}

// Payer names count for more in the body than generic money words.
var payerNames = []string{
	"distrokid", "tunecore", "cd baby", "soundexchange", "ascap", "bmi", "sesac", "mlc",
}

var statementSenders = []string{
	"distrokid.com", "tunecore.com", "cdbaby.com", "soundexchange.com",
	"ascap.com", "bmi.com", "sesac.com", "themlc.com", "ppluk.com",
}

// Scores are kept in whole points so the cutoff compares exactly.
const (
	subjectPoints   = 20
	bodyPoints      = 10
	bodyPayerPoints = 25
	senderPoints    = 30
	csvPoints       = 30
	statementCutoff = 45
)

// DetectStatementEmail scores a message on keywords, sender domain and CSV
// attachments. HTML bodies are reduced to text first.
func DetectStatementEmail(subject, from, text, html string, attachmentNames []string) DetectResult {
	subject = strings.ToLower(subject)
	from = strings.ToLower(from)
	body := strings.ToLower(text + " " + htmlText(html))

	points := 0
	for _, kw := range statementKeywords {
		if strings.Contains(subject, kw) {
			points += subjectPoints
		}
		if strings.Contains(body, kw) {
			points += bodyPoints
		}
	}
	for _, name := range payerNames {
		if strings.Contains(subject, name) {
			points += subjectPoints
		}
		if strings.Contains(body, name) {
			points += bodyPayerPoints
		}
	}

	for _, domain := range statementSenders {
		if strings.Contains(from, domain) {
			points += senderPoints
			break
		}
	}

	for _, name := range attachmentNames {
		if strings.HasSuffix(strings.ToLower(name), ".csv") {
			points += csvPoints
			break
		}
	}
	if points > 100 {
		points = 100
	}

	isStatement := points >= statementCutoff
	reason := "rules_negative"
	if isStatement {
		reason = "rules_positive"
	}

	return DetectResult{IsStatement: isStatement, Score: float64(points) / 100, Reason: reason}
}

func htmlText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
