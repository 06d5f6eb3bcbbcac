package connectors

import (
	"context"
	"strings"
	"testing"

	"royaltyledger/internal"
)

const statementEML = "From: DistroKid <noreply@distrokid.com>\r\n" +
	"To: artist@example.com\r\n" +
	"Subject: Your DistroKid earnings statement\r\n" +
	"Message-ID: <stmt-1@distrokid.com>\r\n" +
	"Date: Mon, 1 Apr 2024 09:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Your royalties for March are ready.</p></body></html>\r\n" +
	"--b1\r\n" +
	"Content-Type: text/csv; name=\"march.csv\"\r\n" +
	"Content-Disposition: attachment; filename=\"march.csv\"\r\n" +
	"\r\n" +
	"Sale Month,Store,Title,Earnings (USD)\r\n" +
	"2024-03,Spotify,Song,1.00\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf; name=\"march.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"march.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--b1--\r\n"

const newsletterEML = "From: News <news@example.com>\r\n" +
	"Subject: Weekly digest\r\n" +
	"Message-ID: <news-1@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Nothing to see here.\r\n"

func TestDetectStatementEmail(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		from    string
		html    string
		files   []string
		want    bool
	}{
		{name: "distributor with csv", subject: "Your statement", from: "noreply@distrokid.com", files: []string{"march.csv"}, want: true},
		{name: "society keyword in html", subject: "Quarterly royalties", html: "<table><tr><td>ASCAP</td></tr></table>", want: true},
		{name: "newsletter", subject: "Weekly digest", from: "news@example.com", want: false},
		{name: "csv alone", subject: "hello", files: []string{"data.csv"}, want: false},
		{name: "money word in body only", subject: "hello", html: "<p>earnings</p>", want: false},
		{name: "society subject and csv", subject: "BMI quarterly", files: []string{"q1.csv"}, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectStatementEmail(tc.subject, tc.from, "", tc.html, tc.files)
			if got.IsStatement != tc.want {
				t.Fatalf("score=%v got %v want %v", got.Score, got.IsStatement, tc.want)
			}
		})
	}
}

func TestDetectStatementEmailAtCutoff(t *testing.T) {
	got := DetectStatementEmail("Quarterly royalties", "", "", "<p>ASCAP</p>", nil)
	if !got.IsStatement || got.Score != 0.45 {
		t.Fatalf("score=%v statement=%v", got.Score, got.IsStatement)
	}

	raw := "From: Member Services <members@example.org>\r\n" +
		"Subject: Quarterly royalties\r\n" +
		"Message-ID: <society-1@example.org>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b2\"\r\n" +
		"\r\n" +
		"--b2\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Your ASCAP distribution is attached.\r\n" +
		"--b2\r\n" +
		"Content-Type: text/csv; name=\"q1.txt\"\r\n" +
		"Content-Disposition: attachment; filename=\"q1.txt\"\r\n" +
		"\r\n" +
		"source_type,amount,period_start,period_end\r\n" +
		"pro,12.00,2024-01-01,2024-03-31\r\n" +
		"--b2--\r\n"
	refs, err := StatementCandidates([]byte(raw), internal.ProviderOther, "imap", "fallback", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].FileName != "q1.txt" {
		t.Fatalf("refs=%+v", refs)
	}
}

func TestHTMLTextStripsMarkup(t *testing.T) {
	got := htmlText("<html><style>p{}</style><body><p>Royalty <b>statement</b></p></body></html>")
	if got != "Royalty statement" {
		t.Fatalf("got %q", got)
	}
}

func TestIsCSVCandidate(t *testing.T) {
	cases := []struct {
		name, mime string
		want       bool
	}{
		{"report.CSV", "", true},
		{"report.txt", "text/csv; charset=utf-8", true},
		{"report.pdf", "application/pdf", false},
		{"", "text/csv", false},
	}
	for _, tc := range cases {
		if got := IsCSVCandidate(tc.name, tc.mime); got != tc.want {
			t.Fatalf("%q/%q: got %v want %v", tc.name, tc.mime, got, tc.want)
		}
	}
}

func TestStatementCandidates(t *testing.T) {
	refs, err := StatementCandidates([]byte(statementEML), internal.ProviderOther, "imap", "fallback", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Fatalf("len=%d", len(refs))
	}
	ref := refs[0]
	if ref.FileName != "march.csv" || ref.MessageID != "<stmt-1@distrokid.com>" || ref.AttachmentID != "part-0" {
		t.Fatalf("ref=%+v", ref)
	}
	if !strings.Contains(string(ref.Content), "2024-03,Spotify") {
		t.Fatalf("content=%q", ref.Content)
	}
	if ref.ReceivedAt != "2024-04-01T09:00:00Z" {
		t.Fatalf("receivedAt=%q", ref.ReceivedAt)
	}

	none, err := StatementCandidates([]byte(newsletterEML), internal.ProviderOther, "imap", "fallback", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("newsletter yielded %d candidates", len(none))
	}
}

func TestEMLSource(t *testing.T) {
	src := &EMLSource{Messages: map[string][]byte{
		"b.eml": []byte(newsletterEML),
		"a.eml": []byte(statementEML),
	}}

	refs, err := src.ListAttachments(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Provider != internal.ProviderOther {
		t.Fatalf("refs=%+v", refs)
	}

	blob, err := src.FetchAttachment(context.Background(), refs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(blob), "Sale Month") {
		t.Fatalf("blob=%q", blob)
	}

	if _, err := src.FetchAttachment(context.Background(), internal.AttachmentRef{MessageID: "m"}); err == nil {
		t.Fatal("expected error for empty ref")
	}
}
