package notify

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"royaltyledger/internal"
	"royaltyledger/internal/config"
	"royaltyledger/internal/insights"
)

var artist = internal.User{ID: "u1", Email: "artist@example.com", ArtistName: "Nova & The Tides"}

func TestNewFallsBackToLog(t *testing.T) {
	n := New(config.Config{MailgunDomain: "mg.example.com"}, zerolog.Nop())
	logN, ok := n.(*LogNotifier)
	if !ok {
		t.Fatalf("notifier=%T", n)
	}
	if err := logN.Send(context.Background(), Message{To: "a@b.c", Subject: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(logN.Sent) != 1 {
		t.Fatalf("sent=%d", len(logN.Sent))
	}

	if _, ok := New(config.Config{MailgunDomain: "d", MailgunAPIKey: "k", MailgunSender: "s@d"}, zerolog.Nop()).(*MailgunNotifier); !ok {
		t.Fatal("expected mailgun notifier")
	}
}

func TestHarvestSummary(t *testing.T) {
	if _, ok := HarvestSummary(artist, HarvestDigest{}, "https://app"); ok {
		t.Fatal("empty harvest should not notify")
	}

	d := HarvestDigest{
		StatementsFound: 1,
		EntriesCreated:  3,
		Sources: []insights.SourceTotal{
			{Source: internal.SourceStreaming, Label: "Streaming", Total: decimal.RequireFromString("4.30"), Entries: 2},
			{Source: internal.SourcePRO, Label: "PRO", Total: decimal.RequireFromString("10"), Entries: 1},
			{Source: internal.SourceMLC, Label: "MLC", Total: decimal.Zero},
		},
	}
	msg, ok := HarvestSummary(artist, d, "https://app")
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.To != artist.Email || msg.Subject != "1 new royalty statement found!" {
		t.Fatalf("msg=%+v", msg)
	}
	if !strings.Contains(msg.Text, "$14.30") || !strings.Contains(msg.Text, "3 income entries") {
		t.Fatalf("text=%s", msg.Text)
	}
	if strings.Contains(msg.Text, "MLC") {
		t.Fatal("empty source listed")
	}
	if !strings.Contains(msg.HTML, "Nova &amp; The Tides") {
		t.Fatalf("html not escaped: %s", msg.HTML)
	}
}

func TestUploadConfirmation(t *testing.T) {
	msg := UploadConfirmation(artist, "march.csv", "distrokid", 1, decimal.RequireFromString("4.2"), "https://app")
	if msg.Subject != "Statement uploaded: march.csv" {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "1 income entry worth $4.20") {
		t.Fatalf("text=%s", msg.Text)
	}
}

func TestMissingMoneyAlert(t *testing.T) {
	small := insights.Analyze(insights.Profile{MonthlyStreams: 0}, nil)
	if _, ok := MissingMoneyAlert(artist, small, "https://app"); ok {
		t.Fatal("small estimate should not alert")
	}

	big := insights.Analyze(insights.Profile{WritesOwnSongs: true, MonthlyStreams: 60000}, nil)
	msg, ok := MissingMoneyAlert(artist, big, "https://app")
	if !ok {
		t.Fatal("expected alert")
	}
	if msg.Subject != "You may be missing $2471 in royalties" {
		t.Fatalf("subject=%q", msg.Subject)
	}
	if strings.Count(msg.HTML, "<li>") != 3 {
		t.Fatalf("html=%s", msg.HTML)
	}
}
