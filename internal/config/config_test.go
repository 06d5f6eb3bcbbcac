package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("HARVEST_FETCH_MAX", "not-a-number")
	t.Setenv("IMAP_SECURE", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "" {
		t.Fatalf("explicit empty DB_PATH should be kept, got %q", cfg.DBPath)
	}
	if cfg.HarvestFetchMax != 50 {
		t.Fatalf("fetch max=%d", cfg.HarvestFetchMax)
	}
	if cfg.IMAPSecure {
		t.Fatal("IMAP_SECURE=off should disable TLS")
	}
	if cfg.GmailQuery != DefaultGmailQuery {
		t.Fatalf("query=%q", cfg.GmailQuery)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "x.db"))
	t.Setenv("GMAIL_RATE_LIMIT_RPS", "2.5")
	t.Setenv("HARVEST_NOTIFY", "no")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != filepath.Join(dir, "x.db") {
		t.Fatalf("db=%q", cfg.DBPath)
	}
	if cfg.GmailRateLimitRPS != 2.5 {
		t.Fatalf("rps=%v", cfg.GmailRateLimitRPS)
	}
	if cfg.HarvestNotify {
		t.Fatal("notify should be off")
	}
}

func TestRequire(t *testing.T) {
	cfg := Config{}
	if err := cfg.Require("MAILGUN_API_KEY", "  "); err == nil {
		t.Fatal("expected error for blank value")
	}
	if err := cfg.Require("MAILGUN_API_KEY", "key"); err != nil {
		t.Fatal(err)
	}
}
