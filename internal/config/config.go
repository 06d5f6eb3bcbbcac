package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath    string
	OutputDir string

	LogLevel  string
	LogFormat string

	HTTPAddr          string
	MaxUploadBytes    int
	UploadRatePerMin  int
	AppBaseURL        string
	InsightsCacheTTLM int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailQuery        string
	GmailRateLimitRPS float64
	GmailRateBurst    int

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPMailbox  string
	IMAPMarkSeen bool

	HarvestIntervalSec  int
	HarvestFetchMax     int
	HarvestLookbackDays int
	HarvestNotify       bool

	MailgunDomain string
	MailgunAPIKey string
	MailgunSender string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:    getEnv("DB_PATH", filepath.Join(cwd, "data", "royalties.db")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		MaxUploadBytes:    getEnvInt("MAX_UPLOAD_BYTES", 10<<20),
		UploadRatePerMin:  getEnvInt("UPLOAD_RATE_PER_MIN", 30),
		AppBaseURL:        getEnv("APP_BASE_URL", "http://localhost:8080"),
		InsightsCacheTTLM: getEnvInt("INSIGHTS_CACHE_TTL_MIN", 15),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailQuery:        getEnv("GMAIL_QUERY", DefaultGmailQuery),
		GmailRateLimitRPS: getEnvFloat("GMAIL_RATE_LIMIT_RPS", 5),
		GmailRateBurst:    getEnvInt("GMAIL_RATE_BURST", 10),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPMailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		HarvestIntervalSec:  getEnvInt("HARVEST_INTERVAL_SEC", 3600),
		HarvestFetchMax:     getEnvInt("HARVEST_FETCH_MAX", 50),
		HarvestLookbackDays: getEnvInt("HARVEST_LOOKBACK_DAYS", 30),
		HarvestNotify:       getEnvBool("HARVEST_NOTIFY", true),

		MailgunDomain: getEnv("MAILGUN_DOMAIN", ""),
		MailgunAPIKey: getEnv("MAILGUN_API_KEY", ""),
		MailgunSender: getEnv("MAILGUN_SENDER", ""),
	}

	return cfg, nil
}

// DefaultGmailQuery matches statement-like mail from the usual distributors
// and societies. The harvester appends a newer_than window.
const DefaultGmailQuery = `(statement OR royalties OR royalty OR DistroKid OR TuneCore OR "CD Baby" OR SoundExchange OR ASCAP OR BMI OR SESAC OR MLC) has:attachment filename:csv`

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}
