package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"royaltyledger/internal"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  artistName TEXT NOT NULL DEFAULT '',
  writesOwnSongs INTEGER NOT NULL DEFAULT 0,
  monthlyStreams INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mail_accounts (
  id TEXT PRIMARY KEY,
  userId TEXT NOT NULL,
  provider TEXT NOT NULL,
  username TEXT NOT NULL,
  secret TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(userId, provider, username)
);

CREATE TABLE IF NOT EXISTS raw_statements (
  id TEXT PRIMARY KEY,
  userId TEXT NOT NULL,
  provider TEXT NOT NULL,
  sourceSystem TEXT NOT NULL,
  rawPayload TEXT NOT NULL,
  label TEXT NOT NULL,
  fileName TEXT NOT NULL,
  fileSize INTEGER NOT NULL,
  parsedEntriesCount INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_statements_user ON raw_statements(userId, createdAt);

CREATE TABLE IF NOT EXISTS income_entries (
  id TEXT PRIMARY KEY,
  userId TEXT NOT NULL,
  statementId TEXT,
  sourceType TEXT NOT NULL,
  amount REAL NOT NULL,
  periodStart TEXT NOT NULL,
  periodEnd TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  createdAt TEXT NOT NULL,
  FOREIGN KEY(statementId) REFERENCES raw_statements(id)
);
CREATE INDEX IF NOT EXISTS idx_income_entries_user ON income_entries(userId, periodStart);
CREATE INDEX IF NOT EXISTS idx_income_entries_statement ON income_entries(statementId);

CREATE TABLE IF NOT EXISTS harvest_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  userId TEXT NOT NULL,
  accountId TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  errorsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) UpsertUser(ctx context.Context, u internal.User) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO users (id, email, artistName, writesOwnSongs, monthlyStreams)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  email=excluded.email,
  artistName=excluded.artistName,
  writesOwnSongs=excluded.writesOwnSongs,
  monthlyStreams=excluded.monthlyStreams,
  updatedAt=CURRENT_TIMESTAMP
`, u.ID, u.Email, u.ArtistName, u.WritesOwnSongs, u.MonthlyStreams)
	return err
}

func (d *DB) GetUser(ctx context.Context, id string) (*internal.User, error) {
	var u internal.User
	err := d.conn.QueryRowContext(ctx, `
SELECT id, email, artistName, writesOwnSongs, monthlyStreams FROM users WHERE id = ?
`, id).Scan(&u.ID, &u.Email, &u.ArtistName, &u.WritesOwnSongs, &u.MonthlyStreams)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertMailAccount assigns an id when the account has none and returns the
// stored row.
func (d *DB) UpsertMailAccount(ctx context.Context, acc internal.MailAccount) (internal.MailAccount, error) {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO mail_accounts (id, userId, provider, username, secret)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(userId, provider, username) DO UPDATE SET secret=excluded.secret
`, acc.ID, acc.UserID, acc.Provider, acc.Username, acc.Secret)
	if err != nil {
		return internal.MailAccount{}, err
	}

	err = d.conn.QueryRowContext(ctx, `
SELECT id FROM mail_accounts WHERE userId = ? AND provider = ? AND username = ?
`, acc.UserID, acc.Provider, acc.Username).Scan(&acc.ID)
	return acc, err
}

// ListMailAccounts returns every account, or only userID's when it is set.
func (d *DB) ListMailAccounts(ctx context.Context, userID string) ([]internal.MailAccount, error) {
	query := `SELECT id, userId, provider, username, secret FROM mail_accounts`
	args := []any{}
	if userID != "" {
		query += ` WHERE userId = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY userId, createdAt`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.MailAccount
	for rows.Next() {
		var acc internal.MailAccount
		if err := rows.Scan(&acc.ID, &acc.UserID, &acc.Provider, &acc.Username, &acc.Secret); err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (d *DB) InsertHarvestRun(ctx context.Context, traceID, userID, accountID string, counts map[string]int, errs []string) error {
	if errs == nil {
		errs = []string{}
	}
	countsJSON, _ := json.Marshal(counts)
	errorsJSON, _ := json.Marshal(errs)
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO harvest_runs (traceId, userId, accountId, countsJson, errorsJson) VALUES (?, ?, ?, ?, ?)
`, traceID, userID, accountID, string(countsJSON), string(errorsJSON))
	return err
}

func (d *DB) CountHarvestRuns(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_runs WHERE userId = ?`, userID).Scan(&n)
	return n, err
}

func (d *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	t, _ := time.Parse(internal.DateLayout, s)
	return t
}
