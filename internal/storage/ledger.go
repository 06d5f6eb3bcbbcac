package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"royaltyledger/internal"
)

type IncomeFilter struct {
	SourceType internal.SourceType
	From       *time.Time
	To         *time.Time
}

const statementColumns = `id, userId, provider, sourceSystem, rawPayload, label, fileName, fileSize, parsedEntriesCount, createdAt`

// InsertStatementWithEntries writes the statement row and all of its entries
// in one transaction; entries are inserted after the statement exists.
func (d *DB) InsertStatementWithEntries(ctx context.Context, st internal.RawStatement, entries []internal.IncomeEntry) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO raw_statements (`+statementColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, st.ID, st.UserID, string(st.Provider), string(st.SourceSystem), st.RawPayload, st.Label, st.FileName, st.FileSize, st.ParsedEntriesCount, formatTime(st.CreatedAt))
	if err != nil {
		return err
	}

	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}

	return tx.Commit()
}

func (d *DB) GetStatement(ctx context.Context, userID, id string) (*internal.RawStatement, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+statementColumns+` FROM raw_statements WHERE id = ? AND userId = ?`, id, userID)
	st, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (d *DB) ListStatements(ctx context.Context, userID string) ([]internal.RawStatement, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT `+statementColumns+` FROM raw_statements WHERE userId = ? ORDER BY createdAt DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.RawStatement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// FindStatementByAttachment looks up a harvested statement by the mailbox
// message and attachment identity recorded in its raw payload.
func (d *DB) FindStatementByAttachment(ctx context.Context, userID string, provider internal.Provider, messageID, attachmentID string) (*internal.RawStatement, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT `+statementColumns+` FROM raw_statements
WHERE userId = ? AND provider = ?
  AND json_extract(rawPayload, '$.messageId') = ?
  AND json_extract(rawPayload, '$.attachmentId') = ?
LIMIT 1
`, userID, string(provider), messageID, attachmentID)
	st, err := scanStatement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// DeleteStatement removes the statement's entries and then the statement,
// both scoped to userID. found is false when the user owns no such statement.
func (d *DB) DeleteStatement(ctx context.Context, userID, id string) (found bool, entriesDeleted int64, err error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM income_entries WHERE statementId = ? AND userId = ?`, id, userID)
	if err != nil {
		return false, 0, err
	}
	entriesDeleted, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM raw_statements WHERE id = ? AND userId = ?`, id, userID)
	if err != nil {
		return false, 0, err
	}
	statements, _ := res.RowsAffected()
	if statements == 0 {
		return false, 0, nil
	}

	return true, entriesDeleted, tx.Commit()
}

// ReplaceStatementEntries swaps a statement's entries for a new set and
// updates its count. Readers see either the old set or the new one.
func (d *DB) ReplaceStatementEntries(ctx context.Context, userID, statementID string, entries []internal.IncomeEntry) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM income_entries WHERE statementId = ? AND userId = ?`, statementID, userID); err != nil {
		return err
	}
	if err := insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE raw_statements SET parsedEntriesCount = ? WHERE id = ? AND userId = ?
`, len(entries), statementID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	return tx.Commit()
}

func (d *DB) InsertIncomeEntry(ctx context.Context, e internal.IncomeEntry) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertEntries(ctx, tx, []internal.IncomeEntry{e}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) DeleteIncomeEntry(ctx context.Context, userID, id string) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM income_entries WHERE id = ? AND userId = ?`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListIncomeEntries returns userID's entries, newest period first.
func (d *DB) ListIncomeEntries(ctx context.Context, userID string, filter IncomeFilter) ([]internal.IncomeEntry, error) {
	query := `
SELECT id, userId, statementId, sourceType, amount, periodStart, periodEnd, notes, createdAt
FROM income_entries WHERE userId = ?`
	args := []any{userID}
	if filter.SourceType != "" {
		query += ` AND sourceType = ?`
		args = append(args, string(filter.SourceType))
	}
	if filter.From != nil {
		query += ` AND periodStart >= ?`
		args = append(args, filter.From.Format(internal.DateLayout))
	}
	if filter.To != nil {
		query += ` AND periodEnd <= ?`
		args = append(args, filter.To.Format(internal.DateLayout))
	}
	query += ` ORDER BY periodStart DESC, createdAt DESC`

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.IncomeEntry
	for rows.Next() {
		var e internal.IncomeEntry
		var statementID sql.NullString
		var sourceType, periodStart, periodEnd, createdAt string
		if err := rows.Scan(&e.ID, &e.UserID, &statementID, &sourceType, &e.Amount, &periodStart, &periodEnd, &e.Notes, &createdAt); err != nil {
			return nil, err
		}
		if statementID.Valid {
			id := statementID.String
			e.StatementID = &id
		}
		e.SourceType = internal.SourceType(sourceType)
		e.PeriodStart = parseTime(periodStart)
		e.PeriodEnd = parseTime(periodEnd)
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) CountStatementEntries(ctx context.Context, userID, statementID string) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `
SELECT COUNT(*) FROM income_entries WHERE statementId = ? AND userId = ?
`, statementID, userID).Scan(&n)
	return n, err
}

func insertEntries(ctx context.Context, tx *sql.Tx, entries []internal.IncomeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO income_entries (id, userId, statementId, sourceType, amount, periodStart, periodEnd, notes, createdAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	for _, e := range entries {
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.UserID, e.StatementID, string(e.SourceType), e.Amount,
			e.PeriodStart.Format(internal.DateLayout), e.PeriodEnd.Format(internal.DateLayout), e.Notes, formatTime(created),
		); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatement(row rowScanner) (internal.RawStatement, error) {
	var st internal.RawStatement
	var provider, sourceSystem, createdAt string
	err := row.Scan(&st.ID, &st.UserID, &provider, &sourceSystem, &st.RawPayload, &st.Label, &st.FileName, &st.FileSize, &st.ParsedEntriesCount, &createdAt)
	if err != nil {
		return internal.RawStatement{}, err
	}
	st.Provider = internal.Provider(provider)
	st.SourceSystem = internal.SourceSystem(sourceSystem)
	st.CreatedAt = parseTime(createdAt)
	return st, nil
}
