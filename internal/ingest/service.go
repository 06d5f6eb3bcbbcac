package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"royaltyledger/internal"
	"royaltyledger/internal/parsers"
	"royaltyledger/internal/storage"
)

var (
	ErrStatementNotFound = errors.New("statement not found")
	ErrReparseFailed     = errors.New("failed to re-parse CSV")
	ErrInvalidEntry      = errors.New("invalid income entry")
	ErrEntryNotFound     = errors.New("income entry not found")
)

// ParseFailure is returned when a statement has row-level errors. Error()
// reports the first row; Rows keeps all of them.
type ParseFailure struct {
	Rows     []internal.RowError
	Metadata internal.ParseMetadata
}

func (e *ParseFailure) Error() string {
	if len(e.Rows) == 0 {
		return "failed to parse CSV"
	}
	return fmt.Sprintf("failed to parse CSV: %s", e.Rows[0].Message)
}

// LedgerObserver is told whenever a user's ledger changes.
type LedgerObserver interface {
	Invalidate(userID string)
}

type Service struct {
	db       *storage.DB
	registry *parsers.Registry
	observer LedgerObserver
	log      zerolog.Logger
}

func NewService(db *storage.DB, registry *parsers.Registry, observer LedgerObserver, log zerolog.Logger) *Service {
	if registry == nil {
		registry = parsers.DefaultRegistry()
	}
	return &Service{db: db, registry: registry, observer: observer, log: log}
}

type CreateResult struct {
	Statement internal.RawStatement
	Entries   int
	Parse     internal.ParseMetadata
}

type ReprocessResult struct {
	StatementID string
	Entries     int
	Parse       internal.ParseMetadata
}

// HarvestedAttachment is one CSV attachment pulled from a mailbox.
type HarvestedAttachment struct {
	Provider     internal.Provider
	Transport    string
	MessageID    string
	AttachmentID string
	FileName     string
	From         string
	Subject      string
	Content      string
}

func (s *Service) CreateFromCSV(ctx context.Context, userID, content, fileName string) (CreateResult, error) {
	payload := internal.RawPayload{CSVContent: content, FileName: fileName}
	return s.create(ctx, userID, internal.ProviderManualUpload, internal.SourceSystemUpload, payload)
}

func (s *Service) CreateFromHarvest(ctx context.Context, userID string, att HarvestedAttachment) (CreateResult, error) {
	provider := att.Provider
	if provider == "" {
		provider = internal.ProviderOther
	}
	payload := internal.RawPayload{
		CSVContent:   att.Content,
		FileName:     att.FileName,
		MessageID:    att.MessageID,
		AttachmentID: att.AttachmentID,
		From:         att.From,
		Subject:      att.Subject,
		Transport:    att.Transport,
	}
	return s.create(ctx, userID, provider, internal.SourceSystemEmailCSV, payload)
}

// AlreadyHarvested reports whether a statement exists for this mailbox
// message and attachment.
func (s *Service) AlreadyHarvested(ctx context.Context, userID string, provider internal.Provider, messageID, attachmentID string) (bool, error) {
	st, err := s.db.FindStatementByAttachment(ctx, userID, provider, messageID, attachmentID)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}

func (s *Service) create(ctx context.Context, userID string, provider internal.Provider, system internal.SourceSystem, payload internal.RawPayload) (CreateResult, error) {
	log := s.log.With().Str("user_id", userID).Str("file", payload.FileName).Logger()

	result, err := s.registry.ParseCSV(payload.CSVContent)
	if err != nil {
		log.Warn().Err(err).Msg("statement format not recognised")
		return CreateResult{}, err
	}
	if !result.Success {
		log.Warn().Str("parser", result.Metadata.Parser).Int("failed_rows", result.Metadata.FailedRows).Msg("statement has row errors")
		return CreateResult{}, &ParseFailure{Rows: result.Errors, Metadata: result.Metadata}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return CreateResult{}, err
	}

	st := internal.RawStatement{
		ID:                 uuid.NewString(),
		UserID:             userID,
		Provider:           provider,
		SourceSystem:       system,
		RawPayload:         string(raw),
		Label:              payload.FileName,
		FileName:           payload.FileName,
		FileSize:           len(payload.CSVContent),
		ParsedEntriesCount: len(result.Entries),
		CreatedAt:          time.Now().UTC(),
	}
	entries := toEntries(userID, st.ID, result.Entries)

	if err := s.db.InsertStatementWithEntries(ctx, st, entries); err != nil {
		return CreateResult{}, fmt.Errorf("store statement: %w", err)
	}
	s.invalidate(userID)

	log.Info().Str("statement_id", st.ID).Str("parser", result.Metadata.Parser).Int("entries", len(entries)).Msg("statement created")
	return CreateResult{Statement: st, Entries: len(entries), Parse: result.Metadata}, nil
}

func (s *Service) Delete(ctx context.Context, userID, statementID string) error {
	found, deleted, err := s.db.DeleteStatement(ctx, userID, statementID)
	if err != nil {
		return fmt.Errorf("delete statement: %w", err)
	}
	if !found {
		return ErrStatementNotFound
	}
	s.invalidate(userID)

	s.log.Info().Str("user_id", userID).Str("statement_id", statementID).Int64("entries", deleted).Msg("statement deleted")
	return nil
}

// Reprocess re-derives a statement's entries from its stored payload. When
// re-parsing fails the existing entries are kept.
func (s *Service) Reprocess(ctx context.Context, userID, statementID string) (ReprocessResult, error) {
	st, err := s.db.GetStatement(ctx, userID, statementID)
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("load statement: %w", err)
	}
	if st == nil {
		return ReprocessResult{}, ErrStatementNotFound
	}

	var payload internal.RawPayload
	if err := json.Unmarshal([]byte(st.RawPayload), &payload); err != nil {
		return ReprocessResult{}, fmt.Errorf("%w: decode payload: %v", ErrReparseFailed, err)
	}

	result, err := s.registry.ParseCSV(payload.CSVContent)
	if err != nil {
		return ReprocessResult{}, fmt.Errorf("%w: %v", ErrReparseFailed, err)
	}
	if !result.Success {
		return ReprocessResult{}, fmt.Errorf("%w: %w", ErrReparseFailed, &ParseFailure{Rows: result.Errors, Metadata: result.Metadata})
	}

	entries := toEntries(userID, st.ID, result.Entries)
	if err := s.db.ReplaceStatementEntries(ctx, userID, st.ID, entries); err != nil {
		return ReprocessResult{}, fmt.Errorf("replace entries: %w", err)
	}
	s.invalidate(userID)

	s.log.Info().Str("user_id", userID).Str("statement_id", st.ID).Int("entries", len(entries)).Msg("statement reprocessed")
	return ReprocessResult{StatementID: st.ID, Entries: len(entries), Parse: result.Metadata}, nil
}

type ManualEntry struct {
	SourceType  internal.SourceType
	Amount      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Notes       string
}

func (s *Service) AddManualEntry(ctx context.Context, userID string, in ManualEntry) (internal.IncomeEntry, error) {
	if !in.SourceType.Valid() {
		return internal.IncomeEntry{}, fmt.Errorf("%w: unknown source type %q", ErrInvalidEntry, in.SourceType)
	}
	if in.Amount <= 0 {
		return internal.IncomeEntry{}, fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || in.PeriodEnd.Before(in.PeriodStart) {
		return internal.IncomeEntry{}, fmt.Errorf("%w: period end must not be before period start", ErrInvalidEntry)
	}

	entry := internal.IncomeEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		SourceType:  in.SourceType,
		Amount:      in.Amount,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		Notes:       strings.TrimSpace(in.Notes),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.InsertIncomeEntry(ctx, entry); err != nil {
		return internal.IncomeEntry{}, fmt.Errorf("store entry: %w", err)
	}
	s.invalidate(userID)
	return entry, nil
}

func (s *Service) DeleteEntry(ctx context.Context, userID, entryID string) error {
	ok, err := s.db.DeleteIncomeEntry(ctx, userID, entryID)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	s.invalidate(userID)
	return nil
}

// Preview parses content without storing anything.
func (s *Service) Preview(content string) (internal.ParseResult, error) {
	return s.registry.ParseCSV(content)
}

func (s *Service) invalidate(userID string) {
	if s.observer != nil {
		s.observer.Invalidate(userID)
	}
}

func toEntries(userID, statementID string, rows []internal.ParsedRow) []internal.IncomeEntry {
	now := time.Now().UTC()
	out := make([]internal.IncomeEntry, 0, len(rows))
	for _, r := range rows {
		sid := statementID
		out = append(out, internal.IncomeEntry{
			ID:          uuid.NewString(),
			UserID:      userID,
			StatementID: &sid,
			SourceType:  r.SourceType,
			Amount:      r.Amount,
			PeriodStart: r.PeriodStart,
			PeriodEnd:   r.PeriodEnd,
			Notes:       r.Notes,
			CreatedAt:   now,
		})
	}
	return out
}
