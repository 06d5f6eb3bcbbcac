package harvest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"royaltyledger/internal"
	"royaltyledger/internal/connectors"
	"royaltyledger/internal/ingest"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusDuplicate Status = "duplicate"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

type Outcome struct {
	MessageID    string `json:"messageId"`
	AttachmentID string `json:"attachmentId"`
	FileName     string `json:"fileName"`
	Status       Status `json:"status"`
	StatementID  string `json:"statementId,omitempty"`
	Entries      int    `json:"entries,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result summarises one harvest pass. It is returned even when individual
// attachments fail.
type Result struct {
	Listed         int       `json:"listed"`
	Created        int       `json:"created"`
	Duplicates     int       `json:"duplicates"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	EntriesCreated int       `json:"entriesCreated"`
	Outcomes       []Outcome `json:"outcomes"`
	Errors         []string  `json:"errors"`
}

// Counts flattens the tallies for harvest run bookkeeping.
func (r Result) Counts() map[string]int {
	return map[string]int{
		"listed":     r.Listed,
		"created":    r.Created,
		"duplicates": r.Duplicates,
		"skipped":    r.Skipped,
		"failed":     r.Failed,
		"entries":    r.EntriesCreated,
	}
}

type Service struct {
	ingest *ingest.Service
	log    zerolog.Logger
}

func NewService(ingestSvc *ingest.Service, log zerolog.Logger) *Service {
	return &Service{ingest: ingestSvc, log: log}
}

// Harvest pulls up to max candidate attachments from source and turns each
// new CSV into a statement. Only a failed listing is returned as an error.
func (s *Service) Harvest(ctx context.Context, userID string, source connectors.AttachmentSource, max int) (Result, error) {
	log := s.log.With().Str("user_id", userID).Logger()

	refs, err := source.ListAttachments(ctx, max)
	if err != nil {
		return Result{}, fmt.Errorf("list attachments: %w", err)
	}

	res := Result{Listed: len(refs)}
	for _, ref := range refs {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err().Error())
			break
		}
		out := s.harvestOne(ctx, userID, source, ref)
		switch out.Status {
		case StatusCreated:
			res.Created++
			res.EntriesCreated += out.Entries
		case StatusDuplicate:
			res.Duplicates++
		case StatusSkipped:
			res.Skipped++
		case StatusFailed:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", out.FileName, out.Error))
		}
		res.Outcomes = append(res.Outcomes, out)
	}

	log.Info().
		Int("listed", res.Listed).
		Int("created", res.Created).
		Int("duplicates", res.Duplicates).
		Int("failed", res.Failed).
		Int("entries", res.EntriesCreated).
		Msg("harvest finished")
	return res, nil
}

func (s *Service) harvestOne(ctx context.Context, userID string, source connectors.AttachmentSource, ref internal.AttachmentRef) Outcome {
	out := Outcome{MessageID: ref.MessageID, AttachmentID: ref.AttachmentID, FileName: ref.FileName}
	provider := ref.Provider
	if provider == "" {
		provider = internal.ProviderOther
	}

	if !strings.HasSuffix(strings.ToLower(ref.FileName), ".csv") {
		out.Status = StatusSkipped
		return out
	}

	seen, err := s.ingest.AlreadyHarvested(ctx, userID, provider, ref.MessageID, ref.AttachmentID)
	if err != nil {
		return failed(out, fmt.Errorf("dedup lookup: %w", err))
	}
	if seen {
		out.Status = StatusDuplicate
		return out
	}

	blob, err := source.FetchAttachment(ctx, ref)
	if err != nil {
		s.log.Warn().Err(err).Str("message_id", ref.MessageID).Str("file", ref.FileName).Msg("attachment fetch failed")
		return failed(out, fmt.Errorf("fetch: %w", err))
	}

	created, err := s.ingest.CreateFromHarvest(ctx, userID, ingest.HarvestedAttachment{
		Provider:     provider,
		Transport:    ref.Transport,
		MessageID:    ref.MessageID,
		AttachmentID: ref.AttachmentID,
		FileName:     ref.FileName,
		From:         ref.From,
		Subject:      ref.Subject,
		Content:      DecodeContent(blob),
	})
	if err != nil {
		var pf *ingest.ParseFailure
		if errors.As(err, &pf) {
			s.log.Warn().Str("file", ref.FileName).Int("failed_rows", len(pf.Rows)).Msg("harvested statement has row errors")
		}
		return failed(out, err)
	}

	out.Status = StatusCreated
	out.StatementID = created.Statement.ID
	out.Entries = created.Entries
	return out
}

func failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Error = err.Error()
	return out
}

// DecodeContent returns the CSV text of an attachment. Content that is itself
// base64 text is decoded; anything with a comma is already CSV.
func DecodeContent(blob []byte) string {
	text := string(blob)
	if strings.Contains(text, ",") {
		return text
	}
	compact := strings.Join(strings.Fields(text), "")
	if compact == "" {
		return text
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err := enc.DecodeString(compact)
		if err == nil && len(decoded) > 0 && utf8.Valid(decoded) {
			return string(decoded)
		}
	}
	return text
}
