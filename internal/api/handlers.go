package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"royaltyledger/internal"
	"royaltyledger/internal/export"
	"royaltyledger/internal/ingest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/parsers"
	"royaltyledger/internal/storage"
)

type UploadResponse struct {
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	StatementID string                 `json:"statementId,omitempty"`
	Entries     int                    `json:"entries"`
	Metadata    internal.ParseMetadata `json:"metadata"`
	RowErrors   []internal.RowError    `json:"rowErrors,omitempty"`
	DryRun      bool                   `json:"dryRun,omitempty"`
}

type StatementView struct {
	ID                 string    `json:"id"`
	Provider           string    `json:"provider"`
	SourceSystem       string    `json:"sourceSystem"`
	Label              string    `json:"label"`
	FileName           string    `json:"fileName"`
	FileSize           int       `json:"fileSize"`
	ParsedEntriesCount int       `json:"parsedEntriesCount"`
	CreatedAt          time.Time `json:"createdAt"`
}

type EntryView struct {
	ID          string  `json:"id"`
	StatementID *string `json:"statementId"`
	SourceType  string  `json:"sourceType"`
	SourceLabel string  `json:"sourceLabel"`
	Amount      float64 `json:"amount"`
	PeriodStart string  `json:"periodStart"`
	PeriodEnd   string  `json:"periodEnd"`
	Notes       string  `json:"notes,omitempty"`
}

func entryView(e internal.IncomeEntry) EntryView {
	return EntryView{
		ID:          e.ID,
		StatementID: e.StatementID,
		SourceType:  string(e.SourceType),
		SourceLabel: internal.SourceLabel(e.SourceType),
		Amount:      e.Amount,
		PeriodStart: e.PeriodStart.Format(internal.DateLayout),
		PeriodEnd:   e.PeriodEnd.Format(internal.DateLayout),
		Notes:       e.Notes,
	}
}

// HandleUpload accepts a CSV or XLSX statement in the multipart field "file".
// With ?dryRun=true the file is parsed and reported but not stored.
func (h *Handler) HandleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "No file uploaded. Use form field 'file'.")
	}
	if h.cfg.MaxUploadBytes > 0 && fh.Size > int64(h.cfg.MaxUploadBytes) {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	content, err := statementText(fh.Filename, raw)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	user := userID(c)

	if c.QueryBool("dryRun") {
		res, err := h.ingest.Preview(content)
		if err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return c.JSON(UploadResponse{
			Success:   res.Success,
			Entries:   len(res.Entries),
			Metadata:  res.Metadata,
			RowErrors: res.Errors,
			DryRun:    true,
		})
	}

	created, err := h.ingest.CreateFromCSV(ctx, user, content, fh.Filename)
	if err != nil {
		var pf *ingest.ParseFailure
		switch {
		case errors.As(err, &pf):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(UploadResponse{
				Error:     pf.Error(),
				Metadata:  pf.Metadata,
				RowErrors: pf.Rows,
			})
		case errors.Is(err, parsers.ErrNoCompatibleParser):
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return err
	}

	h.sendUploadConfirmation(ctx, user, created)
	return c.Status(fiber.StatusCreated).JSON(UploadResponse{
		Success:     true,
		StatementID: created.Statement.ID,
		Entries:     created.Entries,
		Metadata:    created.Parse,
	})
}

// statementText turns an uploaded file into CSV text. Workbooks are
// converted; anything else must sniff as text.
func statementText(fileName string, raw []byte) (string, error) {
	sniffed := http.DetectContentType(raw)
	if parsers.IsXLSXName(fileName) {
		if sniffed != "application/zip" {
			return "", fiber.NewError(fiber.StatusUnsupportedMediaType, "file is not a valid .xlsx workbook")
		}
		text, err := parsers.XLSXToCSV(raw)
		if err != nil {
			return "", fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return text, nil
	}
	if !strings.HasPrefix(sniffed, "text/") {
		return "", fiber.NewError(fiber.StatusUnsupportedMediaType, "only CSV or XLSX statements are supported")
	}
	return string(bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})), nil
}

func (h *Handler) sendUploadConfirmation(ctx context.Context, user string, created ingest.CreateResult) {
	if h.notifier == nil {
		return
	}
	u, err := h.db.GetUser(ctx, user)
	if err != nil || u == nil || u.Email == "" {
		return
	}
	entries, err := h.db.ListIncomeEntries(ctx, user, storage.IncomeFilter{})
	if err != nil {
		return
	}
	total := decimal.Zero
	for _, e := range entries {
		if e.StatementID != nil && *e.StatementID == created.Statement.ID {
			total = total.Add(decimal.NewFromFloat(e.Amount))
		}
	}
	msg := notify.UploadConfirmation(*u, created.Statement.FileName, created.Parse.Parser, created.Entries, total, h.cfg.AppBaseURL)
	if err := h.notifier.Send(ctx, msg); err != nil {
		h.log.Warn().Err(err).Str("user_id", user).Msg("upload confirmation not sent")
	}
}

func (h *Handler) HandleListStatements(c *fiber.Ctx) error {
	statements, err := h.db.ListStatements(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	out := make([]StatementView, 0, len(statements))
	for _, st := range statements {
		out = append(out, StatementView{
			ID:                 st.ID,
			Provider:           string(st.Provider),
			SourceSystem:       string(st.SourceSystem),
			Label:              st.Label,
			FileName:           st.FileName,
			FileSize:           st.FileSize,
			ParsedEntriesCount: st.ParsedEntriesCount,
			CreatedAt:          st.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"success": true, "statements": out})
}

func (h *Handler) HandleDeleteStatement(c *fiber.Ctx) error {
	err := h.ingest.Delete(c.UserContext(), userID(c), c.Params("id"))
	if errors.Is(err, ingest.ErrStatementNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "Statement not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(Response{Success: true})
}

func (h *Handler) HandleReprocess(c *fiber.Ctx) error {
	res, err := h.ingest.Reprocess(c.UserContext(), userID(c), c.Params("id"))
	switch {
	case errors.Is(err, ingest.ErrStatementNotFound):
		return fiber.NewError(fiber.StatusNotFound, "Statement not found")
	case errors.Is(err, ingest.ErrReparseFailed):
		return fiber.NewError(fiber.StatusUnprocessableEntity, "Failed to re-parse CSV")
	case err != nil:
		return err
	}
	return c.JSON(fiber.Map{"success": true, "statementId": res.StatementID, "entries": res.Entries, "metadata": res.Parse})
}

func incomeFilter(c *fiber.Ctx) (storage.IncomeFilter, error) {
	var f storage.IncomeFilter
	if s := c.Query("source"); s != "" {
		f.SourceType = internal.SourceType(s)
		if !f.SourceType.Valid() {
			return f, fiber.NewError(fiber.StatusBadRequest, "unknown source type: "+s)
		}
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(internal.DateLayout, v)
		if err != nil {
			return f, fiber.NewError(fiber.StatusBadRequest, "invalid "+p.name+" date, expected YYYY-MM-DD")
		}
		*p.dst = &t
	}
	return f, nil
}

func (h *Handler) HandleListIncome(c *fiber.Ctx) error {
	filter, err := incomeFilter(c)
	if err != nil {
		return err
	}
	entries, err := h.db.ListIncomeEntries(c.UserContext(), userID(c), filter)
	if err != nil {
		return err
	}
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView(e))
	}
	return c.JSON(fiber.Map{"success": true, "entries": views, "summary": insights.Summarize(entries)})
}

type manualEntryRequest struct {
	SourceType  string  `json:"sourceType"`
	Amount      float64 `json:"amount"`
	PeriodStart string  `json:"periodStart"`
	PeriodEnd   string  `json:"periodEnd"`
	Notes       string  `json:"notes"`
}

func (h *Handler) HandleAddIncome(c *fiber.Ctx) error {
	var req manualEntryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
	}
	start, err1 := time.Parse(internal.DateLayout, req.PeriodStart)
	end, err2 := time.Parse(internal.DateLayout, req.PeriodEnd)
	if err1 != nil || err2 != nil {
		return fiber.NewError(fiber.StatusBadRequest, "periodStart and periodEnd must be YYYY-MM-DD")
	}

	entry, err := h.ingest.AddManualEntry(c.UserContext(), userID(c), ingest.ManualEntry{
		SourceType:  internal.SourceType(req.SourceType),
		Amount:      req.Amount,
		PeriodStart: start,
		PeriodEnd:   end,
		Notes:       req.Notes,
	})
	if errors.Is(err, ingest.ErrInvalidEntry) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "entry": entryView(entry)})
}

func (h *Handler) HandleDeleteIncome(c *fiber.Ctx) error {
	err := h.ingest.DeleteEntry(c.UserContext(), userID(c), c.Params("id"))
	if errors.Is(err, ingest.ErrEntryNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "Income entry not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(Response{Success: true})
}

func (h *Handler) HandleInsights(c *fiber.Ctx) error {
	analysis, err := h.insights.Analyze(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "analysis": analysis})
}

func (h *Handler) HandleSummary(c *fiber.Ctx) error {
	sum, err := h.insights.Summary(c.UserContext(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "summary": sum})
}

func (h *Handler) HandleExport(c *fiber.Ctx) error {
	ctx := c.UserContext()
	analysis, err := h.insights.Analyze(ctx, userID(c))
	if err != nil {
		return err
	}
	entries, err := h.insights.Ledger(ctx, userID(c), storage.IncomeFilter{})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := export.ToWriter(&buf, entries, analysis); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="royalties.xlsx"`)
	return c.Send(buf.Bytes())
}
