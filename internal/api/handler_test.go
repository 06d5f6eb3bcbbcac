package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"royaltyledger/internal"
	"royaltyledger/internal/config"
	"royaltyledger/internal/ingest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/parsers"
	"royaltyledger/internal/storage"
)

const distroKidCSV = "Sale Month,Store,Title,Earnings (USD)\n2024-03,Spotify,Song A,4.20\n2024-04,Apple Music,Song B,1.80\n"

type testEnv struct {
	app      *fiber.App
	db       *storage.DB
	notifier *notify.LogNotifier
}

func setupTestApp(t *testing.T, cfg config.Config) testEnv {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ins := insights.NewService(db, time.Minute, zerolog.Nop())
	ing := ingest.NewService(db, parsers.DefaultRegistry(), ins, zerolog.Nop())
	n := notify.NewLogNotifier(zerolog.Nop())
	h := NewHandler(db, ing, ins, n, cfg, zerolog.Nop())
	return testEnv{app: NewApp(h), db: db, notifier: n}
}

func multipartUpload(t *testing.T, url, fileName string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write(content)
	_ = w.Close()

	req := httptest.NewRequest("POST", url, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set(UserHeader, "u1")
	return req
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func do(t *testing.T, app *fiber.App, method, url string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, url, nil)
	req.Header.Set(UserHeader, "u1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestApp(t, config.Config{})

	resp, err := env.app.Test(httptest.NewRequest("GET", "/api/health", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var result map[string]string
	decode(t, resp, &result)
	if result["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", result["status"])
	}
}

func TestRequiresUserHeader(t *testing.T) {
	env := setupTestApp(t, config.Config{})

	resp, err := env.app.Test(httptest.NewRequest("GET", "/api/statements", nil))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestUploadListReprocessDelete(t *testing.T) {
	env := setupTestApp(t, config.Config{AppBaseURL: "https://app"})
	ctx := context.Background()
	if err := env.db.UpsertUser(ctx, internal.User{ID: "u1", Email: "artist@example.com"}); err != nil {
		t.Fatal(err)
	}

	resp, err := env.app.Test(multipartUpload(t, "/api/statements", "march.csv", []byte(distroKidCSV)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("upload status=%d", resp.StatusCode)
	}
	var up UploadResponse
	decode(t, resp, &up)
	if !up.Success || up.Entries != 2 || up.Metadata.Parser != "distrokid" {
		t.Fatalf("upload=%+v", up)
	}
	if len(env.notifier.Sent) != 1 || !strings.Contains(env.notifier.Sent[0].Text, "$6.00") {
		t.Fatalf("notifications=%+v", env.notifier.Sent)
	}

	resp = do(t, env.app, "GET", "/api/statements")
	var list struct {
		Statements []StatementView `json:"statements"`
	}
	decode(t, resp, &list)
	if len(list.Statements) != 1 || list.Statements[0].ParsedEntriesCount != 2 || list.Statements[0].Provider != "manual_upload" {
		t.Fatalf("list=%+v", list)
	}

	resp = do(t, env.app, "POST", "/api/statements/"+up.StatementID+"/reprocess")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("reprocess status=%d", resp.StatusCode)
	}

	resp = do(t, env.app, "DELETE", "/api/statements/"+up.StatementID)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	resp = do(t, env.app, "DELETE", "/api/statements/"+up.StatementID)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("second delete status=%d", resp.StatusCode)
	}
	resp = do(t, env.app, "POST", "/api/statements/"+up.StatementID+"/reprocess")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("reprocess missing status=%d", resp.StatusCode)
	}
}

func TestUploadRowErrors(t *testing.T) {
	env := setupTestApp(t, config.Config{})
	bad := "Sale Month,Store,Title,Earnings (USD)\n2024-03,Spotify,A,abc\n2024-03,Spotify,B,xyz\n"

	resp, err := env.app.Test(multipartUpload(t, "/api/statements", "bad.csv", []byte(bad)))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var up UploadResponse
	decode(t, resp, &up)
	if up.Success || len(up.RowErrors) != 2 || up.RowErrors[0].Row != 2 {
		t.Fatalf("upload=%+v", up)
	}
}

func TestUploadDryRunStoresNothing(t *testing.T) {
	env := setupTestApp(t, config.Config{})

	resp, err := env.app.Test(multipartUpload(t, "/api/statements?dryRun=true", "march.csv", []byte(distroKidCSV)))
	if err != nil {
		t.Fatal(err)
	}
	var up UploadResponse
	decode(t, resp, &up)
	if !up.DryRun || up.Entries != 2 || up.StatementID != "" {
		t.Fatalf("upload=%+v", up)
	}
	statements, _ := env.db.ListStatements(context.Background(), "u1")
	if len(statements) != 0 {
		t.Fatal("dry run stored a statement")
	}
}

func TestUploadRejectsBinary(t *testing.T) {
	env := setupTestApp(t, config.Config{})
	resp, err := env.app.Test(multipartUpload(t, "/api/statements", "x.csv", []byte{0x00, 0x01, 0x02, 0xff, 0xfe}))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusUnsupportedMediaType {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestUploadXLSX(t *testing.T) {
	env := setupTestApp(t, config.Config{})

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"Sale Month", "Store", "Title", "Earnings (USD)"})
	_ = f.SetSheetRow(sheet, "A2", &[]any{"2024-03", "Spotify", "Song, Live", "4.20"})
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}

	resp, err := env.app.Test(multipartUpload(t, "/api/statements", "march.xlsx", buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

func TestUploadRateLimit(t *testing.T) {
	env := setupTestApp(t, config.Config{UploadRatePerMin: 1})

	first, _ := env.app.Test(multipartUpload(t, "/api/statements?dryRun=true", "a.csv", []byte(distroKidCSV)))
	if first.StatusCode != fiber.StatusOK {
		t.Fatalf("first status=%d", first.StatusCode)
	}
	second, _ := env.app.Test(multipartUpload(t, "/api/statements?dryRun=true", "a.csv", []byte(distroKidCSV)))
	if second.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("second status=%d", second.StatusCode)
	}
}

func TestIncomeInsightsAndSummary(t *testing.T) {
	env := setupTestApp(t, config.Config{})
	ctx := context.Background()
	if err := env.db.UpsertUser(ctx, internal.User{ID: "u1", WritesOwnSongs: true, MonthlyStreams: 60000}); err != nil {
		t.Fatal(err)
	}

	body := `{"sourceType":"pro","amount":120,"periodStart":"2024-01-01","periodEnd":"2024-03-31","notes":"ASCAP Q1"}`
	req := httptest.NewRequest("POST", "/api/income", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserHeader, "u1")
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("add status=%d", resp.StatusCode)
	}

	resp = do(t, env.app, "GET", "/api/income?source=pro&from=2024-01-01")
	var income struct {
		Entries []EntryView `json:"entries"`
	}
	decode(t, resp, &income)
	if len(income.Entries) != 1 || income.Entries[0].SourceLabel != "PRO" {
		t.Fatalf("income=%+v", income)
	}

	if resp := do(t, env.app, "GET", "/api/income?source=radio"); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("bad source status=%d", resp.StatusCode)
	}
	if resp := do(t, env.app, "GET", "/api/income?from=March"); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("bad date status=%d", resp.StatusCode)
	}

	resp = do(t, env.app, "GET", "/api/insights")
	var ins struct {
		Analysis insights.Analysis `json:"analysis"`
	}
	decode(t, resp, &ins)
	for _, e := range ins.Analysis.Estimates {
		if e.Source == internal.SourcePRO {
			t.Fatal("collected source estimated")
		}
	}
	if !ins.Analysis.HasCollectedIncome {
		t.Fatal("expected collected income")
	}

	resp = do(t, env.app, "GET", "/api/summary")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("summary status=%d", resp.StatusCode)
	}

	resp = do(t, env.app, "GET", "/api/export")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "spreadsheetml") {
		t.Fatalf("export status=%d type=%s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
}

func TestDeleteIncomeStatusCodes(t *testing.T) {
	env := setupTestApp(t, config.Config{})

	if resp := do(t, env.app, "DELETE", "/api/income/missing"); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("missing status=%d", resp.StatusCode)
	}

	_ = env.db.Close()
	resp := do(t, env.app, "DELETE", "/api/income/missing")
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("storage failure status=%d", resp.StatusCode)
	}
	var out Response
	decode(t, resp, &out)
	if out.Success || out.Error != "internal error" {
		t.Fatalf("body=%+v", out)
	}
}

func TestUploadLimitersExpireWhenIdle(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, config.Config{UploadRatePerMin: 2}, zerolog.Nop())
	h.limiters = newLimiterCache(200 * time.Millisecond)

	l := h.limiterFor("u1")
	l.Allow()
	l.Allow()
	if h.limiterFor("u1").Allow() {
		t.Fatal("active bucket was replaced")
	}
	h.limiterFor("u2")
	if n := h.limiters.ItemCount(); n != 2 {
		t.Fatalf("buckets=%d", n)
	}

	time.Sleep(500 * time.Millisecond)
	h.limiters.DeleteExpired()
	if n := h.limiters.ItemCount(); n != 0 {
		t.Fatalf("idle buckets kept=%d", n)
	}
}
