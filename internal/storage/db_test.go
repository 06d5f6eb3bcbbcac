package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"royaltyledger/internal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "app.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func day(s string) time.Time {
	t, _ := time.Parse(internal.DateLayout, s)
	return t
}

func seedStatement(t *testing.T, db *DB, userID, statementID string, payload internal.RawPayload, amounts ...float64) {
	t.Helper()
	raw, _ := json.Marshal(payload)
	st := internal.RawStatement{
		ID:                 statementID,
		UserID:             userID,
		Provider:           internal.ProviderGmail,
		SourceSystem:       internal.SourceSystemEmailCSV,
		RawPayload:         string(raw),
		Label:              payload.FileName,
		FileName:           payload.FileName,
		FileSize:           len(payload.CSVContent),
		ParsedEntriesCount: len(amounts),
	}
	entries := make([]internal.IncomeEntry, 0, len(amounts))
	for i, a := range amounts {
		sid := statementID
		entries = append(entries, internal.IncomeEntry{
			ID:          statementID + "-" + string(rune('a'+i)),
			UserID:      userID,
			StatementID: &sid,
			SourceType:  internal.SourceStreaming,
			Amount:      a,
			PeriodStart: day("2024-03-01"),
			PeriodEnd:   day("2024-03-31"),
		})
	}
	if err := db.InsertStatementWithEntries(context.Background(), st, entries); err != nil {
		t.Fatal(err)
	}
}

func TestStatementRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedStatement(t, db, "u1", "s1", internal.RawPayload{CSVContent: "a,b", FileName: "march.csv"}, 1.5, 2.25)

	st, err := db.GetStatement(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.ParsedEntriesCount != 2 || st.Provider != internal.ProviderGmail {
		t.Fatalf("statement=%+v", st)
	}

	other, err := db.GetStatement(ctx, "u2", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatal("statement leaked to another user")
	}

	entries, err := db.ListIncomeEntries(ctx, "u1", IncomeFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].StatementID == nil || *entries[0].StatementID != "s1" {
		t.Fatalf("entries=%+v", entries)
	}
	if entries[0].PeriodEnd.Format(internal.DateLayout) != "2024-03-31" {
		t.Fatalf("period end=%s", entries[0].PeriodEnd)
	}
}

func TestInsertStatementRollsBackOnEntryFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	sid := "s1"
	st := internal.RawStatement{ID: sid, UserID: "u1", Provider: internal.ProviderManualUpload, SourceSystem: internal.SourceSystemUpload, RawPayload: "{}", Label: "x.csv", FileName: "x.csv"}
	dup := internal.IncomeEntry{ID: "same", UserID: "u1", StatementID: &sid, SourceType: internal.SourcePRO, Amount: 1, PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-01-31")}

	if err := db.InsertStatementWithEntries(ctx, st, []internal.IncomeEntry{dup, dup}); err == nil {
		t.Fatal("expected primary key violation")
	}

	got, err := db.GetStatement(ctx, "u1", sid)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("statement row survived a failed entry insert")
	}
}

func TestDeleteStatementIsUserScoped(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedStatement(t, db, "u1", "s1", internal.RawPayload{FileName: "a.csv"}, 1, 2, 3)
	seedStatement(t, db, "u2", "s2", internal.RawPayload{FileName: "a.csv"}, 1, 2, 3)

	found, _, err := db.DeleteStatement(ctx, "u2", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("u2 deleted u1's statement")
	}
	if n, _ := db.CountStatementEntries(ctx, "u1", "s1"); n != 3 {
		t.Fatalf("u1 entries=%d", n)
	}

	found, deleted, err := db.DeleteStatement(ctx, "u1", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || deleted != 3 {
		t.Fatalf("found=%v deleted=%d", found, deleted)
	}
	if n, _ := db.CountStatementEntries(ctx, "u2", "s2"); n != 3 {
		t.Fatalf("u2 entries=%d", n)
	}
}

func TestReplaceStatementEntries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedStatement(t, db, "u1", "s1", internal.RawPayload{FileName: "a.csv"}, 1, 2, 3)

	sid := "s1"
	replacement := []internal.IncomeEntry{{ID: "n1", UserID: "u1", StatementID: &sid, SourceType: internal.SourceMLC, Amount: 9, PeriodStart: day("2024-02-01"), PeriodEnd: day("2024-02-29")}}
	if err := db.ReplaceStatementEntries(ctx, "u1", "s1", replacement); err != nil {
		t.Fatal(err)
	}

	st, _ := db.GetStatement(ctx, "u1", "s1")
	if st.ParsedEntriesCount != 1 {
		t.Fatalf("count=%d", st.ParsedEntriesCount)
	}
	if n, _ := db.CountStatementEntries(ctx, "u1", "s1"); n != 1 {
		t.Fatalf("entries=%d", n)
	}

	if err := db.ReplaceStatementEntries(ctx, "u2", "s1", nil); err == nil {
		t.Fatal("expected error replacing another user's statement")
	}
	if n, _ := db.CountStatementEntries(ctx, "u1", "s1"); n != 1 {
		t.Fatalf("entries after foreign replace=%d", n)
	}
}

func TestFindStatementByAttachment(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	seedStatement(t, db, "u1", "s1", internal.RawPayload{FileName: "a.csv", MessageID: "m1", AttachmentID: "att1"}, 1)

	st, err := db.FindStatementByAttachment(ctx, "u1", internal.ProviderGmail, "m1", "att1")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || st.ID != "s1" {
		t.Fatalf("statement=%+v", st)
	}

	for _, tc := range []struct{ user, msg, att string }{
		{"u2", "m1", "att1"},
		{"u1", "m1", "att2"},
		{"u1", "m2", "att1"},
	} {
		st, err := db.FindStatementByAttachment(ctx, tc.user, internal.ProviderGmail, tc.msg, tc.att)
		if err != nil {
			t.Fatal(err)
		}
		if st != nil {
			t.Fatalf("unexpected match for %+v", tc)
		}
	}
}

func TestListIncomeEntriesFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	entries := []internal.IncomeEntry{
		{ID: "e1", UserID: "u1", SourceType: internal.SourcePRO, Amount: 10, PeriodStart: day("2024-01-01"), PeriodEnd: day("2024-03-31")},
		{ID: "e2", UserID: "u1", SourceType: internal.SourceStreaming, Amount: 5, PeriodStart: day("2024-04-01"), PeriodEnd: day("2024-04-30")},
		{ID: "e3", UserID: "u1", SourceType: internal.SourceStreaming, Amount: 7, PeriodStart: day("2024-06-01"), PeriodEnd: day("2024-06-30")},
	}
	for _, e := range entries {
		if err := db.InsertIncomeEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListIncomeEntries(ctx, "u1", IncomeFilter{SourceType: internal.SourceStreaming})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e3" {
		t.Fatalf("got=%+v", got)
	}

	from, to := day("2024-01-01"), day("2024-04-30")
	got, err = db.ListIncomeEntries(ctx, "u1", IncomeFilter{From: &from, To: &to})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d", len(got))
	}
	if got[1].StatementID != nil {
		t.Fatal("manual entry should have no statement")
	}

	ok, err := db.DeleteIncomeEntry(ctx, "u2", "e1")
	if err != nil || ok {
		t.Fatalf("cross-user delete ok=%v err=%v", ok, err)
	}
}

func TestUsersAccountsAndMetadata(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.UpsertUser(ctx, internal.User{ID: "u1", Email: "a@b.c", WritesOwnSongs: true, MonthlyStreams: 60000}); err != nil {
		t.Fatal(err)
	}
	u, err := db.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if u == nil || !u.WritesOwnSongs || u.MonthlyStreams != 60000 {
		t.Fatalf("user=%+v", u)
	}

	acc, err := db.UpsertMailAccount(ctx, internal.MailAccount{UserID: "u1", Provider: "gmail", Username: "a@b.c", Secret: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	again, err := db.UpsertMailAccount(ctx, internal.MailAccount{UserID: "u1", Provider: "gmail", Username: "a@b.c", Secret: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID != again.ID {
		t.Fatalf("upsert changed id %s -> %s", acc.ID, again.ID)
	}
	accounts, err := db.ListMailAccounts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Secret != "t2" {
		t.Fatalf("accounts=%+v", accounts)
	}

	if err := db.SetMetadata(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetMetadata(ctx, "k")
	if err != nil || v == nil || *v != "v" {
		t.Fatalf("v=%v err=%v", v, err)
	}

	if err := db.InsertHarvestRun(ctx, "trace", "u1", acc.ID, map[string]int{"created": 1}, nil); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountHarvestRuns(ctx, "u1"); n != 1 {
		t.Fatalf("runs=%d", n)
	}
}
