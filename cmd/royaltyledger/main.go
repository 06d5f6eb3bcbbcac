package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"royaltyledger/internal"
	"royaltyledger/internal/api"
	"royaltyledger/internal/config"
	"royaltyledger/internal/connectors"
	"royaltyledger/internal/export"
	"royaltyledger/internal/harvest"
	"royaltyledger/internal/ingest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/listener"
	"royaltyledger/internal/logger"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/parsers"
	"royaltyledger/internal/storage"
)

type app struct {
	cfg      config.Config
	db       *storage.DB
	log      zerolog.Logger
	ingest   *ingest.Service
	insights *insights.Service
	harvest  *harvest.Service
	notifier notify.Notifier
}

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	log := logger.WithFields(logger.New(cfg.LogLevel, cfg.LogFormat), map[string]interface{}{"cmd": cmd})

	if cmd == "statement:parse" {
		must(runParse(os.Args[2:]))
		return
	}

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	a := newApp(cfg, db, log)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	args := os.Args[2:]
	switch cmd {
	case "user:upsert":
		err = a.userUpsert(ctx, cmd, args)
	case "account:connect":
		err = a.accountConnect(ctx, cmd, args)
	case "statement:upload":
		err = a.statementUpload(ctx, cmd, args)
	case "statement:list":
		err = a.statementList(ctx, cmd, args)
	case "statement:delete":
		err = a.statementDelete(ctx, cmd, args)
	case "statement:reprocess":
		err = a.statementReprocess(ctx, cmd, args)
	case "income:add":
		err = a.incomeAdd(ctx, cmd, args)
	case "income:list":
		err = a.incomeList(ctx, cmd, args)
	case "mail:harvest":
		err = a.mailHarvest(ctx, cmd, args)
	case "mail:import-eml":
		err = a.mailImportEML(ctx, cmd, args)
	case "mail:listen":
		err = a.newListener().Run(ctx)
	case "insights":
		err = a.showInsights(ctx, cmd, args)
	case "export:xlsx":
		err = a.exportXLSX(ctx, cmd, args)
	case "serve":
		err = a.serve(ctx)
	default:
		usage()
		os.Exit(1)
	}
	must(err)
}

func newApp(cfg config.Config, db *storage.DB, log zerolog.Logger) *app {
	ins := insights.NewService(db, time.Duration(cfg.InsightsCacheTTLM)*time.Minute, log)
	ing := ingest.NewService(db, parsers.DefaultRegistry(), ins, log)
	return &app{
		cfg:      cfg,
		db:       db,
		log:      log,
		ingest:   ing,
		insights: ins,
		harvest:  harvest.NewService(ing, log),
		notifier: notify.New(cfg, log),
	}
}

func (a *app) newListener() *listener.Service {
	return listener.NewService(a.db, a.cfg, a.harvest, a.notifier, listener.DefaultSources(a.cfg, a.log), a.log)
}

func required(pairs ...string) error {
	var missing []string
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			missing = append(missing, "--"+pairs[i])
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, " "))
	}
	return nil
}

func readStatementFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if parsers.IsXLSXName(path) {
		return parsers.XLSXToCSV(raw)
	}
	return string(raw), nil
}

func runParse(args []string) error {
	fs := flag.NewFlagSet("statement:parse", flag.ExitOnError)
	file := fs.String("file", "", "statement csv/xlsx path")
	parser := fs.String("parser", "", "force a parser id (distrokid|tunecore|cdbaby|template)")
	_ = fs.Parse(args)
	if err := required("file", *file); err != nil {
		return err
	}

	content, err := readStatementFile(*file)
	if err != nil {
		return err
	}
	reg := parsers.DefaultRegistry()
	var res internal.ParseResult
	if *parser != "" {
		res, err = reg.ParseWith(*parser, content)
	} else {
		res, err = reg.ParseCSV(content)
	}
	if err != nil {
		return err
	}

	m := res.Metadata
	fmt.Printf("parser=%s success=%v total=%d ok=%d failed=%d\n", m.Parser, res.Success, m.TotalRows, m.SuccessfulRows, m.FailedRows)
	for _, e := range res.Entries {
		fmt.Printf("  %s  %s..%s  %10.2f  %s\n", e.SourceType, e.PeriodStart.Format(internal.DateLayout), e.PeriodEnd.Format(internal.DateLayout), e.Amount, e.Notes)
	}
	for _, re := range res.Errors {
		fmt.Printf("  row %d: %s  %v\n", re.Row, re.Message, re.Cells)
	}
	return nil
}

func (a *app) userUpsert(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	id := fs.String("id", "", "user id")
	email := fs.String("email", "", "notification email")
	artist := fs.String("artist", "", "artist name")
	writes := fs.Bool("writes-own-songs", false, "user writes their own songs")
	streams := fs.Int("monthly-streams", 0, "monthly streams across platforms")
	_ = fs.Parse(args)
	if err := required("id", *id); err != nil {
		return err
	}
	if *streams < 0 {
		return errors.New("--monthly-streams must not be negative")
	}
	u := internal.User{ID: *id, Email: *email, ArtistName: *artist, WritesOwnSongs: *writes, MonthlyStreams: *streams}
	if err := a.db.UpsertUser(ctx, u); err != nil {
		return err
	}
	a.insights.Invalidate(u.ID)
	fmt.Printf("user saved id=%s\n", u.ID)
	return nil
}

func (a *app) accountConnect(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	provider := fs.String("provider", "gmail", "gmail|imap")
	username := fs.String("username", "", "mailbox address or login")
	secret := fs.String("secret", "", "gmail refresh token or imap password")
	_ = fs.Parse(args)
	if err := required("user", *user, "username", *username, "secret", *secret); err != nil {
		return err
	}
	acc, err := a.db.UpsertMailAccount(ctx, internal.MailAccount{UserID: *user, Provider: strings.ToLower(*provider), Username: *username, Secret: *secret})
	if err != nil {
		return err
	}
	fmt.Printf("account connected id=%s provider=%s\n", acc.ID, acc.Provider)
	return nil
}

func (a *app) statementUpload(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	file := fs.String("file", "", "statement csv/xlsx path")
	_ = fs.Parse(args)
	if err := required("user", *user, "file", *file); err != nil {
		return err
	}
	content, err := readStatementFile(*file)
	if err != nil {
		return err
	}

	res, err := a.ingest.CreateFromCSV(ctx, *user, content, filepath.Base(*file))
	var pf *ingest.ParseFailure
	if errors.As(err, &pf) {
		for _, re := range pf.Rows {
			fmt.Fprintf(os.Stderr, "row %d: %s\n", re.Row, re.Message)
		}
	}
	if err != nil {
		return err
	}
	fmt.Printf("statement created id=%s parser=%s entries=%d\n", res.Statement.ID, res.Parse.Parser, res.Entries)
	return nil
}

func (a *app) statementList(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	_ = fs.Parse(args)
	if err := required("user", *user); err != nil {
		return err
	}
	statements, err := a.db.ListStatements(ctx, *user)
	if err != nil {
		return err
	}
	for _, st := range statements {
		fmt.Printf("%s  %-13s %-9s %4d entries  %s  %s\n", st.ID, st.Provider, st.SourceSystem, st.ParsedEntriesCount, st.CreatedAt.Format(time.RFC3339), st.Label)
	}
	fmt.Printf("%d statements\n", len(statements))
	return nil
}

func (a *app) statementDelete(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	id := fs.String("id", "", "statement id")
	_ = fs.Parse(args)
	if err := required("user", *user, "id", *id); err != nil {
		return err
	}
	if err := a.ingest.Delete(ctx, *user, *id); err != nil {
		return err
	}
	fmt.Printf("statement deleted id=%s\n", *id)
	return nil
}

func (a *app) statementReprocess(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	id := fs.String("id", "", "statement id")
	_ = fs.Parse(args)
	if err := required("user", *user, "id", *id); err != nil {
		return err
	}
	res, err := a.ingest.Reprocess(ctx, *user, *id)
	if err != nil {
		return err
	}
	fmt.Printf("statement reprocessed id=%s parser=%s entries=%d\n", res.StatementID, res.Parse.Parser, res.Entries)
	return nil
}

func (a *app) incomeAdd(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	source := fs.String("source", "", strings.Join(sourceNames(), "|"))
	amount := fs.Float64("amount", 0, "amount in USD")
	start := fs.String("start", "", "period start YYYY-MM-DD")
	end := fs.String("end", "", "period end YYYY-MM-DD")
	notes := fs.String("notes", "", "free-form notes")
	_ = fs.Parse(args)
	if err := required("user", *user, "source", *source, "start", *start, "end", *end); err != nil {
		return err
	}
	ps, err := time.Parse(internal.DateLayout, *start)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	pe, err := time.Parse(internal.DateLayout, *end)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}
	entry, err := a.ingest.AddManualEntry(ctx, *user, ingest.ManualEntry{
		SourceType:  internal.SourceType(*source),
		Amount:      *amount,
		PeriodStart: ps,
		PeriodEnd:   pe,
		Notes:       *notes,
	})
	if err != nil {
		return err
	}
	fmt.Printf("income entry added id=%s\n", entry.ID)
	return nil
}

func sourceNames() []string {
	out := make([]string, 0, len(internal.SourceTypes))
	for _, s := range internal.SourceTypes {
		out = append(out, string(s))
	}
	return out
}

func (a *app) incomeList(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	source := fs.String("source", "", "filter by source type")
	from := fs.String("from", "", "period start on or after YYYY-MM-DD")
	to := fs.String("to", "", "period end on or before YYYY-MM-DD")
	_ = fs.Parse(args)
	if err := required("user", *user); err != nil {
		return err
	}

	filter := storage.IncomeFilter{SourceType: internal.SourceType(*source)}
	if *source != "" && !filter.SourceType.Valid() {
		return fmt.Errorf("unknown source type %q", *source)
	}
	for _, p := range []struct {
		raw string
		dst **time.Time
	}{{*from, &filter.From}, {*to, &filter.To}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(internal.DateLayout, p.raw)
		if err != nil {
			return err
		}
		*p.dst = &t
	}

	entries, err := a.db.ListIncomeEntries(ctx, *user, filter)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s..%s  %-20s %10.2f  %s\n", e.PeriodStart.Format(internal.DateLayout), e.PeriodEnd.Format(internal.DateLayout), internal.SourceLabel(e.SourceType), e.Amount, e.Notes)
	}
	sum := insights.Summarize(entries)
	for _, s := range sum.BySource {
		if s.Entries > 0 {
			fmt.Printf("total %-20s %s (%d)\n", s.Label, s.Total.StringFixed(2), s.Entries)
		}
	}
	fmt.Printf("total %s across %d entries\n", sum.Total.StringFixed(2), sum.Entries)
	return nil
}

func (a *app) mailHarvest(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id (all users when empty)")
	_ = fs.Parse(args)

	accounts, err := a.db.ListMailAccounts(ctx, *user)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return errors.New("no connected mail accounts")
	}
	l := a.newListener()
	for _, acc := range accounts {
		run := l.HarvestAccount(ctx, acc)
		printHarvest(acc.Username, run.Result)
		if run.Err != nil {
			fmt.Fprintf(os.Stderr, "  error: %v\n", run.Err)
		}
	}
	return nil
}

func (a *app) mailImportEML(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	dir := fs.String("dir", "", "directory of .eml files")
	_ = fs.Parse(args)
	if err := required("user", *user, "dir", *dir); err != nil {
		return err
	}

	paths, err := filepath.Glob(filepath.Join(*dir, "*.eml"))
	if err != nil {
		return err
	}
	sort.Strings(paths)
	src := &connectors.EMLSource{Provider: internal.ProviderOther, Messages: map[string][]byte{}}
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		src.Messages[filepath.Base(p)] = raw
	}

	res, err := a.harvest.Harvest(ctx, *user, src, 0)
	if err != nil {
		return err
	}
	printHarvest(*dir, res)
	return nil
}

func printHarvest(label string, res harvest.Result) {
	fmt.Printf("harvest %s listed=%d created=%d duplicates=%d skipped=%d failed=%d entries=%d\n",
		label, res.Listed, res.Created, res.Duplicates, res.Skipped, res.Failed, res.EntriesCreated)
	for _, o := range res.Outcomes {
		line := fmt.Sprintf("  %-9s %s", o.Status, o.FileName)
		if o.Error != "" {
			line += "  " + o.Error
		}
		fmt.Println(line)
	}
}

func (a *app) showInsights(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	send := fs.Bool("notify", false, "email a missing-money alert when significant")
	_ = fs.Parse(args)
	if err := required("user", *user); err != nil {
		return err
	}

	analysis, err := a.insights.Analyze(ctx, *user)
	if err != nil {
		return err
	}
	fmt.Printf("estimated missing income: $%.0f/yr\n", analysis.TotalEstimated)
	for _, e := range analysis.Estimates {
		fmt.Printf("  %-8s %-36s $%6.0f  confidence %d (%s)  %s\n", e.Priority, e.SourceName, e.EstimatedAnnual, e.Confidence, e.ConfidenceLabel, e.ActionURL)
	}
	for _, t := range insights.Dropoffs(analysis.Trends) {
		fmt.Printf("  dropoff %s: -%.0f%% (last %.2f)\n", internal.SourceLabel(t.Source), *t.DropoffPercentage, *t.LastAmount)
	}

	if !*send {
		return nil
	}
	u, err := a.db.GetUser(ctx, *user)
	if err != nil {
		return err
	}
	if u == nil || u.Email == "" {
		return errors.New("user has no email address")
	}
	msg, ok := notify.MissingMoneyAlert(*u, analysis, a.cfg.AppBaseURL)
	if !ok {
		fmt.Println("estimate below alert threshold, nothing sent")
		return nil
	}
	return a.notifier.Send(ctx, msg)
}

func (a *app) exportXLSX(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	user := fs.String("user", "", "user id")
	out := fs.String("out", "", "output xlsx path")
	_ = fs.Parse(args)
	if err := required("user", *user); err != nil {
		return err
	}
	if *out == "" {
		*out = filepath.Join(a.cfg.OutputDir, fmt.Sprintf("%s_royalties.xlsx", *user))
	}

	analysis, err := a.insights.Analyze(ctx, *user)
	if err != nil {
		return err
	}
	entries, err := a.insights.Ledger(ctx, *user, storage.IncomeFilter{})
	if err != nil {
		return err
	}
	if err := export.ToFile(entries, analysis, *out); err != nil {
		return err
	}
	fmt.Printf("exported %d entries to %s\n", len(entries), *out)
	return nil
}

func (a *app) serve(ctx context.Context) error {
	h := api.NewHandler(a.db, a.ingest, a.insights, a.notifier, a.cfg, a.log)
	srv := api.NewApp(h)

	go func() {
		<-ctx.Done()
		_ = srv.ShutdownWithTimeout(10 * time.Second)
	}()
	a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http server listening")
	return srv.Listen(a.cfg.HTTPAddr)
}

func usage() {
	fmt.Println("usage: royaltyledger <command>")
	fmt.Println("commands:")
	fmt.Println("  user:upsert --id=u1 [--email=...] [--artist=...] [--writes-own-songs] [--monthly-streams=0]")
	fmt.Println("  account:connect --user=u1 --provider=gmail|imap --username=... --secret=...")
	fmt.Println("  statement:upload --user=u1 --file=statement.csv")
	fmt.Println("  statement:parse --file=statement.csv [--parser=distrokid]")
	fmt.Println("  statement:list --user=u1")
	fmt.Println("  statement:delete --user=u1 --id=...")
	fmt.Println("  statement:reprocess --user=u1 --id=...")
	fmt.Println("  income:add --user=u1 --source=pro --amount=120 --start=2024-01-01 --end=2024-03-31 [--notes=...]")
	fmt.Println("  income:list --user=u1 [--source=...] [--from=YYYY-MM-DD] [--to=YYYY-MM-DD]")
	fmt.Println("  mail:harvest [--user=u1]")
	fmt.Println("  mail:import-eml --user=u1 --dir=./mail")
	fmt.Println("  mail:listen")
	fmt.Println("  insights --user=u1 [--notify]")
	fmt.Println("  export:xlsx --user=u1 [--out=./out/royalties.xlsx]")
	fmt.Println("  serve")
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
