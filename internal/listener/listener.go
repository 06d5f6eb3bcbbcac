package listener

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"royaltyledger/internal"
	"royaltyledger/internal/config"
	"royaltyledger/internal/connectors"
	gmailconnector "royaltyledger/internal/connectors/gmail"
	imapconnector "royaltyledger/internal/connectors/imap"
	"royaltyledger/internal/harvest"
	"royaltyledger/internal/insights"
	"royaltyledger/internal/notify"
	"royaltyledger/internal/storage"
)

// SourceFactory opens the mailbox behind a connected account.
type SourceFactory func(ctx context.Context, account internal.MailAccount, lookbackDays int) (connectors.AttachmentSource, error)

// DefaultSources connects gmail accounts through the Gmail API and every
// other account over IMAP.
func DefaultSources(cfg config.Config, log zerolog.Logger) SourceFactory {
	return func(ctx context.Context, account internal.MailAccount, lookbackDays int) (connectors.AttachmentSource, error) {
		switch strings.ToLower(strings.TrimSpace(account.Provider)) {
		case string(internal.ProviderGmail):
			return gmailconnector.NewConnector(ctx, cfg, account, lookbackDays, log)
		case "imap", string(internal.ProviderOther):
			return imapconnector.NewConnector(cfg, account, lookbackDays)
		default:
			return nil, fmt.Errorf("unsupported mail provider: %s", account.Provider)
		}
	}
}

type Service struct {
	db        *storage.DB
	cfg       config.Config
	harvester *harvest.Service
	notifier  notify.Notifier
	sources   SourceFactory
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(db *storage.DB, cfg config.Config, harvester *harvest.Service, notifier notify.Notifier, sources SourceFactory, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		cfg:       cfg,
		harvester: harvester,
		notifier:  notifier,
		sources:   sources,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// AccountRun is the outcome of harvesting one mail account.
type AccountRun struct {
	TraceID   string
	AccountID string
	UserID    string
	Result    harvest.Result
	Err       error
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.HarvestIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.log.Error().Err(err).Msg("listener cycle failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle harvests every connected account in turn. A failing account is
// recorded and does not stop the others.
func (s *Service) RunCycle(ctx context.Context) ([]AccountRun, error) {
	accounts, err := s.db.ListMailAccounts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list mail accounts: %w", err)
	}

	runs := make([]AccountRun, 0, len(accounts))
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		runs = append(runs, s.HarvestAccount(ctx, account))
	}

	created := 0
	for _, r := range runs {
		created += r.Result.Created
	}
	s.log.Info().Int("accounts", len(accounts)).Int("statements_created", created).Msg("listener cycle done")
	return runs, nil
}

func (s *Service) HarvestAccount(ctx context.Context, account internal.MailAccount) AccountRun {
	run := AccountRun{TraceID: uuid.NewString(), AccountID: account.ID, UserID: account.UserID}
	log := s.log.With().Str("trace_id", run.TraceID).Str("user_id", account.UserID).Str("account", account.Username).Logger()
	started := s.now()

	lookback := s.lookbackDays(ctx, account.ID, started)
	src, err := s.sources(ctx, account, lookback)
	if err == nil {
		run.Result, err = s.harvester.Harvest(ctx, account.UserID, src, s.cfg.HarvestFetchMax)
	}
	run.Err = err

	errs := run.Result.Errors
	if err != nil {
		errs = append(errs, err.Error())
		log.Error().Err(err).Msg("harvest failed")
	}
	// Bookkeeping outlives a shutdown so a partial batch is still recorded.
	bookkeeping := context.WithoutCancel(ctx)
	if err := s.db.InsertHarvestRun(bookkeeping, run.TraceID, account.UserID, account.ID, run.Result.Counts(), errs); err != nil {
		log.Error().Err(err).Msg("record harvest run failed")
	}
	if run.Err != nil {
		return run
	}
	if ctx.Err() != nil {
		log.Warn().Int("created", run.Result.Created).Msg("harvest interrupted, window not advanced")
		return run
	}

	if err := s.db.SetMetadata(bookkeeping, lastHarvestKey(account.ID), started.Format(time.RFC3339)); err != nil {
		log.Warn().Err(err).Msg("store last harvest time failed")
	}
	if s.cfg.HarvestNotify && run.Result.Created > 0 {
		s.notifyUser(ctx, account.UserID, run.Result, log)
	}
	return run
}

func lastHarvestKey(accountID string) string {
	return "harvest:last:" + accountID
}

// lookbackDays narrows the search window to the time since the last
// successful harvest, plus a day of overlap, capped at the configured window.
func (s *Service) lookbackDays(ctx context.Context, accountID string, now time.Time) int {
	max := s.cfg.HarvestLookbackDays
	last, err := s.db.GetMetadata(ctx, lastHarvestKey(accountID))
	if err != nil || last == nil {
		return max
	}
	t, err := time.Parse(time.RFC3339, *last)
	if err != nil {
		return max
	}
	days := int(math.Ceil(now.Sub(t).Hours()/24)) + 1
	if days < 1 {
		days = 1
	}
	if max > 0 && days > max {
		return max
	}
	return days
}

func (s *Service) notifyUser(ctx context.Context, userID string, res harvest.Result, log zerolog.Logger) {
	if s.notifier == nil {
		return
	}
	user, err := s.db.GetUser(ctx, userID)
	if err != nil || user == nil || user.Email == "" {
		log.Debug().Msg("no recipient for harvest summary")
		return
	}

	createdStatements := map[string]bool{}
	for _, o := range res.Outcomes {
		if o.Status == harvest.StatusCreated {
			createdStatements[o.StatementID] = true
		}
	}
	entries, err := s.db.ListIncomeEntries(ctx, userID, storage.IncomeFilter{})
	if err != nil {
		log.Warn().Err(err).Msg("load ledger for summary failed")
		return
	}
	var fresh []internal.IncomeEntry
	for _, e := range entries {
		if e.StatementID != nil && createdStatements[*e.StatementID] {
			fresh = append(fresh, e)
		}
	}

	digest := notify.HarvestDigest{
		StatementsFound: res.Created,
		EntriesCreated:  res.EntriesCreated,
		Sources:         insights.Summarize(fresh).BySource,
	}
	msg, ok := notify.HarvestSummary(*user, digest, s.cfg.AppBaseURL)
	if !ok {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("harvest summary not sent")
	}
}
