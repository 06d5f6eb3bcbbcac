package insights

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"royaltyledger/internal"
	"royaltyledger/internal/storage"
)

const (
	ckAnalysis = "analysis_user_%s"
	ckSummary  = "summary_user_%s"
)

// Service serves per-user analyses from a TTL cache. The ingest service
// calls Invalidate after every ledger change.
type Service struct {
	db    *storage.DB
	cache *cache.Cache
	log   zerolog.Logger
}

func NewService(db *storage.DB, ttl time.Duration, log zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{db: db, cache: cache.New(ttl, 2*ttl), log: log}
}

func (s *Service) Invalidate(userID string) {
	s.cache.Delete(fmt.Sprintf(ckAnalysis, userID))
	s.cache.Delete(fmt.Sprintf(ckSummary, userID))
	s.log.Debug().Str("user_id", userID).Msg("insights cache invalidated")
}

// Analyze runs the estimator over the user's profile and full ledger. An
// unknown user is analysed with an empty profile.
func (s *Service) Analyze(ctx context.Context, userID string) (Analysis, error) {
	key := fmt.Sprintf(ckAnalysis, userID)
	if cached, found := s.cache.Get(key); found {
		return cached.(Analysis), nil
	}

	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return Analysis{}, fmt.Errorf("load user: %w", err)
	}
	profile := Profile{}
	if user != nil {
		profile = ProfileOf(*user)
	}

	entries, err := s.db.ListIncomeEntries(ctx, userID, storage.IncomeFilter{})
	if err != nil {
		return Analysis{}, fmt.Errorf("load ledger: %w", err)
	}

	analysis := Analyze(profile, entries)
	s.cache.Set(key, analysis, cache.DefaultExpiration)
	s.log.Debug().Str("user_id", userID).Int("entries", len(entries)).Int("estimates", len(analysis.Estimates)).Msg("insights computed")
	return analysis, nil
}

func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	key := fmt.Sprintf(ckSummary, userID)
	if cached, found := s.cache.Get(key); found {
		return cached.(Summary), nil
	}

	entries, err := s.db.ListIncomeEntries(ctx, userID, storage.IncomeFilter{})
	if err != nil {
		return Summary{}, fmt.Errorf("load ledger: %w", err)
	}
	sum := Summarize(entries)
	s.cache.Set(key, sum, cache.DefaultExpiration)
	return sum, nil
}

// Ledger returns the entries behind an analysis, for export.
func (s *Service) Ledger(ctx context.Context, userID string, filter storage.IncomeFilter) ([]internal.IncomeEntry, error) {
	return s.db.ListIncomeEntries(ctx, userID, filter)
}
