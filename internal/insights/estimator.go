package insights

import (
	"math"
	"sort"

	"royaltyledger/internal"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 4,
	PriorityHigh:     3,
	PriorityMedium:   2,
	PriorityLow:      1,
}

// Profile is the part of a user record the estimator reads.
type Profile struct {
	WritesOwnSongs bool
	MonthlyStreams int
}

func ProfileOf(u internal.User) Profile {
	return Profile{WritesOwnSongs: u.WritesOwnSongs, MonthlyStreams: u.MonthlyStreams}
}

// Estimate is one revenue source the user is likely not collecting.
type Estimate struct {
	Source          internal.SourceType `json:"source"`
	SourceName      string              `json:"sourceName"`
	EstimatedAnnual float64             `json:"estimatedAnnual"`
	Confidence      int                 `json:"confidence"`
	ConfidenceLabel string              `json:"confidenceLabel"`
	Priority        Priority            `json:"priority"`
	Reason          string              `json:"reason"`
	ActionURL       string              `json:"actionUrl,omitempty"`
	ActionLabel     string              `json:"actionLabel,omitempty"`
}

type Analysis struct {
	TotalEstimated     float64    `json:"totalEstimated"`
	Estimates          []Estimate `json:"estimates"`
	HasCollectedIncome bool       `json:"hasCollectedIncome"`
	HasTrendData       bool       `json:"hasTrendData"`
	Trends             []Trend    `json:"trends"`
}

// Analyze estimates uncollected annual income for every source the ledger
// has no entries for, and attaches the dropoff trends of the sources it has.
func Analyze(profile Profile, entries []internal.IncomeEntry) Analysis {
	collected := map[internal.SourceType]bool{}
	for _, e := range entries {
		collected[e.SourceType] = true
	}
	streams := float64(profile.MonthlyStreams)

	var estimates []Estimate
	if profile.WritesOwnSongs && !collected[internal.SourcePRO] {
		estimates = append(estimates, estimatePRO(streams, collected))
	}
	if profile.WritesOwnSongs && !collected[internal.SourceMLC] {
		estimates = append(estimates, estimateMLC(streams, collected))
	}
	if !collected[internal.SourceSoundExchange] {
		estimates = append(estimates, estimateSoundExchange(streams))
	}
	if !collected[internal.SourceYouTube] {
		estimates = append(estimates, estimateYouTube(streams))
	}
	if !collected[internal.SourceNeighbouring] {
		estimates = append(estimates, estimateNeighbouring(streams))
	}

	kept := make([]Estimate, 0, len(estimates))
	for _, e := range estimates {
		if e.EstimatedAnnual >= 10 || e.Confidence >= 70 {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		ri, rj := priorityRank[kept[i].Priority], priorityRank[kept[j].Priority]
		if ri != rj {
			return ri > rj
		}
		return kept[i].EstimatedAnnual > kept[j].EstimatedAnnual
	})

	var total float64
	for _, e := range kept {
		total += e.EstimatedAnnual
	}

	return Analysis{
		TotalEstimated:     total,
		Estimates:          kept,
		HasCollectedIncome: len(collected) > 0,
		HasTrendData:       len(entries) >= 3,
		Trends:             AnalyzeTrends(entries),
	}
}

// stepped returns the value of the first threshold streams exceeds, or
// fallback when it exceeds none. Thresholds are in descending order.
func stepped(streams float64, steps []step, fallback int) int {
	for _, s := range steps {
		if streams > s.above {
			return s.value
		}
	}
	return fallback
}

type step struct {
	above float64
	value int
}

func confidenceLabel(confidence int) string {
	switch {
	case confidence >= 70:
		return "High"
	case confidence >= 50:
		return "Medium"
	default:
		return "Low"
	}
}

func priorityFor(amount float64, critical, high, medium float64) Priority {
	switch {
	case critical > 0 && amount > critical:
		return PriorityCritical
	case high > 0 && amount > high:
		return PriorityHigh
	case amount > medium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func finish(e Estimate, annual float64, confidence int) Estimate {
	e.Confidence = min(100, confidence)
	e.ConfidenceLabel = confidenceLabel(e.Confidence)
	e.EstimatedAnnual = math.Round(annual)
	return e
}

func estimatePRO(streams float64, collected map[internal.SourceType]bool) Estimate {
	annual := (streams / 1000) * 0.35 * 12
	confidence := stepped(streams, []step{{100_000, 90}, {50_000, 80}, {20_000, 70}, {10_000, 60}}, 40)
	if collected[internal.SourceStreaming] {
		confidence += 10
	}
	return finish(Estimate{
		Source:      internal.SourcePRO,
		SourceName:  "PRO (ASCAP/BMI/SESAC)",
		Priority:    priorityFor(annual, 500, 200, 50),
		Reason:      "You write your own songs, so you're entitled to performance royalties when your music is played publicly",
		ActionURL:   "https://www.ascap.com/join",
		ActionLabel: "Register with ASCAP",
	}, annual, confidence)
}

func estimateMLC(streams float64, collected map[internal.SourceType]bool) Estimate {
	annual := streams * 0.0007 * 12
	confidence := stepped(streams, []step{{50_000, 85}, {20_000, 75}, {10_000, 65}, {5_000, 55}}, 35)
	if collected[internal.SourceStreaming] {
		confidence += 10
	}
	return finish(Estimate{
		Source:      internal.SourceMLC,
		SourceName:  "MLC (Mechanical Rights)",
		Priority:    priorityFor(annual, 300, 100, 30),
		Reason:      "The MLC collects mechanical royalties from streaming services. Many artists miss this revenue stream.",
		ActionURL:   "https://www.themlc.com/signup",
		ActionLabel: "Register with MLC",
	}, annual, confidence)
}

func estimateSoundExchange(streams float64) Estimate {
	annual := streams * 0.002 * 12
	confidence := stepped(streams, []step{{100_000, 75}, {50_000, 65}, {20_000, 55}, {10_000, 45}}, 25)
	return finish(Estimate{
		Source:      internal.SourceSoundExchange,
		SourceName:  "SoundExchange",
		Priority:    priorityFor(annual, 0, 400, 100),
		Reason:      "SoundExchange collects royalties from internet radio (Pandora, SiriusXM, etc.)",
		ActionURL:   "https://www.soundexchange.com/artist-copyright-owner/registering",
		ActionLabel: "Register with SoundExchange",
	}, annual, confidence)
}

// YouTube and neighbouring rights use flat tiers rather than a rate.

func estimateYouTube(streams float64) Estimate {
	annual := float64(stepped(streams, []step{{100_000, 300}, {50_000, 150}, {20_000, 75}}, 25))
	confidence := stepped(streams, []step{{100_000, 60}, {50_000, 50}, {20_000, 40}}, 25)
	return finish(Estimate{
		Source:      internal.SourceYouTube,
		SourceName:  "YouTube Content ID",
		Priority:    priorityFor(annual, 0, 0, 200),
		Reason:      "If your music appears in user-generated YouTube videos, Content ID can collect royalties",
		ActionURL:   "https://www.youtube.com/intl/en-GB/creators/support-resources/content-id/",
		ActionLabel: "Learn about Content ID",
	}, annual, confidence)
}

func estimateNeighbouring(streams float64) Estimate {
	annual := float64(stepped(streams, []step{{200_000, 500}, {100_000, 250}, {50_000, 125}}, 50))
	confidence := stepped(streams, []step{{200_000, 65}, {100_000, 55}, {50_000, 45}}, 30)
	return finish(Estimate{
		Source:      internal.SourceNeighbouring,
		SourceName:  "Neighbouring Rights (International)",
		Priority:    priorityFor(annual, 0, 0, 300),
		Reason:      "If your music is played internationally (radio, TV, clubs), you may be entitled to neighbouring rights",
		ActionURL:   "https://www.ppluk.com/i-am-a/performer/",
		ActionLabel: "Learn about PPL/PRS",
	}, annual, confidence)
}
