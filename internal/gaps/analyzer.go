// Package gaps mines low-confidence searches and negative feedback for topics the knowledge
// base does not cover, keeps them as prioritized KnowledgeGap records, alerts operators and
// marks gaps resolved once retrieval for the topic clears the quality gate again.
package gaps

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tn-legal-rag/internal/answer"
	"tn-legal-rag/internal/config"
	"tn-legal-rag/internal/lang"
	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
	"tn-legal-rag/internal/search"
)

const (
	maxKeywords      = 10
	maxSampleQueries = 5
	maxTopicLength   = 160
)

// Store is the persistence the analyzer needs; *database.DB satisfies it
type Store interface {
	QueryLogSince(ctx context.Context, since time.Time) ([]models.QueryLogEntry, error)
	FeedbackSince(ctx context.Context, since time.Time) ([]models.Feedback, error)
	ListGaps(ctx context.Context, status models.GapStatus) ([]models.KnowledgeGap, error)
	GetGap(ctx context.Context, id string) (*models.KnowledgeGap, error)
	SaveGap(ctx context.Context, g *models.KnowledgeGap) error
}

// Searcher runs a live search for resolution checks
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Notifier delivers gap alerts
type Notifier interface {
	NotifyGaps(ctx context.Context, gaps []models.KnowledgeGap) error
}

// Cooldown is a shared set-if-absent store used to rate-limit alerts across instances
type Cooldown interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Analyzer runs gap analysis and resolution checks
type Analyzer struct {
	store    Store
	searcher Searcher
	gate     *answer.Gate
	notifier Notifier
	cooldown Cooldown
	cfg      config.GapsConfig
	now      func() time.Time
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewAnalyzer creates an analyzer. notifier and cooldown may be nil: without a notifier no
// alerts are sent, without a cooldown store only the persisted last-alert time is checked.
func NewAnalyzer(store Store, searcher Searcher, gate *answer.Gate, notifier Notifier, cooldown Cooldown,
	cfg config.GapsConfig, m *metrics.Collector, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		store:    store,
		searcher: searcher,
		gate:     gate,
		notifier: notifier,
		cooldown: cooldown,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		metrics:  m,
		logger:   logger.With(zap.String("component", "gaps")),
	}
}

// Report summarizes one analysis run
type Report struct {
	Signals     int                   `json:"signals"`
	Clusters    int                   `json:"clusters"`
	Created     int                   `json:"created"`
	Updated     int                   `json:"updated"`
	Reactivated int                   `json:"reactivated"`
	Alerted     int                   `json:"alerted"`
	Gaps        []models.KnowledgeGap `json:"gaps"`
}

// group is the evidence gathered for one gap in this run
type group struct {
	gap     *models.KnowledgeGap
	key     string
	domain  string
	signals []signal
}

// Analyze mines the last Window of query logs and feedback, clusters the signals by topic,
// upserts the matching gaps and alerts on the ones that crossed the alert threshold.
func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	now := a.now()
	since := now.Add(-a.cfg.Window)

	logs, err := a.store.QueryLogSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load query log: %w", err)
	}
	feedback, err := a.store.FeedbackSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}

	var signals, orphans []signal
	for _, e := range logs {
		if e.Abstained || e.TopScore < a.cfg.ScoreThreshold {
			signals = append(signals, querySignal(e))
		}
	}
	for i := range feedback {
		if !feedback[i].Negative() {
			continue
		}
		s := feedbackSignal(feedback[i])
		if len(s.keywords) == 0 {
			if s.domain != "" {
				orphans = append(orphans, s)
			}
			continue
		}
		signals = append(signals, s)
	}

	clusters := clusterSignals(signals, a.cfg.ClusterSimilarity)
	attachByDomain(clusters, orphans)
	report := &Report{Signals: len(signals) + len(orphans), Clusters: len(clusters)}

	existing, err := a.store.ListGaps(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load gaps: %w", err)
	}
	groups := a.match(clusters, existing)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		gap, outcome := a.build(g, now)
		if gap == nil {
			continue
		}
		if err := a.store.SaveGap(ctx, gap); err != nil {
			return report, err
		}
		switch outcome {
		case "created":
			report.Created++
		case "reactivated":
			report.Reactivated++
		default:
			report.Updated++
		}
		report.Gaps = append(report.Gaps, *gap)
	}

	report.Alerted = a.alert(ctx, report.Gaps, now)
	a.refreshActiveCount(ctx)

	a.logger.Info("gap analysis finished",
		zap.Int("signals", report.Signals),
		zap.Int("clusters", report.Clusters),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("reactivated", report.Reactivated),
		zap.Int("alerted", report.Alerted))
	return report, nil
}

// match assigns every cluster to the existing gap of the same domain whose keywords are most
// similar, or to a new gap keyed by its topic. Clusters landing on the same gap are merged.
func (a *Analyzer) match(clusters []*cluster, existing []models.KnowledgeGap) []*group {
	byKey := make(map[string]*group)
	var order []string
	for _, c := range clusters {
		kws := c.topKeywords(maxKeywords)
		var best *models.KnowledgeGap
		bestSim := 0.0
		for i := range existing {
			g := &existing[i]
			if g.Domain != c.domain {
				continue
			}
			sim := lang.Jaccard(kws, g.Keywords)
			if g.TopicKey == c.topicKey() {
				sim = 1
			}
			if sim > bestSim {
				best, bestSim = g, sim
			}
		}

		var key string
		var gap *models.KnowledgeGap
		if best != nil && bestSim >= a.cfg.ClusterSimilarity {
			cp := *best
			key, gap = "id:"+best.ID, &cp
		} else {
			key = "topic:" + c.topicKey()
		}
		grp, ok := byKey[key]
		if !ok {
			grp = &group{gap: gap, key: c.topicKey(), domain: c.domain}
			byKey[key] = grp
			order = append(order, key)
		}
		grp.signals = append(grp.signals, c.signals...)
	}

	out := make([]*group, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

// build turns a group into the gap to save. It returns nil when the group is too small or
// when a resolved gap has not recurred since it was resolved.
func (a *Analyzer) build(g *group, now time.Time) (*models.KnowledgeGap, string) {
	signals := g.signals
	if g.gap != nil && g.gap.Status == models.GapResolved && g.gap.ResolvedAt != nil {
		resolvedAt := *g.gap.ResolvedAt
		var recent []signal
		for _, s := range signals {
			if s.at.After(resolvedAt) {
				recent = append(recent, s)
			}
		}
		signals = recent
	}
	if len(signals) < a.cfg.MinOccurrences {
		return nil, ""
	}

	sort.SliceStable(signals, func(i, j int) bool { return signals[i].at.After(signals[j].at) })
	c := &cluster{domain: g.domain, signals: signals}

	var occurrences, negatives, rated, ratingSum int
	for _, s := range signals {
		if !s.feedback {
			occurrences++
			continue
		}
		negatives++
		if s.rating > 0 {
			rated++
			ratingSum += s.rating
		}
	}
	var avg *float64
	if rated > 0 {
		v := float64(ratingSum) / float64(rated)
		avg = &v
	}

	outcome := "updated"
	gap := g.gap
	if gap == nil {
		outcome = "created"
		gap = &models.KnowledgeGap{
			ID:          uuid.NewString(),
			TopicKey:    g.key,
			Domain:      g.domain,
			Status:      models.GapActive,
			FirstSeenAt: signals[len(signals)-1].at,
		}
	} else if gap.Status == models.GapResolved {
		outcome = "reactivated"
		gap.Status = models.GapActive
		gap.ResolvedAt = nil
	}

	gap.Topic = topic(signals)
	gap.Keywords = c.topKeywords(maxKeywords)
	gap.SampleQueries = samples(signals)
	gap.OccurrenceCount = occurrences
	gap.NegativeFeedbackCount = negatives
	gap.AvgRating = avg
	gap.LastSeenAt = signals[0].at
	gap.PriorityScore = Priority(a.cfg, occurrences, negatives, avg, gap.LastSeenAt, now)
	return gap, outcome
}

// topic is the shortest question of the cluster, which tends to be the plainest phrasing
func topic(signals []signal) string {
	best := ""
	for _, s := range signals {
		if s.text == "" {
			continue
		}
		if best == "" || len([]rune(s.text)) < len([]rune(best)) {
			best = s.text
		}
	}
	if r := []rune(best); len(r) > maxTopicLength {
		best = string(r[:maxTopicLength]) + "…"
	}
	return best
}

// samples returns distinct texts, most recent first
func samples(signals []signal) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range signals {
		key := lang.Normalize(s.text)
		if s.text == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s.text)
		if len(out) == maxSampleQueries {
			break
		}
	}
	return out
}

func (a *Analyzer) refreshActiveCount(ctx context.Context) {
	active, err := a.store.ListGaps(ctx, models.GapActive)
	if err != nil {
		a.logger.Warn("failed to count active gaps", zap.Error(err))
		return
	}
	a.metrics.SetActiveGaps(len(active))
}
