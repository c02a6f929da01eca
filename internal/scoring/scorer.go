// Package scoring computes the compliance score from recent alerts and
// classifications.
package scoring

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/models"
)

// Penalties applied per record
var (
	SeverityPenalty = map[models.Severity]int{
		models.SeverityCritical: 30,
		models.SeverityHigh:     20,
		models.SeverityMedium:   10,
		models.SeverityWarning:  10,
		models.SeverityLow:      5,
		models.SeverityInfo:     0,
	}
	RiskPenalty = map[models.RiskLevel]int{
		models.RiskCritical: 30,
		models.RiskHigh:     20,
		models.RiskMedium:   10,
		models.RiskLow:      5,
	}
)

const (
	activeCriticalDeduction     = 10
	unresolvedHighRiskDeduction = 5
)

// Source is the read side of the store the scorer needs
type Source interface {
	ListAlerts(ctx context.Context, f database.AlertFilter) ([]models.Alert, error)
	ListClassifications(ctx context.Context, f database.ClassificationFilter) ([]models.Classification, error)
}

// Breakdown explains how a score was reached
type Breakdown struct {
	AlertPenalty              int `json:"alert_penalty"`
	ClassificationPenalty     int `json:"classification_penalty"`
	ActiveCriticalAlerts      int `json:"active_critical_alerts"`
	UnresolvedHighRisk        int `json:"unresolved_high_risk_classifications"`
	AlertsConsidered          int `json:"alerts_considered"`
	ClassificationsConsidered int `json:"classifications_considered"`
}

// Result is a computed compliance score
type Result struct {
	Score      int           `json:"score"`
	Breakdown  Breakdown     `json:"breakdown"`
	Lookback   time.Duration `json:"-"`
	Since      time.Time     `json:"since"`
	ComputedAt time.Time     `json:"computed_at"`
}

// Scorer applies the penalty-weighted formula over a lookback window
type Scorer struct {
	source   Source
	lookback time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Scorer
type Option func(*Scorer)

// WithClock pins the end of the lookback window
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

func NewScorer(source Source, lookback time.Duration, logger *zap.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	s := &Scorer{
		source:   source,
		lookback: lookback,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compute returns a score in [0, 100]. Resolved records do not count.
func (s *Scorer) Compute(ctx context.Context) (*Result, error) {
	now := s.now()
	since := now.Add(-s.lookback)

	alerts, err := s.source.ListAlerts(ctx, database.AlertFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	classifications, err := s.source.ListClassifications(ctx, database.ClassificationFilter{
		UnresolvedOnly: true,
		Since:          since,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list classifications: %w", err)
	}

	var b Breakdown
	for _, a := range alerts {
		if a.Status == models.AlertStatusResolved {
			continue
		}
		b.AlertsConsidered++
		b.AlertPenalty += SeverityPenalty[a.Severity]
		if a.Severity == models.SeverityCritical && a.Status == models.AlertStatusActive {
			b.ActiveCriticalAlerts++
		}
	}
	for _, c := range classifications {
		b.ClassificationsConsidered++
		b.ClassificationPenalty += RiskPenalty[c.RiskLevel]
		if c.RiskLevel.IsHigh() {
			b.UnresolvedHighRisk++
		}
	}

	score := Score(b)
	s.logger.Debug("Computed compliance score",
		zap.Int("score", score),
		zap.Int("alerts", b.AlertsConsidered),
		zap.Int("classifications", b.ClassificationsConsidered))

	return &Result{
		Score:      score,
		Breakdown:  b,
		Lookback:   s.lookback,
		Since:      since,
		ComputedAt: now,
	}, nil
}

// Score applies the formula to a breakdown
func Score(b Breakdown) int {
	score := 100 -
		b.AlertPenalty -
		b.ClassificationPenalty -
		activeCriticalDeduction*b.ActiveCriticalAlerts -
		unresolvedHighRiskDeduction*b.UnresolvedHighRisk
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
