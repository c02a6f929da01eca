package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/aegisshield/guarddog/internal/models"
)

// HealthScore rates one application's day in [0, 100]
func HealthScore(s models.CrossAppUsageStats, degradedLatencyMs float64) float64 {
	score := 100 - s.ErrorRate()*50 - float64(s.SecurityViolations)*10
	if s.AvgResponseTime > degradedLatencyMs {
		score -= 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Summary aggregates the stats of every application for date. An empty date
// means today.
func (t *Tracker) Summary(ctx context.Context, date string) (*models.CrossAppSummary, error) {
	if date == "" {
		date = t.Today()
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidCall)
	}

	stats, err := t.store.ListUsageStats(ctx, date)
	if err != nil {
		return nil, err
	}
	return buildSummary(date, stats, t.cfg.DegradedLatencyMs), nil
}

func buildSummary(date string, stats []models.CrossAppUsageStats, degradedLatencyMs float64) *models.CrossAppSummary {
	sum := &models.CrossAppSummary{
		Date:         date,
		Applications: make([]models.AppHealth, 0, len(stats)),
		HealthScore:  100,
	}
	var total float64
	for _, s := range stats {
		h := HealthScore(s, degradedLatencyMs)
		sum.Applications = append(sum.Applications, models.AppHealth{CrossAppUsageStats: s, HealthScore: h})
		sum.TotalCalls += s.TotalCalls
		sum.TotalViolations += s.SecurityViolations
		total += h
	}
	if len(stats) > 0 {
		sum.HealthScore = total / float64(len(stats))
	}
	return sum
}
