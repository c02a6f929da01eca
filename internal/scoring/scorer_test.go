package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/models"
)

type brokenSource struct{}

func (brokenSource) ListAlerts(context.Context, database.AlertFilter) ([]models.Alert, error) {
	return nil, errors.New("connection reset")
}

func (brokenSource) ListClassifications(context.Context, database.ClassificationFilter) ([]models.Classification, error) {
	return nil, nil
}

func TestComputeComplianceScore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	newScorer := func(store *database.MemoryStore) *Scorer {
		s := NewScorer(store, 24*time.Hour, zaptest.NewLogger(t))
		s.now = func() time.Time { return now }
		return s
	}

	t.Run("Clean Slate Scores 100", func(t *testing.T) {
		res, err := newScorer(database.NewMemoryStore()).Compute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100, res.Score)
		assert.Equal(t, Breakdown{}, res.Breakdown)
	})

	t.Run("Penalties And Deductions", func(t *testing.T) {
		store := database.NewMemoryStore()
		require.NoError(t, store.CreateAlert(ctx, &models.Alert{
			ID: "a1", Severity: models.SeverityCritical, Status: models.AlertStatusActive, Timestamp: now.Add(-time.Hour),
		}))
		require.NoError(t, store.CreateAlert(ctx, &models.Alert{
			ID: "a2", Severity: models.SeverityWarning, Status: models.AlertStatusAcknowledged, Timestamp: now.Add(-time.Hour),
		}))
		require.NoError(t, store.CreateClassification(ctx, &models.Classification{
			ID: "c1", RiskLevel: models.RiskHigh, Timestamp: now.Add(-time.Hour),
		}))

		res, err := newScorer(store).Compute(ctx)
		require.NoError(t, err)
		// 100 - (30 + 10) - 20 - 10*1 - 5*1
		assert.Equal(t, 25, res.Score)
		assert.Equal(t, 1, res.Breakdown.ActiveCriticalAlerts)
		assert.Equal(t, 1, res.Breakdown.UnresolvedHighRisk)
		assert.Equal(t, 40, res.Breakdown.AlertPenalty)
	})

	t.Run("Resolved And Old Records Are Ignored", func(t *testing.T) {
		store := database.NewMemoryStore()
		resolvedAt := now
		require.NoError(t, store.CreateAlert(ctx, &models.Alert{
			ID: "a1", Severity: models.SeverityCritical, Status: models.AlertStatusResolved,
			ResolvedAt: &resolvedAt, Timestamp: now.Add(-time.Hour),
		}))
		require.NoError(t, store.CreateAlert(ctx, &models.Alert{
			ID: "a2", Severity: models.SeverityHigh, Status: models.AlertStatusActive, Timestamp: now.Add(-48 * time.Hour),
		}))
		require.NoError(t, store.CreateClassification(ctx, &models.Classification{
			ID: "c1", RiskLevel: models.RiskHigh, IsResolved: true, Timestamp: now.Add(-time.Hour),
		}))

		res, err := newScorer(store).Compute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 100, res.Score)
	})

	t.Run("Clamped At Zero", func(t *testing.T) {
		store := database.NewMemoryStore()
		for _, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, store.CreateAlert(ctx, &models.Alert{
				ID: id, Severity: models.SeverityCritical, Status: models.AlertStatusActive, Timestamp: now,
			}))
		}
		res, err := newScorer(store).Compute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Score)
	})

	t.Run("Store Failure", func(t *testing.T) {
		_, err := NewScorer(brokenSource{}, 0, nil).Compute(ctx)
		assert.Error(t, err)
	})
}

func TestScoreBounds(t *testing.T) {
	for _, b := range []Breakdown{
		{},
		{AlertPenalty: 1000},
		{AlertPenalty: -50},
		{ActiveCriticalAlerts: 3, UnresolvedHighRisk: 7},
	} {
		s := Score(b)
		assert.GreaterOrEqual(t, s, 0)
		assert.LessOrEqual(t, s, 100)
	}
}
