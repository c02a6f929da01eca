package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/guarddog/internal/models"
)

// runStoreSuite exercises the Store contract shared by every backend
func runStoreSuite(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	t.Run("Rules", func(t *testing.T) {
		rule := &models.Rule{
			ID: "rule_pii", Name: "PII", RuleType: models.RuleTypePII,
			Severity: models.SeverityHigh, IsActive: true,
			Config: models.JSONB{"high_value_threshold": 500.0},
		}
		require.NoError(t, store.CreateRule(ctx, rule))
		assert.Error(t, store.CreateRule(ctx, &models.Rule{ID: "rule_pii", RuleType: models.RuleTypePII}))

		got, err := store.GetRule(ctx, "rule_pii")
		require.NoError(t, err)
		assert.Equal(t, "PII", got.Name)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.LastTriggeredAt)

		require.NoError(t, store.TouchRules(ctx, models.RuleTypePII, base))
		got, err = store.GetRule(ctx, "rule_pii")
		require.NoError(t, err)
		require.NotNil(t, got.LastTriggeredAt)
		assert.WithinDuration(t, base, *got.LastTriggeredAt, time.Second)

		got.IsActive = false
		require.NoError(t, store.UpdateRule(ctx, got))
		got, err = store.GetRule(ctx, "rule_pii")
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		_, err = store.GetRule(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.UpdateRule(ctx, &models.Rule{ID: "missing"}), ErrNotFound)

		rules, err := store.ListRules(ctx)
		require.NoError(t, err)
		assert.Len(t, rules, 1)
	})

	t.Run("Alert State Transitions", func(t *testing.T) {
		for i, sev := range []models.Severity{models.SeverityHigh, models.SeverityWarning} {
			require.NoError(t, store.CreateAlert(ctx, &models.Alert{
				ID: fmt.Sprintf("alert-%d", i), Title: "PII_DETECTION: ssn", Severity: sev,
				Source: "crm", Status: models.AlertStatusActive,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		alerts, err := store.ListAlerts(ctx, AlertFilter{})
		require.NoError(t, err)
		require.Len(t, alerts, 2)
		assert.Equal(t, "alert-1", alerts[0].ID, "newest first")

		alerts, err = store.ListAlerts(ctx, AlertFilter{Severity: models.SeverityHigh})
		require.NoError(t, err)
		require.Len(t, alerts, 1)

		a, err := store.UpdateAlertStatus(ctx, "alert-0", models.AlertStatusAcknowledged, base)
		require.NoError(t, err)
		assert.Equal(t, models.AlertStatusAcknowledged, a.Status)
		require.NotNil(t, a.AcknowledgedAt)

		a, err = store.UpdateAlertStatus(ctx, "alert-0", models.AlertStatusResolved, base)
		require.NoError(t, err)
		require.NotNil(t, a.ResolvedAt)

		_, err = store.UpdateAlertStatus(ctx, "alert-0", models.AlertStatusActive, base)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = store.UpdateAlertStatus(ctx, "nope", models.AlertStatusResolved, base)
		assert.ErrorIs(t, err, ErrNotFound)

		active, err := store.ListAlerts(ctx, AlertFilter{Status: models.AlertStatusActive})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "alert-1", active[0].ID)
	})

	t.Run("Classifications", func(t *testing.T) {
		require.NoError(t, store.CreateClassification(ctx, &models.Classification{
			ID: "cls-1", DataType: "ssn", RiskLevel: models.RiskHigh, Source: "crm",
			RedactedContent: "***-**-6789", Timestamp: base,
		}))
		require.NoError(t, store.CreateClassification(ctx, &models.Classification{
			ID: "cls-2", DataType: "email", RiskLevel: models.RiskMedium, Source: "web",
			RedactedContent: "[EMAIL_REDACTED]", Timestamp: base.Add(-48 * time.Hour),
		}))

		recent, err := store.ListClassifications(ctx, ClassificationFilter{Since: base.Add(-time.Hour)})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "***-**-6789", recent[0].RedactedContent)

		c, err := store.ResolveClassification(ctx, "cls-1")
		require.NoError(t, err)
		assert.True(t, c.IsResolved)

		open, err := store.ListClassifications(ctx, ClassificationFilter{UnresolvedOnly: true})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "cls-2", open[0].ID)

		_, err = store.ResolveClassification(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Incidents", func(t *testing.T) {
		require.NoError(t, store.CreateIncident(ctx, &models.Incident{
			ID: "inc-1", Severity: models.SeverityCritical, Status: models.IncidentStatusInvestigating,
			Source: "ledger", AlertID: "alert-1", Timestamp: base,
		}))
		_, err := store.UpdateIncidentStatus(ctx, "inc-1", models.IncidentStatusOpen, base)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		i, err := store.UpdateIncidentStatus(ctx, "inc-1", models.IncidentStatusResolved, base)
		require.NoError(t, err)
		require.NotNil(t, i.ResolvedAt)

		resolved, err := store.ListIncidents(ctx, IncidentFilter{Status: models.IncidentStatusResolved})
		require.NoError(t, err)
		assert.Len(t, resolved, 1)
	})

	t.Run("API Calls And Correlations", func(t *testing.T) {
		status := 200
		require.NoError(t, store.CreateAPICall(ctx, &models.ExternalAPICall{
			ID: "call-1", RequestID: "req-1", ApplicationSource: "billing",
			Endpoint: "/v1/charge", Method: "POST", StatusCode: &status,
			TrackedVia: models.TrackedDirect, Timestamp: base,
		}))
		call, err := store.FindAPICallByRequestID(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "billing", call.ApplicationSource)
		_, err = store.FindAPICallByRequestID(ctx, "req-404")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.CreateCorrelation(ctx, &models.RequestCorrelation{
			ID: "cor-1", RequestID: "req-2", CorrelationID: "c-1", Endpoint: "/v1/refund", Timestamp: base,
		}))
		pending, err := store.ListCorrelations(ctx, true)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		n, err := store.ResolveCorrelations(ctx, "req-2", "billing")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = store.ResolveCorrelations(ctx, "req-2", "billing")
		require.NoError(t, err)
		assert.Zero(t, n)

		pending, err = store.ListCorrelations(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, pending)
		all, err := store.ListCorrelations(ctx, false)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, "billing", all[0].ApplicationSource)
	})

	t.Run("Concurrent Usage Updates", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.UpdateUsageStats(ctx, "2024-03-01", "billing", func(s *models.CrossAppUsageStats) error {
					s.TotalCalls++
					s.ClientIPs.Inc("10.0.0.1")
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		stats, err := store.GetUsageStats(ctx, "2024-03-01", "billing")
		require.NoError(t, err)
		assert.Equal(t, int64(20), stats.TotalCalls)
		assert.Equal(t, int64(20), stats.ClientIPs["10.0.0.1"])

		_, err = store.UpdateUsageStats(ctx, "2024-03-01", "crm", func(s *models.CrossAppUsageStats) error {
			s.TotalCalls = 1
			return nil
		})
		require.NoError(t, err)

		list, err := store.ListUsageStats(ctx, "2024-03-01")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "billing", list[0].ApplicationSource)

		_, err = store.GetUsageStats(ctx, "2024-03-02", "billing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})
}
