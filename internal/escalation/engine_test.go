package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/guarddog/internal/models"
)

type fakeStore struct {
	mu              sync.Mutex
	classifications []*models.Classification
	alerts          []*models.Alert
	incidents       []*models.Incident
	touched         map[models.RuleType]int
	failAlerts      bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{touched: make(map[models.RuleType]int)}
}

func (s *fakeStore) CreateClassification(_ context.Context, c *models.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications = append(s.classifications, c)
	return nil
}

func (s *fakeStore) CreateAlert(_ context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAlerts {
		return errors.New("disk full")
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *fakeStore) CreateIncident(_ context.Context, i *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents = append(s.incidents, i)
	return nil
}

func (s *fakeStore) TouchRules(_ context.Context, rt models.RuleType, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[rt]++
	return nil
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) SendAlert(context.Context, *models.Alert) error {
	n.calls++
	return errors.New("smtp unreachable")
}
func (n *failingNotifier) SendClassification(context.Context, *models.Classification) error {
	n.calls++
	return errors.New("smtp unreachable")
}
func (n *failingNotifier) SendIncident(context.Context, *models.Incident) error {
	n.calls++
	return errors.New("smtp unreachable")
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func piiViolation(subtype string, risk models.RiskLevel) models.Violation {
	return models.Violation{
		Type:            models.ViolationPII,
		Subtype:         subtype,
		MatchCount:      1,
		Severity:        models.SeverityHigh,
		RiskLevel:       risk,
		Source:          "crm",
		RedactedContent: "***-**-6789",
		SuggestedAction: models.ActionAlertAndRedact,
		Description:     "Social Security Number",
	}
}

func TestEscalate(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	t.Run("High Risk PII Creates Classification And Warning Alert", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, logger, WithClock(func() time.Time { return fixedNow }))

		out, err := engine.Escalate(ctx, []models.Violation{piiViolation("ssn", models.RiskHigh)})
		require.NoError(t, err)
		require.Len(t, out.Classifications, 1)
		require.Len(t, out.Alerts, 1)
		assert.Empty(t, out.Incidents)

		c := store.classifications[0]
		assert.Equal(t, "ssn", c.DataType)
		assert.Equal(t, models.RiskHigh, c.RiskLevel)
		assert.Equal(t, "***-**-6789", c.RedactedContent)
		assert.False(t, c.IsResolved)
		assert.Equal(t, fixedNow, c.Timestamp)

		a := store.alerts[0]
		assert.Equal(t, models.SeverityWarning, a.Severity)
		assert.Equal(t, models.AlertStatusActive, a.Status)
		assert.Equal(t, "PII_DETECTION: ssn", a.Title)
		assert.Equal(t, 1, store.touched[models.RuleTypePII])
	})

	t.Run("Medium Risk PII Has No Alert", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, logger)

		out, err := engine.Escalate(ctx, []models.Violation{piiViolation("email", models.RiskMedium)})
		require.NoError(t, err)
		assert.Len(t, out.Classifications, 1)
		assert.Empty(t, out.Alerts)
		assert.Empty(t, store.alerts)
	})

	t.Run("Non PII Violation Raises Alert At Its Severity", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, logger)

		out, err := engine.Escalate(ctx, []models.Violation{{
			Type: models.ViolationAPISecurity, Subtype: "auth_failure", MatchCount: 1,
			Severity: models.SeverityMedium, RiskLevel: models.RiskMedium, Source: "gateway",
			Description: "Authentication failure",
		}})
		require.NoError(t, err)
		assert.Empty(t, out.Classifications)
		require.Len(t, out.Alerts, 1)
		assert.Equal(t, models.SeverityMedium, out.Alerts[0].Severity)
		assert.Equal(t, "API_SECURITY: auth_failure", out.Alerts[0].Title)
		assert.Equal(t, "Authentication failure: 1 match(es) from gateway", out.Alerts[0].Description)
		assert.Equal(t, "auth_failure", out.Alerts[0].Metadata["subtype"])
		assert.Equal(t, 1, store.touched[models.RuleTypeAPISecurity])
	})

	t.Run("High Risk Financial Adds Classification", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, logger)

		out, err := engine.Escalate(ctx, []models.Violation{{
			Type: models.ViolationFinancial, Subtype: "high_value_transaction", MatchCount: 1,
			Severity: models.SeverityHigh, RiskLevel: models.RiskHigh, Source: "ledger",
			Metadata: map[string]interface{}{"high_risk": true},
		}})
		require.NoError(t, err)
		require.Len(t, out.Classifications, 1)
		assert.Equal(t, "financial_transaction", out.Classifications[0].DataType)
		assert.Len(t, out.Alerts, 1)
	})

	t.Run("Critical Violation Opens Linked Incident", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, logger)

		out, err := engine.Escalate(ctx, []models.Violation{{
			Type: models.ViolationFinancial, Subtype: "rapid_transactions", MatchCount: 1,
			Severity: models.SeverityCritical, RiskLevel: models.RiskHigh, Source: "ledger",
		}})
		require.NoError(t, err)
		require.Len(t, out.Alerts, 1)
		require.Len(t, out.Incidents, 1)
		incident := out.Incidents[0]
		assert.Equal(t, models.IncidentStatusInvestigating, incident.Status)
		assert.Equal(t, models.SeverityCritical, incident.Severity)
		assert.Equal(t, out.Alerts[0].ID, incident.AlertID)
		assert.Len(t, store.incidents, 1)
	})

	t.Run("Notifier Failures Do Not Fail Escalation", func(t *testing.T) {
		store := newFakeStore()
		notifier := &failingNotifier{}
		engine := NewEngine(store, notifier, logger)

		out, err := engine.Escalate(ctx, []models.Violation{piiViolation("ssn", models.RiskHigh)})
		require.NoError(t, err)
		assert.Len(t, out.Alerts, 1)
		assert.Equal(t, 2, notifier.calls)
		assert.Len(t, store.alerts, 1)
	})

	t.Run("Store Failures Are Aggregated", func(t *testing.T) {
		store := newFakeStore()
		store.failAlerts = true
		engine := NewEngine(store, nil, logger)

		out, err := engine.Escalate(ctx, []models.Violation{
			piiViolation("ssn", models.RiskHigh),
			piiViolation("credit_card", models.RiskHigh),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 errors occurred")
		assert.Len(t, out.Alerts, 2)
		assert.Len(t, store.classifications, 2)
	})

	t.Run("Zero Violations", func(t *testing.T) {
		store := newFakeStore()
		out, err := NewEngine(store, nil, logger).Escalate(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, out.Alerts)
		assert.Empty(t, store.touched)
	})
}

func TestDeduplication(t *testing.T) {
	ctx := context.Background()

	t.Run("Repeat Inside Window Is Suppressed", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, zaptest.NewLogger(t), WithSuppressor(NewMemorySuppressor(time.Minute)))

		v := piiViolation("ssn", models.RiskHigh)
		_, err := engine.Escalate(ctx, []models.Violation{v})
		require.NoError(t, err)
		out, err := engine.Escalate(ctx, []models.Violation{v})
		require.NoError(t, err)

		assert.Equal(t, 1, out.Suppressed)
		assert.Len(t, store.classifications, 1)
		assert.Equal(t, 1, store.touched[models.RuleTypePII])

		other := v
		other.Source = "billing"
		out, err = engine.Escalate(ctx, []models.Violation{other})
		require.NoError(t, err)
		assert.Zero(t, out.Suppressed)
		assert.Len(t, store.classifications, 2)
	})

	t.Run("Expired Key Fires Again", func(t *testing.T) {
		s := NewMemorySuppressor(20 * time.Millisecond)
		ok, _ := s.Allow(ctx, "k")
		assert.True(t, ok)
		ok, _ = s.Allow(ctx, "k")
		assert.False(t, ok)
		time.Sleep(40 * time.Millisecond)
		ok, _ = s.Allow(ctx, "k")
		assert.True(t, ok)
	})

	t.Run("Zero Window Never Suppresses", func(t *testing.T) {
		store := newFakeStore()
		engine := NewEngine(store, nil, zaptest.NewLogger(t), WithSuppressor(NewMemorySuppressor(0)))

		v := piiViolation("ssn", models.RiskHigh)
		for i := 0; i < 3; i++ {
			out, err := engine.Escalate(ctx, []models.Violation{v})
			require.NoError(t, err)
			assert.Zero(t, out.Suppressed)
		}
		assert.Len(t, store.classifications, 3)
	})

	t.Run("Redis Zero Window Skips Redis", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
		defer client.Close()

		s := NewRedisSuppressor(client, 0)
		for i := 0; i < 2; i++ {
			ok, err := s.Allow(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
		}
	})

	t.Run("Redis Outage Fails Open", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
		defer client.Close()

		ok, err := NewRedisSuppressor(client, time.Minute).Allow(ctx, "k")
		assert.Error(t, err)
		assert.True(t, ok)
	})
}

func TestDedupKey(t *testing.T) {
	v := models.Violation{Type: "rate_limit", Subtype: "rate_limit_exceeded", Source: "gateway"}
	assert.Equal(t, "rate_limit:rate_limit_exceeded:gateway", DedupKey(v))
	assert.Equal(t, "RATE_LIMIT: rate_limit_exceeded", AlertTitle(v.Type, v.Subtype))
}
