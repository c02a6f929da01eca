package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/compliance"
	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/metrics"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scheduler"
	"github.com/aegisshield/guarddog/internal/tracker"
)

const testSecret = "test-secret"

type fakeTasks struct {
	ran []string
}

func (f *fakeTasks) Tasks() []scheduler.TaskStatus {
	return []scheduler.TaskStatus{{ID: "anomaly_sweep", Name: "Anomaly sweep"}}
}

func (f *fakeTasks) RunNow(_ context.Context, id string) error {
	if id != "anomaly_sweep" {
		return fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id)
	}
	f.ran = append(f.ran, id)
	return nil
}

type alertFailingStore struct {
	*database.MemoryStore
}

func (alertFailingStore) CreateAlert(context.Context, *models.Alert) error {
	return errors.New("connection reset")
}

func testConfig(auth bool) *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			AuthEnabled: auth,
			JWTSecret:   testSecret,
			JWTIssuer:   "guarddog",
		},
		Tracker: tracker.DefaultConfig(),
		Scoring: config.ScoringConfig{Lookback: 24 * time.Hour},
		LLMGate: config.LLMGateConfig{Disclaimers: config.DefaultDisclaimers},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config, store database.Store, tasks TaskRunner) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	m := metrics.NewCollector()
	esc := escalation.NewEngine(store, nil, logger, escalation.WithRecorder(m))
	engine := compliance.New(store, catalog.NewStatic(nil), esc, cfg, logger,
		compliance.WithMetrics(m),
		compliance.WithPicker(func(int) int { return 0 }))
	_, err := engine.SeedRules(context.Background())
	require.NoError(t, err)
	return NewRouter(cfg, NewHandler(engine, nil, tasks, logger), m, logger)
}

func do(router http.Handler, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		_ = json.NewEncoder(&buf).Encode(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func subtypes(vs []models.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Subtype)
	}
	return out
}

type scanResponse struct {
	Violations []models.Violation `json:"violations"`
	Count      int                `json:"count"`
}

func TestScanEndpoints(t *testing.T) {
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), nil)

	t.Run("Text", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/text",
			gin.H{"text": "SSN 123-45-6789", "source": "crm"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

		var resp scanResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "***-**-6789", resp.Violations[0].RedactedContent)
		assert.NotContains(t, w.Body.String(), "123-45-6789")
	})

	t.Run("Clean Text", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"text": "nothing here"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"violations":[],"count":0}`, w.Body.String())
	})

	t.Run("Missing Text", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"source": "crm"}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Transaction", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/transaction?source=billing",
			gin.H{"id": "tx-1", "account_id": "acc-1", "amount": 20000, "currency": "USD"}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp scanResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Violations)
		assert.Contains(t, subtypes(resp.Violations), "high_value")
		assert.Equal(t, "billing", resp.Violations[0].Source)
	})

	t.Run("Invalid Transaction", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/transaction", `"just a string"`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid payload")
	})

	t.Run("API Telemetry", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/api", gin.H{
			"source": "gateway",
			"record": gin.H{"endpoint": "/login", "method": "POST", "status_code": 401},
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "auth_failure")
	})

	t.Run("JSON Document", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/scan/json?source=export",
			`{"customer":{"ssn":"123-45-6789"}}`, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "$.customer.ssn")
	})

	t.Run("LLM Block", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/llm/scan",
			gin.H{"content": "You should invest all your money in Bitcoin"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-Audit-Failed"))

		var d struct {
			Action models.Action `json:"action"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
		assert.Equal(t, models.ActionBlock, d.Action)
	})
}

func TestLLMScanAuditFailure(t *testing.T) {
	router := newTestRouter(t, testConfig(false), alertFailingStore{database.NewMemoryStore()}, nil)

	w := do(router, http.MethodPost, "/api/v1/llm/scan",
		gin.H{"content": "You should invest all your money in Bitcoin"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Audit-Failed"))
	assert.Contains(t, w.Body.String(), `"action":"block"`)
}

func TestScanStoreFailure(t *testing.T) {
	router := newTestRouter(t, testConfig(false), alertFailingStore{database.NewMemoryStore()}, nil)

	w := do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"text": "SSN 123-45-6789"}, nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection reset")

	var resp scanResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestOperatorEndpoints(t *testing.T) {
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), nil)

	w := do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"text": "SSN 123-45-6789"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var alerts struct {
		Alerts []models.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	w = do(router, http.MethodGet, "/api/v1/alerts?status=active", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &alerts))
	require.Equal(t, 1, alerts.Count)
	id := alerts.Alerts[0].ID

	t.Run("Resolve Then Acknowledge Conflicts", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/alerts/"+id+"/resolve", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"resolved"`)

		w = do(router, http.MethodPost, "/api/v1/alerts/"+id+"/acknowledge", nil, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("Unknown Alert", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/alerts/missing/acknowledge", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Invalid Limit", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/alerts?limit=abc", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Classifications", func(t *testing.T) {
		var resp struct {
			Classifications []models.Classification `json:"classifications"`
		}
		w := do(router, http.MethodGet, "/api/v1/classifications?unresolved=true", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Classifications, 1)

		w = do(router, http.MethodPost, "/api/v1/classifications/"+resp.Classifications[0].ID+"/resolve", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"is_resolved":true`)
	})

	t.Run("Score", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/score", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"score":100`)
	})

	t.Run("Unknown Incident", func(t *testing.T) {
		w := do(router, http.MethodPatch, "/api/v1/incidents/missing", gin.H{"status": "resolved"}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRuleEndpoints(t *testing.T) {
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), nil)

	t.Run("List Seeded", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rules", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "rule_pii")
	})

	t.Run("Toggle", func(t *testing.T) {
		w := do(router, http.MethodPatch, "/api/v1/rules/rule_pii/toggle", gin.H{"is_active": false}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"is_active":false`)

		w = do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"text": "SSN 123-45-6789"}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":0`)
	})

	t.Run("Toggle Requires Flag", func(t *testing.T) {
		w := do(router, http.MethodPatch, "/api/v1/rules/rule_pii/toggle", gin.H{}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Unknown Rule", func(t *testing.T) {
		w := do(router, http.MethodPatch, "/api/v1/rules/missing/toggle", gin.H{"is_active": true}, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Invalid Config", func(t *testing.T) {
		w := do(router, http.MethodPut, "/api/v1/rules/rule_financial/config",
			gin.H{"config": gin.H{"no_such_threshold": 1}}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTrackingEndpoints(t *testing.T) {
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), nil)

	w := do(router, http.MethodPost, "/api/v1/calls", gin.H{
		"request_id":         "req-1",
		"application_source": "billing",
		"endpoint":           "https://api.stripe.com/v1/charges",
		"method":             "POST",
		"status_code":        200,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("Correlation", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/calls/correlation",
			gin.H{"request_id": "req-1", "endpoint": "/v1/charges"}, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), "billing")
	})

	t.Run("Invalid Webhook", func(t *testing.T) {
		w := do(router, http.MethodPost, "/api/v1/calls/webhook", "[1,2]", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Summary", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/summary", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"total_calls":1`)
	})

	t.Run("Bad Summary Date", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/summary?date=yesterday", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTaskEndpoints(t *testing.T) {
	tasks := &fakeTasks{}
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), tasks)

	w := do(router, http.MethodGet, "/api/v1/tasks", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "anomaly_sweep")

	w = do(router, http.MethodPost, "/api/v1/tasks/anomaly_sweep/run", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"anomaly_sweep"}, tasks.ran)

	w = do(router, http.MethodPost, "/api/v1/tasks/missing/run", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthentication(t *testing.T) {
	cfg := testConfig(true)
	router := newTestRouter(t, cfg, database.NewMemoryStore(), nil)

	t.Run("Missing Token", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rules", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Authorization header required")
	})

	t.Run("Invalid Token", func(t *testing.T) {
		w := do(router, http.MethodGet, "/api/v1/rules", nil, http.Header{"Authorization": {"Bearer garbage"}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Wrong Secret", func(t *testing.T) {
		other := cfg.Server
		other.JWTSecret = "other-secret"
		token, err := GenerateToken(other, "user-1", nil, time.Hour)
		require.NoError(t, err)
		w := do(router, http.MethodGet, "/api/v1/rules", nil, http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Expired Token", func(t *testing.T) {
		token, err := GenerateToken(cfg.Server, "user-1", nil, -time.Minute)
		require.NoError(t, err)
		w := do(router, http.MethodGet, "/api/v1/rules", nil, http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Valid Token", func(t *testing.T) {
		token, err := GenerateToken(cfg.Server, "user-1", []string{"analyst"}, time.Hour)
		require.NoError(t, err)
		w := do(router, http.MethodGet, "/api/v1/rules", nil, http.Header{"Authorization": {"Bearer " + token}})
		assert.Equal(t, http.StatusOK, w.Code)

		claims, err := ValidateToken(cfg.Server, token)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, []string{"analyst"}, claims.Roles)
	})

	t.Run("Health Is Public", func(t *testing.T) {
		w := do(router, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	})
}

func TestMetricsAndNotFound(t *testing.T) {
	router := newTestRouter(t, testConfig(false), database.NewMemoryStore(), nil)

	w := do(router, http.MethodPost, "/api/v1/scan/text", gin.H{"text": "hello"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guarddog_scans_total")

	w = do(router, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
