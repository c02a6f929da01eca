package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/guarddog/internal/models"
)

func counterValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCollector(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("Independent Registries", func(t *testing.T) {
		a, b := NewCollector(), NewCollector()
		a.AlertCreated(models.SeverityHigh)
		assert.Equal(t, 1.0, counterValue(t, a, "guarddog_alerts_total", map[string]string{"severity": "high"}))
		assert.Zero(t, counterValue(t, b, "guarddog_alerts_total", map[string]string{"severity": "high"}))
	})

	t.Run("Records Escalation And Delivery", func(t *testing.T) {
		c := NewCollector()
		c.ViolationEscalated(models.ViolationPII, models.SeverityHigh)
		c.EscalationSuppressed(models.ViolationPII)
		c.NotificationSent("webhook", "alert", 20*time.Millisecond)
		c.NotificationFailed("webhook", "alert")
		c.NotificationDropped("slack", "queue_full")
		c.ScanCompleted("text", errors.New("bad"), time.Millisecond)

		assert.Equal(t, 1.0, counterValue(t, c, "guarddog_violations_escalated_total",
			map[string]string{"type": "pii_detection", "severity": "high"}))
		assert.Equal(t, 1.0, counterValue(t, c, "guarddog_notifications_total",
			map[string]string{"channel": "webhook", "status": "error"}))
		assert.Equal(t, 1.0, counterValue(t, c, "guarddog_scans_total",
			map[string]string{"kind": "text", "status": "error"}))
	})

	t.Run("Exposes Metrics Over HTTP", func(t *testing.T) {
		c := NewCollector()
		router := gin.New()
		router.Use(c.GinMiddleware())
		router.GET("/ping", func(ctx *gin.Context) { ctx.Status(http.StatusNoContent) })
		router.GET("/metrics", gin.WrapH(c.Handler()))

		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		body, err := io.ReadAll(w.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `guarddog_http_requests_total{method="GET",route="/ping",status="204"} 1`)
	})
}
