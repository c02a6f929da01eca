// Package handlers exposes the compliance engine over REST.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/compliance"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/realtime"
	"github.com/aegisshield/guarddog/internal/scanner"
	"github.com/aegisshield/guarddog/internal/scheduler"
	"github.com/aegisshield/guarddog/internal/tracker"
)

const maxBodyBytes = 16 << 20

// TaskRunner lists and triggers scheduled tasks
type TaskRunner interface {
	Tasks() []scheduler.TaskStatus
	RunNow(ctx context.Context, id string) error
}

// Handler serves the REST API
type Handler struct {
	engine *compliance.Engine
	hub    *realtime.Hub
	tasks  TaskRunner
	logger *zap.Logger
}

// NewHandler creates a handler. hub and tasks may be nil.
func NewHandler(engine *compliance.Engine, hub *realtime.Hub, tasks TaskRunner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{engine: engine, hub: hub, tasks: tasks, logger: logger}
}

// RegisterRoutes registers the API routes on the group
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	scan := api.Group("/scan")
	scan.POST("/text", h.ScanText)
	scan.POST("/transaction", h.ScanTransaction)
	scan.POST("/api", h.ScanAPITelemetry)
	scan.POST("/ai-usage", h.ScanAIUsage)
	scan.POST("/json", h.ScanJSON)

	api.POST("/llm/scan", h.ScanLLMResponse)

	calls := api.Group("/calls")
	calls.POST("", h.TrackCall)
	calls.POST("/manual", h.TrackManual)
	calls.POST("/webhook", h.TrackWebhook)
	calls.POST("/correlation", h.TrackCorrelation)

	api.GET("/score", h.GetScore)
	api.GET("/summary", h.GetSummary)

	api.GET("/rules", h.ListRules)
	api.POST("/rules", h.CreateRule)
	api.PATCH("/rules/:id/toggle", h.ToggleRule)
	api.PUT("/rules/:id/config", h.UpdateRuleConfig)

	api.GET("/alerts", h.ListAlerts)
	api.POST("/alerts/:id/acknowledge", h.AcknowledgeAlert)
	api.POST("/alerts/:id/resolve", h.ResolveAlert)

	api.GET("/incidents", h.ListIncidents)
	api.PATCH("/incidents/:id", h.UpdateIncident)

	api.GET("/classifications", h.ListClassifications)
	api.POST("/classifications/:id/resolve", h.ResolveClassification)

	if h.tasks != nil {
		api.GET("/tasks", h.ListTasks)
		api.POST("/tasks/:id/run", h.RunTask)
	}
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, scanner.ErrInvalidPayload),
		errors.Is(err, tracker.ErrInvalidCall),
		errors.Is(err, compliance.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound), errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail writes the error response. Server errors are logged and reported
// with msg only.
func (h *Handler) fail(c *gin.Context, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return nil, false
	}
	return body, true
}

func (h *Handler) respondScan(c *gin.Context, violations []models.Violation, err error) {
	if err != nil {
		if violations != nil && statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("Failed to record violations", zap.String("path", c.FullPath()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      "Failed to record violations",
				"violations": violations,
				"count":      len(violations),
			})
			return
		}
		h.fail(c, err, "Failed to scan payload")
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations, "count": len(violations)})
}

// Health reports store connectivity
func (h *Handler) Health(c *gin.Context) {
	status := gin.H{
		"status":          "healthy",
		"catalog_version": h.engine.CatalogVersion(),
	}
	if err := h.engine.Ping(c.Request.Context()); err != nil {
		status["status"] = "unhealthy"
		status["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	if h.hub != nil {
		status["websocket_clients"] = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) ScanText(c *gin.Context) {
	var req struct {
		Text   string `json:"text" binding:"required"`
		Source string `json:"source"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	violations, err := h.engine.ScanText(c.Request.Context(), req.Text, req.Source)
	h.respondScan(c, violations, err)
}

// ScanTransaction accepts a transaction object or array as the body
func (h *Handler) ScanTransaction(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	violations, err := h.engine.ScanTransaction(c.Request.Context(), body, c.Query("source"))
	h.respondScan(c, violations, err)
}

func (h *Handler) ScanAPITelemetry(c *gin.Context) {
	var req struct {
		Source string               `json:"source"`
		Record scanner.APITelemetry `json:"record"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	violations, err := h.engine.ScanAPITelemetry(c.Request.Context(), req.Record, req.Source)
	h.respondScan(c, violations, err)
}

func (h *Handler) ScanAIUsage(c *gin.Context) {
	var req struct {
		Source string          `json:"source"`
		Record scanner.AIUsage `json:"record"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	violations, err := h.engine.ScanAIUsage(c.Request.Context(), req.Record, req.Source)
	h.respondScan(c, violations, err)
}

// ScanJSON classifies an arbitrary JSON body
func (h *Handler) ScanJSON(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	violations, err := h.engine.ScanJSON(c.Request.Context(), body, c.Query("source"))
	h.respondScan(c, violations, err)
}

// ScanLLMResponse always answers with the decision; a failure to record it
// is flagged in a header.
func (h *Handler) ScanLLMResponse(c *gin.Context) {
	var req struct {
		Content  string                 `json:"content" binding:"required"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	decision, err := h.engine.ScanLLMResponse(c.Request.Context(), req.Content, req.Metadata)
	if err != nil {
		h.logger.Error("Failed to record LLM gate decision", zap.String("action", string(decision.Action)), zap.Error(err))
		c.Header("X-Audit-Failed", "true")
	}
	c.JSON(http.StatusOK, decision)
}

func (h *Handler) respondTracked(c *gin.Context, res interface{}, err error) {
	if err != nil {
		h.fail(c, err, "Failed to track call")
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) TrackCall(c *gin.Context) {
	var call models.ExternalAPICall
	if !h.bindJSON(c, &call) {
		return
	}
	res, err := h.engine.TrackExternalAPICall(c.Request.Context(), call)
	h.respondTracked(c, res, err)
}

func (h *Handler) TrackManual(c *gin.Context) {
	var call models.ExternalAPICall
	if !h.bindJSON(c, &call) {
		return
	}
	res, err := h.engine.TrackManual(c.Request.Context(), call)
	h.respondTracked(c, res, err)
}

func (h *Handler) TrackWebhook(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	res, err := h.engine.TrackWebhook(c.Request.Context(), body)
	h.respondTracked(c, res, err)
}

func (h *Handler) TrackCorrelation(c *gin.Context) {
	var req struct {
		RequestID         string `json:"request_id"`
		Endpoint          string `json:"endpoint"`
		ApplicationSource string `json:"application_source"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	res, err := h.engine.TrackCorrelation(c.Request.Context(), req.RequestID, req.Endpoint, req.ApplicationSource)
	h.respondTracked(c, res, err)
}

func (h *Handler) GetScore(c *gin.Context) {
	res, err := h.engine.ComputeComplianceScore(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to compute compliance score")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.engine.GetCrossAppSummary(c.Request.Context(), c.Query("date"))
	if err != nil {
		h.fail(c, err, "Failed to build cross-app summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to list rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (h *Handler) CreateRule(c *gin.Context) {
	var rule models.Rule
	if !h.bindJSON(c, &rule) {
		return
	}
	if err := h.engine.CreateRule(c.Request.Context(), &rule); err != nil {
		h.fail(c, err, "Failed to create rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) ToggleRule(c *gin.Context) {
	var req struct {
		IsActive *bool `json:"is_active" binding:"required"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	rule, err := h.engine.ToggleRule(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		h.fail(c, err, "Failed to toggle rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) UpdateRuleConfig(c *gin.Context) {
	var req struct {
		Config map[string]interface{} `json:"config" binding:"required"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	rule, err := h.engine.UpdateRuleConfig(c.Request.Context(), c.Param("id"), req.Config)
	if err != nil {
		h.fail(c, err, "Failed to update rule config")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func (h *Handler) ListAlerts(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	alerts, err := h.engine.ListAlerts(c.Request.Context(), database.AlertFilter{
		Status:   models.AlertStatus(c.Query("status")),
		Severity: models.Severity(c.Query("severity")),
		Source:   c.Query("source"),
		Limit:    limit,
	})
	if err != nil {
		h.fail(c, err, "Failed to list alerts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	alert, err := h.engine.AcknowledgeAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to acknowledge alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	alert, err := h.engine.ResolveAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to resolve alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (h *Handler) ListIncidents(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	incidents, err := h.engine.ListIncidents(c.Request.Context(), database.IncidentFilter{
		Status: models.IncidentStatus(c.Query("status")),
		Limit:  limit,
	})
	if err != nil {
		h.fail(c, err, "Failed to list incidents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func (h *Handler) UpdateIncident(c *gin.Context) {
	var req struct {
		Status models.IncidentStatus `json:"status" binding:"required"`
	}
	if !h.bindJSON(c, &req) {
		return
	}
	incident, err := h.engine.UpdateIncidentStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.fail(c, err, "Failed to update incident")
		return
	}
	c.JSON(http.StatusOK, incident)
}

func (h *Handler) ListClassifications(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	classifications, err := h.engine.ListClassifications(c.Request.Context(), database.ClassificationFilter{
		UnresolvedOnly: c.Query("unresolved") == "true",
		Source:         c.Query("source"),
		Limit:          limit,
	})
	if err != nil {
		h.fail(c, err, "Failed to list classifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"classifications": classifications, "count": len(classifications)})
}

func (h *Handler) ResolveClassification(c *gin.Context) {
	classification, err := h.engine.ResolveClassification(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to resolve classification")
		return
	}
	c.JSON(http.StatusOK, classification)
}

func (h *Handler) ListTasks(c *gin.Context) {
	tasks := h.tasks.Tasks()
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

func (h *Handler) RunTask(c *gin.Context) {
	if err := h.tasks.RunNow(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, "Scheduled task failed")
		return
	}
	c.Status(http.StatusNoContent)
}
