// Package database persists rules and the records derived from violations.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/aegisshield/guarddog/internal/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status   models.AlertStatus
	Severity models.Severity
	Source   string
	Since    time.Time
	Limit    int
}

// ClassificationFilter narrows ListClassifications
type ClassificationFilter struct {
	UnresolvedOnly bool
	Source         string
	Since          time.Time
	Limit          int
}

// IncidentFilter narrows ListIncidents
type IncidentFilter struct {
	Status models.IncidentStatus
	Since  time.Time
	Limit  int
}

// StatsUpdate mutates one stats row inside UpdateUsageStats
type StatsUpdate func(stats *models.CrossAppUsageStats) error

// Store is the full persistence surface used by the engine
type Store interface {
	CreateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id string) (*models.Rule, error)
	ListRules(ctx context.Context) ([]models.Rule, error)
	UpdateRule(ctx context.Context, r *models.Rule) error
	TouchRules(ctx context.Context, ruleType models.RuleType, at time.Time) error

	CreateClassification(ctx context.Context, c *models.Classification) error
	ListClassifications(ctx context.Context, f ClassificationFilter) ([]models.Classification, error)
	ResolveClassification(ctx context.Context, id string) (*models.Classification, error)

	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error)

	CreateIncident(ctx context.Context, i *models.Incident) error
	ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, at time.Time) (*models.Incident, error)

	CreateAPICall(ctx context.Context, c *models.ExternalAPICall) error
	FindAPICallByRequestID(ctx context.Context, requestID string) (*models.ExternalAPICall, error)

	// UpdateUsageStats applies fn to the (date, app) row atomically, creating
	// the row when missing, and returns the stored result.
	UpdateUsageStats(ctx context.Context, date, app string, fn StatsUpdate) (*models.CrossAppUsageStats, error)
	GetUsageStats(ctx context.Context, date, app string) (*models.CrossAppUsageStats, error)
	// ListUsageStats returns copies; callers may hold them as a snapshot.
	ListUsageStats(ctx context.Context, date string) ([]models.CrossAppUsageStats, error)

	CreateCorrelation(ctx context.Context, c *models.RequestCorrelation) error
	// ResolveCorrelations marks every pending correlation for requestID as
	// processed by app and reports how many changed.
	ResolveCorrelations(ctx context.Context, requestID, app string) (int, error)
	ListCorrelations(ctx context.Context, pendingOnly bool) ([]models.RequestCorrelation, error)

	Ping(ctx context.Context) error
	Close() error
}
