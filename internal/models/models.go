package models

import (
	"time"
)

// Rule is an operator-managed switch over one detector group in the catalog
type Rule struct {
	ID              string     `json:"id" gorm:"primaryKey;size:64"`
	Name            string     `json:"name" gorm:"not null"`
	RuleType        RuleType   `json:"rule_type" gorm:"size:32;index;not null"`
	Severity        Severity   `json:"severity" gorm:"size:16"`
	Config          JSONB      `json:"config" gorm:"type:jsonb"`
	IsActive        bool       `json:"is_active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Violation is a single classified detector match. It is never stored on its
// own; the escalation engine folds it into classifications, alerts and incidents.
type Violation struct {
	Type            string                 `json:"type"`
	Subtype         string                 `json:"subtype"`
	MatchCount      int                    `json:"match_count"`
	Severity        Severity               `json:"severity"`
	RiskLevel       RiskLevel              `json:"risk_level,omitempty"`
	Source          string                 `json:"source"`
	RedactedContent string                 `json:"redacted_content"`
	SuggestedAction Action                 `json:"suggested_action"`
	Description     string                 `json:"description,omitempty"`
	DetectorID      string                 `json:"detector_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Classification is a redacted record of sensitive data found at rest
type Classification struct {
	ID              string    `json:"id" gorm:"primaryKey;size:64"`
	DataType        string    `json:"data_type" gorm:"size:64;index"`
	RiskLevel       RiskLevel `json:"risk_level" gorm:"size:16;index"`
	Source          string    `json:"source" gorm:"index"`
	RedactedContent string    `json:"redacted_content"`
	IsResolved      bool      `json:"is_resolved" gorm:"index"`
	Metadata        JSONB     `json:"metadata,omitempty" gorm:"type:jsonb"`
	Timestamp       time.Time `json:"timestamp" gorm:"index"`
}

// Alert is an active operational signal
type Alert struct {
	ID             string      `json:"id" gorm:"primaryKey;size:64"`
	Title          string      `json:"title" gorm:"not null"`
	Description    string      `json:"description"`
	Severity       Severity    `json:"severity" gorm:"size:16;index"`
	Source         string      `json:"source" gorm:"index"`
	Status         AlertStatus `json:"status" gorm:"size:16;index"`
	Metadata       JSONB       `json:"metadata,omitempty" gorm:"type:jsonb"`
	Timestamp      time.Time   `json:"timestamp" gorm:"index"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// Incident is opened for critical violations and confirmed volume anomalies
type Incident struct {
	ID          string         `json:"id" gorm:"primaryKey;size:64"`
	Severity    Severity       `json:"severity" gorm:"size:16"`
	Description string         `json:"description"`
	Status      IncidentStatus `json:"status" gorm:"size:16;index"`
	Source      string         `json:"source" gorm:"index"`
	AlertID     string         `json:"alert_id,omitempty" gorm:"size:64"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Timestamp   time.Time      `json:"timestamp" gorm:"index"`
}

// ExternalAPICall is one observed call made by an application. Immutable once created.
type ExternalAPICall struct {
	ID                string     `json:"id" gorm:"primaryKey;size:64"`
	RequestID         string     `json:"request_id,omitempty" gorm:"size:128;index"`
	ApplicationSource string     `json:"application_source" gorm:"index;not null"`
	Endpoint          string     `json:"endpoint" validate:"required,max=2048"`
	Method            string     `json:"method" gorm:"size:16"`
	ResponseTime      *int64     `json:"response_time,omitempty" validate:"omitempty,min=0"`
	StatusCode        *int       `json:"status_code,omitempty" validate:"omitempty,min=100,max=599"`
	TrackedVia        TrackedVia `json:"tracked_via" gorm:"size:16"`
	ClientIP          string     `json:"client_ip,omitempty" gorm:"size:64" validate:"omitempty,ip"`
	Metadata          JSONB      `json:"metadata,omitempty" gorm:"type:jsonb"`
	Timestamp         time.Time  `json:"timestamp" gorm:"index"`
}

// IsError reports whether the observed status code is a failure
func (c *ExternalAPICall) IsError() bool {
	return c.StatusCode != nil && *c.StatusCode >= 400
}

// CrossAppUsageStats holds the rolling per-day counters for one application
type CrossAppUsageStats struct {
	Date               string    `json:"date" gorm:"primaryKey;size:10"`
	ApplicationSource  string    `json:"application_source" gorm:"primaryKey"`
	TotalCalls         int64     `json:"total_calls"`
	SuccessfulCalls    int64     `json:"successful_calls"`
	ErrorCalls         int64     `json:"error_calls"`
	TimedCalls         int64     `json:"timed_calls"`
	AvgResponseTime    float64   `json:"avg_response_time"`
	SecurityViolations int64     `json:"security_violations"`
	OffHoursCalls      int64     `json:"off_hours_calls"`
	ClientIPs          Counter   `json:"client_ips,omitempty" gorm:"type:jsonb"`
	RaisedFlags        Counter   `json:"raised_flags,omitempty" gorm:"type:jsonb"`
	LastCallAt         time.Time `json:"last_call_at"`
}

// ErrorRate is errorCalls/totalCalls, zero when nothing was tracked
func (s *CrossAppUsageStats) ErrorRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.ErrorCalls) / float64(s.TotalCalls)
}

// Clone returns a deep copy
func (s CrossAppUsageStats) Clone() CrossAppUsageStats {
	s.ClientIPs = s.ClientIPs.Clone()
	s.RaisedFlags = s.RaisedFlags.Clone()
	return s
}

// RequestCorrelation is a request-id-only observation waiting to be matched
type RequestCorrelation struct {
	ID                string    `json:"id" gorm:"primaryKey;size:64"`
	RequestID         string    `json:"request_id" gorm:"size:128;index;not null"`
	CorrelationID     string    `json:"correlation_id" gorm:"size:64"`
	ApplicationSource string    `json:"application_source,omitempty"`
	Endpoint          string    `json:"endpoint"`
	Processed         bool      `json:"processed" gorm:"index"`
	Timestamp         time.Time `json:"timestamp"`
}

// AppHealth is the per-application entry of a cross-app summary
type AppHealth struct {
	CrossAppUsageStats
	HealthScore float64 `json:"health_score"`
}

// CrossAppSummary aggregates one day of usage across applications
type CrossAppSummary struct {
	Date            string      `json:"date"`
	Applications    []AppHealth `json:"applications"`
	TotalCalls      int64       `json:"total_calls"`
	TotalViolations int64       `json:"total_violations"`
	HealthScore     float64     `json:"health_score"`
}
