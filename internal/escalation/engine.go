// Package escalation turns violations into classifications, alerts and
// incidents, persists them and hands them to the notifier.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/notification"
)

// Store is the persistence the engine writes to
type Store interface {
	CreateClassification(ctx context.Context, c *models.Classification) error
	CreateAlert(ctx context.Context, a *models.Alert) error
	CreateIncident(ctx context.Context, i *models.Incident) error
	TouchRules(ctx context.Context, ruleType models.RuleType, at time.Time) error
}

// Recorder receives escalation counts, typically the prometheus collector
type Recorder interface {
	ViolationEscalated(violationType string, severity models.Severity)
	AlertCreated(severity models.Severity)
	ClassificationCreated(riskLevel models.RiskLevel)
	IncidentCreated(severity models.Severity)
	EscalationSuppressed(violationType string)
}

type nopRecorder struct{}

func (nopRecorder) ViolationEscalated(string, models.Severity) {}
func (nopRecorder) AlertCreated(models.Severity)               {}
func (nopRecorder) ClassificationCreated(models.RiskLevel)     {}
func (nopRecorder) IncidentCreated(models.Severity)            {}
func (nopRecorder) EscalationSuppressed(string)                {}

// Outcome is everything one escalation produced. It is filled in even when
// some of the writes failed.
type Outcome struct {
	Classifications []*models.Classification `json:"classifications,omitempty"`
	Alerts          []*models.Alert          `json:"alerts,omitempty"`
	Incidents       []*models.Incident       `json:"incidents,omitempty"`
	Suppressed      int                      `json:"suppressed,omitempty"`
}

func (o *Outcome) merge(other *Outcome) {
	o.Classifications = append(o.Classifications, other.Classifications...)
	o.Alerts = append(o.Alerts, other.Alerts...)
	o.Incidents = append(o.Incidents, other.Incidents...)
	o.Suppressed += other.Suppressed
}

// Engine is safe for concurrent use
type Engine struct {
	store      Store
	notifier   notification.Notifier
	suppressor Suppressor
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine
type Option func(*Engine)

// WithSuppressor enables deduplication by type, subtype and source
func WithSuppressor(s Suppressor) Option {
	return func(e *Engine) { e.suppressor = s }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires the engine. The notifier should be asynchronous (see
// notification.Dispatcher); its errors are only logged.
func NewEngine(store Store, notifier notification.Notifier, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		recorder: nopRecorder{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AlertTitle formats the title of an alert raised for a non-PII violation
func AlertTitle(violationType, subtype string) string {
	return fmt.Sprintf("%s: %s", strings.ToUpper(violationType), subtype)
}

// DedupKey identifies repeats of the same finding from the same source
func DedupKey(v models.Violation) string {
	return v.Type + ":" + v.Subtype + ":" + v.Source
}

// Escalate processes every violation. Persistence failures are collected and
// returned together; the outcome still lists every record that was decided.
func (e *Engine) Escalate(ctx context.Context, violations []models.Violation) (*Outcome, error) {
	out := &Outcome{}
	var errs *multierror.Error
	touched := make(map[models.RuleType]bool)

	for _, v := range violations {
		o, err := e.escalateOne(ctx, v)
		out.merge(o)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		if o.Suppressed == 0 {
			if rt, ok := models.RuleTypeFor(v.Type); ok {
				touched[rt] = true
			}
		}
	}

	now := e.now()
	for _, rt := range models.RuleTypes {
		if !touched[rt] {
			continue
		}
		if err := e.store.TouchRules(ctx, rt, now); err != nil {
			e.logger.Error("Failed to update rule trigger time", zap.String("rule_type", string(rt)), zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("failed to touch %s rules: %w", rt, err))
		}
	}
	return out, errs.ErrorOrNil()
}

func (e *Engine) escalateOne(ctx context.Context, v models.Violation) (*Outcome, error) {
	out := &Outcome{}

	if e.suppressor != nil {
		allowed, err := e.suppressor.Allow(ctx, DedupKey(v))
		if err != nil {
			e.logger.Warn("Dedup check failed, escalating anyway", zap.String("key", DedupKey(v)), zap.Error(err))
		}
		if !allowed {
			e.logger.Debug("Escalation suppressed", zap.String("key", DedupKey(v)))
			e.recorder.EscalationSuppressed(v.Type)
			out.Suppressed = 1
			return out, nil
		}
	}

	e.recorder.ViolationEscalated(v.Type, v.Severity)
	var errs *multierror.Error
	ts := v.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}

	var alert *models.Alert
	if v.Type == models.ViolationPII {
		c := e.classification(v, v.Subtype, ts)
		out.Classifications = append(out.Classifications, c)
		if err := e.saveClassification(ctx, c); err != nil {
			errs = multierror.Append(errs, err)
		}
		if c.RiskLevel.IsHigh() {
			alert = e.alert(v, models.SeverityWarning, ts)
		}
	} else {
		alert = e.alert(v, v.Severity, ts)
		if highRisk, _ := v.Metadata["high_risk"].(bool); highRisk {
			c := e.classification(v, "financial_transaction", ts)
			out.Classifications = append(out.Classifications, c)
			if err := e.saveClassification(ctx, c); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if alert != nil {
		out.Alerts = append(out.Alerts, alert)
		if err := e.saveAlert(ctx, alert); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if v.Severity == models.SeverityCritical {
		incident := &models.Incident{
			ID:          e.newID(),
			Severity:    models.SeverityCritical,
			Description: incidentDescription(v),
			Status:      models.IncidentStatusInvestigating,
			Source:      v.Source,
			Timestamp:   ts,
		}
		if alert != nil {
			incident.AlertID = alert.ID
		}
		out.Incidents = append(out.Incidents, incident)
		if err := e.saveIncident(ctx, incident); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return out, errs.ErrorOrNil()
}

func (e *Engine) classification(v models.Violation, dataType string, ts time.Time) *models.Classification {
	risk := v.RiskLevel
	if risk == "" {
		risk = riskFromSeverity(v.Severity)
	}
	return &models.Classification{
		ID:              e.newID(),
		DataType:        dataType,
		RiskLevel:       risk,
		Source:          v.Source,
		RedactedContent: v.RedactedContent,
		IsResolved:      false,
		Metadata:        violationMetadata(v),
		Timestamp:       ts,
	}
}

func (e *Engine) alert(v models.Violation, severity models.Severity, ts time.Time) *models.Alert {
	desc := v.Description
	if desc == "" {
		desc = fmt.Sprintf("%d %s match(es) from %s", v.MatchCount, v.Subtype, v.Source)
	} else {
		desc = fmt.Sprintf("%s: %d match(es) from %s", desc, v.MatchCount, v.Source)
	}
	return &models.Alert{
		ID:          e.newID(),
		Title:       AlertTitle(v.Type, v.Subtype),
		Description: desc,
		Severity:    severity,
		Source:      v.Source,
		Status:      models.AlertStatusActive,
		Metadata:    violationMetadata(v),
		Timestamp:   ts,
	}
}

func incidentDescription(v models.Violation) string {
	if v.Description != "" {
		return fmt.Sprintf("Critical %s violation (%s) from %s: %s", v.Type, v.Subtype, v.Source, v.Description)
	}
	return fmt.Sprintf("Critical %s violation (%s) from %s", v.Type, v.Subtype, v.Source)
}

func violationMetadata(v models.Violation) models.JSONB {
	meta := models.JSONB{
		"violation_type":   v.Type,
		"subtype":          v.Subtype,
		"match_count":      v.MatchCount,
		"suggested_action": string(v.SuggestedAction),
		"redacted_content": v.RedactedContent,
	}
	if v.DetectorID != "" {
		meta["detector_id"] = v.DetectorID
	}
	for k, val := range v.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = val
		}
	}
	return meta
}

func riskFromSeverity(s models.Severity) models.RiskLevel {
	switch s {
	case models.SeverityCritical:
		return models.RiskCritical
	case models.SeverityHigh:
		return models.RiskHigh
	case models.SeverityMedium, models.SeverityWarning:
		return models.RiskMedium
	}
	return models.RiskLow
}

func (e *Engine) saveClassification(ctx context.Context, c *models.Classification) error {
	e.recorder.ClassificationCreated(c.RiskLevel)
	err := e.store.CreateClassification(ctx, c)
	if err != nil {
		e.logger.Error("Failed to store classification", zap.String("classification_id", c.ID), zap.Error(err))
		err = fmt.Errorf("failed to store classification: %w", err)
	}
	if nerr := e.notifier.SendClassification(ctx, c); nerr != nil {
		e.logger.Error("Failed to dispatch classification", zap.String("classification_id", c.ID), zap.Error(nerr))
	}
	return err
}

func (e *Engine) saveAlert(ctx context.Context, a *models.Alert) error {
	e.recorder.AlertCreated(a.Severity)
	err := e.store.CreateAlert(ctx, a)
	if err != nil {
		e.logger.Error("Failed to store alert", zap.String("alert_id", a.ID), zap.Error(err))
		err = fmt.Errorf("failed to store alert: %w", err)
	}
	if nerr := e.notifier.SendAlert(ctx, a); nerr != nil {
		e.logger.Error("Failed to dispatch alert", zap.String("alert_id", a.ID), zap.Error(nerr))
	}
	return err
}

func (e *Engine) saveIncident(ctx context.Context, i *models.Incident) error {
	e.recorder.IncidentCreated(i.Severity)
	err := e.store.CreateIncident(ctx, i)
	if err != nil {
		e.logger.Error("Failed to store incident", zap.String("incident_id", i.ID), zap.Error(err))
		err = fmt.Errorf("failed to store incident: %w", err)
	}
	if nerr := e.notifier.SendIncident(ctx, i); nerr != nil {
		e.logger.Error("Failed to dispatch incident", zap.String("incident_id", i.ID), zap.Error(nerr))
	}
	return err
}
