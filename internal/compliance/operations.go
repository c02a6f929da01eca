package compliance

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/models"
)

// CreateRule stores a new operator rule. The config map must decode onto
// the catalog thresholds.
func (e *Engine) CreateRule(ctx context.Context, r *models.Rule) error {
	if !r.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, r.RuleType)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}
	if err := validateConfig(r.Config); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = "rule_" + uuid.NewString()
	}
	if err := e.store.CreateRule(ctx, r); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	e.rules.Delete(rulesCacheKey)
	return nil
}

func (e *Engine) ListRules(ctx context.Context) ([]models.Rule, error) {
	return e.store.ListRules(ctx)
}

// ToggleRule enables or disables the detector group behind a rule
func (e *Engine) ToggleRule(ctx context.Context, id string, active bool) (*models.Rule, error) {
	return e.updateRule(ctx, id, func(r *models.Rule) error {
		r.IsActive = active
		return nil
	})
}

// UpdateRuleConfig replaces the threshold overrides of a rule
func (e *Engine) UpdateRuleConfig(ctx context.Context, id string, config map[string]interface{}) (*models.Rule, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	return e.updateRule(ctx, id, func(r *models.Rule) error {
		r.Config = models.JSONB(config)
		return nil
	})
}

func (e *Engine) updateRule(ctx context.Context, id string, fn func(*models.Rule) error) (*models.Rule, error) {
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(r); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	e.rules.Delete(rulesCacheKey)
	return r, nil
}

func validateConfig(config map[string]interface{}) error {
	if len(config) == 0 {
		return nil
	}
	t := catalog.DefaultThresholds()
	if err := catalog.DecodeThresholds(config, &t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

func (e *Engine) AcknowledgeAlert(ctx context.Context, id string) (*models.Alert, error) {
	return e.store.UpdateAlertStatus(ctx, id, models.AlertStatusAcknowledged, e.now())
}

func (e *Engine) ResolveAlert(ctx context.Context, id string) (*models.Alert, error) {
	return e.store.UpdateAlertStatus(ctx, id, models.AlertStatusResolved, e.now())
}

// UpdateIncidentStatus moves an incident along open, investigating, resolved
func (e *Engine) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus) (*models.Incident, error) {
	return e.store.UpdateIncidentStatus(ctx, id, status, e.now())
}

func (e *Engine) ResolveClassification(ctx context.Context, id string) (*models.Classification, error) {
	return e.store.ResolveClassification(ctx, id)
}

func (e *Engine) ListAlerts(ctx context.Context, f database.AlertFilter) ([]models.Alert, error) {
	return e.store.ListAlerts(ctx, f)
}

func (e *Engine) ListIncidents(ctx context.Context, f database.IncidentFilter) ([]models.Incident, error) {
	return e.store.ListIncidents(ctx, f)
}

func (e *Engine) ListClassifications(ctx context.Context, f database.ClassificationFilter) ([]models.Classification, error) {
	return e.store.ListClassifications(ctx, f)
}
