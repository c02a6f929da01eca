// Package notification delivers alerts, classifications and incidents to
// external transports without blocking the escalation path.
package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/models"
)

// Notifier is implemented by every outbound transport
type Notifier interface {
	SendAlert(ctx context.Context, alert *models.Alert) error
	SendClassification(ctx context.Context, c *models.Classification) error
	SendIncident(ctx context.Context, incident *models.Incident) error
}

// Named notifiers get their own rate limiter and log field in the Dispatcher
type Named interface {
	Notifier
	Name() string
}

// LogNotifier writes every event to the logger. It is the fallback channel
// when no transport is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) SendAlert(_ context.Context, a *models.Alert) error {
	n.logger.Info("Alert raised",
		zap.String("alert_id", a.ID),
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.Source))
	return nil
}

func (n *LogNotifier) SendClassification(_ context.Context, c *models.Classification) error {
	n.logger.Info("Sensitive data classified",
		zap.String("classification_id", c.ID),
		zap.String("data_type", c.DataType),
		zap.String("risk_level", string(c.RiskLevel)),
		zap.String("source", c.Source))
	return nil
}

func (n *LogNotifier) SendIncident(_ context.Context, i *models.Incident) error {
	n.logger.Warn("Incident opened",
		zap.String("incident_id", i.ID),
		zap.String("severity", string(i.Severity)),
		zap.String("status", string(i.Status)),
		zap.String("source", i.Source))
	return nil
}

// Nop discards everything
type Nop struct{}

func (Nop) SendAlert(context.Context, *models.Alert) error                   { return nil }
func (Nop) SendClassification(context.Context, *models.Classification) error { return nil }
func (Nop) SendIncident(context.Context, *models.Incident) error             { return nil }
