package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/models"
)

// WebhookEvent is the JSON body posted to generic webhooks
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookNotifier posts every event as JSON to a single URL
type WebhookNotifier struct {
	url    string
	client *resty.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier. Retries are left to the Dispatcher.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "guarddog-notifier/1.0").
		SetHeaders(headers)
	return &WebhookNotifier{url: url, client: client, logger: logger}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) post(ctx context.Context, event string, data interface{}) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(WebhookEvent{Event: event, Timestamp: time.Now().UTC(), Data: data}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

func (w *WebhookNotifier) SendAlert(ctx context.Context, a *models.Alert) error {
	return w.post(ctx, "alert.created", a)
}

func (w *WebhookNotifier) SendClassification(ctx context.Context, c *models.Classification) error {
	return w.post(ctx, "classification.created", c)
}

func (w *WebhookNotifier) SendIncident(ctx context.Context, i *models.Incident) error {
	return w.post(ctx, "incident.created", i)
}

// SlackMessage is an incoming-webhook payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the coloured side bar and fields
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Ts     int64        `json:"ts"`
}

// SlackField is one short key/value pair
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	url     string
	channel string
	client  *resty.Client
}

func NewSlackNotifier(url, channel string, timeout time.Duration) *SlackNotifier {
	return &SlackNotifier{
		url:     url,
		channel: channel,
		client:  resty.New().SetTimeout(timeout),
	}
}

func (s *SlackNotifier) Name() string { return "slack" }

func severityColor(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "#8B0000"
	case models.SeverityHigh:
		return "danger"
	case models.SeverityMedium, models.SeverityWarning:
		return "warning"
	}
	return "good"
}

func (s *SlackNotifier) post(ctx context.Context, msg SlackMessage) error {
	msg.Channel = s.channel
	resp, err := s.client.R().SetContext(ctx).SetBody(msg).Post(s.url)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("slack returned status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (s *SlackNotifier) SendAlert(ctx context.Context, a *models.Alert) error {
	return s.post(ctx, SlackMessage{
		Text: fmt.Sprintf(":rotating_light: %s", a.Title),
		Attachments: []SlackAttachment{{
			Color: severityColor(a.Severity),
			Title: a.Title,
			Text:  a.Description,
			Fields: []SlackField{
				{Title: "Severity", Value: string(a.Severity), Short: true},
				{Title: "Source", Value: a.Source, Short: true},
			},
			Ts: a.Timestamp.Unix(),
		}},
	})
}

func (s *SlackNotifier) SendClassification(ctx context.Context, c *models.Classification) error {
	return s.post(ctx, SlackMessage{
		Text: fmt.Sprintf(":lock: Sensitive data (%s) found in %s", c.DataType, c.Source),
		Attachments: []SlackAttachment{{
			Color: severityColor(models.Severity(c.RiskLevel)),
			Title: "Data classification",
			Text:  c.RedactedContent,
			Fields: []SlackField{
				{Title: "Risk", Value: string(c.RiskLevel), Short: true},
				{Title: "Type", Value: c.DataType, Short: true},
			},
			Ts: c.Timestamp.Unix(),
		}},
	})
}

func (s *SlackNotifier) SendIncident(ctx context.Context, i *models.Incident) error {
	return s.post(ctx, SlackMessage{
		Text: fmt.Sprintf(":fire: Incident opened from %s", i.Source),
		Attachments: []SlackAttachment{{
			Color: severityColor(i.Severity),
			Title: "Incident " + i.ID,
			Text:  i.Description,
			Fields: []SlackField{
				{Title: "Status", Value: string(i.Status), Short: true},
				{Title: "Severity", Value: string(i.Severity), Short: true},
			},
			Ts: i.Timestamp.Unix(),
		}},
	})
}
