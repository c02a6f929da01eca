package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/models"
)

// ErrMissingRequestID is returned when a correlation carries no request id
var ErrMissingRequestID = errors.New("request id is required")

// firstString returns the first non-empty string among paths
func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// WebhookSource derives the owning application of a webhook delivery
func WebhookSource(doc gjson.Result) string {
	if app := firstString(doc,
		"metadata.application_source",
		"metadata.applicationSource",
		"metadata.app",
		"application_source",
	); app != "" {
		return app
	}
	if wt := firstString(doc, "webhook_type", "webhookType"); wt != "" {
		return "external_app_" + wt
	}
	return models.UnknownApplication
}

// TrackWebhook records a webhook delivery as an API call
func (t *Tracker) TrackWebhook(ctx context.Context, raw []byte) (*Result, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: webhook body is not valid JSON", ErrInvalidCall)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: webhook body must be an object", ErrInvalidCall)
	}

	webhookType := firstString(doc, "webhook_type", "webhookType")
	webhookCode := firstString(doc, "webhook_code", "webhookCode")

	endpoint := firstString(doc, "endpoint", "metadata.endpoint")
	if endpoint == "" {
		endpoint = "/webhooks"
		if webhookType != "" {
			endpoint += "/" + strings.ToLower(webhookType)
		}
	}
	method := firstString(doc, "method")
	if method == "" {
		method = "POST"
	}

	meta := models.JSONB{}
	if webhookType != "" {
		meta["webhook_type"] = webhookType
	}
	if webhookCode != "" {
		meta["webhook_code"] = webhookCode
	}
	if v := doc.Get("metadata.call_frequency"); v.Exists() {
		meta["call_frequency"] = v.Float()
	} else if v := doc.Get("metadata.callFrequency"); v.Exists() {
		meta["call_frequency"] = v.Float()
	}

	call := models.ExternalAPICall{
		RequestID:         firstString(doc, "request_id", "requestId", "metadata.request_id"),
		ApplicationSource: WebhookSource(doc),
		Endpoint:          endpoint,
		Method:            method,
		ClientIP:          firstString(doc, "client_ip", "metadata.client_ip"),
		Metadata:          meta,
	}
	if v := doc.Get("status_code"); v.Exists() {
		code := int(v.Int())
		call.StatusCode = &code
	}
	if v := doc.Get("response_time"); v.Exists() {
		ms := v.Int()
		call.ResponseTime = &ms
	}
	if v := doc.Get("timestamp"); v.Exists() {
		if ts, err := time.Parse(time.RFC3339, v.String()); err == nil {
			call.Timestamp = ts
		}
	}
	return t.track(ctx, call, models.TrackedWebhook)
}

// CorrelationResult is the outcome of TrackCorrelation. Tracked is set when
// the hint allowed the call to be tracked immediately.
type CorrelationResult struct {
	Correlation *models.RequestCorrelation `json:"correlation,omitempty"`
	Tracked     *Result                    `json:"tracked,omitempty"`
}

// TrackCorrelation records a bare request id. A request already tracked
// resolves immediately; with an application hint the call is tracked now;
// otherwise the correlation waits for a later call with the same request id.
func (t *Tracker) TrackCorrelation(ctx context.Context, requestID, endpoint, appHint string) (*CorrelationResult, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCall, ErrMissingRequestID)
	}

	existing, err := t.store.FindAPICallByRequestID(ctx, requestID)
	switch {
	case err == nil:
		c := t.correlation(requestID, endpoint, existing.ApplicationSource, true)
		if err := t.store.CreateCorrelation(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to record correlation: %w", err)
		}
		return &CorrelationResult{Correlation: c}, nil
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("failed to look up request %s: %w", requestID, err)
	}

	if appHint != "" {
		res, err := t.track(ctx, models.ExternalAPICall{
			RequestID:         requestID,
			ApplicationSource: appHint,
			Endpoint:          endpoint,
		}, models.TrackedCorrelation)
		if res == nil {
			return nil, err
		}
		return &CorrelationResult{Tracked: res}, err
	}

	c := t.correlation(requestID, endpoint, "", false)
	if err := t.store.CreateCorrelation(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to record correlation: %w", err)
	}
	return &CorrelationResult{Correlation: c}, nil
}

func (t *Tracker) correlation(requestID, endpoint, app string, processed bool) *models.RequestCorrelation {
	return &models.RequestCorrelation{
		ID:                uuid.NewString(),
		RequestID:         requestID,
		CorrelationID:     uuid.NewString(),
		ApplicationSource: app,
		Endpoint:          endpoint,
		Processed:         processed,
		Timestamp:         t.now(),
	}
}
