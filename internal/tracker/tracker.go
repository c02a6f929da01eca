// Package tracker records external API calls per application and day,
// maintains the rolling usage stats and flags anomalous usage.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/models"
)

// DateLayout is the format of the stats date key
const DateLayout = "2006-01-02"

// Per-call anomaly flags
const (
	FlagHighFrequency = "high_frequency_calls"
	FlagSlowResponse  = "slow_response"
	FlagErrorResponse = "error_response"
	FlagUnknownSource = "unknown_source"
)

// ErrInvalidCall is returned for calls that cannot be tracked
var ErrInvalidCall = errors.New("invalid api call")

// Store is the persistence the tracker needs
type Store interface {
	CreateAPICall(ctx context.Context, c *models.ExternalAPICall) error
	FindAPICallByRequestID(ctx context.Context, requestID string) (*models.ExternalAPICall, error)
	UpdateUsageStats(ctx context.Context, date, app string, fn database.StatsUpdate) (*models.CrossAppUsageStats, error)
	ListUsageStats(ctx context.Context, date string) ([]models.CrossAppUsageStats, error)
	CreateCorrelation(ctx context.Context, c *models.RequestCorrelation) error
	ResolveCorrelations(ctx context.Context, requestID, app string) (int, error)
}

// Escalator raises alerts for flagged calls
type Escalator interface {
	Escalate(ctx context.Context, violations []models.Violation) (*escalation.Outcome, error)
}

// Recorder counts tracked calls and anomalies
type Recorder interface {
	CallTracked(via models.TrackedVia)
	AnomalyFlagged(flag string)
}

type nopRecorder struct{}

func (nopRecorder) CallTracked(models.TrackedVia) {}
func (nopRecorder) AnomalyFlagged(string)         {}

// Result describes one tracked call
type Result struct {
	Call     *models.ExternalAPICall    `json:"call"`
	Stats    *models.CrossAppUsageStats `json:"stats"`
	Flags    []string                   `json:"flags,omitempty"`
	Outcome  *escalation.Outcome        `json:"outcome,omitempty"`
	Resolved int                        `json:"resolved_correlations,omitempty"`
}

// Tracker is safe for concurrent use. Updates to the same (date, app) stats
// row are serialised.
type Tracker struct {
	store     Store
	escalator Escalator
	cfg       config.TrackerConfig
	locks     *keyLock
	validate  *validator.Validate
	recorder  Recorder
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithRecorder(r Recorder) Option {
	return func(t *Tracker) {
		if r != nil {
			t.recorder = r
		}
	}
}

// DefaultConfig mirrors the configuration defaults
func DefaultConfig() config.TrackerConfig {
	return config.TrackerConfig{
		HighFrequencyCalls:   100,
		SlowResponseMs:       10000,
		DegradedLatencyMs:    5000,
		VolumeSpikeFactor:    3,
		VolumeCriticalFactor: 5,
		ErrorRateThreshold:   0.05,
		StaleAfter:           2 * time.Hour,
		OffHoursRatio:        0.1,
		IPConcentration:      0.3,
		MinCallsForRatios:    10,
		SweepSchedule:        "0 */5 * * * *",
	}
}

func New(store Store, escalator Escalator, cfg config.TrackerConfig, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:     store,
		escalator: escalator,
		cfg:       cfg,
		locks:     newKeyLock(),
		validate:  validator.New(),
		recorder:  nopRecorder{},
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Today returns the current stats date key
func (t *Tracker) Today() string {
	return t.now().Format(DateLayout)
}

// TrackExternalAPICall records a call observed directly
func (t *Tracker) TrackExternalAPICall(ctx context.Context, call models.ExternalAPICall) (*Result, error) {
	return t.track(ctx, call, models.TrackedDirect)
}

// TrackManual records a call entered by an operator
func (t *Tracker) TrackManual(ctx context.Context, call models.ExternalAPICall) (*Result, error) {
	return t.track(ctx, call, models.TrackedManual)
}

func (t *Tracker) track(ctx context.Context, call models.ExternalAPICall, via models.TrackedVia) (*Result, error) {
	if call.ApplicationSource == "" {
		call.ApplicationSource = models.UnknownApplication
	}
	if call.TrackedVia == "" {
		call.TrackedVia = via
	}
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = t.now()
	}
	call.Timestamp = call.Timestamp.UTC()
	if err := t.validate.Struct(call); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}

	if err := t.store.CreateAPICall(ctx, &call); err != nil {
		return nil, fmt.Errorf("failed to record api call: %w", err)
	}
	t.recorder.CallTracked(call.TrackedVia)

	flags := t.callFlags(&call)
	date := call.Timestamp.Format(DateLayout)

	unlock := t.locks.lock(lockKey(date, call.ApplicationSource))
	stats, err := t.store.UpdateUsageStats(ctx, date, call.ApplicationSource, func(s *models.CrossAppUsageStats) error {
		applyCall(s, &call)
		s.SecurityViolations += int64(len(flags))
		return nil
	})
	unlock()
	if err != nil {
		t.logger.Error("API call recorded but usage stats not updated",
			zap.String("call_id", call.ID),
			zap.String("application_source", call.ApplicationSource),
			zap.String("date", date),
			zap.Error(err))
		return nil, fmt.Errorf("failed to update usage stats for call %s: %w", call.ID, err)
	}

	res := &Result{Call: &call, Stats: stats, Flags: flags}
	var errs *multierror.Error

	if len(flags) > 0 {
		for _, f := range flags {
			t.recorder.AnomalyFlagged(f)
		}
		t.logger.Info("API call flagged",
			zap.String("application_source", call.ApplicationSource),
			zap.String("endpoint", call.Endpoint),
			zap.Strings("flags", flags))
		if t.escalator != nil {
			out, err := t.escalator.Escalate(ctx, callViolations(&call, flags))
			res.Outcome = out
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if call.RequestID != "" {
		n, err := t.store.ResolveCorrelations(ctx, call.RequestID, call.ApplicationSource)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		res.Resolved = n
	}
	return res, errs.ErrorOrNil()
}

// applyCall folds one call into the day's counters
func applyCall(s *models.CrossAppUsageStats, c *models.ExternalAPICall) {
	s.TotalCalls++
	if c.IsError() {
		s.ErrorCalls++
	} else {
		s.SuccessfulCalls++
	}
	if c.ResponseTime != nil {
		n := float64(s.TimedCalls)
		s.AvgResponseTime = (s.AvgResponseTime*n + float64(*c.ResponseTime)) / (n + 1)
		s.TimedCalls++
	}
	if h := c.Timestamp.Hour(); h < 9 || h > 18 {
		s.OffHoursCalls++
	}
	if c.ClientIP != "" {
		s.ClientIPs.Inc(c.ClientIP)
	}
	if c.Timestamp.After(s.LastCallAt) {
		s.LastCallAt = c.Timestamp
	}
}

func (t *Tracker) callFlags(c *models.ExternalAPICall) []string {
	var flags []string
	if freq, ok := callFrequency(c.Metadata); ok && freq > float64(t.cfg.HighFrequencyCalls) {
		flags = append(flags, FlagHighFrequency)
	}
	if c.ResponseTime != nil && *c.ResponseTime > t.cfg.SlowResponseMs {
		flags = append(flags, FlagSlowResponse)
	}
	if c.IsError() {
		flags = append(flags, FlagErrorResponse)
	}
	if c.ApplicationSource == models.UnknownApplication {
		flags = append(flags, FlagUnknownSource)
	}
	return flags
}

func callFrequency(meta models.JSONB) (float64, bool) {
	for _, key := range []string{"callFrequency", "call_frequency"} {
		switch v := meta[key].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}

var flagDescriptions = map[string]string{
	FlagHighFrequency: "Call frequency above threshold",
	FlagSlowResponse:  "Slow external API response",
	FlagErrorResponse: "External API call failed",
	FlagUnknownSource: "Call from an unidentified application",
}

func callViolations(c *models.ExternalAPICall, flags []string) []models.Violation {
	out := make([]models.Violation, 0, len(flags))
	for _, f := range flags {
		meta := map[string]interface{}{
			"endpoint":    c.Endpoint,
			"call_id":     c.ID,
			"tracked_via": string(c.TrackedVia),
		}
		if c.RequestID != "" {
			meta["request_id"] = c.RequestID
		}
		if c.StatusCode != nil {
			meta["status_code"] = *c.StatusCode
		}
		if c.ResponseTime != nil {
			meta["response_time"] = *c.ResponseTime
		}
		out = append(out, models.Violation{
			Type:            models.ViolationAnomaly,
			Subtype:         f,
			MatchCount:      1,
			Severity:        models.SeverityWarning,
			RiskLevel:       models.RiskMedium,
			Source:          c.ApplicationSource,
			SuggestedAction: models.ActionMonitor,
			Description:     flagDescriptions[f],
			Metadata:        meta,
			Timestamp:       c.Timestamp,
		})
	}
	return out
}
