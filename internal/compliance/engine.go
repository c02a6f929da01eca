// Package compliance is the entry point of the detection, classification
// and escalation pipeline.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/classifier"
	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/database"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/llmgate"
	"github.com/aegisshield/guarddog/internal/metrics"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scanner"
	"github.com/aegisshield/guarddog/internal/scoring"
	"github.com/aegisshield/guarddog/internal/tracker"
)

// ErrInvalidRule is returned for rules the catalog cannot apply
var ErrInvalidRule = errors.New("invalid rule")

// DefaultSource labels scans that do not name their origin
const DefaultSource = "unknown"

const (
	rulesCacheKey = "rules"
	rulesCacheTTL = 10 * time.Second
)

// Engine wires the catalog, scanner, classifier, escalation engine, LLM
// gate, tracker and scorer together. It is safe for concurrent use.
type Engine struct {
	store      database.Store
	catalog    catalog.Provider
	scanner    *scanner.Scanner
	classifier *classifier.Classifier
	escalator  *escalation.Engine
	gate       *llmgate.Gate
	tracker    *tracker.Tracker
	scorer     *scoring.Scorer
	rules      *cache.Cache
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
	picker     llmgate.Picker
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics exports scan, gate, tracker and score metrics
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock pins the clock of the engine and every component it builds
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPicker pins disclaimer selection in the LLM gate
func WithPicker(p llmgate.Picker) Option {
	return func(e *Engine) { e.picker = p }
}

func New(store database.Store, provider catalog.Provider, escalator *escalation.Engine, cfg *config.Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		catalog:   provider,
		escalator: escalator,
		rules:     cache.New(rulesCacheTTL, time.Minute),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	e.scanner = scanner.New(logger.Named("scanner"))
	e.classifier = classifier.New(classifier.WithClock(e.now))

	gateOpts := []llmgate.Option{}
	trackerOpts := []tracker.Option{tracker.WithClock(e.now)}
	if e.picker != nil {
		gateOpts = append(gateOpts, llmgate.WithPicker(e.picker))
	}
	if e.metrics != nil {
		gateOpts = append(gateOpts, llmgate.WithRecorder(e.metrics))
		trackerOpts = append(trackerOpts, tracker.WithRecorder(e.metrics))
	}
	e.gate = llmgate.NewGate(provider, e.scanner, escalator, cfg.LLMGate.Disclaimers, logger.Named("llm_gate"), gateOpts...)
	e.tracker = tracker.New(store, escalator, cfg.Tracker, logger.Named("tracker"), trackerOpts...)
	e.scorer = scoring.NewScorer(store, cfg.Scoring.Lookback, logger.Named("scoring"), scoring.WithClock(e.now))
	return e
}

// Tracker exposes the call tracker for the scheduler and the kafka consumer
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// CatalogVersion is the version of the pattern catalog in force
func (e *Engine) CatalogVersion() int64 { return e.catalog.Current().Version }

// SeedRules creates the built-in rule for every group that has none
func (e *Engine) SeedRules(ctx context.Context) (int, error) {
	created := 0
	for _, r := range catalog.DefaultRules() {
		if _, err := e.store.GetRule(ctx, r.ID); err == nil {
			continue
		} else if !errors.Is(err, database.ErrNotFound) {
			return created, fmt.Errorf("failed to look up rule %s: %w", r.ID, err)
		}
		rule := r
		if err := e.store.CreateRule(ctx, &rule); err != nil {
			return created, fmt.Errorf("failed to seed rule %s: %w", r.ID, err)
		}
		created++
	}
	e.rules.Delete(rulesCacheKey)
	if created > 0 {
		e.logger.Info("Seeded default rules", zap.Int("count", created))
	}
	return created, nil
}

// Ping checks the store
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// activeCatalog overlays the stored rules on the current catalog. When the
// rules cannot be read the catalog is used as loaded.
func (e *Engine) activeCatalog(ctx context.Context) *catalog.Catalog {
	base := e.catalog.Current()
	if e.metrics != nil {
		e.metrics.SetCatalogVersion(base.Version)
	}

	var rules []models.Rule
	if cached, ok := e.rules.Get(rulesCacheKey); ok {
		rules = cached.([]models.Rule)
	} else {
		var err error
		if rules, err = e.store.ListRules(ctx); err != nil {
			e.logger.Warn("Failed to load rules, scanning with the unmodified catalog", zap.Error(err))
			return base
		}
		e.rules.SetDefault(rulesCacheKey, rules)
	}

	cat, err := base.WithRules(rules)
	if err != nil {
		e.logger.Warn("Failed to apply rules, scanning with the unmodified catalog", zap.Error(err))
		return base
	}
	return cat
}

// scan runs payload through the pipeline. Input errors return no
// violations; escalation errors return the violations with the error.
func (e *Engine) scan(ctx context.Context, kind string, payload scanner.Payload, source string) ([]models.Violation, error) {
	start := time.Now()
	if source == "" {
		source = DefaultSource
	}

	matches, err := e.scanner.Scan(e.activeCatalog(ctx), payload)
	if err != nil {
		e.recordScan(kind, err, start)
		return nil, err
	}
	violations := e.classifier.Classify(matches, source)
	if len(violations) == 0 {
		e.recordScan(kind, nil, start)
		return []models.Violation{}, nil
	}

	_, err = e.escalator.Escalate(ctx, violations)
	e.recordScan(kind, err, start)
	if err != nil {
		e.logger.Error("Failed to escalate violations",
			zap.String("kind", kind),
			zap.String("source", source),
			zap.Int("violations", len(violations)),
			zap.Error(err))
		return violations, fmt.Errorf("failed to escalate violations: %w", err)
	}
	return violations, nil
}

func (e *Engine) recordScan(kind string, err error, start time.Time) {
	if e.metrics != nil {
		e.metrics.ScanCompleted(kind, err, time.Since(start))
	}
}

func (e *Engine) ScanText(ctx context.Context, text, source string) ([]models.Violation, error) {
	return e.scan(ctx, "text", scanner.TextPayload{Text: text}, source)
}

// ScanTransaction decodes a JSON transaction object or array and scans it
func (e *Engine) ScanTransaction(ctx context.Context, raw []byte, source string) ([]models.Violation, error) {
	payload, err := scanner.DecodeTransactions(raw)
	if err != nil {
		e.recordScan("transaction", err, time.Now())
		return nil, err
	}
	return e.scan(ctx, "transaction", payload, source)
}

func (e *Engine) ScanTransactions(ctx context.Context, records []scanner.Transaction, source string) ([]models.Violation, error) {
	return e.scan(ctx, "transaction", scanner.TransactionPayload{Records: records}, source)
}

func (e *Engine) ScanAPITelemetry(ctx context.Context, rec scanner.APITelemetry, source string) ([]models.Violation, error) {
	return e.scan(ctx, "api", scanner.APIPayload{Record: rec}, source)
}

func (e *Engine) ScanAIUsage(ctx context.Context, rec scanner.AIUsage, source string) ([]models.Violation, error) {
	return e.scan(ctx, "ai_usage", scanner.AIUsagePayload{Record: rec}, source)
}

// ScanJSON classifies every string leaf of an arbitrary JSON document
func (e *Engine) ScanJSON(ctx context.Context, raw []byte, source string) ([]models.Violation, error) {
	return e.scan(ctx, "json", scanner.JSONPayload{Raw: raw}, source)
}

// ScanLLMResponse screens model output. The decision is valid even when an
// error is returned.
func (e *Engine) ScanLLMResponse(ctx context.Context, content string, metadata map[string]interface{}) (llmgate.Decision, error) {
	return e.gate.ScreenWith(ctx, e.activeCatalog(ctx), content, metadata)
}

func (e *Engine) TrackExternalAPICall(ctx context.Context, call models.ExternalAPICall) (*tracker.Result, error) {
	return e.tracker.TrackExternalAPICall(ctx, call)
}

func (e *Engine) TrackManual(ctx context.Context, call models.ExternalAPICall) (*tracker.Result, error) {
	return e.tracker.TrackManual(ctx, call)
}

func (e *Engine) TrackWebhook(ctx context.Context, raw []byte) (*tracker.Result, error) {
	return e.tracker.TrackWebhook(ctx, raw)
}

func (e *Engine) TrackCorrelation(ctx context.Context, requestID, endpoint, appHint string) (*tracker.CorrelationResult, error) {
	return e.tracker.TrackCorrelation(ctx, requestID, endpoint, appHint)
}

// ComputeComplianceScore scores the lookback window and exports the result
func (e *Engine) ComputeComplianceScore(ctx context.Context) (*scoring.Result, error) {
	res, err := e.scorer.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SetComplianceScore(res.Score)
	}
	return res, nil
}

// GetCrossAppSummary summarizes date, today when empty
func (e *Engine) GetCrossAppSummary(ctx context.Context, date string) (*models.CrossAppSummary, error) {
	if date == "" {
		date = e.tracker.Today()
	}
	return e.tracker.Summary(ctx, date)
}
