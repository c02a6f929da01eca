// Package llmgate screens generated text before it reaches a user. Each
// response is allowed, blocked or rewritten.
package llmgate

import (
	"context"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/classifier"
	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scanner"
)

// Reasons reported on a Decision
const (
	ReasonFinancialAdvice  = "financial_advice"
	ReasonUnverifiedSource = "unverified_source"
	ReasonPII              = "pii"
)

// DefaultSource is used when the request metadata names no source
const DefaultSource = "llm_gateway"

var (
	financialAdvice  = regexp.MustCompile(`(?i)you should invest|guaranteed returns?|recommend investing|buy this stock|risk-free investment|can't lose`)
	unverifiedSource = regexp.MustCompile(`(?i)insider information|confidential source|rumor has it|unconfirmed reports?|sources say`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// Decision is the verdict for one response. ModifiedContent is set only for
// rewrites.
type Decision struct {
	Action          models.Action `json:"action"`
	ModifiedContent string        `json:"modified_content,omitempty"`
	ViolationType   string        `json:"violation_type,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Confidence      float64       `json:"confidence"`
}

// Escalator persists the violation behind a non-allow decision
type Escalator interface {
	Escalate(ctx context.Context, violations []models.Violation) (*escalation.Outcome, error)
}

// Recorder counts decisions
type Recorder interface {
	LLMDecision(action models.Action)
}

// Picker returns an index in [0, n)
type Picker func(n int) int

// Gate is safe for concurrent use when its Picker is
type Gate struct {
	catalog     catalog.Provider
	scanner     *scanner.Scanner
	escalator   Escalator
	disclaimers []string
	pick        Picker
	recorder    Recorder
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Gate
type Option func(*Gate)

// WithPicker pins disclaimer selection
func WithPicker(p Picker) Option {
	return func(g *Gate) { g.pick = p }
}

func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

func NewGate(provider catalog.Provider, sc *scanner.Scanner, escalator Escalator, disclaimers []string, logger *zap.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gate{
		catalog:     provider,
		scanner:     sc,
		escalator:   escalator,
		disclaimers: append([]string(nil), disclaimers...),
		pick:        rand.Intn,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Screen evaluates content against the provider's current catalog. The
// decision is always usable; the error only reports a failure to record the
// violation.
func (g *Gate) Screen(ctx context.Context, content string, metadata map[string]interface{}) (Decision, error) {
	var cat *catalog.Catalog
	if g.catalog != nil {
		cat = g.catalog.Current()
	}
	return g.ScreenWith(ctx, cat, content, metadata)
}

// ScreenWith is Screen with an explicit catalog, typically one with operator
// rule overrides applied. A nil catalog skips the PII check.
func (g *Gate) ScreenWith(ctx context.Context, cat *catalog.Catalog, content string, metadata map[string]interface{}) (Decision, error) {
	decision, violation := g.decide(cat, content)
	if g.recorder != nil {
		g.recorder.LLMDecision(decision.Action)
	}
	if violation == nil {
		return decision, nil
	}

	violation.Source = sourceOf(metadata)
	violation.Timestamp = g.now()
	violation.Metadata = violationMetadata(decision, metadata)

	g.logger.Info("LLM response flagged",
		zap.String("action", string(decision.Action)),
		zap.String("reason", decision.Reason),
		zap.String("source", violation.Source))

	if g.escalator == nil {
		return decision, nil
	}
	if _, err := g.escalator.Escalate(ctx, []models.Violation{*violation}); err != nil {
		g.logger.Error("Failed to record LLM safety violation", zap.String("reason", decision.Reason), zap.Error(err))
		return decision, err
	}
	return decision, nil
}

func (g *Gate) decide(cat *catalog.Catalog, content string) (Decision, *models.Violation) {
	if phrases := financialAdvice.FindAllString(content, -1); len(phrases) > 0 {
		d := Decision{
			Action:        models.ActionBlock,
			ViolationType: models.ViolationLLMSafety,
			Reason:        ReasonFinancialAdvice,
			Confidence:    0.9,
		}
		return d, &models.Violation{
			Type:            models.ViolationLLMSafety,
			Subtype:         ReasonFinancialAdvice,
			MatchCount:      len(phrases),
			Severity:        models.SeverityHigh,
			RiskLevel:       models.RiskHigh,
			RedactedContent: strings.Join(phrases, ", "),
			SuggestedAction: models.ActionBlock,
			Description:     "Unlicensed financial advice",
		}
	}

	matches := g.piiMatches(cat, content)

	if phrases := unverifiedSource.FindAllString(content, -1); len(phrases) > 0 {
		modified := strings.TrimSpace(stripPhrases(maskMatches(content, matches)) + " " + g.disclaimer())
		d := Decision{
			Action:          models.ActionRewrite,
			ModifiedContent: modified,
			ViolationType:   models.ViolationLLMSafety,
			Reason:          ReasonUnverifiedSource,
			Confidence:      0.8,
		}
		return d, &models.Violation{
			Type:            models.ViolationLLMSafety,
			Subtype:         ReasonUnverifiedSource,
			MatchCount:      len(phrases),
			Severity:        models.SeverityMedium,
			RiskLevel:       models.RiskMedium,
			RedactedContent: strings.Join(phrases, ", "),
			SuggestedAction: models.ActionRewrite,
			Description:     "Claim attributed to an unverified source",
		}
	}

	if len(matches) > 0 {
		severity := models.SeverityInfo
		risk := models.RiskLow
		var redacted []string
		count := 0
		for _, m := range matches {
			if m.Severity.Rank() > severity.Rank() {
				severity = m.Severity
				risk = m.RiskLevel
			}
			redacted = append(redacted, classifier.MaskAll(m.Mask, m.Values))
			count += len(m.Values)
		}
		d := Decision{
			Action:          models.ActionRewrite,
			ModifiedContent: maskMatches(content, matches),
			ViolationType:   models.ViolationLLMSafety,
			Reason:          ReasonPII,
			Confidence:      0.95,
		}
		return d, &models.Violation{
			Type:            models.ViolationLLMSafety,
			Subtype:         ReasonPII,
			MatchCount:      count,
			Severity:        severity,
			RiskLevel:       risk,
			RedactedContent: strings.Join(redacted, ", "),
			SuggestedAction: models.ActionRewrite,
			Description:     "Personal data in generated response",
		}
	}

	return Decision{Action: models.ActionAllow, Confidence: 1.0}, nil
}

func (g *Gate) piiMatches(cat *catalog.Catalog, content string) []scanner.RawMatch {
	if cat == nil || g.scanner == nil || content == "" {
		return nil
	}
	matches, err := g.scanner.ScanRuleType(cat, scanner.TextPayload{Text: content}, models.RuleTypePII)
	if err != nil {
		g.logger.Warn("PII scan of LLM response failed", zap.Error(err))
		return nil
	}
	return matches
}

func (g *Gate) disclaimer() string {
	if len(g.disclaimers) == 0 {
		return ""
	}
	i := g.pick(len(g.disclaimers))
	if i < 0 || i >= len(g.disclaimers) {
		i = 0
	}
	return g.disclaimers[i]
}

// stripPhrases removes unverified-source phrases until none remain, since
// removing one can join its neighbours into another.
func stripPhrases(s string) string {
	s = whitespace.ReplaceAllString(s, " ")
	for unverifiedSource.MatchString(s) {
		s = whitespace.ReplaceAllString(unverifiedSource.ReplaceAllString(s, ""), " ")
	}
	return strings.TrimSpace(s)
}

// maskMatches replaces every matched value with its masked form. Longer
// values go first so a value contained in another is not masked twice.
func maskMatches(content string, matches []scanner.RawMatch) string {
	type hit struct {
		value string
		mask  catalog.MaskKind
	}
	var hits []hit
	for _, m := range matches {
		for _, v := range m.Values {
			hits = append(hits, hit{value: v, mask: m.Mask})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return len(hits[i].value) > len(hits[j].value) })
	for _, h := range hits {
		content = strings.ReplaceAll(content, h.value, classifier.Mask(h.mask, h.value))
	}
	return content
}

func sourceOf(metadata map[string]interface{}) string {
	if s, ok := metadata["source"].(string); ok && s != "" {
		return s
	}
	return DefaultSource
}

// violationMetadata keeps request metadata but never the content itself
func violationMetadata(d Decision, metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		if k == "content" {
			continue
		}
		out[k] = v
	}
	out["reason"] = d.Reason
	out["confidence"] = d.Confidence
	return out
}
