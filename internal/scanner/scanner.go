// Package scanner applies the pattern catalog to typed payloads. Scanning has
// no side effects beyond logging; the same payload and catalog always yield
// the same matches.
package scanner

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/catalog"
	"github.com/aegisshield/guarddog/internal/models"
)

// DefaultMaxTextBytes bounds the size of any single text scanned
const DefaultMaxTextBytes = 1 << 20

// RawMatch is a detector hit before classification
type RawMatch struct {
	DetectorID  string
	RuleType    models.RuleType
	Subtype     string
	Description string
	Severity    models.Severity
	RiskLevel   models.RiskLevel
	Action      models.Action
	Mask        catalog.MaskKind
	Values      []string
	Metadata    map[string]interface{}
}

// Scanner is safe for concurrent use
type Scanner struct {
	logger       *zap.Logger
	validate     *validator.Validate
	maxTextBytes int
}

// Option configures a Scanner
type Option func(*Scanner)

// WithMaxTextBytes overrides DefaultMaxTextBytes
func WithMaxTextBytes(n int) Option {
	return func(s *Scanner) { s.maxTextBytes = n }
}

func New(logger *zap.Logger, opts ...Option) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scanner{
		logger:       logger,
		validate:     validator.New(),
		maxTextBytes: DefaultMaxTextBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ruleTypesFor lists the groups each payload variant is checked against
func ruleTypesFor(p Payload) []models.RuleType {
	switch p.(type) {
	case TextPayload, JSONPayload:
		return []models.RuleType{models.RuleTypePII, models.RuleTypeGDPR}
	case TransactionPayload:
		return []models.RuleType{models.RuleTypeFinancial}
	case APIPayload:
		return []models.RuleType{models.RuleTypeAPISecurity, models.RuleTypeRateLimit}
	case AIUsagePayload:
		return []models.RuleType{models.RuleTypeAIUsage, models.RuleTypePII}
	}
	return nil
}

// Scan runs every enabled group that applies to the payload
func (s *Scanner) Scan(cat *catalog.Catalog, p Payload) ([]RawMatch, error) {
	if err := s.check(p); err != nil {
		return nil, err
	}
	var out []RawMatch
	for _, rt := range ruleTypesFor(p) {
		matches, err := s.scanGroup(cat, p, rt)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

// ScanRuleType runs a single group against the payload
func (s *Scanner) ScanRuleType(cat *catalog.Catalog, p Payload, rt models.RuleType) ([]RawMatch, error) {
	if !rt.Valid() {
		return nil, fmt.Errorf("%w: %q", catalog.ErrUnknownRuleType, rt)
	}
	if err := s.check(p); err != nil {
		return nil, err
	}
	return s.scanGroup(cat, p, rt)
}

func (s *Scanner) check(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := s.validate.Struct(p); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			return &ValidationError{Fields: fields}
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch v := p.(type) {
	case TextPayload:
		if len(v.Text) > s.maxTextBytes {
			return fmt.Errorf("%w: text of %d bytes exceeds limit of %d", ErrInvalidPayload, len(v.Text), s.maxTextBytes)
		}
	case AIUsagePayload:
		if len(v.Record.Prompt)+len(v.Record.Response) > s.maxTextBytes {
			return fmt.Errorf("%w: prompt and response exceed limit of %d bytes", ErrInvalidPayload, s.maxTextBytes)
		}
	case JSONPayload:
		if len(v.Raw) > s.maxTextBytes {
			return fmt.Errorf("%w: document of %d bytes exceeds limit of %d", ErrInvalidPayload, len(v.Raw), s.maxTextBytes)
		}
		if !gjson.ValidBytes(v.Raw) {
			return fmt.Errorf("%w: document is not valid JSON", ErrInvalidPayload)
		}
	}
	return nil
}

func (s *Scanner) scanGroup(cat *catalog.Catalog, p Payload, rt models.RuleType) ([]RawMatch, error) {
	g, ok := cat.Group(rt)
	if !ok || !g.Enabled {
		return nil, nil
	}

	switch v := p.(type) {
	case TextPayload:
		if rt != models.RuleTypePII && rt != models.RuleTypeGDPR {
			return nil, nil
		}
		return s.scanText(g, v.Text, nil), nil
	case JSONPayload:
		if rt != models.RuleTypePII && rt != models.RuleTypeGDPR {
			return nil, nil
		}
		return s.scanJSON(g, v.Raw), nil
	case TransactionPayload:
		if rt != models.RuleTypeFinancial {
			return nil, nil
		}
		return scanTransactions(g, v.Records), nil
	case APIPayload:
		switch rt {
		case models.RuleTypeAPISecurity:
			return scanAPISecurity(g, v.Record), nil
		case models.RuleTypeRateLimit:
			return scanRateLimit(g, v.Record), nil
		}
		return nil, nil
	case AIUsagePayload:
		switch rt {
		case models.RuleTypeAIUsage:
			return scanAIUsage(g, v.Record), nil
		case models.RuleTypePII:
			var out []RawMatch
			out = append(out, s.scanText(g, v.Record.Prompt, map[string]interface{}{"field": "prompt"})...)
			out = append(out, s.scanText(g, v.Record.Response, map[string]interface{}{"field": "response"})...)
			return out, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, p)
}

// scanText applies every regex detector in the group. Detectors with a bad
// pattern are skipped.
func (s *Scanner) scanText(g *catalog.Group, text string, meta map[string]interface{}) []RawMatch {
	if text == "" {
		return nil
	}
	var out []RawMatch
	for _, d := range g.Active() {
		if !d.IsRegex() {
			continue
		}
		re, err := d.Regexp()
		if err != nil {
			s.logger.Warn("Skipping detector",
				zap.String("detector_id", d.ID),
				zap.String("rule_type", string(g.RuleType)),
				zap.Error(err))
			continue
		}
		found := re.FindAllString(text, -1)
		if len(found) == 0 {
			continue
		}
		out = append(out, fromDetector(g.RuleType, d, found, copyMeta(meta)))
	}
	return out
}

// scanJSON walks every string leaf of the document and records the path of
// each hit.
func (s *Scanner) scanJSON(g *catalog.Group, raw []byte) []RawMatch {
	var out []RawMatch
	var walk func(path string, v gjson.Result)
	walk = func(path string, v gjson.Result) {
		switch {
		case v.IsObject():
			v.ForEach(func(k, child gjson.Result) bool {
				walk(joinPath(path, k.String()), child)
				return true
			})
		case v.IsArray():
			i := 0
			v.ForEach(func(_, child gjson.Result) bool {
				walk(path+"["+strconv.Itoa(i)+"]", child)
				i++
				return true
			})
		case v.Type == gjson.String:
			out = append(out, s.scanText(g, v.String(), map[string]interface{}{"json_path": path})...)
		}
	}
	walk("$", gjson.ParseBytes(raw))
	return out
}

func joinPath(parent, key string) string {
	return parent + "." + key
}

func fromDetector(rt models.RuleType, d *catalog.Detector, values []string, meta map[string]interface{}) RawMatch {
	return RawMatch{
		DetectorID:  d.ID,
		RuleType:    rt,
		Subtype:     d.Subtype,
		Description: d.Description,
		Severity:    d.Severity,
		RiskLevel:   d.RiskLevel,
		Action:      d.Action,
		Mask:        d.Mask,
		Values:      values,
		Metadata:    meta,
	}
}

func copyMeta(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return nil
	}
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func activeDetector(g *catalog.Group, subtype string) (*catalog.Detector, bool) {
	d, ok := g.Detector(subtype)
	if !ok || d.Disabled {
		return nil, false
	}
	return d, true
}

func scanTransactions(g *catalog.Group, records []Transaction) []RawMatch {
	th := g.Thresholds
	var out []RawMatch

	if d, ok := activeDetector(g, catalog.SubtypeHighValue); ok {
		for _, tx := range records {
			if tx.Amount <= th.HighValueThreshold {
				continue
			}
			m := fromDetector(g.RuleType, d, []string{strconv.FormatFloat(tx.Amount, 'f', 2, 64)}, map[string]interface{}{
				"transaction_id": tx.ID,
				"account_id":     tx.AccountID,
				"amount":         tx.Amount,
				"threshold":      th.HighValueThreshold,
			})
			if th.HighRiskAmount > 0 && tx.Amount >= th.HighRiskAmount {
				m.RiskLevel = models.RiskHigh
				m.Metadata["high_risk"] = true
			}
			out = append(out, m)
		}
	}

	if d, ok := activeDetector(g, catalog.SubtypeRapidTransaction); ok && th.RapidCount > 0 {
		window := th.Window()
		byAccount := make(map[string][]Transaction)
		for _, tx := range records {
			if tx.Timestamp.IsZero() {
				continue
			}
			byAccount[tx.AccountID] = append(byAccount[tx.AccountID], tx)
		}
		accounts := make([]string, 0, len(byAccount))
		for a := range byAccount {
			accounts = append(accounts, a)
		}
		sort.Strings(accounts)

		for _, account := range accounts {
			txs := byAccount[account]
			sort.SliceStable(txs, func(i, j int) bool { return txs[i].Timestamp.Before(txs[j].Timestamp) })
			peak, start := 0, 0
			for end := range txs {
				for txs[end].Timestamp.Sub(txs[start].Timestamp) > window {
					start++
				}
				if n := end - start + 1; n > peak {
					peak = n
				}
			}
			if peak <= th.RapidCount {
				continue
			}
			out = append(out, fromDetector(g.RuleType, d, []string{account}, map[string]interface{}{
				"account_id":     account,
				"count":          peak,
				"threshold":      th.RapidCount,
				"window_minutes": int(window.Minutes()),
			}))
		}
	}
	return out
}

func scanAPISecurity(g *catalog.Group, rec APITelemetry) []RawMatch {
	th := g.Thresholds
	var out []RawMatch

	if d, ok := activeDetector(g, catalog.SubtypeAuthFailure); ok {
		for _, code := range th.AuthFailureCodes {
			if rec.StatusCode == code {
				out = append(out, fromDetector(g.RuleType, d, []string{strconv.Itoa(code)}, map[string]interface{}{
					"status_code": code,
					"endpoint":    rec.Endpoint,
				}))
				break
			}
		}
	}

	if d, ok := activeDetector(g, catalog.SubtypeSuspiciousAgent); ok && rec.UserAgent != "" {
		agent := strings.ToLower(rec.UserAgent)
		for _, marker := range th.SuspiciousAgents {
			if marker != "" && strings.Contains(agent, strings.ToLower(marker)) {
				out = append(out, fromDetector(g.RuleType, d, []string{rec.UserAgent}, map[string]interface{}{
					"marker":   marker,
					"endpoint": rec.Endpoint,
				}))
				break
			}
		}
	}

	if d, ok := activeDetector(g, catalog.SubtypeOversizedPayload); ok && th.MaxPayloadMB > 0 {
		limit := int64(th.MaxPayloadMB * 1024 * 1024)
		if rec.PayloadBytes > limit {
			out = append(out, fromDetector(g.RuleType, d, []string{strconv.FormatInt(rec.PayloadBytes, 10)}, map[string]interface{}{
				"payload_bytes": rec.PayloadBytes,
				"limit_mb":      th.MaxPayloadMB,
				"endpoint":      rec.Endpoint,
			}))
		}
	}
	return out
}

func scanRateLimit(g *catalog.Group, rec APITelemetry) []RawMatch {
	d, ok := activeDetector(g, catalog.SubtypeRateLimit)
	if !ok || g.Thresholds.MaxRequestsPerMinute <= 0 || rec.RequestsPerMinute <= g.Thresholds.MaxRequestsPerMinute {
		return nil
	}
	return []RawMatch{fromDetector(g.RuleType, d, []string{strconv.Itoa(rec.RequestsPerMinute)}, map[string]interface{}{
		"requests_per_minute": rec.RequestsPerMinute,
		"limit":               g.Thresholds.MaxRequestsPerMinute,
		"endpoint":            rec.Endpoint,
	})}
}

func scanAIUsage(g *catalog.Group, rec AIUsage) []RawMatch {
	th := g.Thresholds
	var out []RawMatch

	if d, ok := activeDetector(g, catalog.SubtypeHighTokenUsage); ok && th.TokenThreshold > 0 {
		if tokens := rec.Tokens(); tokens > th.TokenThreshold {
			out = append(out, fromDetector(g.RuleType, d, []string{strconv.Itoa(tokens)}, map[string]interface{}{
				"tokens":    tokens,
				"threshold": th.TokenThreshold,
				"model":     rec.Model,
			}))
		}
	}

	if d, ok := activeDetector(g, catalog.SubtypeHighCost); ok && th.CostThreshold > 0 && rec.Cost > th.CostThreshold {
		out = append(out, fromDetector(g.RuleType, d, []string{strconv.FormatFloat(rec.Cost, 'f', 4, 64)}, map[string]interface{}{
			"cost":      rec.Cost,
			"threshold": th.CostThreshold,
			"model":     rec.Model,
		}))
	}
	return out
}
