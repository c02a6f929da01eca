// Package catalog holds the named detectors the scanners apply, grouped by
// rule type. A Catalog is immutable once built; reloads and rule overlays
// produce a new value.
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/aegisshield/guarddog/internal/models"
)

// ErrUnknownRuleType is returned for rule types the catalog does not know
var ErrUnknownRuleType = errors.New("unknown rule type")

// MaskKind selects the masking function applied to a match
type MaskKind string

const (
	MaskSSN        MaskKind = "ssn"
	MaskCreditCard MaskKind = "credit_card"
	MaskEmail      MaskKind = "email"
	MaskPhone      MaskKind = "phone"
	MaskAddress    MaskKind = "address"
	MaskName       MaskKind = "name"
	MaskIBAN       MaskKind = "iban"
	MaskIP         MaskKind = "ip"
	MaskDefault    MaskKind = "default"
)

// Detector is one named check. Regex detectors carry a Pattern; threshold
// detectors leave it empty and are evaluated by the scanner from Thresholds.
type Detector struct {
	ID          string           `yaml:"id" json:"id"`
	Subtype     string           `yaml:"subtype" json:"subtype"`
	Description string           `yaml:"description" json:"description"`
	Severity    models.Severity  `yaml:"severity" json:"severity"`
	RiskLevel   models.RiskLevel `yaml:"risk_level" json:"risk_level"`
	Action      models.Action    `yaml:"action" json:"action"`
	Mask        MaskKind         `yaml:"mask" json:"mask"`
	Pattern     string           `yaml:"pattern" json:"pattern,omitempty"`
	Disabled    bool             `yaml:"disabled" json:"disabled"`

	re         *regexp.Regexp
	compileErr error
}

func (d *Detector) compile() {
	d.re, d.compileErr = nil, nil
	if d.Pattern == "" {
		return
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		d.compileErr = fmt.Errorf("detector %s: %w", d.ID, err)
		return
	}
	d.re = re
}

// IsRegex reports whether the detector matches text by pattern
func (d *Detector) IsRegex() bool {
	return d.Pattern != ""
}

// Regexp returns the compiled pattern or the compile error recorded at load
func (d *Detector) Regexp() (*regexp.Regexp, error) {
	if d.compileErr != nil {
		return nil, d.compileErr
	}
	if d.re == nil {
		return nil, fmt.Errorf("detector %s has no pattern", d.ID)
	}
	return d.re, nil
}

// Thresholds parameterises the predicate detectors. Field names double as
// the keys accepted in a Rule's config map.
type Thresholds struct {
	HighValueThreshold   float64  `yaml:"high_value_threshold" mapstructure:"high_value_threshold" json:"high_value_threshold,omitempty"`
	HighRiskAmount       float64  `yaml:"high_risk_amount" mapstructure:"high_risk_amount" json:"high_risk_amount,omitempty"`
	RapidCount           int      `yaml:"rapid_count" mapstructure:"rapid_count" json:"rapid_count,omitempty"`
	TimeWindow           string   `yaml:"time_window" mapstructure:"time_window" json:"time_window,omitempty"`
	AuthFailureCodes     []int    `yaml:"auth_failure_codes" mapstructure:"auth_failure_codes" json:"auth_failure_codes,omitempty"`
	SuspiciousAgents     []string `yaml:"suspicious_agents" mapstructure:"suspicious_agents" json:"suspicious_agents,omitempty"`
	MaxPayloadMB         float64  `yaml:"max_payload_mb" mapstructure:"max_payload_mb" json:"max_payload_mb,omitempty"`
	MaxRequestsPerMinute int      `yaml:"max_requests_per_minute" mapstructure:"max_requests_per_minute" json:"max_requests_per_minute,omitempty"`
	TokenThreshold       int      `yaml:"token_threshold" mapstructure:"token_threshold" json:"token_threshold,omitempty"`
	CostThreshold        float64  `yaml:"cost_threshold" mapstructure:"cost_threshold" json:"cost_threshold,omitempty"`
}

// Window parses TimeWindow tokens such as "1_hour" or "15_minutes".
// Anything unparseable falls back to one hour.
func (t Thresholds) Window() time.Duration {
	count, unit, ok := strings.Cut(t.TimeWindow, "_")
	n, err := strconv.Atoi(count)
	if !ok || err != nil || n <= 0 {
		return time.Hour
	}
	switch unit {
	case "hour", "hours":
		return time.Duration(n) * time.Hour
	case "minute", "minutes":
		return time.Duration(n) * time.Minute
	}
	return time.Hour
}

// Group is the set of detectors behind one rule type
type Group struct {
	RuleType   models.RuleType `json:"rule_type"`
	Enabled    bool            `json:"enabled"`
	Detectors  []*Detector     `json:"detectors"`
	Thresholds Thresholds      `json:"thresholds"`
}

// Detector finds a detector in the group by subtype
func (g *Group) Detector(subtype string) (*Detector, bool) {
	for _, d := range g.Detectors {
		if d.Subtype == subtype {
			return d, true
		}
	}
	return nil, false
}

// Active returns the detectors that are not disabled
func (g *Group) Active() []*Detector {
	out := make([]*Detector, 0, len(g.Detectors))
	for _, d := range g.Detectors {
		if !d.Disabled {
			out = append(out, d)
		}
	}
	return out
}

func (g *Group) clone() *Group {
	c := *g
	c.Detectors = make([]*Detector, len(g.Detectors))
	for i, d := range g.Detectors {
		dc := *d
		c.Detectors[i] = &dc
	}
	c.Thresholds.AuthFailureCodes = append([]int(nil), g.Thresholds.AuthFailureCodes...)
	c.Thresholds.SuspiciousAgents = append([]string(nil), g.Thresholds.SuspiciousAgents...)
	return &c
}

// Catalog is a versioned snapshot of all detector groups
type Catalog struct {
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
	groups   map[models.RuleType]*Group
}

func newCatalog(groups map[models.RuleType]*Group) *Catalog {
	for _, g := range groups {
		for _, d := range g.Detectors {
			d.compile()
		}
	}
	return &Catalog{Version: 1, LoadedAt: time.Now().UTC(), groups: groups}
}

// Group returns the detectors for a rule type
func (c *Catalog) Group(rt models.RuleType) (*Group, bool) {
	g, ok := c.groups[rt]
	return g, ok
}

// Enabled reports whether the group for rt exists and is switched on
func (c *Catalog) Enabled(rt models.RuleType) bool {
	g, ok := c.groups[rt]
	return ok && g.Enabled
}

// Groups returns every group ordered by rule type
func (c *Catalog) Groups() []*Group {
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleType < out[j].RuleType })
	return out
}

// Errors lists the detectors whose patterns failed to compile
func (c *Catalog) Errors() []error {
	var errs []error
	for _, g := range c.Groups() {
		for _, d := range g.Detectors {
			if d.compileErr != nil {
				errs = append(errs, d.compileErr)
			}
		}
	}
	return errs
}

func (c *Catalog) clone() *Catalog {
	groups := make(map[models.RuleType]*Group, len(c.groups))
	for rt, g := range c.groups {
		groups[rt] = g.clone()
	}
	return &Catalog{Version: c.Version, LoadedAt: c.LoadedAt, groups: groups}
}

// WithRules overlays operator rules on the catalog. A group stays enabled
// only while every rule of its type is active, and each rule's config map
// is decoded over the group thresholds.
func (c *Catalog) WithRules(rules []models.Rule) (*Catalog, error) {
	if len(rules) == 0 {
		return c, nil
	}
	out := c.clone()
	for _, r := range rules {
		g, ok := out.groups[r.RuleType]
		if !ok {
			return nil, fmt.Errorf("%w: rule %s has type %q", ErrUnknownRuleType, r.ID, r.RuleType)
		}
		if !r.IsActive {
			g.Enabled = false
		}
		if len(r.Config) == 0 {
			continue
		}
		if err := DecodeThresholds(r.Config, &g.Thresholds); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return out, nil
}

// DecodeThresholds applies a loosely typed config map onto t
func DecodeThresholds(config map[string]interface{}, t *Thresholds) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           t,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("invalid rule config: %w", err)
	}
	return nil
}
