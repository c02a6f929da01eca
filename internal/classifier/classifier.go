// Package classifier turns raw detector matches into redacted violations.
package classifier

import (
	"time"

	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/scanner"
)

// Classifier is stateless apart from its clock
type Classifier struct {
	now func() time.Time
}

// Option configures a Classifier
type Option func(*Classifier)

// WithClock pins the timestamp source
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

func New(opts ...Option) *Classifier {
	c := &Classifier{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify produces one violation per raw match. The raw values never reach
// the violation; only their masked form does.
func (c *Classifier) Classify(matches []scanner.RawMatch, source string) []models.Violation {
	if len(matches) == 0 {
		return nil
	}
	ts := c.now()
	out := make([]models.Violation, 0, len(matches))
	for _, m := range matches {
		out = append(out, models.Violation{
			Type:            models.ViolationTypeFor(m.RuleType),
			Subtype:         m.Subtype,
			MatchCount:      len(m.Values),
			Severity:        m.Severity,
			RiskLevel:       m.RiskLevel,
			Source:          source,
			RedactedContent: MaskAll(m.Mask, m.Values),
			SuggestedAction: m.Action,
			Description:     m.Description,
			DetectorID:      m.DetectorID,
			Metadata:        m.Metadata,
			Timestamp:       ts,
		})
	}
	return out
}
