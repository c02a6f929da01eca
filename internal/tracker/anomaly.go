package tracker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/escalation"
	"github.com/aegisshield/guarddog/internal/models"
)

// Sweep anomaly flags
const (
	FlagVolumeSpike     = "volume_spike"
	FlagHighErrorRate   = "high_error_rate"
	FlagStaleData       = "stale_data"
	FlagUnusualTiming   = "unusual_timing"
	FlagIPConcentration = "ip_concentration"
)

var errFlagRaised = errors.New("flag already raised")

// Anomaly is one flag found by the sweep
type Anomaly struct {
	ApplicationSource string          `json:"application_source"`
	Flag              string          `json:"flag"`
	Severity          models.Severity `json:"severity"`
	Description       string          `json:"description"`
	Value             float64         `json:"value"`
}

// SweepResult is what one sweep raised. Anomalies already raised earlier in
// the day are not reported again.
type SweepResult struct {
	Date      string                  `json:"date"`
	Checked   int                     `json:"checked"`
	Anomalies []Anomaly               `json:"anomalies,omitempty"`
	Outcome   *escalation.Outcome     `json:"outcome,omitempty"`
	Summary   *models.CrossAppSummary `json:"summary"`
}

// Sweep re-runs anomaly detection over a snapshot of the day's stats
func (t *Tracker) Sweep(ctx context.Context, date string) (*SweepResult, error) {
	today := t.Today()
	if date == "" {
		date = today
	}
	snapshot, err := t.store.ListUsageStats(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot usage stats: %w", err)
	}

	res := &SweepResult{
		Date:    date,
		Checked: len(snapshot),
		Summary: buildSummary(date, snapshot, t.cfg.DegradedLatencyMs),
	}
	var errs *multierror.Error

	for _, a := range t.detect(snapshot, date == today) {
		raised, err := t.markRaised(ctx, date, a)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if raised {
			t.recorder.AnomalyFlagged(a.Flag)
			res.Anomalies = append(res.Anomalies, a)
		}
	}

	if len(res.Anomalies) > 0 {
		t.logger.Info("Usage anomalies detected", zap.String("date", date), zap.Int("count", len(res.Anomalies)))
		if t.escalator != nil {
			out, err := t.escalator.Escalate(ctx, t.sweepViolations(date, res.Anomalies))
			res.Outcome = out
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
	}

	if n := t.locks.prune(today); n > 0 {
		t.logger.Debug("Pruned idle stats locks", zap.Int("count", n))
	}
	return res, errs.ErrorOrNil()
}

// detect evaluates the snapshot without side effects
func (t *Tracker) detect(snapshot []models.CrossAppUsageStats, isToday bool) []Anomaly {
	var mean float64
	for _, s := range snapshot {
		mean += float64(s.TotalCalls)
	}
	if len(snapshot) > 0 {
		mean /= float64(len(snapshot))
	}
	now := t.now()

	var out []Anomaly
	for _, s := range snapshot {
		app := s.ApplicationSource
		calls := float64(s.TotalCalls)

		if mean > 0 && calls > mean*t.cfg.VolumeSpikeFactor {
			sev := models.SeverityWarning
			if calls >= mean*t.cfg.VolumeCriticalFactor {
				sev = models.SeverityCritical
			}
			out = append(out, Anomaly{
				ApplicationSource: app,
				Flag:              FlagVolumeSpike,
				Severity:          sev,
				Description:       fmt.Sprintf("%s made %.1fx the average call volume", app, calls/mean),
				Value:             calls / mean,
			})
		}

		if s.TotalCalls > 0 && s.ErrorRate() > t.cfg.ErrorRateThreshold {
			out = append(out, Anomaly{
				ApplicationSource: app,
				Flag:              FlagHighErrorRate,
				Severity:          models.SeverityWarning,
				Description:       fmt.Sprintf("%s error rate is %.1f%%", app, s.ErrorRate()*100),
				Value:             s.ErrorRate(),
			})
		}

		if isToday && s.TotalCalls > 0 && !s.LastCallAt.IsZero() {
			if idle := now.Sub(s.LastCallAt); idle > t.cfg.StaleAfter {
				out = append(out, Anomaly{
					ApplicationSource: app,
					Flag:              FlagStaleData,
					Severity:          models.SeverityWarning,
					Description:       fmt.Sprintf("%s has not reported activity for %.1f hours", app, idle.Hours()),
					Value:             idle.Hours(),
				})
			}
		}

		if s.TotalCalls < t.cfg.MinCallsForRatios || s.TotalCalls == 0 {
			continue
		}

		if ratio := float64(s.OffHoursCalls) / calls; ratio > t.cfg.OffHoursRatio {
			out = append(out, Anomaly{
				ApplicationSource: app,
				Flag:              FlagUnusualTiming,
				Severity:          models.SeverityWarning,
				Description:       fmt.Sprintf("%.1f%% of %s calls occurred outside business hours", ratio*100, app),
				Value:             ratio,
			})
		}

		var topIP string
		var top int64
		for ip, n := range s.ClientIPs {
			if n > top || (n == top && ip < topIP) {
				topIP, top = ip, n
			}
		}
		if ratio := float64(top) / calls; top > 0 && ratio > t.cfg.IPConcentration {
			out = append(out, Anomaly{
				ApplicationSource: app,
				Flag:              FlagIPConcentration,
				Severity:          models.SeverityWarning,
				Description:       fmt.Sprintf("%s sent %.1f%% of %s calls", topIP, ratio*100, app),
				Value:             ratio,
			})
		}
	}
	return out
}

// markRaised records the flag on the stats row. It reports false when the
// flag was already raised for that day.
func (t *Tracker) markRaised(ctx context.Context, date string, a Anomaly) (bool, error) {
	unlock := t.locks.lock(lockKey(date, a.ApplicationSource))
	defer unlock()

	_, err := t.store.UpdateUsageStats(ctx, date, a.ApplicationSource, func(s *models.CrossAppUsageStats) error {
		if s.RaisedFlags[a.Flag] > 0 {
			return errFlagRaised
		}
		s.RaisedFlags.Inc(a.Flag)
		return nil
	})
	if errors.Is(err, errFlagRaised) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) sweepViolations(date string, anomalies []Anomaly) []models.Violation {
	ts := t.now()
	out := make([]models.Violation, 0, len(anomalies))
	for _, a := range anomalies {
		risk := models.RiskMedium
		if a.Severity == models.SeverityCritical {
			risk = models.RiskHigh
		}
		out = append(out, models.Violation{
			Type:            models.ViolationAnomaly,
			Subtype:         a.Flag,
			MatchCount:      1,
			Severity:        a.Severity,
			RiskLevel:       risk,
			Source:          a.ApplicationSource,
			SuggestedAction: models.ActionMonitor,
			Description:     a.Description,
			Metadata:        map[string]interface{}{"date": date, "value": a.Value},
			Timestamp:       ts,
		})
	}
	return out
}
