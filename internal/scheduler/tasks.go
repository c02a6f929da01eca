package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aegisshield/guarddog/internal/models"
	"github.com/aegisshield/guarddog/internal/realtime"
	"github.com/aegisshield/guarddog/internal/scoring"
	"github.com/aegisshield/guarddog/internal/tracker"
)

// Task identifiers
const (
	TaskAnomalySweep      = "anomaly_sweep"
	TaskDashboardSnapshot = "dashboard_snapshot"
)

// Sweeper runs the cross-application anomaly sweep
type Sweeper interface {
	Today() string
	Sweep(ctx context.Context, date string) (*tracker.SweepResult, error)
}

// DashboardSource provides the figures of a dashboard snapshot
type DashboardSource interface {
	ComputeComplianceScore(ctx context.Context) (*scoring.Result, error)
	GetCrossAppSummary(ctx context.Context, date string) (*models.CrossAppSummary, error)
}

// SnapshotPublisher pushes a snapshot to dashboard clients
type SnapshotPublisher interface {
	BroadcastSnapshot(ctx context.Context, snap *realtime.Snapshot) error
}

// ScoreRecorder exports the latest compliance score
type ScoreRecorder interface {
	SetComplianceScore(score int)
}

// SweepTask sweeps today's usage stats on schedule
func SweepTask(schedule string, sweeper Sweeper, logger *zap.Logger) Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Task{
		ID:       TaskAnomalySweep,
		Name:     "Cross-App Anomaly Sweep",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			res, err := sweeper.Sweep(ctx, sweeper.Today())
			if res != nil && len(res.Anomalies) > 0 {
				logger.Info("Anomaly sweep raised flags",
					zap.String("date", res.Date),
					zap.Int("applications", res.Checked),
					zap.Int("anomalies", len(res.Anomalies)))
			}
			return err
		},
	}
}

// SnapshotTask computes the score and summary and pushes them to the hub.
// The score gauge is updated even when publishing fails.
func SnapshotTask(schedule string, source DashboardSource, publisher SnapshotPublisher, gauge ScoreRecorder) Task {
	return Task{
		ID:       TaskDashboardSnapshot,
		Name:     "Dashboard Snapshot",
		Schedule: schedule,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			score, err := source.ComputeComplianceScore(ctx)
			if err != nil {
				return fmt.Errorf("failed to compute compliance score: %w", err)
			}
			if gauge != nil {
				gauge.SetComplianceScore(score.Score)
			}
			summary, err := source.GetCrossAppSummary(ctx, "")
			if err != nil {
				return fmt.Errorf("failed to build cross-app summary: %w", err)
			}
			if publisher == nil {
				return nil
			}
			return publisher.BroadcastSnapshot(ctx, &realtime.Snapshot{
				Score:       score,
				Summary:     summary,
				GeneratedAt: time.Now().UTC(),
			})
		},
	}
}
