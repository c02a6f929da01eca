package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aegisshield/guarddog/internal/config"
	"github.com/aegisshield/guarddog/internal/models"
)

// PostgresStore implements Store on top of GORM
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPostgresStore opens the connection pool and migrates the schema
func NewPostgresStore(cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	return OpenPostgres(cfg.DSN(), cfg, logger)
}

// OpenPostgres is NewPostgresStore with an explicit DSN
func OpenPostgres(dsn string, cfg config.DatabaseConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	level := gormlogger.Warn
	if cfg.LogQueries {
		level = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &PostgresStore{db: db, logger: logger}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	logger.Info("Connected to postgres", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return s, nil
}

// AutoMigrate creates or updates every table
func (s *PostgresStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(
		&models.Rule{},
		&models.Classification{},
		&models.Alert{},
		&models.Incident{},
		&models.ExternalAPICall{},
		&models.CrossAppUsageStats{},
		&models.RequestCorrelation{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *models.Rule) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		s.logger.Error("Failed to create rule", zap.String("rule_id", r.ID), zap.Error(err))
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	var r models.Rule
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "rule "+id)
	}
	return &r, nil
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	if err := s.db.WithContext(ctx).Order("id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r *models.Rule) error {
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", r.ID).
		Select("name", "severity", "config", "is_active", "updated_at").
		Updates(r)
	if res.Error != nil {
		s.logger.Error("Failed to update rule", zap.String("rule_id", r.ID), zap.Error(res.Error))
		return fmt.Errorf("failed to update rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) TouchRules(ctx context.Context, ruleType models.RuleType, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Rule{}).
		Where("rule_type = ? AND is_active", ruleType).
		Update("last_triggered_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to touch rules: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateClassification(ctx context.Context, c *models.Classification) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create classification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListClassifications(ctx context.Context, f ClassificationFilter) ([]models.Classification, error) {
	q := s.db.WithContext(ctx).Model(&models.Classification{})
	if f.UnresolvedOnly {
		q = q.Where("is_resolved = ?", false)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Classification
	if err := q.Order("timestamp DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list classifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ResolveClassification(ctx context.Context, id string) (*models.Classification, error) {
	var c models.Classification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&c, "id = ?", id).Error; err != nil {
			return notFound(err, "classification "+id)
		}
		c.IsResolved = true
		return tx.Model(&c).Update("is_resolved", true).Error
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var a models.Alert
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "alert "+id)
	}
	return &a, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]models.Alert, error) {
	q := s.db.WithContext(ctx).Model(&models.Alert{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Severity != "" {
		q = q.Where("severity = ?", f.Severity)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Alert
	if err := q.Order("timestamp DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error) {
	var a models.Alert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, "id = ?", id).Error; err != nil {
			return notFound(err, "alert "+id)
		}
		if err := models.TransitionAlert(&a, status, at); err != nil {
			return err
		}
		return tx.Model(&a).Select("status", "acknowledged_at", "resolved_at").Updates(&a).Error
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateIncident(ctx context.Context, i *models.Incident) error {
	if err := s.db.WithContext(ctx).Create(i).Error; err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIncidents(ctx context.Context, f IncidentFilter) ([]models.Incident, error) {
	q := s.db.WithContext(ctx).Model(&models.Incident{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("timestamp >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Incident
	if err := q.Order("timestamp DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateIncidentStatus(ctx context.Context, id string, status models.IncidentStatus, at time.Time) (*models.Incident, error) {
	var i models.Incident
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&i, "id = ?", id).Error; err != nil {
			return notFound(err, "incident "+id)
		}
		if err := models.TransitionIncident(&i, status, at); err != nil {
			return err
		}
		return tx.Model(&i).Select("status", "resolved_at").Updates(&i).Error
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *PostgresStore) CreateAPICall(ctx context.Context, c *models.ExternalAPICall) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to record api call: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAPICallByRequestID(ctx context.Context, requestID string) (*models.ExternalAPICall, error) {
	var c models.ExternalAPICall
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("timestamp DESC").First(&c).Error
	if err != nil {
		return nil, notFound(err, "api call for request "+requestID)
	}
	return &c, nil
}

// UpdateUsageStats inserts the row if needed, then locks it for the update so
// concurrent writers across replicas serialise on the row.
func (s *PostgresStore) UpdateUsageStats(ctx context.Context, date, app string, fn StatsUpdate) (*models.CrossAppUsageStats, error) {
	var stats models.CrossAppUsageStats
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.CrossAppUsageStats{Date: date, ApplicationSource: app}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&stats, "date = ? AND application_source = ?", date, app).Error; err != nil {
			return err
		}
		if err := fn(&stats); err != nil {
			return err
		}
		return tx.Save(&stats).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update usage stats: %w", err)
	}
	return &stats, nil
}

func (s *PostgresStore) GetUsageStats(ctx context.Context, date, app string) (*models.CrossAppUsageStats, error) {
	var stats models.CrossAppUsageStats
	err := s.db.WithContext(ctx).First(&stats, "date = ? AND application_source = ?", date, app).Error
	if err != nil {
		return nil, notFound(err, "usage stats "+date+"/"+app)
	}
	return &stats, nil
}

func (s *PostgresStore) ListUsageStats(ctx context.Context, date string) ([]models.CrossAppUsageStats, error) {
	var out []models.CrossAppUsageStats
	err := s.db.WithContext(ctx).Where("date = ?", date).Order("application_source").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list usage stats: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateCorrelation(ctx context.Context, c *models.RequestCorrelation) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("failed to create correlation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveCorrelations(ctx context.Context, requestID, app string) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.RequestCorrelation{}).
		Where("request_id = ? AND processed = ?", requestID, false).
		Updates(map[string]interface{}{"processed": true, "application_source": app})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to resolve correlations: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *PostgresStore) ListCorrelations(ctx context.Context, pendingOnly bool) ([]models.RequestCorrelation, error) {
	q := s.db.WithContext(ctx).Model(&models.RequestCorrelation{})
	if pendingOnly {
		q = q.Where("processed = ?", false)
	}
	var out []models.RequestCorrelation
	if err := q.Order("timestamp").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list correlations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
