package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aegisshield/guarddog/internal/models"
)

// MemoryStore keeps everything in process memory. It backs tests, the
// offline scan command and single-node deployments without postgres.
type MemoryStore struct {
	mu              sync.RWMutex
	rules           map[string]models.Rule
	classifications map[string]models.Classification
	alerts          map[string]models.Alert
	incidents       map[string]models.Incident
	calls           map[string]models.ExternalAPICall
	callsByRequest  map[string]string
	stats           map[string]models.CrossAppUsageStats
	correlations    []models.RequestCorrelation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:           make(map[string]models.Rule),
		classifications: make(map[string]models.Classification),
		alerts:          make(map[string]models.Alert),
		incidents:       make(map[string]models.Incident),
		calls:           make(map[string]models.ExternalAPICall),
		callsByRequest:  make(map[string]string),
		stats:           make(map[string]models.CrossAppUsageStats),
	}
}

func statsKey(date, app string) string { return date + "|" + app }

func (m *MemoryStore) CreateRule(_ context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.rules[r.ID] = cloneRule(*r)
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	r = cloneRule(r)
	return &r, nil
}

func (m *MemoryStore) ListRules(_ context.Context) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, cloneRule(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = time.Now().UTC()
	m.rules[r.ID] = cloneRule(*r)
	return nil
}

func (m *MemoryStore) TouchRules(_ context.Context, ruleType models.RuleType, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rules {
		if r.RuleType == ruleType && r.IsActive {
			t := at
			r.LastTriggeredAt = &t
			m.rules[id] = r
		}
	}
	return nil
}

func cloneRule(r models.Rule) models.Rule {
	r.Config = r.Config.Clone()
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		r.LastTriggeredAt = &t
	}
	return r
}

func (m *MemoryStore) CreateClassification(_ context.Context, c *models.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	m.classifications[c.ID] = cp
	return nil
}

func (m *MemoryStore) ListClassifications(_ context.Context, f ClassificationFilter) ([]models.Classification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Classification
	for _, c := range m.classifications {
		if f.UnresolvedOnly && c.IsResolved {
			continue
		}
		if f.Source != "" && c.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && c.Timestamp.Before(f.Since) {
			continue
		}
		c.Metadata = c.Metadata.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) ResolveClassification(_ context.Context, id string) (*models.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.classifications[id]
	if !ok {
		return nil, fmt.Errorf("classification %s: %w", id, ErrNotFound)
	}
	c.IsResolved = true
	m.classifications[id] = c
	c.Metadata = c.Metadata.Clone()
	return &c, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Metadata = a.Metadata.Clone()
	m.alerts[a.ID] = cp
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	a.Metadata = a.Metadata.Clone()
	return &a, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Source != "" && a.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
			continue
		}
		a.Metadata = a.Metadata.Clone()
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) UpdateAlertStatus(_ context.Context, id string, status models.AlertStatus, at time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err := models.TransitionAlert(&a, status, at); err != nil {
		return nil, err
	}
	m.alerts[id] = a
	a.Metadata = a.Metadata.Clone()
	return &a, nil
}

func (m *MemoryStore) CreateIncident(_ context.Context, i *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[i.ID] = *i
	return nil
}

func (m *MemoryStore) ListIncidents(_ context.Context, f IncidentFilter) ([]models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Incident
	for _, i := range m.incidents {
		if f.Status != "" && i.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && i.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Timestamp.After(out[b].Timestamp) })
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) UpdateIncidentStatus(_ context.Context, id string, status models.IncidentStatus, at time.Time) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	if err := models.TransitionIncident(&i, status, at); err != nil {
		return nil, err
	}
	m.incidents[id] = i
	return &i, nil
}

func (m *MemoryStore) CreateAPICall(_ context.Context, c *models.ExternalAPICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.calls[c.ID]; exists {
		return fmt.Errorf("api call %s already recorded", c.ID)
	}
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	m.calls[c.ID] = cp
	if c.RequestID != "" {
		m.callsByRequest[c.RequestID] = c.ID
	}
	return nil
}

func (m *MemoryStore) FindAPICallByRequestID(_ context.Context, requestID string) (*models.ExternalAPICall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.callsByRequest[requestID]
	if !ok {
		return nil, fmt.Errorf("api call for request %s: %w", requestID, ErrNotFound)
	}
	c := m.calls[id]
	c.Metadata = c.Metadata.Clone()
	return &c, nil
}

func (m *MemoryStore) UpdateUsageStats(_ context.Context, date, app string, fn StatsUpdate) (*models.CrossAppUsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := statsKey(date, app)
	s, ok := m.stats[key]
	if !ok {
		s = models.CrossAppUsageStats{Date: date, ApplicationSource: app}
	}
	s = s.Clone()
	if err := fn(&s); err != nil {
		return nil, err
	}
	m.stats[key] = s
	out := s.Clone()
	return &out, nil
}

func (m *MemoryStore) GetUsageStats(_ context.Context, date, app string) (*models.CrossAppUsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[statsKey(date, app)]
	if !ok {
		return nil, fmt.Errorf("usage stats %s/%s: %w", date, app, ErrNotFound)
	}
	out := s.Clone()
	return &out, nil
}

func (m *MemoryStore) ListUsageStats(_ context.Context, date string) ([]models.CrossAppUsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CrossAppUsageStats
	for _, s := range m.stats {
		if s.Date == date {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ApplicationSource < out[j].ApplicationSource })
	return out, nil
}

func (m *MemoryStore) CreateCorrelation(_ context.Context, c *models.RequestCorrelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlations = append(m.correlations, *c)
	return nil
}

func (m *MemoryStore) ResolveCorrelations(_ context.Context, requestID, app string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range m.correlations {
		c := &m.correlations[i]
		if c.RequestID == requestID && !c.Processed {
			c.Processed = true
			c.ApplicationSource = app
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListCorrelations(_ context.Context, pendingOnly bool) ([]models.RequestCorrelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RequestCorrelation
	for _, c := range m.correlations {
		if pendingOnly && c.Processed {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
