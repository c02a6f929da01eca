package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/aegisshield/guarddog/internal/models"
)

// Provider supplies the catalog currently in force
type Provider interface {
	Current() *Catalog
}

// Static is a Provider over a fixed catalog
type Static struct {
	catalog *Catalog
}

func NewStatic(c *Catalog) *Static {
	if c == nil {
		c = Default()
	}
	return &Static{catalog: c}
}

func (s *Static) Current() *Catalog { return s.catalog }

type fileSpec struct {
	Groups map[models.RuleType]groupSpec `yaml:"groups"`
}

type groupSpec struct {
	Enabled    *bool          `yaml:"enabled"`
	Thresholds yaml.Node      `yaml:"thresholds"`
	Detectors  []detectorSpec `yaml:"detectors"`
}

type detectorSpec struct {
	ID          string           `yaml:"id"`
	Subtype     string           `yaml:"subtype"`
	Description string           `yaml:"description"`
	Severity    models.Severity  `yaml:"severity"`
	RiskLevel   models.RiskLevel `yaml:"risk_level"`
	Action      models.Action    `yaml:"action"`
	Mask        MaskKind         `yaml:"mask"`
	Pattern     string           `yaml:"pattern"`
	Disabled    *bool            `yaml:"disabled"`
}

// Parse builds a catalog from a YAML rule file layered over the defaults.
// Detectors whose patterns fail to compile are kept with their error so the
// scanners can skip and report them.
func Parse(data []byte) (*Catalog, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}

	base := Default()
	for rt, gs := range spec.Groups {
		g, ok := base.groups[rt]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, rt)
		}
		if gs.Enabled != nil {
			g.Enabled = *gs.Enabled
		}
		if !gs.Thresholds.IsZero() {
			if err := gs.Thresholds.Decode(&g.Thresholds); err != nil {
				return nil, fmt.Errorf("invalid thresholds for %s: %w", rt, err)
			}
		}
		for _, ds := range gs.Detectors {
			if err := mergeDetector(g, ds); err != nil {
				return nil, fmt.Errorf("group %s: %w", rt, err)
			}
		}
	}
	return newCatalog(base.groups), nil
}

func mergeDetector(g *Group, ds detectorSpec) error {
	if ds.ID == "" {
		return fmt.Errorf("detector without id")
	}
	for _, d := range g.Detectors {
		if d.ID != ds.ID {
			continue
		}
		if ds.Description != "" {
			d.Description = ds.Description
		}
		if ds.Severity != "" {
			d.Severity = ds.Severity
		}
		if ds.RiskLevel != "" {
			d.RiskLevel = ds.RiskLevel
		}
		if ds.Action != "" {
			d.Action = ds.Action
		}
		if ds.Mask != "" {
			d.Mask = ds.Mask
		}
		if ds.Pattern != "" {
			d.Pattern = ds.Pattern
		}
		if ds.Disabled != nil {
			d.Disabled = *ds.Disabled
		}
		return nil
	}

	if ds.Pattern == "" || ds.Subtype == "" {
		return fmt.Errorf("custom detector %s needs a subtype and a pattern", ds.ID)
	}
	d := &Detector{
		ID:          ds.ID,
		Subtype:     ds.Subtype,
		Description: ds.Description,
		Severity:    ds.Severity,
		RiskLevel:   ds.RiskLevel,
		Action:      ds.Action,
		Mask:        ds.Mask,
		Pattern:     ds.Pattern,
	}
	if d.Severity == "" {
		d.Severity = models.SeverityMedium
	}
	if d.RiskLevel == "" {
		d.RiskLevel = models.RiskMedium
	}
	if d.Action == "" {
		d.Action = models.ActionMonitor
	}
	if d.Mask == "" {
		d.Mask = MaskDefault
	}
	if ds.Disabled != nil {
		d.Disabled = *ds.Disabled
	}
	g.Detectors = append(g.Detectors, d)
	return nil
}

// LoadFile reads and parses a rule file
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	return Parse(data)
}

// Watcher keeps the catalog loaded from a rule file and swaps in a new
// version whenever the file changes.
type Watcher struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Catalog]
}

// NewWatcher loads path once. An empty path serves the built-in catalog.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{path: path, logger: logger}

	c := Default()
	if path != "" {
		var err error
		if c, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	w.logCompileErrors(c)
	w.current.Store(c)
	return w, nil
}

func (w *Watcher) Current() *Catalog {
	return w.current.Load()
}

// Reload re-reads the rule file. On failure the previous catalog stays active.
func (w *Watcher) Reload() error {
	if w.path == "" {
		return nil
	}
	next, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload rule catalog, keeping previous version",
			zap.String("path", w.path),
			zap.Int64("version", w.Current().Version),
			zap.Error(err))
		return err
	}
	prev := w.Current()
	next.Version = prev.Version + 1
	w.logCompileErrors(next)
	w.current.Store(next)

	w.logger.Info("Rule catalog reloaded",
		zap.String("path", w.path),
		zap.Int64("version", next.Version))
	return nil
}

func (w *Watcher) logCompileErrors(c *Catalog) {
	for _, err := range c.Errors() {
		w.logger.Warn("Detector disabled by invalid pattern", zap.Error(err))
	}
}

// Start watches the rule file until ctx is cancelled. The parent directory is
// watched so that editors which replace the file are picked up too.
func (w *Watcher) Start(ctx context.Context) error {
	if w.path == "" {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(200 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Rule file watcher error", zap.Error(err))
		}
	}
}
