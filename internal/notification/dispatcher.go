package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aegisshield/guarddog/internal/models"
)

var (
	// ErrQueueFull is returned when the dispatch queue cannot take more events
	ErrQueueFull = errors.New("notification queue full")
	// ErrClosed is returned after Stop
	ErrClosed = errors.New("notification dispatcher stopped")
)

type eventKind string

const (
	kindAlert          eventKind = "alert"
	kindClassification eventKind = "classification"
	kindIncident       eventKind = "incident"
)

type job struct {
	channel        Named
	kind           eventKind
	alert          *models.Alert
	classification *models.Classification
	incident       *models.Incident
	attempt        int
}

func (j *job) id() string {
	switch j.kind {
	case kindAlert:
		return j.alert.ID
	case kindClassification:
		return j.classification.ID
	case kindIncident:
		return j.incident.ID
	}
	return ""
}

// DeliveryRecorder receives delivery outcomes, typically the prometheus collector
type DeliveryRecorder interface {
	NotificationSent(channel string, kind string, d time.Duration)
	NotificationFailed(channel string, kind string)
	NotificationDropped(channel string, reason string)
}

type nopDeliveryRecorder struct{}

func (nopDeliveryRecorder) NotificationSent(string, string, time.Duration) {}
func (nopDeliveryRecorder) NotificationFailed(string, string)              {}
func (nopDeliveryRecorder) NotificationDropped(string, string)             {}

// DispatcherConfig tunes the worker pool
type DispatcherConfig struct {
	QueueSize       int
	Workers         int
	Timeout         time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RateLimitPerMin int
}

// Dispatcher fans events out to every channel through a bounded queue. The
// Send methods never block and never surface delivery failures.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels []Named
	limiters map[string]*rate.Limiter
	queue    chan *job
	logger   *zap.Logger
	recorder DeliveryRecorder

	mu       sync.RWMutex
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given channels
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, channels ...Named) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: channels,
		limiters: make(map[string]*rate.Limiter, len(channels)),
		queue:    make(chan *job, cfg.QueueSize),
		logger:   logger,
		recorder: nopDeliveryRecorder{},
		shutdown: make(chan struct{}),
	}
	for _, ch := range channels {
		if cfg.RateLimitPerMin > 0 {
			perSecond := rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
			d.limiters[ch.Name()] = rate.NewLimiter(perSecond, cfg.RateLimitPerMin)
		} else {
			d.limiters[ch.Name()] = rate.NewLimiter(rate.Inf, 0)
		}
	}
	return d
}

// SetRecorder installs a delivery recorder
func (d *Dispatcher) SetRecorder(r DeliveryRecorder) {
	if r != nil {
		d.recorder = r
	}
}

// Start launches the workers
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting notification dispatcher",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("channels", len(d.channels)))
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight deliveries
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.shutdown)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Notification dispatcher stopped", zap.Int("undelivered", len(d.queue)))
}

func (d *Dispatcher) SendAlert(_ context.Context, a *models.Alert) error {
	return d.fanOut(func(ch Named) *job { return &job{channel: ch, kind: kindAlert, alert: a} })
}

func (d *Dispatcher) SendClassification(_ context.Context, c *models.Classification) error {
	return d.fanOut(func(ch Named) *job { return &job{channel: ch, kind: kindClassification, classification: c} })
}

func (d *Dispatcher) SendIncident(_ context.Context, i *models.Incident) error {
	return d.fanOut(func(ch Named) *job { return &job{channel: ch, kind: kindIncident, incident: i} })
}

func (d *Dispatcher) fanOut(build func(Named) *job) error {
	var dropped int
	for _, ch := range d.channels {
		if err := d.enqueue(build(ch)); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: dropped %d deliveries", ErrQueueFull, dropped)
	}
	return nil
}

func (d *Dispatcher) enqueue(j *job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.recorder.NotificationDropped(j.channel.Name(), "queue_full")
		d.logger.Warn("Notification queue full, dropping event",
			zap.String("channel", j.channel.Name()),
			zap.String("kind", string(j.kind)),
			zap.String("id", j.id()))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context, n int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j *job) {
	name := j.channel.Name()
	dctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	if err := d.limiters[name].Wait(dctx); err != nil {
		d.recorder.NotificationDropped(name, "rate_limited")
		d.logger.Warn("Notification rate limit exceeded, dropping event",
			zap.String("channel", name),
			zap.String("id", j.id()),
			zap.Error(err))
		return
	}

	start := time.Now()
	var err error
	switch j.kind {
	case kindAlert:
		err = j.channel.SendAlert(dctx, j.alert)
	case kindClassification:
		err = j.channel.SendClassification(dctx, j.classification)
	case kindIncident:
		err = j.channel.SendIncident(dctx, j.incident)
	}
	if err == nil {
		d.recorder.NotificationSent(name, string(j.kind), time.Since(start))
		d.logger.Debug("Notification sent", zap.String("channel", name), zap.String("id", j.id()))
		return
	}

	d.recorder.NotificationFailed(name, string(j.kind))
	d.logger.Error("Failed to send notification",
		zap.String("channel", name),
		zap.String("kind", string(j.kind)),
		zap.String("id", j.id()),
		zap.Int("attempt", j.attempt+1),
		zap.Error(err))

	if j.attempt >= d.cfg.MaxRetries {
		return
	}
	j.attempt++
	delay := d.retryDelay(j.attempt)
	time.AfterFunc(delay, func() {
		_ = d.enqueue(j)
	})
}

// retryDelay grows exponentially with the attempt number
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	delay := d.cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if ceiling := 5 * time.Minute; delay > ceiling {
		return ceiling
	}
	return delay
}
