package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aegisshield/guarddog/internal/models"
)

type fakeChannel struct {
	name     string
	failures int32
	block    chan struct{}

	mu     sync.Mutex
	alerts []string
	calls  atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) record(id string) error {
	n := f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if n <= atomic.LoadInt32(&f.failures) {
		return errors.New("transport down")
	}
	f.mu.Lock()
	f.alerts = append(f.alerts, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.alerts...)
}

func (f *fakeChannel) SendAlert(_ context.Context, a *models.Alert) error { return f.record(a.ID) }
func (f *fakeChannel) SendClassification(_ context.Context, c *models.Classification) error {
	return f.record(c.ID)
}
func (f *fakeChannel) SendIncident(_ context.Context, i *models.Incident) error { return f.record(i.ID) }

func TestDispatcher(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Fans Out To Every Channel", func(t *testing.T) {
		a, b := &fakeChannel{name: "a"}, &fakeChannel{name: "b"}
		d := NewDispatcher(DispatcherConfig{Workers: 2}, logger, a, b)
		d.Start(context.Background())
		defer d.Stop()

		require.NoError(t, d.SendAlert(context.Background(), &models.Alert{ID: "al-1"}))
		require.NoError(t, d.SendIncident(context.Background(), &models.Incident{ID: "in-1"}))
		require.NoError(t, d.SendClassification(context.Background(), &models.Classification{ID: "cl-1"}))

		for _, ch := range []*fakeChannel{a, b} {
			assert.Eventually(t, func() bool { return len(ch.delivered()) == 3 }, 2*time.Second, 10*time.Millisecond)
			assert.ElementsMatch(t, []string{"al-1", "in-1", "cl-1"}, ch.delivered())
		}
	})

	t.Run("Retries Failed Deliveries", func(t *testing.T) {
		ch := &fakeChannel{name: "flaky", failures: 2}
		d := NewDispatcher(DispatcherConfig{Workers: 1, MaxRetries: 3, RetryDelay: 10 * time.Millisecond}, logger, ch)
		d.Start(context.Background())
		defer d.Stop()

		require.NoError(t, d.SendAlert(context.Background(), &models.Alert{ID: "al-2"}))
		assert.Eventually(t, func() bool { return len(ch.delivered()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(3), ch.calls.Load())
	})

	t.Run("Gives Up After Max Retries", func(t *testing.T) {
		ch := &fakeChannel{name: "dead", failures: 100}
		d := NewDispatcher(DispatcherConfig{Workers: 1, MaxRetries: 1, RetryDelay: 5 * time.Millisecond}, logger, ch)
		d.Start(context.Background())
		defer d.Stop()

		require.NoError(t, d.SendAlert(context.Background(), &models.Alert{ID: "al-3"}))
		assert.Eventually(t, func() bool { return ch.calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(2), ch.calls.Load())
		assert.Empty(t, ch.delivered())
	})

	t.Run("Full Queue Does Not Block", func(t *testing.T) {
		ch := &fakeChannel{name: "slow", block: make(chan struct{})}
		d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, logger, ch)
		d.Start(context.Background())

		require.NoError(t, d.SendAlert(context.Background(), &models.Alert{ID: "first"}))
		require.Eventually(t, func() bool { return ch.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				_ = d.SendAlert(context.Background(), &models.Alert{ID: "x"})
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("SendAlert blocked on a full queue")
		}
		err := d.SendAlert(context.Background(), &models.Alert{ID: "y"})
		assert.ErrorIs(t, err, ErrQueueFull)

		close(ch.block)
		d.Stop()
	})

	t.Run("Closed Dispatcher Rejects Events", func(t *testing.T) {
		d := NewDispatcher(DispatcherConfig{}, logger, &fakeChannel{name: "c"})
		d.Start(context.Background())
		d.Stop()
		d.Stop()
		assert.ErrorIs(t, d.SendAlert(context.Background(), &models.Alert{ID: "z"}), ErrClosed)
	})
}

func TestRetryDelay(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{RetryDelay: time.Second}, nil)
	assert.Equal(t, time.Second, d.retryDelay(1))
	assert.Equal(t, 2*time.Second, d.retryDelay(2))
	assert.Equal(t, 4*time.Second, d.retryDelay(3))
	assert.Equal(t, 5*time.Minute, d.retryDelay(20))
}

func TestWebhookNotifier(t *testing.T) {
	var got WebhookEvent
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, map[string]string{"X-Token": "secret"}, time.Second, zaptest.NewLogger(t))
	require.NoError(t, n.SendAlert(context.Background(), &models.Alert{ID: "al-9", Title: "API_SECURITY: auth_failure"}))
	assert.Equal(t, "alert.created", got.Event)
	assert.Equal(t, "secret", header)
	data, ok := got.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "al-9", data["id"])

	t.Run("Error Status", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer bad.Close()
		n := NewWebhookNotifier(bad.URL, nil, time.Second, nil)
		assert.Error(t, n.SendIncident(context.Background(), &models.Incident{ID: "i"}))
	})
}

func TestSlackNotifier(t *testing.T) {
	var msg SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&msg)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, "#compliance", time.Second)
	require.NoError(t, n.SendAlert(context.Background(), &models.Alert{
		ID: "a", Title: "RATE_LIMIT: rate_limit_exceeded", Severity: models.SeverityHigh, Source: "gateway",
	}))
	assert.Equal(t, "#compliance", msg.Channel)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "danger", msg.Attachments[0].Color)
}
