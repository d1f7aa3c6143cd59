package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims-autoverify-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// stubChannel records delivered intents and signals each delivery.
type stubChannel struct {
	mu        sync.Mutex
	delivered []*domain.EscalationIntent
	signal    chan struct{}
}

func newStubChannel() *stubChannel {
	return &stubChannel{signal: make(chan struct{}, 64)}
}

func (c *stubChannel) Name() string { return "stub" }

func (c *stubChannel) Send(ctx context.Context, intent *domain.EscalationIntent) error {
	c.mu.Lock()
	c.delivered = append(c.delivered, intent)
	c.mu.Unlock()
	c.signal <- struct{}{}
	return nil
}

func (c *stubChannel) waitForDelivery(t *testing.T) {
	t.Helper()
	select {
	case <-c.signal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func testIntent(id string) *domain.EscalationIntent {
	return &domain.EscalationIntent{
		ID:         id,
		Kind:       domain.INTENT_CRITICAL_VALUE,
		TargetRole: domain.ROLE_ORDERING_CLINICIAN,
		DedupKey:   "result:" + id,
		Payload:    map[string]string{"test_id": "GLU"},
		CreatedAt:  time.Now().UTC(),
	}
}

func TestDispatcher_DeliversEnqueuedIntents(t *testing.T) {
	channel := newStubChannel()
	dispatcher := NewDispatcher(testLogger(), channel, domain.NotificationConfig{
		RatePerSecond: 100,
		Burst:         10,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	require.NoError(t, dispatcher.Notify(context.Background(), testIntent("in-1")))
	require.NoError(t, dispatcher.Notify(context.Background(), testIntent("in-2")))

	channel.waitForDelivery(t)
	channel.waitForDelivery(t)

	channel.mu.Lock()
	defer channel.mu.Unlock()
	require.Len(t, channel.delivered, 2)
	assert.Equal(t, "in-1", channel.delivered[0].ID)
	assert.Equal(t, "in-2", channel.delivered[1].ID)
}

func TestDispatcher_QueueFullDropsIntent(t *testing.T) {
	channel := newStubChannel()
	dispatcher := NewDispatcher(testLogger(), channel, domain.NotificationConfig{
		RatePerSecond: 100,
		Burst:         10,
	})
	// Never started: the queue fills up and Notify must not block.

	var err error
	for i := 0; i < queueSize+1; i++ {
		err = dispatcher.Notify(context.Background(), testIntent("overflow"))
	}

	require.Error(t, err)
	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, domain.ErrNotification, engineErr.Code)
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var received *domain.EscalationIntent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var intent domain.EscalationIntent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&intent))
		received = &intent
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, 5*time.Second)
	err := channel.Send(context.Background(), testIntent("in-hook"))

	require.NoError(t, err)
	require.NotNil(t, received)
	assert.Equal(t, "in-hook", received.ID)
	assert.Equal(t, domain.INTENT_CRITICAL_VALUE, received.Kind)
}

func TestWebhookChannel_NonSuccessStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel := NewWebhookChannel(server.URL, 5*time.Second)
	err := channel.Send(context.Background(), testIntent("in-fail"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
