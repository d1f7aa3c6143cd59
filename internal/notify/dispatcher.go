// Package notify delivers escalation intents to the clinician and
// supervisor channels. Delivery is asynchronous: the verification path
// enqueues and returns, and the dispatcher absorbs downstream failures
// with a circuit breaker instead of propagating them upstream.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/lims-autoverify-server/internal/domain"
)

// Channel delivers one intent to a concrete destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, intent *domain.EscalationIntent) error
}

// WebhookChannel posts intents as JSON to a configured endpoint, typically
// the LIS notification gateway that fans out to pagers and the review queue.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel(url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

// Send posts the intent. Any non-2xx response is a delivery failure.
func (c *WebhookChannel) Send(ctx context.Context, intent *domain.EscalationIntent) error {
	body, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshaling intent: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// queueSize bounds the in-flight intents. Escalation is fire-and-forget: a
// full queue drops the newest intent with a log line rather than blocking
// result verification.
const queueSize = 1024

// Dispatcher is the domain.Notifier implementation. One worker drains the
// queue, rate limited and wrapped in a circuit breaker so a dead endpoint
// does not burn the whole queue on timeouts.
type Dispatcher struct {
	logger  *logrus.Logger
	channel Channel
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	queue  chan *domain.EscalationIntent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given channel.
func NewDispatcher(logger *logrus.Logger, channel Channel, cfg domain.NotificationConfig) *Dispatcher {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "notify-" + channel.Name(),
		Interval: cfg.BreakerInterval,
		Timeout:  cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Notification circuit breaker state changed")
		},
	})

	return &Dispatcher{
		logger:  logger,
		channel: channel,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		queue:   make(chan *domain.EscalationIntent, queueSize),
	}
}

// Start launches the delivery worker.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop drains nothing further and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Notify enqueues an intent. It never blocks: when the queue is full the
// intent is dropped and logged, matching fire-and-forget semantics.
func (d *Dispatcher) Notify(ctx context.Context, intent *domain.EscalationIntent) error {
	select {
	case d.queue <- intent:
		return nil
	default:
		d.logger.WithFields(logrus.Fields{
			"intent_id": intent.ID,
			"kind":      intent.Kind,
		}).Error("Notification queue full, intent dropped")
		return domain.NewEngineError(domain.ErrNotification, "notification queue full", "", "")
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-d.queue:
			d.deliver(ctx, intent)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, intent *domain.EscalationIntent) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.channel.Send(ctx, intent)
	})
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"intent_id":   intent.ID,
			"kind":        intent.Kind,
			"target_role": intent.TargetRole,
			"channel":     d.channel.Name(),
		}).Error("Failed to deliver escalation intent")
		return
	}

	d.logger.WithFields(logrus.Fields{
		"intent_id":   intent.ID,
		"kind":        intent.Kind,
		"target_role": intent.TargetRole,
	}).Info("Escalation intent delivered")
}
