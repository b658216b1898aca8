package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shizukutanaka/mamoru/internal/clock"
)

// Alert is one notification.
type Alert struct {
	Audience  string    `json:"audience"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Emergency bool      `json:"emergency"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel delivers alerts to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// NotifierConfig tunes delivery.
type NotifierConfig struct {
	WebhookURL   string        `mapstructure:"webhook_url"`
	WebhookToken string        `mapstructure:"webhook_token"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	RatePerMin   float64       `mapstructure:"rate_per_minute"`
	Burst        int           `mapstructure:"burst"`
	QueueSize    int           `mapstructure:"queue_size"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

// Notifier implements security.Notifier. Regular alerts with the same
// audience and subject are suppressed during the cooldown and throttled by
// a token bucket. Emergency alerts bypass both.
type Notifier struct {
	logger   *zap.Logger
	clock    clock.Clock
	config   NotifierConfig
	channels []Channel
	cooldown *lru.Cache[string, time.Time]
	limiter  *rate.Limiter

	mu      sync.RWMutex
	running bool
	queue   chan Alert
	wg      sync.WaitGroup

	sent       atomic.Uint64
	suppressed atomic.Uint64
	failed     atomic.Uint64
}

// NewNotifier creates a notifier with a log channel and, when configured, a
// webhook channel.
func NewNotifier(logger *zap.Logger, clk clock.Clock, config NotifierConfig) *Notifier {
	if clk == nil {
		clk = clock.Real()
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 5 * time.Minute
	}
	if config.RatePerMin <= 0 {
		config.RatePerMin = 30
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}

	cooldown, _ := lru.New[string, time.Time](1024)

	n := &Notifier{
		logger:   logger,
		clock:    clk,
		config:   config,
		cooldown: cooldown,
		limiter:  rate.NewLimiter(rate.Limit(config.RatePerMin/60), config.Burst),
		channels: []Channel{&LogChannel{logger: logger}},
	}
	if config.WebhookURL != "" {
		n.channels = append(n.channels, NewWebhookChannel(config.WebhookURL, config.WebhookToken, config.SendTimeout))
	}
	return n
}

// AddChannel registers an extra destination. Must be called before Start.
func (n *Notifier) AddChannel(c Channel) {
	n.channels = append(n.channels, c)
}

// SendAlert implements security.Notifier.
func (n *Notifier) SendAlert(audience, subject, body string) {
	now := n.clock.Now()
	key := audience + "|" + subject

	if last, ok := n.cooldown.Get(key); ok && now.Sub(last) < n.config.Cooldown {
		n.suppressed.Add(1)
		n.logger.Debug("Alert suppressed by cooldown", zap.String("subject", subject))
		return
	}
	if !n.limiter.AllowN(now, 1) {
		n.suppressed.Add(1)
		n.logger.Warn("Alert rate limit reached, alert suppressed",
			zap.String("audience", audience),
			zap.String("subject", subject),
		)
		return
	}
	n.cooldown.Add(key, now)

	n.dispatch(Alert{Audience: audience, Subject: subject, Body: body, Timestamp: now})
}

// SendEmergencyAlert implements security.Notifier.
func (n *Notifier) SendEmergencyAlert(body string) {
	n.dispatch(Alert{
		Audience:  "emergency-contacts",
		Subject:   "EMERGENCY",
		Body:      body,
		Emergency: true,
		Timestamp: n.clock.Now(),
	})
}

// Stats returns delivery counters.
func (n *Notifier) Stats() map[string]uint64 {
	return map[string]uint64{
		"sent":       n.sent.Load(),
		"suppressed": n.suppressed.Load(),
		"failed":     n.failed.Load(),
	}
}

// Start launches the delivery goroutine. Before Start, alerts are delivered
// on the caller.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return
	}
	n.running = true
	n.queue = make(chan Alert, n.config.QueueSize)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for alert := range n.queue {
			n.deliver(alert)
		}
	}()
}

// Stop drains pending alerts and stops delivery.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.queue)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) dispatch(alert Alert) {
	n.mu.RLock()
	if n.running {
		select {
		case n.queue <- alert:
			n.mu.RUnlock()
			return
		default:
		}
	}
	n.mu.RUnlock()

	if alert.Emergency || !n.isRunning() {
		n.deliver(alert)
		return
	}
	n.failed.Add(1)
	n.logger.Error("Alert queue full, alert dropped", zap.String("subject", alert.Subject))
}

func (n *Notifier) isRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *Notifier) deliver(alert Alert) {
	for _, c := range n.channels {
		ctx, cancel := context.WithTimeout(context.Background(), n.config.SendTimeout)
		err := c.Send(ctx, alert)
		cancel()
		if err != nil {
			n.failed.Add(1)
			n.logger.Error("Failed to send alert",
				zap.String("channel", c.Name()),
				zap.String("subject", alert.Subject),
				zap.Error(err),
			)
			continue
		}
		n.sent.Add(1)
	}
}

// LogChannel writes alerts to the logger.
type LogChannel struct {
	logger *zap.Logger
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("audience", alert.Audience),
		zap.String("subject", alert.Subject),
		zap.String("body", alert.Body),
	}
	if alert.Emergency {
		c.logger.Error("EMERGENCY ALERT", fields...)
	} else {
		c.logger.Warn("Security alert", fields...)
	}
	return nil
}

// WebhookChannel posts alerts as JSON.
type WebhookChannel struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookChannel creates a webhook destination.
func NewWebhookChannel(url, token string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
