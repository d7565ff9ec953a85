package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/sirupsen/logrus"
)

// Webhook request headers
const (
	HeaderEvent     = "X-Plugd-Event"
	HeaderEventID   = "X-Plugd-Event-ID"
	HeaderSignature = "X-Plugd-Signature"
	HeaderAttempt   = "X-Plugd-Delivery-Attempt"
)

// ErrWebhookURLRequired is returned when a sink has no target
var ErrWebhookURLRequired = errors.New("webhook URL is required")

// WebhookConfig configures a WebhookSink
type WebhookConfig struct {
	URL          string
	Secret       string
	Types        []Type
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Workers      int
}

func (c *WebhookConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

// WebhookSink POSTs broadcast events to an external URL. Deliveries run on a
// worker pool and retry with exponential backoff on failure.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger *logrus.Logger

	pool   *async.WorkerPool
	sub    *Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebhookSink validates cfg and creates an idle sink
func NewWebhookSink(cfg WebhookConfig, logger *logrus.Logger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, ErrWebhookURLRequired
	}
	for _, t := range cfg.Types {
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Start subscribes to b and delivers events until Stop
func (s *WebhookSink) Start(ctx context.Context, b *Broadcaster) {
	ctx, s.cancel = context.WithCancel(ctx)
	budget := time.Duration(s.cfg.MaxAttempts) * (s.cfg.Timeout + s.cfg.MaxDelay)
	s.pool = async.NewWorkerPool(ctx, s.cfg.Workers, "webhook delivery", budget)
	s.sub = b.Subscribe(DefaultBuffer, s.cfg.Types...)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-s.pool.Errors():
				s.logger.Warnf("webhook delivery to %s failed: %v", s.cfg.URL, err)
			case evt, ok := <-s.sub.C():
				if !ok {
					return
				}
				if err := s.pool.Submit(func(ctx context.Context) error {
					return s.Deliver(ctx, evt)
				}); err != nil {
					return
				}
			}
		}
	}()
}

// Stop unsubscribes and waits up to timeout for in-flight deliveries
func (s *WebhookSink) Stop(timeout time.Duration) error {
	if s.sub == nil {
		return nil
	}
	s.sub.Close()
	<-s.done
	err := s.pool.Shutdown(timeout)
	s.cancel()
	return err
}

// Deliver sends evt, retrying until it succeeds or attempts run out
func (s *WebhookSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if lastErr = s.send(ctx, evt, payload, attempt); lastErr == nil {
			return nil
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Debugf("webhook attempt %d for %s failed: %v", attempt, evt.ID, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}
	}
	return fmt.Errorf("giving up on event %s after %d attempts: %w", evt.ID, s.cfg.MaxAttempts, lastErr)
}

func (s *WebhookSink) backoff(attempt int) time.Duration {
	delay := float64(s.cfg.InitialDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.cfg.MaxDelay) {
		return s.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (s *WebhookSink) send(ctx context.Context, evt Event, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(evt.Type))
	req.Header.Set(HeaderEventID, evt.ID)
	req.Header.Set(HeaderAttempt, fmt.Sprint(attempt))
	if s.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.cfg.Secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
