package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	appErr "codejudge/pkg/errors"
	"codejudge/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultWebhookTimeout     = 5 * time.Second
	defaultWebhookAttempts    = 5
	defaultWebhookInitialWait = 500 * time.Millisecond
	defaultWebhookMaxWait     = 10 * time.Second
	webhookUserAgent          = "codejudge-dispatcher"
	maxDrainBytes             = 4 << 10
)

// WebhookConfig bounds callback delivery.
type WebhookConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

func (c *WebhookConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultWebhookTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultWebhookAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultWebhookInitialWait
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultWebhookMaxWait
	}
}

// Webhook posts JSON bodies to callback URLs.
type Webhook struct {
	client *http.Client
	cfg    WebhookConfig
}

// NewWebhook uses client, or a client with cfg.Timeout when client is nil.
func NewWebhook(cfg WebhookConfig, client *http.Client) *Webhook {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Webhook{client: client, cfg: cfg}
}

// Deliver posts body to url until a 2xx response, a permanent failure, or
// MaxAttempts attempts. It returns the number of attempts made.
func (w *Webhook) Deliver(ctx context.Context, url string, body interface{}, headers map[string]string) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal callback body failed: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.cfg.InitialInterval
	policy.MaxInterval = w.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		return w.post(ctx, url, payload, headers)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn(ctx, "callback attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(w.cfg.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, bounded, notify); err != nil {
		return attempts, appErr.Wrapf(err, appErr.DeliveryFailed, "deliver to %s failed after %d attempts", url, attempts)
	}
	return attempts, nil
}

func (w *Webhook) post(ctx context.Context, url string, payload []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build callback request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("callback responded %d", resp.StatusCode)
	if retryableStatus(resp.StatusCode) {
		return statusErr
	}
	return backoff.Permanent(statusErr)
}

// retryableStatus reports whether a non-2xx status may succeed later.
func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return true
	}
}
