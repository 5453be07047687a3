// Package notify delivers execution reports and system events to webhook
// endpoints as rich embeds.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"autoinvest/internal/config"
	"autoinvest/internal/core"
	"autoinvest/pkg/concurrency"
	apperrors "autoinvest/pkg/errors"
)

const username = "AutoInvest"

// Manager fans embeds out to all configured webhook URLs. Delivery is
// fire-and-forget: failures are logged and never fail the calling run.
type Manager struct {
	urls       []string
	httpClient *http.Client
	pool       *concurrency.WorkerPool
	logger     *zap.Logger
}

func NewManager(cfg config.NotifierConfig, logger *zap.Logger) *Manager {
	return &Manager{
		urls:       cfg.WebhookURLs,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "notify",
			MaxWorkers:  4,
			MaxCapacity: 64,
			NonBlocking: true,
		}, logger),
		logger: logger.With(zap.String("component", "notifier")),
	}
}

// Close drains in-flight deliveries
func (m *Manager) Close() {
	m.pool.Stop()
}

// RunCompleted reports the outcome of one engine run
func (m *Manager) RunCompleted(ctx context.Context, result *core.AggregateResult) {
	m.broadcast(ctx, runReportEmbed(result))
}

// NoOrdersToday reports a tick whose due set was empty
func (m *Manager) NoOrdersToday(ctx context.Context, report core.NoOrdersReport) {
	m.broadcast(ctx, noOrdersEmbed(report))
}

// SystemEvent reports service lifecycle and health transitions
func (m *Manager) SystemEvent(ctx context.Context, title, message string, isError bool) {
	m.broadcast(ctx, systemEmbed(title, message, isError, time.Now()))
}

func (m *Manager) broadcast(ctx context.Context, embed Embed) {
	payload, err := json.Marshal(Payload{Username: username, Embeds: []Embed{embed}})
	if err != nil {
		m.logger.Error("marshal webhook payload", zap.Error(err))
		return
	}

	for _, url := range m.urls {
		url := url
		err := m.pool.Submit(func() {
			if err := m.deliver(ctx, url, payload); err != nil {
				m.logger.Warn("webhook delivery failed",
					zap.String("url", redactURL(url)), zap.Error(err))
			}
		})
		if err != nil {
			m.logger.Warn("notification queue full, dropping", zap.Error(err))
		}
	}
}

// deliver posts the payload, retrying once after the server-suggested delay
// on 429 or after two seconds on any other failure.
func (m *Manager) deliver(ctx context.Context, url string, payload []byte) error {
	retryAfter, err := m.post(ctx, url, payload)
	if err == nil {
		return nil
	}

	delay := 2 * time.Second
	if retryAfter > 0 {
		delay = retryAfter
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if _, err := m.post(ctx, url, payload); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNotifyFailed, err)
	}
	return nil
}

// post sends one webhook request and extracts Retry-After on throttling
func (m *Manager) post(ctx context.Context, url string, payload []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return 0, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil {
			retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	return retryAfter, fmt.Errorf("webhook returned %d", resp.StatusCode)
}

// redactURL strips the path so webhook tokens never reach the logs
func redactURL(url string) string {
	for i := 0; i < len(url); i++ {
		if i > 8 && url[i] == '/' {
			return url[:i] + "/..."
		}
	}
	return url
}
