package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// invalidateAfterFailures is how many consecutive failed pings it takes
// before the cached token is dropped. A single miss is usually transient.
const invalidateAfterFailures = 3

// Tickler keeps the brokerage session alive by pinging the keep-alive
// endpoint on a fixed interval. Repeated failures or an unauthenticated
// reply drop the cached token so the next API call re-derives it.
type Tickler struct {
	client   *Client
	interval time.Duration
	logger   *zap.Logger

	failures int
}

func NewTickler(client *Client, interval time.Duration, logger *zap.Logger) *Tickler {
	return &Tickler{client: client, interval: interval, logger: logger}
}

// Run blocks until the context is cancelled
func (t *Tickler) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("session keep-alive started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("session keep-alive stopped")
			return
		case <-ticker.C:
			t.ping(ctx)
		}
	}
}

func (t *Tickler) ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	authenticated, err := t.client.Tickle(ctx)
	if err != nil {
		t.failures++
		t.logger.Warn("keep-alive ping failed",
			zap.Int("consecutive_failures", t.failures), zap.Error(err))
		if t.failures >= invalidateAfterFailures {
			t.client.Session().Invalidate()
			t.failures = 0
		}
		return
	}
	t.failures = 0
	if !authenticated {
		t.logger.Warn("brokerage session no longer authenticated")
		t.client.Session().Invalidate()
	}
}
