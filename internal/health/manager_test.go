package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"autoinvest/internal/core"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	errors []bool
}

func (n *recordingNotifier) RunCompleted(ctx context.Context, result *core.AggregateResult) {}
func (n *recordingNotifier) NoOrdersToday(ctx context.Context, report core.NoOrdersReport) {}

func (n *recordingNotifier) SystemEvent(ctx context.Context, title, message string, isError bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, title)
	n.errors = append(n.errors, isError)
}

func TestManagerAggregation(t *testing.T) {
	m := NewManager(&recordingNotifier{}, zap.NewNop())
	ctx := context.Background()

	assert.True(t, m.Healthy(ctx), "no checks means healthy")

	m.Register("broker", func(ctx context.Context) error { return nil })
	assert.True(t, m.Healthy(ctx))

	m.Register("sheet", func(ctx context.Context) error { return errors.New("quota exceeded") })
	assert.False(t, m.Healthy(ctx))

	status := m.Status(ctx)
	assert.Equal(t, "Healthy", status["broker"])
	assert.Equal(t, "Unhealthy: quota exceeded", status["sheet"])
}

func TestTickNotifiesOncePerEpisode(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewManager(notifier, zap.NewNop())
	ctx := context.Background()

	var fail bool
	m.Register("broker", func(ctx context.Context) error {
		if fail {
			return errors.New("session down")
		}
		return nil
	})

	m.Tick(ctx)
	assert.Empty(t, notifier.events)

	fail = true
	m.Tick(ctx)
	m.Tick(ctx) // still failing, no second alert
	assert.Equal(t, []string{"Health Check Failed"}, notifier.events)

	fail = false
	m.Tick(ctx)
	assert.Equal(t, []string{"Health Check Failed", "Health Check Recovered"}, notifier.events)
	assert.Equal(t, []bool{true, false}, notifier.errors)
}
