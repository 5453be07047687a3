package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoinvest/internal/config"
	"autoinvest/internal/core"
)

func sampleResult(successes, failures int) *core.AggregateResult {
	result := &core.AggregateResult{
		StartedAt:  time.Now().Add(-2 * time.Second),
		FinishedAt: time.Now(),
	}
	for i := 0; i < successes; i++ {
		result.Add(core.ExecutionResult{
			Symbol:       "AAPL",
			RequestedQty: 1,
			FillPrice:    decimal.NewFromFloat(187.45),
			OrderID:      "1",
			Outcome:      core.OutcomePlaced,
		})
	}
	for i := 0; i < failures; i++ {
		result.Add(core.ExecutionResult{
			Symbol:  "FAIL",
			Outcome: core.OutcomeError,
			Message: "boom",
		})
	}
	return result
}

func TestRunReportEmbedColors(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		failures  int
		want      int
	}{
		{"all placed is green", 3, 0, colorGreen},
		{"all failed is red", 0, 2, colorRed},
		{"mixed is orange", 2, 1, colorOrange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embed := runReportEmbed(sampleResult(tt.successes, tt.failures))
			assert.Equal(t, tt.want, embed.Color)
		})
	}
}

func TestRunReportEmbedAbortedRun(t *testing.T) {
	result := sampleResult(0, 0)
	result.Err = "sheet unreachable"
	embed := runReportEmbed(result)
	assert.Equal(t, colorRed, embed.Color)
	assert.Contains(t, embed.Description, "sheet unreachable")
}

func TestRunReportEmbedCapsDetailLines(t *testing.T) {
	embed := runReportEmbed(sampleResult(8, 0))

	var orders string
	for _, f := range embed.Fields {
		if f.Name == "Orders" {
			orders = f.Value
		}
	}
	require.NotEmpty(t, orders)
	assert.Contains(t, orders, "and 3 more")
}

func TestNoOrdersEmbed(t *testing.T) {
	embed := noOrdersEmbed(core.NoOrdersReport{
		ActiveOrders: 4,
		Upcoming:     []string{"MSFT (Weekly, next Monday)"},
		CheckedAt:    time.Now(),
		NextFireTime: "tomorrow 09:00",
	})
	assert.Equal(t, colorBlue, embed.Color)
	assert.Contains(t, embed.Description, "4 active")
	require.Len(t, embed.Fields, 2)
}

func TestManagerBroadcastsToAllWebhooks(t *testing.T) {
	var mu sync.Mutex
	received := map[string]int{}

	handler := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var payload Payload
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			require.Len(t, payload.Embeds, 1)
			mu.Lock()
			received[name]++
			mu.Unlock()
		}
	}
	first := httptest.NewServer(handler("first"))
	defer first.Close()
	second := httptest.NewServer(handler("second"))
	defer second.Close()

	m := NewManager(config.NotifierConfig{
		WebhookURLs: []string{first.URL, second.URL},
		Timeout:     5,
	}, zap.NewNop())

	m.SystemEvent(context.Background(), "Service Started", "up", false)
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, received["first"])
	assert.Equal(t, 1, received["second"])
}

func TestManagerRetriesOnceOnFailure(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	m := NewManager(config.NotifierConfig{WebhookURLs: []string{server.URL}, Timeout: 5}, zap.NewNop())
	m.SystemEvent(context.Background(), "Health", "degraded", true)
	m.Close()

	assert.Equal(t, int64(2), calls.Load())
}
