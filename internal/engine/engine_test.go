package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoinvest/internal/core"
	apperrors "autoinvest/pkg/errors"
)

type fakeBroker struct {
	mu        sync.Mutex
	conids    map[string]int64
	snapshots map[int64]core.Snapshot
	placeErr  map[string]error
	placed    []core.PlaceOrderRequest
	placeWait chan struct{} // when set, PlaceOrder blocks until closed
}

func (b *fakeBroker) AccountID(ctx context.Context) (string, error) { return "DU12345", nil }

func (b *fakeBroker) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	if conid, ok := b.conids[symbol]; ok {
		return conid, nil
	}
	return 0, fmt.Errorf("%w: %s", apperrors.ErrUnresolvedSymbol, symbol)
}

func (b *fakeBroker) MarketSnapshot(ctx context.Context, conid int64) (core.Snapshot, error) {
	return b.snapshots[conid], nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	if b.placeWait != nil {
		<-b.placeWait
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.placeErr[symbolForConid(b.conids, req.Conid)]; ok {
		return core.Order{}, err
	}
	b.placed = append(b.placed, req)
	return core.Order{OrderID: fmt.Sprintf("oid-%d", len(b.placed)), Status: "Submitted"}, nil
}

func symbolForConid(conids map[string]int64, conid int64) string {
	for sym, c := range conids {
		if c == conid {
			return sym
		}
	}
	return ""
}

type fakeSheet struct {
	mu      sync.Mutex
	orders  []core.RecurringOrder
	listErr error
	logs    map[int][]string
}

func (s *fakeSheet) ListOrders(ctx context.Context) ([]core.RecurringOrder, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.orders, nil
}

func (s *fakeSheet) AppendLog(ctx context.Context, rowIndex int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs == nil {
		s.logs = map[int][]string{}
	}
	s.logs[rowIndex] = append(s.logs[rowIndex], message)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed []*core.AggregateResult
	noOrders  []core.NoOrdersReport
}

func (n *fakeNotifier) RunCompleted(ctx context.Context, result *core.AggregateResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, result)
}

func (n *fakeNotifier) NoOrdersToday(ctx context.Context, report core.NoOrdersReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.noOrders = append(n.noOrders, report)
}

func (n *fakeNotifier) SystemEvent(ctx context.Context, title, message string, isError bool) {}

func activeOrder(row int, symbol, frequency string, qty int64, amount string) core.RecurringOrder {
	o := core.RecurringOrder{
		RowIndex:  row,
		Status:    "Active",
		Symbol:    symbol,
		Frequency: frequency,
		QtyToBuy:  qty,
	}
	if amount != "" {
		d, _ := decimal.NewFromString(amount)
		o.AmountUSD = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return o
}

func snapshotWithLast(price string) core.Snapshot {
	d, _ := decimal.NewFromString(price)
	return core.Snapshot{Last: decimal.NullDecimal{Decimal: d, Valid: true}}
}

// fixedClock pins the engine to a Tuesday mid-month so only daily orders
// are due unless a test says otherwise
var tuesday = time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)

func newTestEngine(broker *fakeBroker, sheet *fakeSheet, notifier *fakeNotifier, at time.Time) *Engine {
	e := New(broker, sheet, notifier, time.UTC, zap.NewNop())
	e.now = func() time.Time { return at }
	return e
}

func TestExecutePlacesDailyOrderByQty(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 265598},
		snapshots: map[int64]core.Snapshot{265598: snapshotWithLast("187.45")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 2, "")}}
	notifier := &fakeNotifier{}
	e := newTestEngine(broker, sheet, notifier, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	assert.Equal(t, 0, result.Failures)
	assert.Equal(t, "374.90", result.TotalNotional.StringFixed(2))

	require.Len(t, broker.placed, 1)
	assert.Equal(t, int64(2), broker.placed[0].Quantity)
	assert.Equal(t, "MKT", broker.placed[0].OrderType)
	assert.Equal(t, "DAY", broker.placed[0].TIF)
	assert.Equal(t, "DU12345", broker.placed[0].AccountID)

	require.Len(t, sheet.logs[2], 1)
	assert.Contains(t, sheet.logs[2][0], "✅")
	assert.Contains(t, sheet.logs[2][0], "AAPL 2 @ $187.45")
	assert.Contains(t, sheet.logs[2][0], "id=oid-1")
	assert.Contains(t, sheet.logs[2][0], "Daily")

	require.Len(t, notifier.completed, 1)
}

func TestExecuteSizesByDollarAmount(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"MSFT": 272093},
		snapshots: map[int64]core.Snapshot{272093: snapshotWithLast("410.00")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "MSFT", "Daily", 0, "1000")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	require.Len(t, broker.placed, 1)
	assert.Equal(t, int64(2), broker.placed[0].Quantity) // floor(1000/410)
}

func TestExecuteQtyTakesPrecedenceOverAmount(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 265598},
		snapshots: map[int64]core.Snapshot{265598: snapshotWithLast("187.45")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 5, "100")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	_, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, broker.placed, 1)
	assert.Equal(t, int64(5), broker.placed[0].Quantity)
}

func TestDuePreviewListsDueRowsOnly(t *testing.T) {
	sheet := &fakeSheet{orders: []core.RecurringOrder{
		activeOrder(2, "AAPL", "Daily", 2, ""),
		activeOrder(3, "MSFT", "Weekly", 0, "500"), // not due on a Tuesday
	}}
	e := newTestEngine(&fakeBroker{}, sheet, &fakeNotifier{}, tuesday)

	previews, err := e.DuePreview(context.Background())
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Contains(t, previews[0], "AAPL")
	assert.Contains(t, previews[0], "2 shares")
}

func TestExecuteSubShareAmountFails(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 265598},
		snapshots: map[int64]core.Snapshot{265598: snapshotWithLast("187.45")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 0, "50")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	assert.Empty(t, broker.placed)
	require.Len(t, sheet.logs[2], 1)
	assert.Contains(t, sheet.logs[2][0], "❌")
}

func TestExecuteFallsBackToPriceHint(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: {}}, // no market price at all
	}
	order := activeOrder(2, "AAPL", "Daily", 0, "500")
	hint, _ := decimal.NewFromString("187.45")
	order.PriceHint = decimal.NullDecimal{Decimal: hint, Valid: true}
	sheet := &fakeSheet{orders: []core.RecurringOrder{order}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	require.Len(t, broker.placed, 1)
	assert.Equal(t, int64(2), broker.placed[0].Quantity) // floor(500/187.45)
}

func TestDueSetByFrequency(t *testing.T) {
	monday := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	firstOfMonth := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		at      time.Time
		symbols []string // expected placements
	}{
		{"tuesday mid-month runs daily only", tuesday, []string{"DDD"}},
		{"monday runs daily and weekly", monday, []string{"DDD", "WWW"}},
		{"first of month runs daily and monthly", firstOfMonth, []string{"DDD", "MMM"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := &fakeBroker{
				conids: map[string]int64{"DDD": 1, "WWW": 2, "MMM": 3},
				snapshots: map[int64]core.Snapshot{
					1: snapshotWithLast("10"), 2: snapshotWithLast("20"), 3: snapshotWithLast("30"),
				},
			}
			sheet := &fakeSheet{orders: []core.RecurringOrder{
				activeOrder(2, "DDD", "Daily", 1, ""),
				activeOrder(3, "WWW", "Weekly", 1, ""),
				activeOrder(4, "MMM", "Monthly", 1, ""),
			}}
			e := newTestEngine(broker, sheet, &fakeNotifier{}, tt.at)

			_, err := e.Execute(context.Background())
			require.NoError(t, err)

			var placed []string
			for _, p := range broker.placed {
				placed = append(placed, symbolForConid(broker.conids, p.Conid))
			}
			assert.ElementsMatch(t, tt.symbols, placed)
		})
	}
}

func TestExecuteSkipsInactiveRows(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10")},
	}
	paused := activeOrder(3, "AAPL", "Daily", 1, "")
	paused.Status = "Paused"
	sheet := &fakeSheet{orders: []core.RecurringOrder{paused}}
	notifier := &fakeNotifier{}
	e := newTestEngine(broker, sheet, notifier, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, 0, result.ActiveOrders)
	require.Len(t, notifier.noOrders, 1)
}

func TestExecuteNoOrdersDueNotifies(t *testing.T) {
	broker := &fakeBroker{}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "MSFT", "Weekly", 1, "")}}
	notifier := &fakeNotifier{}
	e := newTestEngine(broker, sheet, notifier, tuesday) // tuesday, weekly not due

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, 1, result.ActiveOrders)

	require.Len(t, notifier.noOrders, 1)
	assert.Equal(t, 1, notifier.noOrders[0].ActiveOrders)
	require.Len(t, notifier.noOrders[0].Upcoming, 1)
	assert.Contains(t, notifier.noOrders[0].Upcoming[0], "MSFT")
	assert.Empty(t, notifier.completed)
}

func TestExecuteContinuesAfterSingleFailure(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"BAD": 1, "GOOD": 2},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10"), 2: snapshotWithLast("20")},
		placeErr:  map[string]error{"BAD": &apperrors.BrokerError{Status: 400, Body: "rejected"}},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{
		activeOrder(2, "BAD", "Daily", 1, ""),
		activeOrder(3, "GOOD", "Daily", 1, ""),
	}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successes)
	assert.Equal(t, 1, result.Failures)
	require.Len(t, sheet.logs[2], 1)
	assert.Contains(t, sheet.logs[2][0], "❌")
	require.Len(t, sheet.logs[3], 1)
	assert.Contains(t, sheet.logs[3][0], "✅")
}

func TestExecuteUnresolvedSymbolRejected(t *testing.T) {
	broker := &fakeBroker{conids: map[string]int64{}}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "NOPE", "Daily", 1, "")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	require.Len(t, result.Results, 1)
	assert.Equal(t, core.OutcomeRejected, result.Results[0].Outcome)
	assert.Contains(t, result.Results[0].Message, "unresolved symbol")
}

func TestExecuteUnpriceableSymbolRejected(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: {}}, // no last, no bid/ask
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 0, "500")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failures)
	require.Len(t, result.Results, 1)
	assert.Equal(t, core.OutcomeRejected, result.Results[0].Outcome)
	assert.Empty(t, broker.placed)
}

func TestExecuteBrokerFaultStaysError(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10")},
		placeErr:  map[string]error{"AAPL": &apperrors.BrokerError{Status: 503, Body: "gateway down"}},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 1, "")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, core.OutcomeError, result.Results[0].Outcome)
}

func TestExecuteBusyGuard(t *testing.T) {
	gate := make(chan struct{})
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10")},
		placeWait: gate,
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 1, "")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Execute(context.Background())
		assert.NoError(t, err)
	}()

	// wait for the first run to take the lock
	require.Eventually(t, e.Running, time.Second, time.Millisecond)

	_, err := e.Execute(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrBusy)

	close(gate)
	<-done
	assert.False(t, e.Running())
}

func TestExecuteAbortsWhenSheetUnreachable(t *testing.T) {
	sheet := &fakeSheet{listErr: errors.New("sheet unreachable")}
	notifier := &fakeNotifier{}
	e := newTestEngine(&fakeBroker{}, sheet, notifier, tuesday)

	result, err := e.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, "sheet unreachable", result.Err)
	require.Len(t, notifier.completed, 1)
	assert.Equal(t, "sheet unreachable", notifier.completed[0].Err)
}

func TestExecuteSkipsRemainingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 1, "")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	result, err := e.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, broker.placed)
	require.Len(t, sheet.logs[2], 1)
	assert.Contains(t, sheet.logs[2][0], "⏭️")
}

func TestLastResultUpdated(t *testing.T) {
	broker := &fakeBroker{
		conids:    map[string]int64{"AAPL": 1},
		snapshots: map[int64]core.Snapshot{1: snapshotWithLast("10")},
	}
	sheet := &fakeSheet{orders: []core.RecurringOrder{activeOrder(2, "AAPL", "Daily", 1, "")}}
	e := newTestEngine(broker, sheet, &fakeNotifier{}, tuesday)

	require.Nil(t, e.LastResult())
	_, err := e.Execute(context.Background())
	require.NoError(t, err)
	require.NotNil(t, e.LastResult())
	assert.Equal(t, 1, e.LastResult().Successes)
}

func TestQuantityFor(t *testing.T) {
	price := decimal.NewFromInt(100)

	qty, err := quantityFor(activeOrder(1, "A", "Daily", 3, ""), price)
	require.NoError(t, err)
	assert.Equal(t, int64(3), qty)

	qty, err = quantityFor(activeOrder(1, "A", "Daily", 0, "250"), price)
	require.NoError(t, err)
	assert.Equal(t, int64(2), qty)

	_, err = quantityFor(activeOrder(1, "A", "Daily", 0, "99.99"), price)
	assert.ErrorIs(t, err, apperrors.ErrSubShareNotional)

	_, err = quantityFor(activeOrder(1, "A", "Daily", 0, "250"), decimal.Zero)
	assert.ErrorIs(t, err, apperrors.ErrNoPrice)
}
