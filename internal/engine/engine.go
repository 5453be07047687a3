// Package engine executes the recurring order pipeline: read the order
// table, select what is due, price and size each order, place it, and
// write the outcome back.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autoinvest/internal/core"
	apperrors "autoinvest/pkg/errors"
)

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recurring_runs_total",
		Help: "Total engine runs by outcome",
	}, []string{"outcome"})

	ordersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recurring_orders_total",
		Help: "Total order executions by outcome",
	}, []string{"outcome"})

	notionalTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recurring_notional_usd_total",
		Help: "Total notional placed in USD",
	})
)

func init() {
	prometheus.MustRegister(runsTotal, ordersTotal, notionalTotal)
}

// Engine drives one execution run at a time. A run already in flight makes
// any overlapping trigger fail fast with ErrBusy instead of queueing.
type Engine struct {
	broker   core.Broker
	sheet    core.SheetStore
	notifier core.Notifier
	location *time.Location
	logger   *zap.Logger

	inFlight sync.Mutex

	now func() time.Time // test hook

	mu         sync.Mutex
	lastResult *core.AggregateResult
}

func New(broker core.Broker, sheet core.SheetStore, notifier core.Notifier, location *time.Location, logger *zap.Logger) *Engine {
	return &Engine{
		broker:   broker,
		sheet:    sheet,
		notifier: notifier,
		location: location,
		logger:   logger.With(zap.String("component", "engine")),
		now:      time.Now,
	}
}

// LastResult returns the most recent run summary, nil before the first run
func (e *Engine) LastResult() *core.AggregateResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// DuePreview lists the active rows that would execute if a tick fired at
// the current business time
func (e *Engine) DuePreview(ctx context.Context) ([]string, error) {
	now := e.now().In(e.location)
	orders, err := e.sheet.ListOrders(ctx)
	if err != nil {
		return nil, err
	}
	previews := make([]string, 0)
	for _, o := range orders {
		if !o.IsActive() || !o.DueAt(now) {
			continue
		}
		if o.QtyToBuy >= 1 {
			previews = append(previews, fmt.Sprintf("%s: %d shares (%s)", o.Symbol, o.QtyToBuy, o.Frequency))
		} else {
			previews = append(previews, fmt.Sprintf("%s: $%s (%s)", o.Symbol, o.AmountUSD.Decimal.StringFixed(2), o.Frequency))
		}
	}
	return previews, nil
}

// Running reports whether a run is currently in flight
func (e *Engine) Running() bool {
	if e.inFlight.TryLock() {
		e.inFlight.Unlock()
		return false
	}
	return true
}

// Execute runs the full pipeline once. Overlapping calls return ErrBusy.
func (e *Engine) Execute(ctx context.Context) (*core.AggregateResult, error) {
	if !e.inFlight.TryLock() {
		return nil, apperrors.ErrBusy
	}
	defer e.inFlight.Unlock()

	now := e.now().In(e.location)
	result := &core.AggregateResult{StartedAt: now}
	e.logger.Info("execution run started", zap.Time("business_time", now))

	orders, err := e.sheet.ListOrders(ctx)
	if err != nil {
		result.Err = err.Error()
		result.FinishedAt = time.Now()
		e.finish(ctx, result)
		return result, fmt.Errorf("list orders: %w", err)
	}

	var active, due []core.RecurringOrder
	for _, o := range orders {
		if !o.IsActive() {
			continue
		}
		active = append(active, o)
		if o.DueAt(now) {
			due = append(due, o)
		}
	}
	result.ActiveOrders = len(active)

	if len(due) == 0 {
		result.FinishedAt = time.Now()
		e.logger.Info("no orders due", zap.Int("active", len(active)))
		e.notifier.NoOrdersToday(ctx, core.NoOrdersReport{
			ActiveOrders: len(active),
			Upcoming:     upcomingPreviews(active, now),
			CheckedAt:    now,
		})
		e.storeResult(result)
		runsTotal.WithLabelValues("empty").Inc()
		return result, nil
	}

	accountID, err := e.broker.AccountID(ctx)
	if err != nil {
		result.Err = err.Error()
		result.FinishedAt = time.Now()
		e.finish(ctx, result)
		return result, fmt.Errorf("account discovery: %w", err)
	}

	for _, order := range due {
		if ctx.Err() != nil {
			result.Add(e.record(ctx, skipped(order, now, "shutdown in progress")))
			continue
		}
		result.Add(e.record(ctx, e.executeOne(ctx, accountID, order, now)))
	}

	result.FinishedAt = time.Now()
	e.finish(ctx, result)
	return result, nil
}

func (e *Engine) finish(ctx context.Context, result *core.AggregateResult) {
	e.storeResult(result)

	outcome := "ok"
	switch {
	case result.Err != "":
		outcome = "aborted"
	case result.Failures > 0:
		outcome = "partial"
	}
	runsTotal.WithLabelValues(outcome).Inc()

	e.logger.Info("execution run finished",
		zap.Int("total", result.Total),
		zap.Int("successes", result.Successes),
		zap.Int("failures", result.Failures),
		zap.Int("skipped", result.Skipped),
		zap.String("notional", result.TotalNotional.StringFixed(2)))

	// notifications must survive a cancelled run context
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	e.notifier.RunCompleted(notifyCtx, result)
}

func (e *Engine) storeResult(result *core.AggregateResult) {
	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()
}

// executeOne runs the resolve, price, size, place pipeline for one row
func (e *Engine) executeOne(ctx context.Context, accountID string, order core.RecurringOrder, now time.Time) core.ExecutionResult {
	log := e.logger.With(zap.String("symbol", order.Symbol), zap.Int("row", order.RowIndex))

	if err := order.Validate(); err != nil {
		log.Warn("invalid order row", zap.Error(err))
		return failed(order, now, err.Error())
	}

	conid, err := e.broker.ResolveSymbol(ctx, order.Symbol)
	if err != nil {
		log.Error("symbol resolution failed", zap.Error(err))
		result := failed(order, now, err.Error())
		result.Outcome = outcomeFor(err)
		return result
	}

	price, err := e.price(ctx, conid)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoPrice) && order.PriceHint.Valid {
			price = order.PriceHint.Decimal
			log.Warn("no market price, using sheet price hint",
				zap.String("hint", price.StringFixed(2)))
		} else {
			log.Error("pricing failed", zap.Error(err))
			result := failed(order, now, err.Error())
			result.Outcome = outcomeFor(err)
			return result
		}
	}

	qty, err := quantityFor(order, price)
	if err != nil {
		log.Warn("sizing failed", zap.String("price", price.StringFixed(2)), zap.Error(err))
		result := failed(order, now, err.Error())
		result.Outcome = outcomeFor(err)
		result.FillPrice = price
		return result
	}

	placed, err := e.broker.PlaceOrder(ctx, core.PlaceOrderRequest{
		AccountID: accountID,
		Conid:     conid,
		Side:      "BUY",
		Quantity:  qty,
		OrderType: "MKT",
		TIF:       "DAY",
	})
	if err != nil {
		log.Error("order placement failed", zap.Int64("qty", qty), zap.Error(err))
		result := failed(order, now, err.Error())
		result.RequestedQty = qty
		result.FillPrice = price
		return result
	}

	log.Info("order placed",
		zap.Int64("qty", qty),
		zap.String("price", price.StringFixed(2)),
		zap.String("order_id", placed.OrderID))

	return core.ExecutionResult{
		RowIndex:     order.RowIndex,
		Symbol:       order.Symbol,
		Frequency:    order.Frequency,
		RequestedQty: qty,
		FillPrice:    price,
		OrderID:      placed.OrderID,
		Outcome:      core.OutcomePlaced,
		Message:      placed.Status,
		Timestamp:    now,
	}
}

// record writes the sheet log cell for one result and bumps metrics
func (e *Engine) record(ctx context.Context, result core.ExecutionResult) core.ExecutionResult {
	ordersTotal.WithLabelValues(string(result.Outcome)).Inc()
	if result.Outcome == core.OutcomePlaced {
		notional, _ := result.Notional().Float64()
		notionalTotal.Add(notional)
	}

	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := e.sheet.AppendLog(logCtx, result.RowIndex, logLine(result)); err != nil {
		e.logger.Error("sheet log write failed",
			zap.Int("row", result.RowIndex), zap.Error(err))
	}
	return result
}

// price picks the execution reference price: last trade first, then the
// bid/ask midpoint.
func (e *Engine) price(ctx context.Context, conid int64) (decimal.Decimal, error) {
	snap, err := e.broker.MarketSnapshot(ctx, conid)
	if err != nil {
		return decimal.Zero, err
	}
	if snap.Last.Valid {
		return snap.Last.Decimal, nil
	}
	if mid := snap.Mid(); mid.Valid {
		return mid.Decimal, nil
	}
	return decimal.Zero, apperrors.ErrNoPrice
}

// quantityFor sizes the order: an explicit share count wins; otherwise the
// dollar amount is converted at the reference price and floored.
func quantityFor(order core.RecurringOrder, price decimal.Decimal) (int64, error) {
	if order.QtyToBuy >= 1 {
		return order.QtyToBuy, nil
	}
	if price.Sign() <= 0 {
		return 0, apperrors.ErrNoPrice
	}
	qty := order.AmountUSD.Decimal.Div(price).IntPart()
	if qty < 1 {
		return 0, fmt.Errorf("%w: $%s buys no whole share at $%s",
			apperrors.ErrSubShareNotional, order.AmountUSD.Decimal.StringFixed(2), price.StringFixed(2))
	}
	return qty, nil
}

// logLine renders the sheet log cell for one execution result
func logLine(r core.ExecutionResult) string {
	icon := "✅"
	switch r.Outcome {
	case core.OutcomeSkipped:
		icon = "⏭️"
	case core.OutcomeRejected, core.OutcomeError:
		icon = "❌"
	}
	orderID := r.OrderID
	if orderID == "" {
		orderID = "-"
	}
	line := fmt.Sprintf("%s %s: %s %d @ $%s | id=%s | %s",
		icon, r.Timestamp.Format("2006-01-02 15:04:05"), r.Symbol,
		r.RequestedQty, r.FillPrice.StringFixed(2), orderID, r.Frequency)
	if r.Outcome != core.OutcomePlaced && r.Message != "" {
		line += " | " + r.Message
	}
	return line
}

// outcomeFor separates rejections of the row itself (unknown symbol, no
// usable price, notional too small for a whole share) from transport and
// gateway faults, which stay Error.
func outcomeFor(err error) core.Outcome {
	switch {
	case errors.Is(err, apperrors.ErrUnresolvedSymbol),
		errors.Is(err, apperrors.ErrNoPrice),
		errors.Is(err, apperrors.ErrSubShareNotional):
		return core.OutcomeRejected
	}
	return core.OutcomeError
}

func failed(order core.RecurringOrder, now time.Time, message string) core.ExecutionResult {
	return core.ExecutionResult{
		RowIndex:  order.RowIndex,
		Symbol:    order.Symbol,
		Frequency: order.Frequency,
		Outcome:   core.OutcomeError,
		Message:   message,
		Timestamp: now,
	}
}

func skipped(order core.RecurringOrder, now time.Time, message string) core.ExecutionResult {
	return core.ExecutionResult{
		RowIndex:  order.RowIndex,
		Symbol:    order.Symbol,
		Frequency: order.Frequency,
		Outcome:   core.OutcomeSkipped,
		Message:   message,
		Timestamp: now,
	}
}

// upcomingPreviews renders short descriptions of active orders that are
// not due at the given tick
func upcomingPreviews(active []core.RecurringOrder, now time.Time) []string {
	var previews []string
	for _, o := range active {
		if o.DueAt(now) {
			continue
		}
		freq, ok := core.ParseFrequency(o.Frequency)
		if !ok {
			continue
		}
		var when string
		switch freq {
		case core.FrequencyWeekly:
			when = "runs Mondays"
		case core.FrequencyMonthly:
			when = "runs on the 1st"
		default:
			when = "runs daily"
		}
		previews = append(previews, fmt.Sprintf("%s (%s, %s)", o.Symbol, freq, when))
	}
	return previews
}
