package core

import (
	"context"
	"time"
)

// Broker is the minimal typed surface over the broker web API
type Broker interface {
	// AccountID returns the configured or discovered brokerage account id
	AccountID(ctx context.Context) (string, error)

	// ResolveSymbol maps a stock symbol to the broker's contract id,
	// preferring the first US stock match
	ResolveSymbol(ctx context.Context, symbol string) (int64, error)

	// MarketSnapshot fetches last/bid/ask for a contract
	MarketSnapshot(ctx context.Context, conid int64) (Snapshot, error)

	// PlaceOrder submits an order and drives the confirmation-reply
	// protocol until an order id is issued
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error)
}

// SheetStore reads the recurring order table and appends per-row log cells
type SheetStore interface {
	ListOrders(ctx context.Context) ([]RecurringOrder, error)
	AppendLog(ctx context.Context, rowIndex int, message string) error
}

// NoOrdersReport describes a tick with an empty due set
type NoOrdersReport struct {
	ActiveOrders int
	Upcoming     []string // human-readable previews of upcoming orders
	CheckedAt    time.Time
	NextFireTime string
}

// Notifier fans execution results out to the configured webhook sinks
type Notifier interface {
	RunCompleted(ctx context.Context, result *AggregateResult)
	NoOrdersToday(ctx context.Context, report NoOrdersReport)
	SystemEvent(ctx context.Context, title, message string, isError bool)
}
