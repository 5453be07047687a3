// Package core defines the domain types and interfaces for the recurring
// order system
package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "autoinvest/pkg/errors"
)

// Frequency is the execution cadence of a recurring order
type Frequency string

const (
	FrequencyDaily   Frequency = "Daily"
	FrequencyWeekly  Frequency = "Weekly"
	FrequencyMonthly Frequency = "Monthly"
)

// ParseFrequency matches a sheet cell value case-insensitively
func ParseFrequency(s string) (Frequency, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return FrequencyDaily, true
	case "weekly":
		return FrequencyWeekly, true
	case "monthly":
		return FrequencyMonthly, true
	default:
		return "", false
	}
}

// RecurringOrder is one row of the external order table. It lives in the
// sheet only; the engine never caches it across runs.
type RecurringOrder struct {
	RowIndex  int // 1-based row position, used solely to address writes
	Status    string
	Symbol    string
	PriceHint decimal.NullDecimal // informational, not authoritative
	AmountUSD decimal.NullDecimal
	QtyToBuy  int64 // 0 means absent; takes precedence over AmountUSD
	Frequency string
	Log       string
}

// IsActive reports whether the row should be considered at all.
// Status is compared case-insensitively.
func (o *RecurringOrder) IsActive() bool {
	return strings.EqualFold(strings.TrimSpace(o.Status), "active")
}

// Validate checks well-formedness: non-empty symbol, recognized frequency,
// and either qty_to_buy >= 1 or amount_usd > 0.
func (o *RecurringOrder) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return &apperrors.ValidationError{Row: o.RowIndex, Message: "symbol is empty"}
	}
	if _, ok := ParseFrequency(o.Frequency); !ok {
		return &apperrors.ValidationError{Row: o.RowIndex, Message: "unrecognized frequency: " + o.Frequency}
	}
	if o.QtyToBuy < 1 && !(o.AmountUSD.Valid && o.AmountUSD.Decimal.IsPositive()) {
		return &apperrors.ValidationError{Row: o.RowIndex, Message: "needs qty_to_buy >= 1 or amount_usd > 0"}
	}
	return nil
}

// DueAt reports whether the order's frequency matches the calendar tick at
// now: Daily always, Weekly on Mondays, Monthly on the first of the month.
func (o *RecurringOrder) DueAt(now time.Time) bool {
	freq, ok := ParseFrequency(o.Frequency)
	if !ok {
		return false
	}
	switch freq {
	case FrequencyDaily:
		return true
	case FrequencyWeekly:
		return now.Weekday() == time.Monday
	case FrequencyMonthly:
		return now.Day() == 1
	default:
		return false
	}
}

// Outcome classifies a single execution attempt
type Outcome string

const (
	OutcomePlaced   Outcome = "Placed"
	OutcomeRejected Outcome = "Rejected"
	OutcomeSkipped  Outcome = "Skipped"
	OutcomeError    Outcome = "Error"
)

// ExecutionResult records one attempt of one order row
type ExecutionResult struct {
	RowIndex     int
	Symbol       string
	Frequency    string
	RequestedQty int64
	FillPrice    decimal.Decimal // price used for notional reporting
	OrderID      string          // broker-issued, empty when not placed
	Outcome      Outcome
	Message      string
	Timestamp    time.Time
}

// Notional is FillPrice x RequestedQty
func (r *ExecutionResult) Notional() decimal.Decimal {
	return r.FillPrice.Mul(decimal.NewFromInt(r.RequestedQty))
}

// AggregateResult summarizes one engine run
type AggregateResult struct {
	Total         int
	Successes     int
	Failures      int
	Skipped       int
	TotalNotional decimal.Decimal
	Results       []ExecutionResult
	StartedAt     time.Time
	FinishedAt    time.Time
	ActiveOrders  int    // active rows seen, including not-due ones
	Err           string // set when the batch aborted before completion
}

// Add folds one execution result into the aggregate
func (a *AggregateResult) Add(r ExecutionResult) {
	a.Total++
	a.Results = append(a.Results, r)
	switch r.Outcome {
	case OutcomePlaced:
		a.Successes++
		a.TotalNotional = a.TotalNotional.Add(r.Notional())
	case OutcomeSkipped:
		a.Skipped++
	default:
		a.Failures++
	}
}

// Snapshot is a point-in-time market data view for one contract
type Snapshot struct {
	Last decimal.NullDecimal
	Bid  decimal.NullDecimal
	Ask  decimal.NullDecimal
}

// Mid returns (bid+ask)/2 when both sides are present
func (s Snapshot) Mid() decimal.NullDecimal {
	if !s.Bid.Valid || !s.Ask.Valid {
		return decimal.NullDecimal{}
	}
	mid := s.Bid.Decimal.Add(s.Ask.Decimal).Div(decimal.NewFromInt(2))
	return decimal.NullDecimal{Decimal: mid, Valid: true}
}

// PlaceOrderRequest is the typed order submission payload
type PlaceOrderRequest struct {
	AccountID     string
	Conid         int64
	Side          string
	Quantity      int64
	OrderType     string
	TIF           string
	Price         decimal.NullDecimal // limit price, MKT orders leave it unset
	ClientOrderID string
}

// Order is the broker acknowledgement of a submitted order
type Order struct {
	OrderID string
	Status  string
}

// Position is one account position row
type Position struct {
	Conid         int64
	Symbol        string
	Quantity      decimal.Decimal
	MarketPrice   decimal.Decimal
	MarketValue   decimal.Decimal
	AvgCost       decimal.Decimal
	UnrealizedPnL decimal.Decimal
}
