package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Standardized error taxonomy for the recurring order system
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSessionExpired       = errors.New("broker session expired")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrUnresolvedSymbol     = errors.New("unresolved symbol")
	ErrNoPrice              = errors.New("no price available")
	ErrSubShareNotional     = errors.New("sub-share notional")
	ErrBusy                 = errors.New("execution already in flight")
	ErrShutdown             = errors.New("shutting down")
	ErrNotifyFailed         = errors.New("notification failed")
)

// ConfigError indicates missing or malformed configuration. Fatal at startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for '%s': %s", e.Key, e.Message)
}

// BrokerError carries a non-auth 4xx/5xx broker response.
type BrokerError struct {
	Status int
	Body   string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error: status=%d body=%s", e.Status, e.Body)
}

// OrderProtocolError indicates the confirmation-reply loop exceeded its
// budget or finished without an order id.
type OrderProtocolError struct {
	Replies int
	Reason  string
}

func (e *OrderProtocolError) Error() string {
	return fmt.Sprintf("order protocol error after %d replies: %s", e.Replies, e.Reason)
}

// SheetSchemaError names the required worksheet columns that were not found.
type SheetSchemaError struct {
	Missing []string
}

func (e *SheetSchemaError) Error() string {
	return fmt.Sprintf("sheet schema error: missing columns: %s", strings.Join(e.Missing, ", "))
}

// ValidationError marks a malformed order row. Row-scoped: it never aborts
// the batch.
type ValidationError struct {
	Row     int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order row %d: %s", e.Row, e.Message)
}

// IsAuthError reports whether err is an authentication or session failure
// that warrants a live-session-token re-derivation.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrSessionExpired)
}
