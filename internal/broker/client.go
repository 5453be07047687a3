// Package broker implements the OAuth1 client for the brokerage web API:
// first-party authentication with a Diffie-Hellman derived live session
// token, symbol resolution, market data, and the order confirmation loop.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"autoinvest/internal/config"
	"autoinvest/internal/core"
	apperrors "autoinvest/pkg/errors"
	"autoinvest/pkg/httpclient"
)

// maxConfirmationReplies bounds the confirmation-acknowledgement loop after
// order submission. Exceeding it fails the order rather than looping.
const maxConfirmationReplies = 5

// usExchanges are the listing exchanges accepted during symbol resolution
var usExchanges = map[string]bool{
	"NYSE":   true,
	"NASDAQ": true,
	"AMEX":   true,
	"ARCA":   true,
	"BATS":   true,
}

// Client is the authenticated brokerage API client. It satisfies core.Broker.
type Client struct {
	cfg     config.BrokerConfig
	session *Session
	http    *httpclient.Client
	logger  *zap.Logger

	accountID string
}

func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	session, err := NewSession(cfg, logger)
	if err != nil {
		return nil, err
	}
	signer := NewOAuthSigner(cfg, session)
	return &Client{
		cfg:       cfg,
		session:   session,
		http:      httpclient.NewClient(cfg.BaseURL, time.Duration(cfg.RequestTimeout)*time.Second, signer),
		logger:    logger,
		accountID: cfg.AccountID,
	}, nil
}

// Session exposes the token lifecycle for the keep-alive loop
func (c *Client) Session() *Session {
	return c.session
}

// withAuthRetry runs one API call, re-deriving the session token and
// replaying the call once when the broker answers 401 or reports an
// expired session.
func (c *Client) withAuthRetry(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	body, err := fn(ctx)
	if err == nil || !isSessionError(err) {
		return body, err
	}

	c.logger.Warn("session rejected, re-deriving live session token", zap.Error(err))
	c.session.Invalidate()

	body, err = fn(ctx)
	if err != nil && isSessionError(err) {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSessionExpired, err)
	}
	return body, err
}

func isSessionError(err error) bool {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == 401 {
		return true
	}
	return strings.Contains(strings.ToLower(string(apiErr.Body)), "session expired")
}

// AccountID returns the configured account id, discovering it from the
// broker on first use when the configuration leaves it empty.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	if c.accountID != "" {
		return c.accountID, nil
	}

	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, "/iserver/accounts", nil)
	})
	if err != nil {
		return "", brokerError("list accounts", err)
	}

	var resp accountsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode accounts: %w", err)
	}
	if len(resp.Accounts) == 0 {
		return "", &apperrors.BrokerError{Status: 200, Body: "no brokerage accounts available"}
	}

	c.accountID = resp.Accounts[0]
	c.logger.Info("discovered brokerage account", zap.String("account_id", c.accountID))
	return c.accountID, nil
}

// ResolveSymbol maps a stock symbol to its contract id, preferring entries
// listed on a US exchange and falling back to the first result.
func (c *Client) ResolveSymbol(ctx context.Context, symbol string) (int64, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Post(ctx, "/iserver/secdef/search", map[string]string{
			"symbol":  symbol,
			"secType": "STK",
		})
	})
	if err != nil {
		return 0, brokerError("symbol search", err)
	}

	var results []secdefResult
	if err := json.Unmarshal(body, &results); err != nil {
		return 0, fmt.Errorf("decode symbol search: %w", err)
	}

	var fallback int64
	for _, r := range results {
		conid, err := r.Conid.Int64()
		if err != nil || conid <= 0 {
			continue
		}
		if usExchanges[strings.ToUpper(r.Description)] {
			return conid, nil
		}
		if fallback == 0 {
			fallback = conid
		}
	}
	if fallback != 0 {
		return fallback, nil
	}
	return 0, fmt.Errorf("%w: %s", apperrors.ErrUnresolvedSymbol, symbol)
}

// MarketSnapshot fetches last/bid/ask for a contract. When the snapshot
// carries no usable price the previous close from the daily history serves
// as the last price.
func (c *Client) MarketSnapshot(ctx context.Context, conid int64) (core.Snapshot, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, "/iserver/marketdata/snapshot", map[string]string{
			"conids": fmt.Sprintf("%d", conid),
			"fields": "31,84,86",
		})
	})
	if err != nil {
		return core.Snapshot{}, brokerError("market snapshot", err)
	}

	var rows []snapshotRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return core.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	var snap core.Snapshot
	if len(rows) > 0 {
		snap = core.Snapshot{
			Last: parsePrice(rows[0].LastPrice),
			Bid:  parsePrice(rows[0].BidPrice),
			Ask:  parsePrice(rows[0].AskPrice),
		}
	}
	if snap.Last.Valid || snap.Mid().Valid {
		return snap, nil
	}

	close, err := c.previousClose(ctx, conid)
	if err != nil {
		c.logger.Warn("history fallback failed", zap.Int64("conid", conid), zap.Error(err))
		return snap, nil
	}
	snap.Last = close
	return snap, nil
}

// previousClose reads the most recent daily close from the history endpoint
func (c *Client) previousClose(ctx context.Context, conid int64) (decimal.NullDecimal, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, "/iserver/marketdata/history", map[string]string{
			"conid":  fmt.Sprintf("%d", conid),
			"period": "1d",
			"bar":    "1d",
		})
	})
	if err != nil {
		return decimal.NullDecimal{}, brokerError("market history", err)
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("decode history: %w", err)
	}
	if len(resp.Data) == 0 {
		return decimal.NullDecimal{}, nil
	}
	last := resp.Data[len(resp.Data)-1]
	if last.Close <= 0 {
		return decimal.NullDecimal{}, nil
	}
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(last.Close), Valid: true}, nil
}

// PlaceOrder submits an order and drives the confirmation protocol: every
// prompt the broker raises is acknowledged until an order id is issued, up
// to the reply cap.
func (c *Client) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	payload := map[string]any{
		"orders": []map[string]any{orderPayload(req)},
	}
	path := fmt.Sprintf("/iserver/account/%s/orders", req.AccountID)

	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Post(ctx, path, payload)
	})
	if err != nil {
		return core.Order{}, brokerError("place order", err)
	}

	return c.confirmOrder(ctx, body)
}

// confirmOrder walks the reply chain of an order submission response
func (c *Client) confirmOrder(ctx context.Context, body []byte) (core.Order, error) {
	for replies := 0; ; replies++ {
		var results []orderReply
		if err := json.Unmarshal(body, &results); err != nil {
			return core.Order{}, fmt.Errorf("decode order response: %w", err)
		}
		if len(results) == 0 {
			return core.Order{}, &apperrors.BrokerError{Status: 200, Body: "empty order response"}
		}

		reply := results[0]
		if reply.OrderID != "" {
			return core.Order{OrderID: reply.OrderID, Status: reply.OrderStatus}, nil
		}
		if reply.ID == "" {
			return core.Order{}, &apperrors.BrokerError{Status: 200, Body: string(body)}
		}
		if replies >= maxConfirmationReplies {
			return core.Order{}, &apperrors.OrderProtocolError{
				Replies: replies,
				Reason:  strings.Join(reply.Messages, "; "),
			}
		}

		c.logger.Debug("confirming order prompt",
			zap.String("reply_id", reply.ID),
			zap.Strings("messages", reply.Messages))

		var err error
		body, err = c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
			return c.http.Post(ctx, "/iserver/reply/"+reply.ID, map[string]bool{"confirmed": true})
		})
		if err != nil {
			return core.Order{}, brokerError("confirm order", err)
		}
	}
}

func orderPayload(req core.PlaceOrderRequest) map[string]any {
	order := map[string]any{
		"conid":     req.Conid,
		"side":      req.Side,
		"quantity":  req.Quantity,
		"orderType": req.OrderType,
		"tif":       req.TIF,
		"cOID":      req.ClientOrderID,
	}
	if req.Price.Valid {
		order["price"], _ = req.Price.Decimal.Float64()
	}
	return order
}

// Positions lists the account's portfolio positions for one page
func (c *Client) Positions(ctx context.Context, page int) ([]core.Position, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/portfolio/%s/positions/%d", accountID, page)
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, path, nil)
	})
	if err != nil {
		return nil, brokerError("list positions", err)
	}

	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]core.Position, 0, len(rows))
	for _, r := range rows {
		positions = append(positions, core.Position{
			Conid:         r.Conid,
			Symbol:        r.ContractDesc,
			Quantity:      decimal.NewFromFloat(r.Position),
			MarketPrice:   decimal.NewFromFloat(r.MktPrice),
			MarketValue:   decimal.NewFromFloat(r.MktValue),
			AvgCost:       decimal.NewFromFloat(r.AvgCost),
			UnrealizedPnL: decimal.NewFromFloat(r.UnrealizedPnl),
		})
	}
	return positions, nil
}

// LiveOrders lists the open orders on the account
func (c *Client) LiveOrders(ctx context.Context) ([]byte, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, "/iserver/account/orders", nil)
	})
	if err != nil {
		return nil, brokerError("list orders", err)
	}
	return body, nil
}

// OrderStatus fetches the broker's state of one order
func (c *Client) OrderStatus(ctx context.Context, orderID string) ([]byte, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Get(ctx, "/iserver/account/order/status/"+orderID, nil)
	})
	if err != nil {
		return nil, brokerError("order status", err)
	}
	return body, nil
}

// CancelOrder cancels an open order on the account
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/iserver/account/%s/order/%s", accountID, orderID)
	_, err = c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Delete(ctx, path, nil)
	})
	if err != nil {
		return brokerError("cancel order", err)
	}
	return nil
}

// Logout ends the brokerage session and drops the cached token
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Post(ctx, "/logout", nil)
	})
	if err != nil {
		return brokerError("logout", err)
	}
	c.session.Invalidate()
	return nil
}

// Tickle pings the session keep-alive endpoint and reports whether the
// brokerage session is still authenticated.
func (c *Client) Tickle(ctx context.Context) (bool, error) {
	body, err := c.withAuthRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return c.http.Post(ctx, "/tickle", nil)
	})
	if err != nil {
		return false, brokerError("tickle", err)
	}

	var resp tickleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("decode tickle: %w", err)
	}
	return resp.IServer.AuthStatus.Authenticated, nil
}

// parsePrice converts a snapshot price string to a decimal. The feed
// prefixes values with letters for closed or halted markets; those pass
// through after stripping the prefix.
func parsePrice(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "CHch")
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.Sign() <= 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

// brokerError converts transport failures into the typed broker error,
// keeping sentinel wrapping intact.
func brokerError(op string, err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, &apperrors.BrokerError{
			Status: apiErr.StatusCode,
			Body:   string(apiErr.Body),
		})
	}
	if errors.Is(err, apperrors.ErrAuthenticationFailed) || errors.Is(err, apperrors.ErrSessionExpired) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, apperrors.ErrNetwork, err)
}
