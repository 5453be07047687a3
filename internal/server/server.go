// Package server exposes the loopback HTTP surface: manual execution,
// status, health, metrics, and read-only broker proxies.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"autoinvest/internal/core"
	"autoinvest/internal/engine"
	"autoinvest/internal/health"
	apperrors "autoinvest/pkg/errors"
)

// brokerAPI is the broker surface the proxy endpoints need
type brokerAPI interface {
	core.Broker
	Positions(ctx context.Context, page int) ([]core.Position, error)
	LiveOrders(ctx context.Context) ([]byte, error)
	OrderStatus(ctx context.Context, orderID string) ([]byte, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// nextRunFunc reports the next scheduled daily execution
type nextRunFunc func() time.Time

// Server binds to the loopback interface only; the service is not meant to
// be reachable from outside the host.
type Server struct {
	engine    *engine.Engine
	broker    brokerAPI
	health    *health.Manager
	nextRun   nextRunFunc
	logger    *zap.Logger
	limiter   *rate.Limiter
	startedAt time.Time

	httpServer *http.Server
}

func New(port int, eng *engine.Engine, broker brokerAPI, healthMgr *health.Manager, nextRun nextRunFunc, logger *zap.Logger) *Server {
	s := &Server{
		engine:    eng,
		broker:    broker,
		health:    healthMgr,
		nextRun:   nextRun,
		logger:    logger.With(zap.String("component", "server")),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /recurring/execute", s.handleExecute)
	mux.HandleFunc("GET /recurring/status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /account", s.handleAccount)
	mux.HandleFunc("GET /positions", s.handlePositions)
	mux.HandleFunc("GET /orders", s.handleOrders)
	mux.HandleFunc("POST /order", s.handlePlaceOrder)
	mux.HandleFunc("GET /orders/{id}", s.handleOrderStatus)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /resolve/{symbol}", s.handleResolve)
	mux.HandleFunc("GET /market-data/{symbol}", s.handleMarketData)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:      s.throttle(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual execution can run long
	}
	return s
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the full route table, used by the tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Execute(r.Context())
	switch {
	case errors.Is(err, apperrors.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
	case err != nil:
		s.logger.Error("manual execution failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, executeResponse(result))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "idle"
	if s.engine.Running() {
		status = "running"
	}

	resp := map[string]any{
		"status":         status,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if next := s.nextRun(); !next.IsZero() {
		resp["next_run"] = next.Format(time.RFC3339)
	}
	if last := s.engine.LastResult(); last != nil {
		resp["last_run"] = executeResponse(last)
	}
	if due, err := s.engine.DuePreview(r.Context()); err != nil {
		s.logger.Warn("due preview unavailable", zap.Error(err))
	} else {
		resp["due_orders"] = due
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.health.Status(r.Context())
	code := http.StatusOK
	for _, v := range status {
		if v != "Healthy" {
			code = http.StatusServiceUnavailable
			break
		}
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := s.broker.AccountID(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"account_id": accountID})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
			return
		}
		page = parsed
	}

	positions, err := s.broker.Positions(r.Context(), page)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	body, err := s.broker.LiveOrders(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// placeOrderBody is the manual order request of the proxy surface. Unlike
// the recurring pipeline it allows limit orders.
type placeOrderBody struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Quantity  int64   `json:"quantity"`
	OrderType string  `json:"order_type"`
	TIF       string  `json:"tif"`
	Price     float64 `json:"price"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed order request: "+err.Error())
		return
	}
	if body.Symbol == "" || body.Quantity < 1 {
		s.writeError(w, http.StatusBadRequest, "symbol and quantity >= 1 are required")
		return
	}
	if body.Side == "" {
		body.Side = "BUY"
	}
	if body.OrderType == "" {
		body.OrderType = "MKT"
	}
	if body.TIF == "" {
		body.TIF = "DAY"
	}

	accountID, err := s.broker.AccountID(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	conid, err := s.broker.ResolveSymbol(r.Context(), body.Symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnresolvedSymbol) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	req := core.PlaceOrderRequest{
		AccountID: accountID,
		Conid:     conid,
		Side:      body.Side,
		Quantity:  body.Quantity,
		OrderType: body.OrderType,
		TIF:       body.TIF,
	}
	if body.Price > 0 {
		req.Price = decimal.NullDecimal{Decimal: decimal.NewFromFloat(body.Price), Valid: true}
	}

	order, err := s.broker.PlaceOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"order_id": order.OrderID,
		"status":   order.Status,
	})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	body, err := s.broker.OrderStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.CancelOrder(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	conid, err := s.broker.ResolveSymbol(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnresolvedSymbol) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "conid": conid})
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	conid, err := s.broker.ResolveSymbol(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnresolvedSymbol) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	snap, err := s.broker.MarketSnapshot(r.Context(), conid)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := map[string]any{"symbol": symbol, "conid": conid}
	if snap.Last.Valid {
		resp["last"] = snap.Last.Decimal.String()
	}
	if snap.Bid.Valid {
		resp["bid"] = snap.Bid.Decimal.String()
	}
	if snap.Ask.Valid {
		resp["ask"] = snap.Ask.Decimal.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// executeResponse is the wire form of a run summary
func executeResponse(result *core.AggregateResult) map[string]any {
	resp := map[string]any{
		"total":          result.Total,
		"successes":      result.Successes,
		"failures":       result.Failures,
		"skipped":        result.Skipped,
		"total_notional": result.TotalNotional.StringFixed(2),
		"started_at":     result.StartedAt.Format(time.RFC3339),
		"finished_at":    result.FinishedAt.Format(time.RFC3339),
		"active_orders":  result.ActiveOrders,
	}
	if result.Err != "" {
		resp["error"] = result.Err
	}

	orders := make([]map[string]any, 0, len(result.Results))
	for _, r := range result.Results {
		order := map[string]any{
			"row":     r.RowIndex,
			"symbol":  r.Symbol,
			"outcome": string(r.Outcome),
		}
		if r.RequestedQty > 0 {
			order["qty"] = r.RequestedQty
			order["price"] = r.FillPrice.StringFixed(2)
		}
		if r.OrderID != "" {
			order["order_id"] = r.OrderID
		}
		if r.Message != "" {
			order["message"] = r.Message
		}
		orders = append(orders, order)
	}
	resp["orders"] = orders
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"status": "error", "message": message})
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return fmt.Sprintf("http://%s", s.httpServer.Addr)
}
