// Package api is the request dispatcher: it decodes each inbound operation
// into its own typed request exactly once, invokes the corresponding engine
// operation, and encodes the result or maps the typed error kind to an HTTP
// status. No handler re-inspects payloads downstream of decoding.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/engine"
	"github.com/clearbook/exchange/internal/feed"
	"github.com/clearbook/exchange/internal/metrics"
	"github.com/clearbook/exchange/internal/model"
)

// Handler wires the engine to HTTP. The hub and publisher are optional;
// pass nil to disable trade event fan-out.
type Handler struct {
	engine *engine.Engine
	hub    *feed.Hub
	pub    *feed.Publisher
}

// NewHandler creates the dispatcher.
func NewHandler(e *engine.Engine, hub *feed.Hub, pub *feed.Publisher) *Handler {
	return &Handler{engine: e, hub: hub, pub: pub}
}

// Routes mounts the five operations plus the book snapshot.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Post("/holdings", h.SeedHolding)
	r.Post("/orders", h.PlaceOrder)
	r.Delete("/orders/{orderID}", h.CancelOrder)
	r.Get("/orders/{orderID}", h.QueryOrder)
	r.Get("/book/{symbol}", h.Book)
}

// --- Request/Response types (one per operation) ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

// SeedHoldingRequest is the JSON body for POST /holdings.
type SeedHoldingRequest struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Amount    int64  `json:"amount"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
// Amount is signed: positive = buy, negative = sell.
type PlaceOrderRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Amount    int64           `json:"amount"`
	Price     decimal.Decimal `json:"price"`
}

// PlaceOrderResponse returns the assigned order id.
type PlaceOrderResponse struct {
	OrderID int64 `json:"order_id"`
}

// CancelOrderResponse carries the pre/post snapshots and trade history.
type CancelOrderResponse struct {
	Before model.Order   `json:"before"`
	After  model.Order   `json:"after"`
	Trades []model.Trade `json:"trades"`
}

// BookResponse is the resting book for one symbol, both sides in priority
// order.
type BookResponse struct {
	Symbol string        `json:"symbol"`
	Bids   []model.Order `json:"bids"`
	Asks   []model.Order `json:"asks"`
}

// --- Handlers ---

// CreateAccount handles POST /accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := h.engine.CreateAccount(r.Context(), req.ID, req.Balance); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// SeedHolding handles POST /holdings.
func (h *Handler) SeedHolding(w http.ResponseWriter, r *http.Request) {
	var req SeedHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.Symbol == "" {
		writeError(w, "account_id and symbol are required", http.StatusBadRequest)
		return
	}

	if err := h.engine.SeedHolding(r.Context(), req.AccountID, req.Symbol, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceOrder handles POST /orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" || req.Symbol == "" {
		writeError(w, "account_id and symbol are required", http.StatusBadRequest)
		return
	}

	result, err := h.engine.PlaceOrder(r.Context(), req.AccountID, req.Symbol, req.Amount, req.Price)
	if err != nil {
		switch engine.KindOf(err) {
		case engine.KindInsufficientBalance, engine.KindInsufficientShares, engine.KindNoSuchHolding:
			metrics.ReservationRejections.WithLabelValues(engine.KindOf(err).String()).Inc()
		}
		writeEngineError(w, err)
		return
	}

	side := "buy"
	if req.Amount < 0 {
		side = "sell"
	}
	metrics.OrdersPlaced.WithLabelValues(side).Inc()
	for _, tr := range result.Trades {
		metrics.TradesExecuted.Inc()
		metrics.TradedVolume.WithLabelValues(tr.Symbol).Add(float64(tr.Quantity))

		ev := feed.NewTradeEvent(tr)
		if h.hub != nil {
			h.hub.Broadcast(ev)
		}
		if h.pub != nil {
			h.pub.Publish(r.Context(), ev)
		}
	}

	writeJSON(w, http.StatusCreated, PlaceOrderResponse{OrderID: result.OrderID})
}

// CancelOrder handles DELETE /orders/{orderID}?account_id=...
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID, orderID, ok := orderParams(w, r)
	if !ok {
		return
	}

	result, err := h.engine.CancelOrder(r.Context(), accountID, orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.OrdersCanceled.Inc()

	writeJSON(w, http.StatusOK, CancelOrderResponse{
		Before: result.Before,
		After:  result.After,
		Trades: emptyIfNil(result.Trades),
	})
}

// QueryOrder handles GET /orders/{orderID}?account_id=...
func (h *Handler) QueryOrder(w http.ResponseWriter, r *http.Request) {
	accountID, orderID, ok := orderParams(w, r)
	if !ok {
		return
	}

	status, err := h.engine.QueryOrder(r.Context(), accountID, orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	status.Trades = emptyIfNil(status.Trades)
	writeJSON(w, http.StatusOK, status)
}

// Book handles GET /book/{symbol}.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	bids, asks, err := h.engine.Book(r.Context(), symbol)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BookResponse{
		Symbol: symbol,
		Bids:   emptyIfNil(bids),
		Asks:   emptyIfNil(asks),
	})
}

// --- helpers ---

func orderParams(w http.ResponseWriter, r *http.Request) (accountID string, orderID int64, ok bool) {
	accountID = r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return "", 0, false
	}
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", http.StatusBadRequest)
		return "", 0, false
	}
	return accountID, orderID, true
}

// statusFor maps an engine error kind to an HTTP status. The mapping is the
// only place protocol semantics touch the error taxonomy.
func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindUnknownAccount, engine.KindUnknownOrder, engine.KindNoSuchHolding:
		return http.StatusNotFound
	case engine.KindInvalidBalance, engine.KindInvalidAmount:
		return http.StatusBadRequest
	case engine.KindDuplicateAccount, engine.KindAlreadyTerminal,
		engine.KindInsufficientBalance, engine.KindInsufficientShares:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	kind := engine.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
