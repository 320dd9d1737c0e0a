package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/clearbook/exchange/internal/api"
	"github.com/clearbook/exchange/internal/engine"
	"github.com/clearbook/exchange/internal/ledger"
)

func newTestRouter(t *testing.T) chi.Router {
	t.Helper()
	e := engine.New(ledger.NewMemoryLedger())
	h := api.NewHandler(e, nil, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, r chi.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func errKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["kind"]
}

func createAccount(t *testing.T, r chi.Router, id string, balance string) {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/accounts", map[string]any{"id": id, "balance": balance})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func seedHolding(t *testing.T, r chi.Router, acct, symbol string, amount int64) {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/holdings", map[string]any{
		"account_id": acct, "symbol": symbol, "amount": amount,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func placeOrder(t *testing.T, r chi.Router, acct, symbol string, amount int64, price string) int64 {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/orders", map[string]any{
		"account_id": acct, "symbol": symbol, "amount": amount, "price": price,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[api.PlaceOrderResponse](t, rec).OrderID
}

func TestCreateAccountEndpoint(t *testing.T) {
	r := newTestRouter(t)

	createAccount(t, r, "alice", "1000")

	rec := do(t, r, http.MethodPost, "/accounts", map[string]any{"id": "alice", "balance": "5"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "duplicate_account", errKind(t, rec))

	rec = do(t, r, http.MethodPost, "/accounts", map[string]any{"id": "bob", "balance": "-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_balance", errKind(t, rec))

	rec = do(t, r, http.MethodPost, "/accounts", map[string]any{"balance": "5"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAccountEndpoint_BadBody(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/accounts", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeedHoldingEndpoint(t *testing.T) {
	r := newTestRouter(t)
	createAccount(t, r, "alice", "0")

	seedHolding(t, r, "alice", "ACME", 10)

	rec := do(t, r, http.MethodPost, "/holdings", map[string]any{
		"account_id": "ghost", "symbol": "ACME", "amount": 10,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_account", errKind(t, rec))

	rec = do(t, r, http.MethodPost, "/holdings", map[string]any{
		"account_id": "alice", "symbol": "ACME", "amount": -100,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_amount", errKind(t, rec))
}

func TestPlaceOrderEndpoint(t *testing.T) {
	r := newTestRouter(t)
	createAccount(t, r, "buyer", "1000")
	createAccount(t, r, "seller", "0")
	seedHolding(t, r, "seller", "ACME", 10)

	buyID := placeOrder(t, r, "buyer", "ACME", 10, "100")
	require.NotZero(t, buyID)

	rec := do(t, r, http.MethodPost, "/orders", map[string]any{
		"account_id": "buyer", "symbol": "ACME", "amount": 10, "price": "100",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "insufficient_balance", errKind(t, rec))

	rec = do(t, r, http.MethodPost, "/orders", map[string]any{
		"account_id": "seller", "symbol": "OTHER", "amount": -1, "price": "10",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "no_such_holding", errKind(t, rec))

	sellID := placeOrder(t, r, "seller", "ACME", -10, "90")

	status := do(t, r, http.MethodGet, fmt.Sprintf("/orders/%d?account_id=seller", sellID), nil)
	require.Equal(t, http.StatusOK, status.Code)
	got := decode[map[string]json.RawMessage](t, status)
	var executed int64
	require.NoError(t, json.Unmarshal(got["executed"], &executed))
	require.Equal(t, int64(10), executed)
}

func TestQueryOrderEndpoint(t *testing.T) {
	r := newTestRouter(t)
	createAccount(t, r, "alice", "1000")
	id := placeOrder(t, r, "alice", "ACME", 10, "50")

	rec := do(t, r, http.MethodGet, fmt.Sprintf("/orders/%d?account_id=alice", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	require.Contains(t, body, "order")
	require.Contains(t, body, "trades")
	require.JSONEq(t, "0", string(body["executed"]))
	require.JSONEq(t, "0", string(body["canceled"]))

	rec = do(t, r, http.MethodGet, fmt.Sprintf("/orders/%d?account_id=bob", id), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_account", errKind(t, rec))

	rec = do(t, r, http.MethodGet, fmt.Sprintf("/orders/%d", id), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/orders/notanumber?account_id=alice", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOrderEndpoint(t *testing.T) {
	r := newTestRouter(t)
	createAccount(t, r, "alice", "800")
	id := placeOrder(t, r, "alice", "ACME", 10, "80")

	rec := do(t, r, http.MethodDelete, fmt.Sprintf("/orders/%d?account_id=alice", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[api.CancelOrderResponse](t, rec)
	require.Equal(t, int64(10), resp.Before.Open)
	require.Equal(t, int64(0), resp.After.Open)
	require.NotNil(t, resp.After.CanceledAt)
	require.Empty(t, resp.Trades)

	rec = do(t, r, http.MethodDelete, fmt.Sprintf("/orders/%d?account_id=alice", id), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "already_terminal", errKind(t, rec))

	rec = do(t, r, http.MethodDelete, "/orders/9999?account_id=alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "unknown_order", errKind(t, rec))
}

func TestBookEndpoint(t *testing.T) {
	r := newTestRouter(t)
	createAccount(t, r, "buyer", "1000")
	createAccount(t, r, "seller", "0")
	seedHolding(t, r, "seller", "ACME", 5)

	placeOrder(t, r, "buyer", "ACME", 10, "40")
	placeOrder(t, r, "seller", "ACME", -5, "60")

	rec := do(t, r, http.MethodGet, "/book/ACME", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book := decode[api.BookResponse](t, rec)
	require.Equal(t, "ACME", book.Symbol)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 1)
	require.Equal(t, int64(10), book.Bids[0].Open)
	require.Equal(t, int64(-5), book.Asks[0].Open)

	rec = do(t, r, http.MethodGet, "/book/EMPTY", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	book = decode[api.BookResponse](t, rec)
	require.Empty(t, book.Bids)
	require.Empty(t, book.Asks)
}
