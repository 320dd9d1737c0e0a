package feed

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/clearbook/exchange/internal/model"
)

func TestNewTradeEvent(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	tr := model.Trade{
		ID:          7,
		BuyOrderID:  3,
		SellOrderID: 5,
		Symbol:      "ACME",
		Quantity:    10,
		Price:       decimal.RequireFromString("99.50"),
		ExecutedAt:  at,
	}

	ev := NewTradeEvent(tr)
	require.NotEmpty(t, ev.EventID)
	require.Equal(t, "ACME", ev.Symbol)
	require.Equal(t, int64(7), ev.TradeID)
	require.Equal(t, int64(3), ev.BuyOrderID)
	require.Equal(t, int64(5), ev.SellOrderID)
	require.Equal(t, int64(10), ev.Quantity)
	require.Equal(t, "99.5", ev.Price)
	require.Equal(t, at.Format(time.RFC3339Nano), ev.ExecutedAt)

	// Every event gets its own id.
	require.NotEqual(t, ev.EventID, NewTradeEvent(tr).EventID)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Contains(t, decoded, "event_id")
	require.Contains(t, decoded, "symbol")
}
