// Package feed fans out executed trades to subscribers: a WebSocket hub for
// connected clients and an optional Redis pub/sub publisher for downstream
// services. Events fire only after the placing unit of work has committed.
package feed

import (
	"time"

	"github.com/google/uuid"

	"github.com/clearbook/exchange/internal/model"
)

// TradeEvent is the JSON envelope published for each executed trade.
type TradeEvent struct {
	EventID     string `json:"event_id"`
	Symbol      string `json:"symbol"`
	TradeID     int64  `json:"trade_id"`
	BuyOrderID  int64  `json:"buy_order_id"`
	SellOrderID int64  `json:"sell_order_id"`
	Quantity    int64  `json:"quantity"`
	Price       string `json:"price"`
	ExecutedAt  string `json:"executed_at"`
}

// NewTradeEvent builds the event envelope for a trade.
func NewTradeEvent(tr model.Trade) TradeEvent {
	return TradeEvent{
		EventID:     uuid.New().String(),
		Symbol:      tr.Symbol,
		TradeID:     tr.ID,
		BuyOrderID:  tr.BuyOrderID,
		SellOrderID: tr.SellOrderID,
		Quantity:    tr.Quantity,
		Price:       tr.Price.String(),
		ExecutedAt:  tr.ExecutedAt.Format(time.RFC3339Nano),
	}
}
