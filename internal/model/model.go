// Package model defines the core domain types shared across the exchange.
// All monetary values use shopspring/decimal; never float64 for money.
// Share quantities are signed int64: positive = buy, negative = sell.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds cash for one trader. The id is externally assigned and
// immutable; the balance never goes negative at a commit point.
type Account struct {
	ID        string          `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Holding is the share position of one account in one symbol.
// Identified by (AccountID, Symbol); Amount never goes negative.
type Holding struct {
	AccountID string `json:"account_id" db:"account_id"`
	Symbol    string `json:"symbol" db:"symbol"`
	Amount    int64  `json:"amount" db:"amount"`
}

// Order is a single-symbol limit order. Amount and Open share the sign
// convention (+buy/−sell); |Open| shrinks toward zero as the order fills.
// Ids are monotonically increasing and double as the lock-ordering key
// and the time-priority tie-breaker of last resort.
type Order struct {
	ID         int64           `json:"id" db:"id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Amount     int64           `json:"amount" db:"amount"`
	Open       int64           `json:"open" db:"open_amount"`
	Price      decimal.Decimal `json:"price" db:"price"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	CanceledAt *time.Time      `json:"canceled_at,omitempty" db:"canceled_at"`
}

// IsBuy reports whether the order is on the buy side.
func (o *Order) IsBuy() bool { return o.Amount > 0 }

// OpenQty returns the unfilled quantity as a positive magnitude.
func (o *Order) OpenQty() int64 {
	if o.Open < 0 {
		return -o.Open
	}
	return o.Open
}

// OriginalQty returns the original quantity as a positive magnitude.
func (o *Order) OriginalQty() int64 {
	if o.Amount < 0 {
		return -o.Amount
	}
	return o.Amount
}

// Trade is an immutable record of one execution between a buy and a sell
// order. Once created it is never updated or deleted.
type Trade struct {
	ID          int64           `json:"id" db:"id"`
	BuyOrderID  int64           `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID int64           `json:"sell_order_id" db:"sell_order_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// OrderStatus is the derived view returned by order queries: the order row,
// its full trade history, and the executed/canceled quantities reconstructed
// from them.
type OrderStatus struct {
	Order    Order   `json:"order"`
	Trades   []Trade `json:"trades"`
	Executed int64   `json:"executed"`
	Canceled int64   `json:"canceled"`
}
