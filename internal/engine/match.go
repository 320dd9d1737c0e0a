package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/ledger"
	"github.com/clearbook/exchange/internal/model"
)

// lockParties locks the account row, then the holding row, of every party
// that can settle in this pass: the incoming order's owner plus the owner of
// each locked open order. Accounts are locked before holdings and each
// level in ascending key order, always after the order-lock funnel, so all
// units of work acquire rows along one global hierarchy and circular waits
// cannot form.
func lockParties(ctx context.Context, tx ledger.Tx, incoming *model.Order, open []model.Order) error {
	ids := map[string]struct{}{incoming.AccountID: {}}
	for i := range open {
		ids[open[i].AccountID] = struct{}{}
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return storeErr("lock party account", err)
		}
	}
	for _, id := range sorted {
		// A buyer may not own the holding row yet; settlement creates it.
		if _, err := tx.LockHolding(ctx, id, incoming.Symbol); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return storeErr("lock party holding", err)
		}
	}
	return nil
}

// match runs one crossing pass for the incoming order's symbol inside the
// placing unit of work. The caller has already locked every open order row
// for the symbol through the lock funnel, plus the parties' account and
// holding rows; match pairs the best buy with the best sell under
// price/time priority, settles each fill, and persists the open-quantity
// changes and trade rows.
//
// Orders placed concurrently and committed later are never picked up here;
// their own placement triggers the pass that matches them.
func (e *Engine) match(ctx context.Context, tx ledger.Tx, incoming *model.Order, open []model.Order) ([]model.Trade, error) {
	var buys, sells []*model.Order
	for i := range open {
		if open[i].Open > 0 {
			buys = append(buys, &open[i])
		} else {
			sells = append(sells, &open[i])
		}
	}
	sort.Slice(buys, func(i, j int) bool { return bidBefore(*buys[i], *buys[j]) })
	sort.Slice(sells, func(i, j int) bool { return askBefore(*sells[i], *sells[j]) })

	var trades []model.Trade
	touched := make(map[int64]*model.Order)
	bi, si := 0, 0

	for bi < len(buys) && si < len(sells) {
		buy, sell := buys[bi], sells[si]
		if buy.Price.LessThan(sell.Price) {
			break // price priority exhausted
		}

		// The maker (earlier arrival) sets the execution price.
		price := sell.Price
		if arrivedBefore(buy, sell) {
			price = buy.Price
		}
		qty := buy.OpenQty()
		if s := sell.OpenQty(); s < qty {
			qty = s
		}

		if err := e.settle(ctx, tx, buy, sell, qty, price); err != nil {
			return nil, err
		}

		buy.Open -= qty
		sell.Open += qty
		touched[buy.ID] = buy
		touched[sell.ID] = sell

		trade := model.Trade{
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Symbol:      incoming.Symbol,
			Quantity:    qty,
			Price:       price,
			ExecutedAt:  time.Now().UTC(),
		}
		id, err := tx.InsertTrade(ctx, &trade)
		if err != nil {
			return nil, storeErr("insert trade", err)
		}
		trade.ID = id
		trades = append(trades, trade)

		if buy.Open == 0 {
			bi++
		}
		if sell.Open == 0 {
			si++
		}
	}

	ids := make([]int64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := tx.SetOrderOpen(ctx, id, touched[id].Open); err != nil {
			return nil, storeErr("update order open", err)
		}
	}
	return trades, nil
}

// settle moves value for one fill. Both sides already escrowed their maximum
// exposure at placement, so the credits here need no solvency check: the
// buyer's holding grows by qty, the seller's balance grows by qty × price,
// and a buyer who escrowed above the execution price gets the difference
// back. Every row touched here is already locked; the Lock calls below just
// re-read current values.
func (e *Engine) settle(ctx context.Context, tx ledger.Tx, buy, sell *model.Order, qty int64, price decimal.Decimal) error {
	if _, err := tx.AddToHolding(ctx, buy.AccountID, buy.Symbol, qty); err != nil {
		return storeErr("credit buyer holding", err)
	}

	quantity := decimal.NewFromInt(qty)
	seller, err := tx.LockAccount(ctx, sell.AccountID)
	if err != nil {
		return storeErr("lock seller account", err)
	}
	if err := tx.SetAccountBalance(ctx, sell.AccountID, seller.Balance.Add(price.Mul(quantity))); err != nil {
		return storeErr("credit seller account", err)
	}

	if excess := buy.Price.Sub(price); excess.IsPositive() {
		buyer, err := tx.LockAccount(ctx, buy.AccountID)
		if err != nil {
			return storeErr("lock buyer account", err)
		}
		if err := tx.SetAccountBalance(ctx, buy.AccountID, buyer.Balance.Add(excess.Mul(quantity))); err != nil {
			return storeErr("refund buyer account", err)
		}
	}
	return nil
}

// arrivedBefore reports whether a was submitted before b. Creation
// timestamps decide; ids are monotonic, so they break exact ties.
func arrivedBefore(a, b *model.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// bidBefore orders buys best-first: highest price, then earliest arrival.
func bidBefore(a, b model.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// askBefore orders sells best-first: lowest price, then earliest arrival.
func askBefore(a, b model.Order) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.LessThan(b.Price)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortBids(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool { return bidBefore(orders[i], orders[j]) })
}

func sortAsks(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool { return askBefore(orders[i], orders[j]) })
}
