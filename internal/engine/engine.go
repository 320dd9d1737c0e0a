// Package engine implements the core of the exchange: account and holdings
// management, order lifecycle, and the matching engine. Every operation runs
// as one atomic unit of work against the ledger; on any violated invariant
// the unit of work is rolled back and a typed error is returned; nothing is
// ever partially applied.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/ledger"
	"github.com/clearbook/exchange/internal/model"
)

// Engine executes the five core operations. Safe for concurrent use: all
// shared state lives in the ledger, re-read under row locks on every
// operation.
type Engine struct {
	ledger ledger.Ledger
}

// New creates an engine over the given ledger.
func New(l ledger.Ledger) *Engine {
	return &Engine{ledger: l}
}

// PlaceResult is the outcome of a successful order placement. Trades lists
// the executions the placement itself triggered, in execution order.
type PlaceResult struct {
	OrderID int64
	Trades  []model.Trade
}

// CancelResult carries the pre- and post-cancel order snapshots plus the
// order's trade history.
type CancelResult struct {
	Before model.Order
	After  model.Order
	Trades []model.Trade
}

// withTx runs fn inside one unit of work, committing on success and rolling
// back on any error.
func (e *Engine) withTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := e.ledger.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return storeErr("commit", err)
	}
	return nil
}

// CreateAccount inserts a new account with the given starting balance.
func (e *Engine) CreateAccount(ctx context.Context, id string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return errf(KindInvalidBalance, "starting balance %s is negative", balance)
	}
	err := e.withTx(ctx, func(tx ledger.Tx) error {
		err := tx.InsertAccount(ctx, &model.Account{
			ID:        id,
			Balance:   balance,
			CreatedAt: time.Now().UTC(),
		})
		if errors.Is(err, ledger.ErrDuplicate) {
			return errf(KindDuplicateAccount, "account %s already exists", id)
		}
		if err != nil {
			return storeErr("insert account", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("account created", "account", id, "balance", balance.String())
	return nil
}

// SeedHolding adds amount to the (account, symbol) holding, creating the row
// on first use. Seeding is idempotent-additive: repeated seeds accumulate.
func (e *Engine) SeedHolding(ctx context.Context, accountID, symbol string, amount int64) error {
	err := e.withTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return storeErr("get account", err)
		}
		if _, err := tx.AddToHolding(ctx, accountID, symbol, amount); err != nil {
			if errors.Is(err, ledger.ErrCheckViolation) {
				return errf(KindInvalidAmount,
					"seeding %d %s would make the holding of %s negative", amount, symbol, accountID)
			}
			return storeErr("add to holding", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("holding seeded", "account", accountID, "symbol", symbol, "amount", amount)
	return nil
}

// PlaceOrder validates the order, inserts it, escrows funds or shares, and
// immediately runs a matching pass for its symbol, all in one unit of work.
// A failed reservation rolls the whole unit back, order row included. The
// returned order id is assigned whether or not the order matched.
func (e *Engine) PlaceOrder(ctx context.Context, accountID, symbol string, amount int64, price decimal.Decimal) (*PlaceResult, error) {
	if amount == 0 {
		return nil, errf(KindInvalidAmount, "order amount must be nonzero")
	}
	if !price.IsPositive() {
		return nil, errf(KindInvalidAmount, "limit price %s must be positive", price)
	}

	var result PlaceResult
	err := e.withTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return storeErr("get account", err)
		}

		order := &model.Order{
			AccountID: accountID,
			Symbol:    symbol,
			Amount:    amount,
			Open:      amount,
			Price:     price,
			CreatedAt: time.Now().UTC(),
		}
		id, err := tx.InsertOrder(ctx, order)
		if err != nil {
			return storeErr("insert order", err)
		}
		order.ID = id

		// Row locks follow one global hierarchy: the order-lock funnel
		// first, then account rows, then holding rows, each level in
		// ascending key order. Reservation and settlement below touch only
		// rows locked here, so no unit of work ever holds an account row
		// while waiting on the funnel.
		open, err := tx.LockOpenOrders(ctx, symbol)
		if err != nil {
			return storeErr("lock open orders", err)
		}
		if err := lockParties(ctx, tx, order, open); err != nil {
			return err
		}

		if err := e.reserve(ctx, tx, accountID, symbol, amount, price); err != nil {
			return err
		}

		trades, err := e.match(ctx, tx, order, open)
		if err != nil {
			return err
		}
		result = PlaceResult{OrderID: id, Trades: trades}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("order placed", "order", result.OrderID, "account", accountID,
		"symbol", symbol, "amount", amount, "price", price.String(),
		"trades", len(result.Trades))
	return &result, nil
}

// reserve escrows the order's maximum possible fill: cash for a buy, shares
// for a sell. Resting open quantity is therefore always fully backed, and
// settlement never re-checks solvency. The caller has already locked the
// account and holding rows through lockParties.
func (e *Engine) reserve(ctx context.Context, tx ledger.Tx, accountID, symbol string, amount int64, price decimal.Decimal) error {
	if amount > 0 {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return storeErr("lock account", err)
		}
		notional := price.Mul(decimal.NewFromInt(amount))
		if acct.Balance.LessThan(notional) {
			return errf(KindInsufficientBalance,
				"account %s holds %s, needs %s", accountID, acct.Balance, notional)
		}
		if err := tx.SetAccountBalance(ctx, accountID, acct.Balance.Sub(notional)); err != nil {
			return storeErr("debit account", err)
		}
		return nil
	}

	holding, err := tx.LockHolding(ctx, accountID, symbol)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return errf(KindNoSuchHolding, "account %s holds no %s", accountID, symbol)
		}
		return storeErr("lock holding", err)
	}
	if holding.Amount < -amount {
		return errf(KindInsufficientShares,
			"account %s holds %d %s, needs %d", accountID, holding.Amount, symbol, -amount)
	}
	if _, err := tx.AddToHolding(ctx, accountID, symbol, amount); err != nil {
		return storeErr("debit holding", err)
	}
	return nil
}

// CancelOrder refunds the unfilled portion of an open order and forces its
// open quantity to zero. Canceling is terminal: a second cancel fails with
// AlreadyTerminal.
func (e *Engine) CancelOrder(ctx context.Context, accountID string, orderID int64) (*CancelResult, error) {
	var result CancelResult
	err := e.withTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return storeErr("get account", err)
		}
		order, err := lockOwnedOrder(ctx, tx, accountID, orderID)
		if err != nil {
			return err
		}
		if order.Open == 0 {
			return errf(KindAlreadyTerminal, "order %d is already filled or canceled", orderID)
		}

		if order.IsBuy() {
			refund := order.Price.Mul(decimal.NewFromInt(order.Open))
			acct, err := tx.LockAccount(ctx, accountID)
			if err != nil {
				return storeErr("lock account", err)
			}
			if err := tx.SetAccountBalance(ctx, accountID, acct.Balance.Add(refund)); err != nil {
				return storeErr("credit account", err)
			}
		} else {
			if _, err := tx.AddToHolding(ctx, accountID, order.Symbol, -order.Open); err != nil {
				return storeErr("credit holding", err)
			}
		}

		now := time.Now().UTC()
		if err := tx.MarkOrderCanceled(ctx, orderID, now); err != nil {
			return storeErr("mark canceled", err)
		}
		trades, err := tx.TradesByOrder(ctx, orderID)
		if err != nil {
			return storeErr("trades by order", err)
		}

		after := *order
		after.Open = 0
		after.CanceledAt = &now
		result = CancelResult{Before: *order, After: after, Trades: trades}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("order canceled", "order", orderID, "account", accountID,
		"refunded_open", result.Before.Open)
	return &result, nil
}

// QueryOrder returns the order's current snapshot, trade history, and the
// derived executed/canceled quantities. It takes the exclusive lock on the
// order row so the snapshot and trade list are mutually consistent with
// concurrent fills and cancels.
func (e *Engine) QueryOrder(ctx context.Context, accountID string, orderID int64) (*model.OrderStatus, error) {
	var status model.OrderStatus
	err := e.withTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return errf(KindUnknownAccount, "account %s does not exist", accountID)
			}
			return storeErr("get account", err)
		}
		order, err := lockOwnedOrder(ctx, tx, accountID, orderID)
		if err != nil {
			return err
		}
		trades, err := tx.TradesByOrder(ctx, orderID)
		if err != nil {
			return storeErr("trades by order", err)
		}

		var executed int64
		for _, tr := range trades {
			executed += tr.Quantity
		}
		status = model.OrderStatus{
			Order:    *order,
			Trades:   trades,
			Executed: executed,
			Canceled: order.OriginalQty() - order.OpenQty() - executed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Book returns the resting orders for a symbol split by side, each in
// price/time priority order. Read-only; takes no row locks.
func (e *Engine) Book(ctx context.Context, symbol string) (bids, asks []model.Order, err error) {
	err = e.withTx(ctx, func(tx ledger.Tx) error {
		open, err := tx.ReadOpenOrders(ctx, symbol)
		if err != nil {
			return storeErr("read open orders", err)
		}
		for _, o := range open {
			if o.IsBuy() {
				bids = append(bids, o)
			} else {
				asks = append(asks, o)
			}
		}
		sortBids(bids)
		sortAsks(asks)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return bids, asks, nil
}

// lockOwnedOrder locks the order row and verifies ownership. A missing order
// and an order owned by a different account are indistinguishable to the
// caller.
func lockOwnedOrder(ctx context.Context, tx ledger.Tx, accountID string, orderID int64) (*model.Order, error) {
	order, err := tx.LockOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errf(KindUnknownOrder, "order %d does not exist", orderID)
		}
		return nil, storeErr("lock order", err)
	}
	if order.AccountID != accountID {
		return nil, errf(KindUnknownOrder, "order %d does not belong to account %s", orderID, accountID)
	}
	return order, nil
}
