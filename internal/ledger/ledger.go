// Package ledger defines the transactional store behind the exchange: four
// logical tables (accounts, holdings, orders, trades) accessed through an
// explicit unit of work with row-level exclusive locks. PostgreSQL is the
// source of truth; the in-memory implementation backs tests.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/model"
)

// Typed store errors. Implementations map their native failure modes to
// these sentinels (the Postgres adapter maps SQLSTATE codes); callers must
// never classify failures by matching message text.
var (
	// ErrNotFound is returned by point reads and lock reads when no row
	// matches.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicate is returned by inserts that violate a uniqueness
	// constraint.
	ErrDuplicate = errors.New("ledger: duplicate key")

	// ErrCheckViolation is returned when a write violates a non-negativity
	// check constraint.
	ErrCheckViolation = errors.New("ledger: check constraint violated")
)

// Ledger opens units of work against the store.
type Ledger interface {
	// Begin starts a new unit of work. The caller must finish it with
	// Commit or Rollback; every lock taken through the Tx is held until
	// then.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one atomic unit of work. All reads observe committed state plus the
// Tx's own writes; lock methods block until the row is free or ctx is done.
//
// LockOpenOrders is the only multi-row lock acquisition in the interface.
// Implementations must acquire the rows in ascending order-id order, the
// single fixed global order that makes circular waits impossible.
type Tx interface {
	// Accounts.
	InsertAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	LockAccount(ctx context.Context, id string) (*model.Account, error)
	SetAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// Holdings. LockHolding returns ErrNotFound if the (account, symbol)
	// row does not exist. AddToHolding creates the row on first use and
	// returns the resulting amount; the row stays locked by this Tx.
	LockHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error)
	AddToHolding(ctx context.Context, accountID, symbol string, delta int64) (int64, error)

	// Orders. InsertOrder assigns and returns a monotonically increasing
	// id. LockOpenOrders locks every order row for the symbol with
	// nonzero open quantity and returns them in ascending id order.
	InsertOrder(ctx context.Context, o *model.Order) (int64, error)
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	LockOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	SetOrderOpen(ctx context.Context, id int64, open int64) error
	MarkOrderCanceled(ctx context.Context, id int64, at time.Time) error

	// ReadOpenOrders is a lock-free read of the resting book for a symbol.
	ReadOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)

	// Trades are append-only.
	InsertTrade(ctx context.Context, t *model.Trade) (int64, error)
	TradesByOrder(ctx context.Context, orderID int64) ([]model.Trade, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
