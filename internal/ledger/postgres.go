package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/model"
)

// PostgresLedger implements Ledger on PostgreSQL. Monetary values are stored
// as NUMERIC for exact decimal precision; row locks are plain FOR UPDATE.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS holdings (
	account_id TEXT NOT NULL REFERENCES accounts(id),
	symbol     TEXT NOT NULL,
	amount     BIGINT NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	id          BIGSERIAL PRIMARY KEY,
	account_id  TEXT NOT NULL REFERENCES accounts(id),
	symbol      TEXT NOT NULL,
	amount      BIGINT NOT NULL,
	open_amount BIGINT NOT NULL,
	price       NUMERIC NOT NULL CHECK (price > 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	canceled_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS orders_open_by_symbol
	ON orders (symbol, id) WHERE open_amount <> 0;

CREATE TABLE IF NOT EXISTS trades (
	id            BIGSERIAL PRIMARY KEY,
	buy_order_id  BIGINT REFERENCES orders(id) ON DELETE SET NULL,
	sell_order_id BIGINT REFERENCES orders(id) ON DELETE SET NULL,
	symbol        TEXT NOT NULL,
	quantity      BIGINT NOT NULL CHECK (quantity > 0),
	price         NUMERIC NOT NULL,
	executed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS trades_by_buy_order ON trades (buy_order_id);
CREATE INDEX IF NOT EXISTS trades_by_sell_order ON trades (sell_order_id);
`

// InitSchema creates the four ledger tables if they do not exist.
func (l *PostgresLedger) InitSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Begin opens a new database transaction as the unit of work.
func (l *PostgresLedger) Begin(ctx context.Context) (Tx, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

// SQLSTATE codes mapped to typed errors. Classification is by code, never
// by message text.
const (
	sqlstateUniqueViolation = "23505"
	sqlstateCheckViolation  = "23514"
)

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
		case sqlstateCheckViolation:
			return fmt.Errorf("%w: %s", ErrCheckViolation, pgErr.ConstraintName)
		}
	}
	return err
}

// --- Accounts ---

func (t *pgTx) InsertAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, balance, created_at) VALUES ($1, $2::NUMERIC, $3)`,
		a.ID, a.Balance.String(), a.CreatedAt)
	return mapPgError(err)
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.scanAccount(ctx,
		`SELECT id, balance::TEXT, created_at FROM accounts WHERE id = $1`, id)
}

func (t *pgTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	return t.scanAccount(ctx,
		`SELECT id, balance::TEXT, created_at FROM accounts WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) scanAccount(ctx context.Context, query, id string) (*model.Account, error) {
	var a model.Account
	var balance string
	err := t.tx.QueryRow(ctx, query, id).Scan(&a.ID, &balance, &a.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad balance %q: %w", id, balance, err)
	}
	return &a, nil
}

func (t *pgTx) SetAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		id, balance.String())
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Holdings ---

func (t *pgTx) LockHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	var h model.Holding
	err := t.tx.QueryRow(ctx,
		`SELECT account_id, symbol, amount FROM holdings
		 WHERE account_id = $1 AND symbol = $2 FOR UPDATE`,
		accountID, symbol).Scan(&h.AccountID, &h.Symbol, &h.Amount)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &h, nil
}

func (t *pgTx) AddToHolding(ctx context.Context, accountID, symbol string, delta int64) (int64, error) {
	// The upsert takes the row lock for the remainder of the transaction,
	// so concurrent first-seed races collapse into one row.
	var amount int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO holdings (account_id, symbol, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (account_id, symbol)
		 DO UPDATE SET amount = holdings.amount + EXCLUDED.amount
		 RETURNING amount`,
		accountID, symbol, delta).Scan(&amount)
	if err != nil {
		return 0, mapPgError(err)
	}
	return amount, nil
}

// --- Orders ---

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO orders (account_id, symbol, amount, open_amount, price, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6) RETURNING id`,
		o.AccountID, o.Symbol, o.Amount, o.Open, o.Price.String(), o.CreatedAt).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

const orderColumns = `id, account_id, symbol, amount, open_amount, price::TEXT, created_at, canceled_at`

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	return scanOrder(row)
}

// LockOpenOrders locks every order row for the symbol with nonzero open
// quantity. ORDER BY id makes PostgreSQL acquire the row locks in ascending
// id order, the fixed global order all multi-row acquisitions share.
func (t *pgTx) LockOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND open_amount <> 0
		 ORDER BY id FOR UPDATE`, symbol)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) ReadOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE symbol = $1 AND open_amount <> 0
		 ORDER BY id`, symbol)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) SetOrderOpen(ctx context.Context, id int64, open int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET open_amount = $2 WHERE id = $1`, id, open)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) MarkOrderCanceled(ctx context.Context, id int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET open_amount = 0, canceled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Trades ---

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO trades (buy_order_id, sell_order_id, symbol, quantity, price, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6) RETURNING id`,
		tr.BuyOrderID, tr.SellOrderID, tr.Symbol, tr.Quantity, tr.Price.String(), tr.ExecutedAt).Scan(&id)
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

func (t *pgTx) TradesByOrder(ctx context.Context, orderID int64) ([]model.Trade, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, buy_order_id, sell_order_id, symbol, quantity, price::TEXT, executed_at
		 FROM trades WHERE buy_order_id = $1 OR sell_order_id = $1
		 ORDER BY id`, orderID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var price string
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.Symbol,
			&tr.Quantity, &price, &tr.ExecutedAt); err != nil {
			return nil, mapPgError(err)
		}
		tr.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("trade %d: bad price %q: %w", tr.ID, price, err)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapPgError(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// --- row scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	var price string
	err := row.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Amount, &o.Open,
		&price, &o.CreatedAt, &o.CanceledAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	o.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("order %d: bad price %q: %w", o.ID, price, err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
