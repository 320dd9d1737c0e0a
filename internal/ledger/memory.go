package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/clearbook/exchange/internal/model"
)

// MemoryLedger implements Ledger with in-memory maps and per-row exclusive
// locks. Used for testing and development; not suitable for production
// (no persistence).
//
// Each row carries a one-slot channel acting as its exclusive lock. A unit
// of work buffers its writes and applies them to committed state only at
// Commit, while holding every touched row's lock: the same strict
// two-phase discipline the PostgreSQL ledger gets from FOR UPDATE.
type MemoryLedger struct {
	mu       sync.Mutex // guards maps, counters, and committed row state
	accounts map[string]*memRow[model.Account]
	holdings map[holdingKey]*memRow[model.Holding]
	orders   map[int64]*memRow[model.Order]
	trades   []model.Trade

	nextOrderID int64
	nextTradeID int64
}

type holdingKey struct {
	accountID string
	symbol    string
}

// memRow is one lockable row. committed is nil until a unit of work that
// inserted the row commits; it is read and written only under the ledger
// mutex.
type memRow[T any] struct {
	lock      chan struct{}
	committed *T
}

// newHeldMemRow creates a row whose lock is already owned by the inserting
// unit of work, so no other Tx can observe it before commit.
func newHeldMemRow[T any]() *memRow[T] {
	return &memRow[T]{lock: make(chan struct{}, 1)}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[string]*memRow[model.Account]),
		holdings: make(map[holdingKey]*memRow[model.Holding]),
		orders:   make(map[int64]*memRow[model.Order]),
	}
}

// Begin opens a new unit of work.
func (l *MemoryLedger) Begin(ctx context.Context) (Tx, error) {
	return &memTx{
		l:        l,
		held:     make(map[chan struct{}]struct{}),
		accounts: make(map[string]model.Account),
		holdings: make(map[holdingKey]model.Holding),
		orders:   make(map[int64]model.Order),
	}, nil
}

var errTxClosed = errors.New("ledger: tx already closed")

type memTx struct {
	l    *MemoryLedger
	held map[chan struct{}]struct{}
	done bool

	// Buffered write sets, applied at Commit.
	accounts map[string]model.Account
	holdings map[holdingKey]model.Holding
	orders   map[int64]model.Order
	trades   []model.Trade

	// Keys of rows this Tx installed in the ledger maps. Rollback removes
	// any of them that never reached committed state.
	createdAccounts []string
	createdHoldings []holdingKey
	createdOrders   []int64
}

// acquire blocks until the row lock is free or ctx is done. Re-acquiring a
// lock this Tx already holds is a no-op.
func (t *memTx) acquire(ctx context.Context, lock chan struct{}) error {
	if _, ok := t.held[lock]; ok {
		return nil
	}
	select {
	case <-lock:
		t.held[lock] = struct{}{}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ledger: lock wait: %w", ctx.Err())
	}
}

func (t *memTx) releaseAll() {
	for lock := range t.held {
		lock <- struct{}{}
	}
	t.held = nil
}

// releaseOne returns a single held lock, used when a row lookup has to be
// retried.
func (t *memTx) releaseOne(lock chan struct{}) {
	if _, ok := t.held[lock]; ok {
		delete(t.held, lock)
		lock <- struct{}{}
	}
}

// lockRow locks the row under key. The lookup is retried when the row was
// removed from the map while we waited on its lock (rolling back a Tx
// deletes the rows it created but never committed). Returns nil when no row
// exists.
func lockRow[K comparable, T any](ctx context.Context, t *memTx, rows map[K]*memRow[T], key K) (*memRow[T], error) {
	for {
		t.l.mu.Lock()
		row, ok := rows[key]
		t.l.mu.Unlock()
		if !ok {
			return nil, nil
		}
		if err := t.acquire(ctx, row.lock); err != nil {
			return nil, err
		}
		t.l.mu.Lock()
		current := rows[key]
		t.l.mu.Unlock()
		if current == row {
			return row, nil
		}
		t.releaseOne(row.lock)
	}
}

// lockOrCreateRow is lockRow for insert paths: when no row exists it
// installs one whose lock this Tx already owns, keeping the row invisible
// to other units of work until commit.
func lockOrCreateRow[K comparable, T any](ctx context.Context, t *memTx, rows map[K]*memRow[T], key K) (*memRow[T], bool, error) {
	for {
		t.l.mu.Lock()
		row, ok := rows[key]
		if !ok {
			row = newHeldMemRow[T]()
			rows[key] = row
			t.l.mu.Unlock()
			t.held[row.lock] = struct{}{}
			return row, true, nil
		}
		t.l.mu.Unlock()
		if err := t.acquire(ctx, row.lock); err != nil {
			return nil, false, err
		}
		t.l.mu.Lock()
		current := rows[key]
		t.l.mu.Unlock()
		if current == row {
			return row, false, nil
		}
		t.releaseOne(row.lock)
	}
}

// --- Accounts ---

func (t *memTx) InsertAccount(ctx context.Context, a *model.Account) error {
	if t.done {
		return errTxClosed
	}
	if _, ok := t.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
	}
	row, created, err := lockOrCreateRow(ctx, t, t.l.accounts, a.ID)
	if err != nil {
		return err
	}
	if !created {
		t.l.mu.Lock()
		exists := row.committed != nil
		t.l.mu.Unlock()
		if exists {
			return fmt.Errorf("%w: account %s", ErrDuplicate, a.ID)
		}
	}
	t.createdAccounts = append(t.createdAccounts, a.ID)
	t.accounts[a.ID] = *a
	return nil
}

func (t *memTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if t.done {
		return nil, errTxClosed
	}
	if a, ok := t.accounts[id]; ok {
		return &a, nil
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	row, ok := t.l.accounts[id]
	if !ok || row.committed == nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a := *row.committed
	return &a, nil
}

func (t *memTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	if t.done {
		return nil, errTxClosed
	}
	row, err := lockRow(ctx, t, t.l.accounts, id)
	if err != nil {
		return nil, err
	}
	if a, own := t.accounts[id]; own {
		return &a, nil
	}
	if row == nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if row.committed == nil {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	a := *row.committed
	return &a, nil
}

func (t *memTx) SetAccountBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if t.done {
		return errTxClosed
	}
	if balance.IsNegative() {
		return fmt.Errorf("%w: balance of account %s", ErrCheckViolation, id)
	}
	a, err := t.LockAccount(ctx, id)
	if err != nil {
		return err
	}
	a.Balance = balance
	t.accounts[id] = *a
	return nil
}

// --- Holdings ---

func (t *memTx) LockHolding(ctx context.Context, accountID, symbol string) (*model.Holding, error) {
	if t.done {
		return nil, errTxClosed
	}
	key := holdingKey{accountID, symbol}
	row, err := lockRow(ctx, t, t.l.holdings, key)
	if err != nil {
		return nil, err
	}
	if h, own := t.holdings[key]; own {
		return &h, nil
	}
	if row == nil {
		return nil, fmt.Errorf("%w: holding %s/%s", ErrNotFound, accountID, symbol)
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if row.committed == nil {
		return nil, fmt.Errorf("%w: holding %s/%s", ErrNotFound, accountID, symbol)
	}
	h := *row.committed
	return &h, nil
}

func (t *memTx) AddToHolding(ctx context.Context, accountID, symbol string, delta int64) (int64, error) {
	if t.done {
		return 0, errTxClosed
	}
	key := holdingKey{accountID, symbol}
	row, created, err := lockOrCreateRow(ctx, t, t.l.holdings, key)
	if err != nil {
		return 0, err
	}
	if created {
		t.createdHoldings = append(t.createdHoldings, key)
	}

	var current int64
	if h, own := t.holdings[key]; own {
		current = h.Amount
	} else if !created {
		t.l.mu.Lock()
		if row.committed != nil {
			current = row.committed.Amount
		}
		t.l.mu.Unlock()
	}

	amount := current + delta
	if amount < 0 {
		return 0, fmt.Errorf("%w: holding %s/%s", ErrCheckViolation, accountID, symbol)
	}
	t.holdings[key] = model.Holding{AccountID: accountID, Symbol: symbol, Amount: amount}
	return amount, nil
}

// --- Orders ---

func (t *memTx) InsertOrder(ctx context.Context, o *model.Order) (int64, error) {
	if t.done {
		return 0, errTxClosed
	}
	t.l.mu.Lock()
	t.l.nextOrderID++
	id := t.l.nextOrderID
	row := newHeldMemRow[model.Order]()
	t.l.orders[id] = row
	t.l.mu.Unlock()

	t.held[row.lock] = struct{}{}
	t.createdOrders = append(t.createdOrders, id)

	inserted := *o
	inserted.ID = id
	t.orders[id] = inserted
	return id, nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	if t.done {
		return nil, errTxClosed
	}
	row, err := lockRow(ctx, t, t.l.orders, id)
	if err != nil {
		return nil, err
	}
	if o, own := t.orders[id]; own {
		return &o, nil
	}
	if row == nil {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	if row.committed == nil {
		return nil, fmt.Errorf("%w: order %d", ErrNotFound, id)
	}
	o := *row.committed
	return &o, nil
}

// LockOpenOrders gathers the candidate order ids for the symbol, sorts them
// ascending, and only then acquires the row locks one by one. That is the
// fixed global acquisition order shared with the PostgreSQL ledger. Rows
// whose open quantity reached zero while we waited are re-checked after the
// lock is held and dropped from the result.
func (t *memTx) LockOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	if t.done {
		return nil, errTxClosed
	}
	idSet := make(map[int64]struct{})
	t.l.mu.Lock()
	for id, row := range t.l.orders {
		if row.committed != nil && row.committed.Symbol == symbol && row.committed.Open != 0 {
			idSet[id] = struct{}{}
		}
	}
	t.l.mu.Unlock()
	for id, o := range t.orders {
		if o.Symbol == symbol && o.Open != 0 {
			idSet[id] = struct{}{}
		}
	}

	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var orders []model.Order
	for _, id := range ids {
		row, err := lockRow(ctx, t, t.l.orders, id)
		if err != nil {
			return nil, err
		}
		if o, own := t.orders[id]; own {
			if o.Open != 0 {
				orders = append(orders, o)
			}
			continue
		}
		if row == nil {
			continue
		}
		t.l.mu.Lock()
		if row.committed != nil && row.committed.Open != 0 {
			orders = append(orders, *row.committed)
		}
		t.l.mu.Unlock()
	}
	return orders, nil
}

func (t *memTx) ReadOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	if t.done {
		return nil, errTxClosed
	}
	var orders []model.Order
	t.l.mu.Lock()
	for _, row := range t.l.orders {
		if row.committed != nil && row.committed.Symbol == symbol && row.committed.Open != 0 {
			orders = append(orders, *row.committed)
		}
	}
	t.l.mu.Unlock()
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Open != 0 {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (t *memTx) SetOrderOpen(ctx context.Context, id int64, open int64) error {
	if t.done {
		return errTxClosed
	}
	o, err := t.LockOrder(ctx, id)
	if err != nil {
		return err
	}
	o.Open = open
	t.orders[id] = *o
	return nil
}

func (t *memTx) MarkOrderCanceled(ctx context.Context, id int64, at time.Time) error {
	if t.done {
		return errTxClosed
	}
	o, err := t.LockOrder(ctx, id)
	if err != nil {
		return err
	}
	o.Open = 0
	canceledAt := at
	o.CanceledAt = &canceledAt
	t.orders[id] = *o
	return nil
}

// --- Trades ---

func (t *memTx) InsertTrade(ctx context.Context, tr *model.Trade) (int64, error) {
	if t.done {
		return 0, errTxClosed
	}
	t.l.mu.Lock()
	t.l.nextTradeID++
	id := t.l.nextTradeID
	t.l.mu.Unlock()

	inserted := *tr
	inserted.ID = id
	t.trades = append(t.trades, inserted)
	return id, nil
}

func (t *memTx) TradesByOrder(ctx context.Context, orderID int64) ([]model.Trade, error) {
	if t.done {
		return nil, errTxClosed
	}
	var trades []model.Trade
	t.l.mu.Lock()
	for _, tr := range t.l.trades {
		if tr.BuyOrderID == orderID || tr.SellOrderID == orderID {
			trades = append(trades, tr)
		}
	}
	t.l.mu.Unlock()
	for _, tr := range t.trades {
		if tr.BuyOrderID == orderID || tr.SellOrderID == orderID {
			trades = append(trades, tr)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}

// --- Commit / Rollback ---

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxClosed
	}
	t.done = true

	t.l.mu.Lock()
	for id, a := range t.accounts {
		a := a
		t.l.accounts[id].committed = &a
	}
	for key, h := range t.holdings {
		h := h
		t.l.holdings[key].committed = &h
	}
	for id, o := range t.orders {
		o := o
		t.l.orders[id].committed = &o
	}
	t.l.trades = append(t.l.trades, t.trades...)
	sort.Slice(t.l.trades, func(i, j int) bool { return t.l.trades[i].ID < t.l.trades[j].ID })
	t.l.mu.Unlock()

	t.releaseAll()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true

	// Drop the rows this Tx installed that never committed; without this,
	// every rejected insert leaves a phantom row in the maps for good.
	// Removal happens before the locks are released so that waiters retry
	// their lookup instead of observing a stale row.
	t.l.mu.Lock()
	for _, id := range t.createdAccounts {
		if row, ok := t.l.accounts[id]; ok && row.committed == nil {
			delete(t.l.accounts, id)
		}
	}
	for _, key := range t.createdHoldings {
		if row, ok := t.l.holdings[key]; ok && row.committed == nil {
			delete(t.l.holdings, key)
		}
	}
	for _, id := range t.createdOrders {
		if row, ok := t.l.orders[id]; ok && row.committed == nil {
			delete(t.l.orders, id)
		}
	}
	t.l.mu.Unlock()

	t.releaseAll()
	return nil
}
