package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/symbol"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	byUser    map[string]string // user ID -> account ID
	stocks    map[string]*model.Stock
	types     map[string]*model.OrderType
	statuses  map[string]*model.OrderStatus
	orders    []model.Order // creation order
	positions map[positionKey]*model.Position

	locks *accountLocks
}

type positionKey struct {
	accountID string
	stockCode string
}

// NewMemoryStore creates a new in-memory store seeded with the order type
// and order status reference data.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		accounts:  make(map[string]*model.Account),
		byUser:    make(map[string]string),
		stocks:    make(map[string]*model.Stock),
		types:     make(map[string]*model.OrderType),
		statuses:  make(map[string]*model.OrderStatus),
		positions: make(map[positionKey]*model.Position),
		locks:     newAccountLocks(),
	}
	for _, t := range model.DefaultOrderTypes {
		t := t
		s.types[t.Code] = &t
	}
	for _, st := range model.DefaultOrderStatuses {
		st := st
		s.statuses[st.Code] = &st
	}
	return s
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUser[a.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.UserID)
	}
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: id %s", ErrAccountExists, a.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	s.byUser[a.UserID] = a.ID
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByUser(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	copy := *s.accounts[id]
	return &copy, nil
}

func (s *MemoryStore) CreateStock(_ context.Context, st *model.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stocks[st.Code]; ok {
		return fmt.Errorf("%w: %s", ErrStockExists, st.Code)
	}
	copy := *st
	s.stocks[st.Code] = &copy
	return nil
}

func (s *MemoryStore) GetStock(_ context.Context, code string) (*model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stocks[symbol.NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stocks := make([]model.Stock, 0, len(s.stocks))
	for _, st := range s.stocks {
		stocks = append(stocks, *st)
	}
	sortStocks(stocks)
	return stocks, nil
}

func (s *MemoryStore) DeleteStock(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = symbol.NormalizeCode(code)
	if _, ok := s.stocks[code]; !ok {
		return fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}
	for _, o := range s.orders {
		if o.StockCode == code {
			return fmt.Errorf("%w: %s", ErrStockInUse, code)
		}
	}
	for k := range s.positions {
		if k.stockCode == code {
			return fmt.Errorf("%w: %s", ErrStockInUse, code)
		}
	}
	delete(s.stocks, code)
	return nil
}

func (s *MemoryStore) GetOrderType(_ context.Context, code string) (*model.OrderType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.types[symbol.NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderTypeNotFound, code)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) GetOrderStatus(_ context.Context, code string) (*model.OrderStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[symbol.NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderStatusNotFound, code)
	}
	copy := *st
	return &copy, nil
}

// WithAccount serializes on the account's mutex, stages writes in a memTx,
// and applies them under the store write lock when fn succeeds.
func (s *MemoryStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	unlock := s.locks.lock(accountID)
	defer unlock()

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &memTx{store: s, account: acct, positions: make(map[string]*model.Position)}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range tx.orders {
		if _, ok := s.stocks[o.StockCode]; !ok {
			return fmt.Errorf("%w: %s", ErrStockNotFound, o.StockCode)
		}
	}
	for code := range tx.positions {
		if _, ok := s.stocks[code]; !ok {
			return fmt.Errorf("%w: %s", ErrStockNotFound, code)
		}
	}

	s.orders = append(s.orders, tx.orders...)
	for code, p := range tx.positions {
		copy := *p
		s.positions[positionKey{accountID: tx.account.ID, stockCode: code}] = &copy
	}
	if tx.accountDirty {
		copy := *tx.account
		s.accounts[copy.ID] = &copy
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, accountID, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.ID == orderID && o.AccountID == accountID {
			copy := o
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

func (s *MemoryStore) ListOrders(_ context.Context, accountID string, filter model.OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for i := range s.orders {
		o := &s.orders[i]
		if o.AccountID != accountID {
			continue
		}
		name := ""
		if st, ok := s.stocks[o.StockCode]; ok {
			name = st.Name
		}
		if matchOrder(o, name, filter) {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumOrders(_ context.Context, accountID string, sum model.OrderSum) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for i := range s.orders {
		o := &s.orders[i]
		if o.AccountID == accountID && matchSum(o, sum) {
			total = total.Add(o.TotalValue)
		}
	}
	return total, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return heldPositions(s.accountPositions(accountID)), nil
}

func (s *MemoryStore) SumPositions(_ context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sumPositions(heldPositions(s.accountPositions(accountID))), nil
}

// accountPositions must be called with mu held.
func (s *MemoryStore) accountPositions(accountID string) []model.Position {
	var out []model.Position
	for k, p := range s.positions {
		if k.accountID == accountID {
			out = append(out, *p)
		}
	}
	return out
}

// memTx stages writes until MemoryStore.commit.
type memTx struct {
	store        *MemoryStore
	account      *model.Account
	accountDirty bool
	orders       []model.Order
	positions    map[string]*model.Position // staged, by stock code
}

func (tx *memTx) Account() *model.Account {
	copy := *tx.account
	return &copy
}

func (tx *memTx) GetPosition(_ context.Context, stockCode string) (*model.Position, error) {
	if p, ok := tx.positions[stockCode]; ok {
		copy := *p
		return &copy, nil
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey{accountID: tx.account.ID, stockCode: stockCode}]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if o.AccountID != tx.account.ID {
		return fmt.Errorf("memory tx: order for account %s inside tx for %s", o.AccountID, tx.account.ID)
	}
	s := tx.store
	s.mu.RLock()
	_, ok := s.stocks[o.StockCode]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStockNotFound, o.StockCode)
	}
	tx.orders = append(tx.orders, *o)
	return nil
}

func (tx *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	if a.ID != tx.account.ID {
		return fmt.Errorf("memory tx: save of account %s inside tx for %s", a.ID, tx.account.ID)
	}
	copy := *a
	tx.account = &copy
	tx.accountDirty = true
	return nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	if p.AccountID != tx.account.ID {
		return fmt.Errorf("memory tx: save of position for account %s inside tx for %s", p.AccountID, tx.account.ID)
	}
	copy := *p
	tx.positions[p.StockCode] = &copy
	return nil
}
