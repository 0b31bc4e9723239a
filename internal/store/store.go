// Package store defines the persistence interface for the order engine.
// Implementations include PostgreSQL (source of truth), Pebble (embedded,
// single node), Redis (read-through cache wrapper), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
)

var (
	ErrAccountNotFound     = errors.New("store: account not found")
	ErrAccountExists       = errors.New("store: account already exists for user")
	ErrStockNotFound       = errors.New("store: stock not found")
	ErrStockExists         = errors.New("store: stock already exists")
	ErrStockInUse          = errors.New("store: stock is referenced by orders or positions")
	ErrOrderTypeNotFound   = errors.New("store: order type not found")
	ErrOrderStatusNotFound = errors.New("store: order status not found")
	ErrOrderNotFound       = errors.New("store: order not found")
)

// Store is the persistence interface. Every read is scoped to one account
// where the data is account-owned.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Returns ErrAccountExists if
	// the user already has one.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByUser retrieves the account owned by a user identity.
	GetAccountByUser(ctx context.Context, userID string) (*model.Account, error)

	// --- Reference data ---

	CreateStock(ctx context.Context, stock *model.Stock) error
	GetStock(ctx context.Context, code string) (*model.Stock, error)
	ListStocks(ctx context.Context) ([]model.Stock, error)

	// DeleteStock removes a stock. Returns ErrStockInUse while any order or
	// position references it.
	DeleteStock(ctx context.Context, code string) error

	GetOrderType(ctx context.Context, code string) (*model.OrderType, error)
	GetOrderStatus(ctx context.Context, code string) (*model.OrderStatus, error)

	// --- Ledger writes ---

	// WithAccount runs fn in a transaction holding an exclusive lock on the
	// account. Writes made through tx become visible atomically when fn
	// returns nil and are discarded otherwise. Transactions on different
	// accounts do not block each other.
	WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error

	// --- Reads ---

	// GetOrder retrieves one of the account's orders.
	GetOrder(ctx context.Context, accountID, orderID string) (*model.Order, error)

	// ListOrders returns the account's orders in creation order.
	ListOrders(ctx context.Context, accountID string, filter model.OrderFilter) ([]model.Order, error)

	// SumOrders totals TotalValue over the account's orders matching sum.
	// Returns zero when nothing matches.
	SumOrders(ctx context.Context, accountID string, sum model.OrderSum) (decimal.Decimal, error)

	// ListPositions returns the account's positions with TotalValue > 0,
	// ordered by stock code.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// SumPositions totals TotalValue over the account's positions with
	// TotalValue > 0. Returns zero when there are none.
	SumPositions(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Tx is the view of one account inside WithAccount.
type Tx interface {
	// Account returns the locked account as read at the start of the
	// transaction, reflecting any SaveAccount made since.
	Account() *model.Account

	// GetPosition returns the account's position in a stock, or nil if the
	// account has never held it.
	GetPosition(ctx context.Context, stockCode string) (*model.Position, error)

	// InsertOrder appends an immutable order. Returns ErrStockNotFound if
	// the stock does not exist.
	InsertOrder(ctx context.Context, order *model.Order) error

	// SaveAccount persists the account's balances.
	SaveAccount(ctx context.Context, acct *model.Account) error

	// SavePosition creates or updates the (account, stock) position.
	SavePosition(ctx context.Context, pos *model.Position) error
}

// SeedStocks creates the given stocks, skipping codes that already exist.
func SeedStocks(ctx context.Context, st Store, stocks []model.Stock) error {
	for i := range stocks {
		if err := st.CreateStock(ctx, &stocks[i]); err != nil && !errors.Is(err, ErrStockExists) {
			return err
		}
	}
	return nil
}
