package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/symbol"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary.
//
// Only data whose invalidation point is known is cached: stocks (changed by
// CreateStock/DeleteStock), the user to account mapping (immutable once
// created), and position lists (changed only inside WithAccount and tagged
// with a per-account version bumped on every commit). Balances and orders
// always come from the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Set(ctx, userKey(a.UserID), a.ID, s.ttl)
	return nil
}

func (s *CachedStore) CreateStock(ctx context.Context, st *model.Stock) error {
	if err := s.primary.CreateStock(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, stocksKey())
	return nil
}

func (s *CachedStore) DeleteStock(ctx context.Context, code string) error {
	if err := s.primary.DeleteStock(ctx, code); err != nil {
		return err
	}
	s.rdb.Del(ctx, stockKey(symbol.NormalizeCode(code)), stocksKey())
	return nil
}

// WithAccount bumps the account's position version once the transaction
// commits. A failed transaction leaves the cache untouched.
func (s *CachedStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	if err := s.primary.WithAccount(ctx, accountID, fn); err != nil {
		return err
	}
	s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, positionsVersionKey(accountID))
		pipe.Expire(ctx, positionsVersionKey(accountID), 2*s.ttl)
		pipe.Del(ctx, positionsKey(accountID))
		return nil
	})
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	accountID, err := s.rdb.Get(ctx, userKey(userID)).Result()
	if err == nil {
		return s.primary.GetAccount(ctx, accountID)
	}

	a, err := s.primary.GetAccountByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, userKey(userID), a.ID, s.ttl)
	return a, nil
}

func (s *CachedStore) GetStock(ctx context.Context, code string) (*model.Stock, error) {
	code = symbol.NormalizeCode(code)
	var st model.Stock
	if s.getJSON(ctx, stockKey(code), &st) {
		return &st, nil
	}

	got, err := s.primary.GetStock(ctx, code)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, stockKey(code), got)
	return got, nil
}

func (s *CachedStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	var stocks []model.Stock
	if s.getJSON(ctx, stocksKey(), &stocks) {
		return stocks, nil
	}

	stocks, err := s.primary.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, stocksKey(), stocks)
	return stocks, nil
}

// cachedPositions is a position list tagged with the account's position
// version at the time the primary was read.
type cachedPositions struct {
	Version   int64            `json:"version"`
	Positions []model.Position `json:"positions"`
}

// ListPositions serves the cached list only while its version matches the
// account's current one. The version is read before the primary, so a fill
// racing a commit is tagged with the old version and never served.
func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	version, err := s.positionsVersion(ctx, accountID)
	if err != nil {
		return s.primary.ListPositions(ctx, accountID)
	}

	var cached cachedPositions
	if s.getJSON(ctx, positionsKey(accountID), &cached) && cached.Version == version {
		return cached.Positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, positionsKey(accountID), cachedPositions{Version: version, Positions: positions})
	return positions, nil
}

func (s *CachedStore) positionsVersion(ctx context.Context, accountID string) (int64, error) {
	v, err := s.rdb.Get(ctx, positionsVersionKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// SumPositions is derived from the cached position list.
func (s *CachedStore) SumPositions(ctx context.Context, accountID string) (decimal.Decimal, error) {
	positions, err := s.ListPositions(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumPositions(positions), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetOrderType(ctx context.Context, code string) (*model.OrderType, error) {
	return s.primary.GetOrderType(ctx, code)
}

func (s *CachedStore) GetOrderStatus(ctx context.Context, code string) (*model.OrderStatus, error) {
	return s.primary.GetOrderStatus(ctx, code)
}

func (s *CachedStore) GetOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, accountID, orderID)
}

func (s *CachedStore) ListOrders(ctx context.Context, accountID string, filter model.OrderFilter) ([]model.Order, error) {
	return s.primary.ListOrders(ctx, accountID, filter)
}

func (s *CachedStore) SumOrders(ctx context.Context, accountID string, sum model.OrderSum) (decimal.Decimal, error) {
	return s.primary.SumOrders(ctx, accountID, sum)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v interface{}) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(uid string) string              { return fmt.Sprintf("user:%s", uid) }
func stockKey(code string) string            { return fmt.Sprintf("stock:%s", code) }
func stocksKey() string                      { return "stocks" }
func positionsKey(acct string) string        { return fmt.Sprintf("positions:%s", acct) }
func positionsVersionKey(acct string) string { return fmt.Sprintf("positions:ver:%s", acct) }
