package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/symbol"
)

// PebbleStore implements Store on an embedded Pebble database. It is meant
// for single-node deployments that need durability without PostgreSQL.
//
// Key layout (values are JSON):
//
//	a/<accountID>               account
//	u/<userID>                  account ID
//	s/<code>                    stock
//	t/<code>                    order type
//	x/<code>                    order status
//	o/<accountID>/<seq:020d>    order, seq is store-wide and monotonic
//	i/<orderID>                 order key
//	p/<accountID>/<code>        position
type PebbleStore struct {
	db    *pebble.DB
	seq   atomic.Uint64
	locks *accountLocks

	// refMu orders stock deletion against ledger commits: commits hold it
	// shared, DeleteStock holds it exclusively.
	refMu sync.RWMutex
	// createMu serializes account and stock creation (uniqueness checks).
	createMu sync.Mutex
}

// OpenPebbleStore opens (or creates) a Pebble database at path, seeds the
// reference data, and recovers the order sequence.
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	s := &PebbleStore{db: db, locks: newAccountLocks()}

	b := db.NewBatch()
	defer b.Close()
	for _, t := range model.DefaultOrderTypes {
		if err := setJSON(b, kOrderType(t.Code), t); err != nil {
			db.Close()
			return nil, err
		}
	}
	for _, st := range model.DefaultOrderStatuses {
		if err := setJSON(b, kOrderStatus(st.Code), st); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed reference data: %w", err)
	}

	if err := s.recoverSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *PebbleStore) Close() error { return s.db.Close() }

func kAccount(id string) []byte             { return []byte("a/" + id) }
func kUser(id string) []byte                { return []byte("u/" + id) }
func kStock(code string) []byte             { return []byte("s/" + code) }
func kOrderType(code string) []byte         { return []byte("t/" + code) }
func kOrderStatus(code string) []byte       { return []byte("x/" + code) }
func kOrderIndex(id string) []byte          { return []byte("i/" + id) }
func kPosition(acct, code string) []byte    { return []byte("p/" + acct + "/" + code) }
func kOrder(acct string, seq uint64) []byte { return []byte(fmt.Sprintf("o/%s/%020d", acct, seq)) }

// prefixBounds returns iterator bounds covering every key with prefix.
func prefixBounds(prefix string) *pebble.IterOptions {
	upper := []byte(prefix)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upper}
}

// reader is satisfied by *pebble.DB and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func getJSON(r reader, key []byte, v interface{}) (bool, error) {
	val, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	return true, json.Unmarshal(val, v)
}

func setJSON(b *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// scanPrefix calls fn for every value under prefix, in key order.
func scanPrefix(r reader, prefix string, fn func(key, val []byte) error) error {
	it, err := r.NewIter(prefixBounds(prefix))
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *PebbleStore) recoverSeq() error {
	var max uint64
	err := scanPrefix(s.db, "o/", func(key, _ []byte) error {
		k := string(key)
		n, err := strconv.ParseUint(k[strings.LastIndexByte(k, '/')+1:], 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt order key %q: %w", k, err)
		}
		if n > max {
			max = n
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover order sequence: %w", err)
	}
	s.seq.Store(max)
	return nil
}

func (s *PebbleStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	var existing string
	found, err := getJSON(s.db, kUser(a.UserID), &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.UserID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, kAccount(a.ID), a); err != nil {
		return err
	}
	if err := setJSON(b, kUser(a.UserID), a.ID); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	var a model.Account
	found, err := getJSON(s.db, kAccount(id), &a)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return &a, nil
}

func (s *PebbleStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	var id string
	found, err := getJSON(s.db, kUser(userID), &id)
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	return s.GetAccount(ctx, id)
}

func (s *PebbleStore) CreateStock(_ context.Context, st *model.Stock) error {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	var existing model.Stock
	found, err := getJSON(s.db, kStock(st.Code), &existing)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: %s", ErrStockExists, st.Code)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, kStock(st.Code), st); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetStock(_ context.Context, code string) (*model.Stock, error) {
	var st model.Stock
	found, err := getJSON(s.db, kStock(symbol.NormalizeCode(code)), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}
	return &st, nil
}

func (s *PebbleStore) ListStocks(_ context.Context) ([]model.Stock, error) {
	var stocks []model.Stock
	err := scanPrefix(s.db, "s/", func(_, val []byte) error {
		var st model.Stock
		if err := json.Unmarshal(val, &st); err != nil {
			return err
		}
		stocks = append(stocks, st)
		return nil
	})
	return stocks, err
}

// DeleteStock scans positions for references. Every settled order leaves a
// position row behind, so positions cover orders as well.
func (s *PebbleStore) DeleteStock(_ context.Context, code string) error {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	code = symbol.NormalizeCode(code)
	var st model.Stock
	found, err := getJSON(s.db, kStock(code), &st)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}

	errInUse := fmt.Errorf("%w: %s", ErrStockInUse, code)
	err = scanPrefix(s.db, "p/", func(key, _ []byte) error {
		if strings.HasSuffix(string(key), "/"+code) {
			return errInUse
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = scanPrefix(s.db, "o/", func(_, val []byte) error {
		var o model.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.StockCode == code {
			return errInUse
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.db.Delete(kStock(code), pebble.Sync)
}

func (s *PebbleStore) GetOrderType(_ context.Context, code string) (*model.OrderType, error) {
	var t model.OrderType
	found, err := getJSON(s.db, kOrderType(symbol.NormalizeCode(code)), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrOrderTypeNotFound, code)
	}
	return &t, nil
}

func (s *PebbleStore) GetOrderStatus(_ context.Context, code string) (*model.OrderStatus, error) {
	var st model.OrderStatus
	found, err := getJSON(s.db, kOrderStatus(symbol.NormalizeCode(code)), &st)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrOrderStatusNotFound, code)
	}
	return &st, nil
}

// WithAccount stages writes in an indexed batch and commits it with
// pebble.Sync, so the order, account and position land together or not at
// all.
func (s *PebbleStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	unlock := s.locks.lock(accountID)
	defer unlock()

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	tx := &pebbleTx{store: s, account: acct, batch: s.db.NewIndexedBatch()}
	defer tx.batch.Close()

	if err := fn(tx); err != nil {
		return err
	}

	s.refMu.RLock()
	defer s.refMu.RUnlock()

	for _, code := range tx.stocks {
		var st model.Stock
		found, err := getJSON(s.db, kStock(code), &st)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrStockNotFound, code)
		}
	}
	return tx.batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetOrder(_ context.Context, accountID, orderID string) (*model.Order, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	var key string
	found, err := getJSON(snap, kOrderIndex(orderID), &key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	var o model.Order
	found, err = getJSON(snap, []byte(key), &o)
	if err != nil {
		return nil, err
	}
	if !found || o.AccountID != accountID {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return &o, nil
}

// ListOrders reads from a snapshot so that orders and stock names come from
// the same committed state.
func (s *PebbleStore) ListOrders(_ context.Context, accountID string, filter model.OrderFilter) ([]model.Order, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	names := make(map[string]string)
	var result []model.Order
	err := scanPrefix(snap, "o/"+accountID+"/", func(_, val []byte) error {
		var o model.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		name, ok := names[o.StockCode]
		if !ok && filter.StockName != "" {
			var st model.Stock
			if _, err := getJSON(snap, kStock(o.StockCode), &st); err != nil {
				return err
			}
			name = st.Name
			names[o.StockCode] = name
		}
		if matchOrder(&o, name, filter) {
			result = append(result, o)
		}
		return nil
	})
	return result, err
}

func (s *PebbleStore) SumOrders(_ context.Context, accountID string, sum model.OrderSum) (decimal.Decimal, error) {
	total := decimal.Zero
	err := scanPrefix(s.db, "o/"+accountID+"/", func(_, val []byte) error {
		var o model.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if matchSum(&o, sum) {
			total = total.Add(o.TotalValue)
		}
		return nil
	})
	return total, err
}

func (s *PebbleStore) accountPositions(accountID string) ([]model.Position, error) {
	var out []model.Position
	err := scanPrefix(s.db, "p/"+accountID+"/", func(_, val []byte) error {
		var p model.Position
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func (s *PebbleStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	all, err := s.accountPositions(accountID)
	if err != nil {
		return nil, err
	}
	return heldPositions(all), nil
}

func (s *PebbleStore) SumPositions(_ context.Context, accountID string) (decimal.Decimal, error) {
	all, err := s.accountPositions(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return sumPositions(heldPositions(all)), nil
}

// pebbleTx writes into an indexed batch; reads see the batch first.
type pebbleTx struct {
	store   *PebbleStore
	account *model.Account
	batch   *pebble.Batch
	stocks  []string // stock codes referenced by staged writes
}

func (tx *pebbleTx) Account() *model.Account {
	copy := *tx.account
	return &copy
}

func (tx *pebbleTx) GetPosition(_ context.Context, stockCode string) (*model.Position, error) {
	var p model.Position
	found, err := getJSON(tx.batch, kPosition(tx.account.ID, stockCode), &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

func (tx *pebbleTx) InsertOrder(_ context.Context, o *model.Order) error {
	if o.AccountID != tx.account.ID {
		return fmt.Errorf("pebble tx: order for account %s inside tx for %s", o.AccountID, tx.account.ID)
	}
	key := kOrder(o.AccountID, tx.store.seq.Add(1))
	if err := setJSON(tx.batch, key, o); err != nil {
		return err
	}
	if err := setJSON(tx.batch, kOrderIndex(o.ID), string(key)); err != nil {
		return err
	}
	tx.stocks = append(tx.stocks, o.StockCode)
	return nil
}

func (tx *pebbleTx) SaveAccount(_ context.Context, a *model.Account) error {
	if a.ID != tx.account.ID {
		return fmt.Errorf("pebble tx: save of account %s inside tx for %s", a.ID, tx.account.ID)
	}
	if err := setJSON(tx.batch, kAccount(a.ID), a); err != nil {
		return err
	}
	copy := *a
	tx.account = &copy
	return nil
}

func (tx *pebbleTx) SavePosition(_ context.Context, p *model.Position) error {
	if p.AccountID != tx.account.ID {
		return fmt.Errorf("pebble tx: save of position for account %s inside tx for %s", p.AccountID, tx.account.ID)
	}
	if err := setJSON(tx.batch, kPosition(p.AccountID, p.StockCode), p); err != nil {
		return err
	}
	tx.stocks = append(tx.stocks, p.StockCode)
	return nil
}
