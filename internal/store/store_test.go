package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// runStoreTests exercises the Store contract against any backend.
func runStoreTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("StockLifecycle", func(t *testing.T) { testStockLifecycle(t, newStore(t)) })
	t.Run("ReferenceData", func(t *testing.T) { testReferenceData(t, newStore(t)) })
	t.Run("CommitIsAtomic", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("UnknownStockAbortsTx", func(t *testing.T) { testUnknownStock(t, newStore(t)) })
	t.Run("OrderFilters", func(t *testing.T) { testOrderFilters(t, newStore(t)) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, newStore(t)) })
	t.Run("AccountScoping", func(t *testing.T) { testAccountScoping(t, newStore(t)) })
	t.Run("SerializesPerAccount", func(t *testing.T) { testSerializes(t, newStore(t)) })
}

func seedAccount(t *testing.T, st store.Store, userID, bp string) *model.Account {
	t.Helper()
	a := &model.Account{
		ID:                   uuid.New().String(),
		UserID:               userID,
		AvailableBuyingPower: d(bp),
		AllotedBuyingPower:   d(bp),
		CreatedAt:            time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func seedStock(t *testing.T, st store.Store, code, name string) {
	t.Helper()
	if err := st.CreateStock(context.Background(), &model.Stock{Code: code, Name: name}); err != nil {
		t.Fatalf("create stock %s: %v", code, err)
	}
}

// buy records a filled BUY and applies it to the account and position.
func buy(t *testing.T, st store.Store, accountID, code, qty, price string) *model.Order {
	t.Helper()
	var order *model.Order
	err := st.WithAccount(context.Background(), accountID, func(tx store.Tx) error {
		ctx := context.Background()
		order = newOrder(accountID, code, model.OrderTypeBuy, qty, price)
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		acct := tx.Account()
		acct.AvailableBuyingPower = acct.AvailableBuyingPower.Sub(order.TotalValue)
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		pos, err := tx.GetPosition(ctx, code)
		if err != nil {
			return err
		}
		if pos == nil {
			pos = &model.Position{AccountID: accountID, StockCode: code}
		}
		pos.Quantity = pos.Quantity.Add(order.Quantity)
		pos.TotalValue = pos.TotalValue.Add(order.TotalValue)
		return tx.SavePosition(ctx, pos)
	})
	if err != nil {
		t.Fatalf("buy %s: %v", code, err)
	}
	return order
}

func newOrder(accountID, code, typ, qty, price string) *model.Order {
	q, p := d(qty), d(price)
	return &model.Order{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		StockCode:  code,
		OrderType:  typ,
		Status:     model.StatusFilled,
		Quantity:   q,
		Price:      p,
		TotalValue: q.Mul(p),
		CreatedAt:  time.Now().UTC(),
	}
}

func testAccountLifecycle(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := seedAccount(t, st, "user-1", "1000")

	got, err := st.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.UserID != "user-1" || !got.AvailableBuyingPower.Equal(d("1000")) {
		t.Errorf("unexpected account: %+v", got)
	}

	byUser, err := st.GetAccountByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("get account by user: %v", err)
	}
	if byUser.ID != a.ID {
		t.Errorf("expected account %s, got %s", a.ID, byUser.ID)
	}

	dup := &model.Account{ID: uuid.New().String(), UserID: "user-1", CreatedAt: time.Now().UTC()}
	if err := st.CreateAccount(ctx, dup); !errors.Is(err, store.ErrAccountExists) {
		t.Errorf("expected ErrAccountExists, got %v", err)
	}

	if _, err := st.GetAccount(ctx, uuid.New().String()); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := st.GetAccountByUser(ctx, "nobody"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func testStockLifecycle(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	seedStock(t, st, "AAPL", "Apple Inc.")

	if err := st.CreateStock(ctx, &model.Stock{Code: "GOOG", Name: "Again"}); !errors.Is(err, store.ErrStockExists) {
		t.Errorf("expected ErrStockExists, got %v", err)
	}

	got, err := st.GetStock(ctx, "goog")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if got.Name != "Alphabet Inc." {
		t.Errorf("expected Alphabet Inc., got %s", got.Name)
	}

	stocks, err := st.ListStocks(ctx)
	if err != nil {
		t.Fatalf("list stocks: %v", err)
	}
	if len(stocks) != 2 || stocks[0].Code != "AAPL" || stocks[1].Code != "GOOG" {
		t.Errorf("expected [AAPL GOOG], got %+v", stocks)
	}

	a := seedAccount(t, st, "user-1", "1000")
	buy(t, st, a.ID, "GOOG", "1", "10")

	if err := st.DeleteStock(ctx, "GOOG"); !errors.Is(err, store.ErrStockInUse) {
		t.Errorf("expected ErrStockInUse, got %v", err)
	}
	if err := st.DeleteStock(ctx, "AAPL"); err != nil {
		t.Fatalf("delete unreferenced stock: %v", err)
	}
	if _, err := st.GetStock(ctx, "AAPL"); !errors.Is(err, store.ErrStockNotFound) {
		t.Errorf("expected ErrStockNotFound after delete, got %v", err)
	}
	if err := st.DeleteStock(ctx, "AAPL"); !errors.Is(err, store.ErrStockNotFound) {
		t.Errorf("expected ErrStockNotFound on second delete, got %v", err)
	}
}

func testReferenceData(t *testing.T, st store.Store) {
	ctx := context.Background()
	for _, code := range []string{model.OrderTypeBuy, model.OrderTypeSell} {
		if _, err := st.GetOrderType(ctx, code); err != nil {
			t.Errorf("order type %s: %v", code, err)
		}
	}
	for _, code := range []string{model.StatusFilled, model.StatusPartial, model.StatusFailed} {
		if _, err := st.GetOrderStatus(ctx, code); err != nil {
			t.Errorf("order status %s: %v", code, err)
		}
	}
	if _, err := st.GetOrderType(ctx, "SHORT"); !errors.Is(err, store.ErrOrderTypeNotFound) {
		t.Errorf("expected ErrOrderTypeNotFound, got %v", err)
	}
	if _, err := st.GetOrderStatus(ctx, "PENDING"); !errors.Is(err, store.ErrOrderStatusNotFound) {
		t.Errorf("expected ErrOrderStatusNotFound, got %v", err)
	}
}

func testCommit(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	a := seedAccount(t, st, "user-1", "1000")

	order := buy(t, st, a.ID, "GOOG", "15", "1.25")

	acct, _ := st.GetAccount(ctx, a.ID)
	if !acct.AvailableBuyingPower.Equal(d("981.25")) {
		t.Errorf("expected 981.25, got %s", acct.AvailableBuyingPower)
	}

	got, err := st.GetOrder(ctx, a.ID, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.TotalValue.Equal(d("18.75")) || got.Status != model.StatusFilled {
		t.Errorf("unexpected order: %+v", got)
	}

	positions, _ := st.ListPositions(ctx, a.ID)
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if !positions[0].Quantity.Equal(d("15")) || !positions[0].TotalValue.Equal(d("18.75")) {
		t.Errorf("unexpected position: %+v", positions[0])
	}

	// The second transaction sees the first one's position.
	err = st.WithAccount(ctx, a.ID, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, "GOOG")
		if err != nil {
			return err
		}
		if pos == nil || !pos.Quantity.Equal(d("15")) {
			t.Errorf("expected committed position inside tx, got %+v", pos)
		}
		if !tx.Account().AvailableBuyingPower.Equal(d("981.25")) {
			t.Errorf("tx account not current: %s", tx.Account().AvailableBuyingPower)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-only tx: %v", err)
	}
}

func testRollback(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	a := seedAccount(t, st, "user-1", "1000")

	boom := errors.New("boom")
	err := st.WithAccount(ctx, a.ID, func(tx store.Tx) error {
		o := newOrder(a.ID, "GOOG", model.OrderTypeBuy, "10", "1")
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		acct := tx.Account()
		acct.AvailableBuyingPower = d("990")
		if err := tx.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{AccountID: a.ID, StockCode: "GOOG", Quantity: d("10"), TotalValue: d("10")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	acct, _ := st.GetAccount(ctx, a.ID)
	if !acct.AvailableBuyingPower.Equal(d("1000")) {
		t.Errorf("buying power changed by rolled back tx: %s", acct.AvailableBuyingPower)
	}
	orders, _ := st.ListOrders(ctx, a.ID, model.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("expected no orders, got %d", len(orders))
	}
	positions, _ := st.ListPositions(ctx, a.ID)
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %d", len(positions))
	}
}

func testUnknownStock(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := seedAccount(t, st, "user-1", "1000")

	err := st.WithAccount(ctx, a.ID, func(tx store.Tx) error {
		return tx.InsertOrder(ctx, newOrder(a.ID, "NOPE", model.OrderTypeBuy, "1", "1"))
	})
	if !errors.Is(err, store.ErrStockNotFound) {
		t.Errorf("expected ErrStockNotFound, got %v", err)
	}

	err = st.WithAccount(ctx, uuid.New().String(), func(tx store.Tx) error { return nil })
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound for missing account, got %v", err)
	}
}

func testOrderFilters(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	seedStock(t, st, "AAPL", "Apple Inc.")
	a := seedAccount(t, st, "user-1", "1000")

	first := buy(t, st, a.ID, "GOOG", "1", "10")
	second := buy(t, st, a.ID, "AAPL", "2", "10")
	third := buy(t, st, a.ID, "GOOG", "3", "10")

	all, err := st.ListOrders(ctx, a.ID, model.OrderFilter{})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(all) != 3 || all[0].ID != first.ID || all[1].ID != second.ID || all[2].ID != third.ID {
		t.Fatalf("orders not in creation order: %+v", all)
	}

	tests := []struct {
		name   string
		filter model.OrderFilter
		want   int
	}{
		{"stock code case-insensitive", model.OrderFilter{StockCode: "goog"}, 2},
		{"stock code exact only", model.OrderFilter{StockCode: "GO"}, 0},
		{"order type", model.OrderFilter{OrderType: "buy"}, 3},
		{"order type no match", model.OrderFilter{OrderType: "SELL"}, 0},
		{"stock name substring", model.OrderFilter{StockName: "APPLE"}, 1},
		{"stock name shared", model.OrderFilter{StockName: "inc"}, 3},
		{"combined", model.OrderFilter{StockCode: "GOOG", StockName: "apple"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := st.ListOrders(ctx, a.ID, tt.filter)
			if err != nil {
				t.Fatalf("list orders: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d orders, got %d", tt.want, len(got))
			}
		})
	}
}

func testAggregates(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	seedStock(t, st, "AAPL", "Apple Inc.")
	a := seedAccount(t, st, "user-1", "1000")

	sum, err := st.SumOrders(ctx, a.ID, model.OrderSum{OrderType: model.OrderTypeBuy, Status: model.StatusFilled})
	if err != nil {
		t.Fatalf("sum orders: %v", err)
	}
	if !sum.IsZero() {
		t.Errorf("expected 0 on empty set, got %s", sum)
	}
	total, _ := st.SumPositions(ctx, a.ID)
	if !total.IsZero() {
		t.Errorf("expected 0 portfolio, got %s", total)
	}

	buy(t, st, a.ID, "GOOG", "15", "1.25")
	buy(t, st, a.ID, "AAPL", "2", "100")

	sum, _ = st.SumOrders(ctx, a.ID, model.OrderSum{OrderType: model.OrderTypeBuy, Status: model.StatusFilled})
	if !sum.Equal(d("218.75")) {
		t.Errorf("expected 218.75, got %s", sum)
	}
	sum, _ = st.SumOrders(ctx, a.ID, model.OrderSum{OrderType: model.OrderTypeBuy, Status: model.StatusFilled, StockCode: "goog"})
	if !sum.Equal(d("18.75")) {
		t.Errorf("expected 18.75 for GOOG, got %s", sum)
	}
	sum, _ = st.SumOrders(ctx, a.ID, model.OrderSum{OrderType: model.OrderTypeSell, Status: model.StatusFilled})
	if !sum.IsZero() {
		t.Errorf("expected 0 for SELL, got %s", sum)
	}

	// A position sold down to zero drops out of the list.
	err = st.WithAccount(ctx, a.ID, func(tx store.Tx) error {
		return tx.SavePosition(ctx, &model.Position{AccountID: a.ID, StockCode: "AAPL", Quantity: decimal.Zero, TotalValue: decimal.Zero})
	})
	if err != nil {
		t.Fatalf("zero position: %v", err)
	}

	first, _ := st.ListPositions(ctx, a.ID)
	second, _ := st.ListPositions(ctx, a.ID)
	if len(first) != 1 || first[0].StockCode != "GOOG" {
		t.Fatalf("expected only GOOG, got %+v", first)
	}
	if len(second) != len(first) || !second[0].TotalValue.Equal(first[0].TotalValue) {
		t.Errorf("repeated reads differ: %+v vs %+v", first, second)
	}
	total, _ = st.SumPositions(ctx, a.ID)
	if !total.Equal(d("18.75")) {
		t.Errorf("expected portfolio 18.75, got %s", total)
	}
}

func testAccountScoping(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	alice := seedAccount(t, st, "alice", "1000")
	bob := seedAccount(t, st, "bob", "1000")

	order := buy(t, st, alice.ID, "GOOG", "1", "10")

	if _, err := st.GetOrder(ctx, bob.ID, order.ID); !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for other account, got %v", err)
	}
	orders, _ := st.ListOrders(ctx, bob.ID, model.OrderFilter{})
	if len(orders) != 0 {
		t.Errorf("bob sees %d of alice's orders", len(orders))
	}
	positions, _ := st.ListPositions(ctx, bob.ID)
	if len(positions) != 0 {
		t.Errorf("bob sees %d of alice's positions", len(positions))
	}

	err := st.WithAccount(ctx, bob.ID, func(tx store.Tx) error {
		return tx.InsertOrder(ctx, newOrder(alice.ID, "GOOG", model.OrderTypeBuy, "1", "1"))
	})
	if err == nil {
		t.Error("expected error inserting another account's order")
	}
}

func testSerializes(t *testing.T, st store.Store) {
	ctx := context.Background()
	seedStock(t, st, "GOOG", "Alphabet Inc.")
	a := seedAccount(t, st, "user-1", "100")

	// Each transaction spends 1 only if at least 1 is left. Without
	// per-account serialization some would read a stale balance.
	const workers = 150
	var wg sync.WaitGroup
	var mu sync.Mutex
	spent := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithAccount(ctx, a.ID, func(tx store.Tx) error {
				acct := tx.Account()
				if acct.AvailableBuyingPower.LessThan(d("1")) {
					return nil
				}
				acct.AvailableBuyingPower = acct.AvailableBuyingPower.Sub(d("1"))
				mu.Lock()
				spent++
				mu.Unlock()
				return tx.SaveAccount(ctx, acct)
			})
			if err != nil {
				t.Errorf("tx: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := st.GetAccount(ctx, a.ID)
	if !acct.AvailableBuyingPower.IsZero() {
		t.Errorf("expected 0 left, got %s", acct.AvailableBuyingPower)
	}
	if spent != 100 {
		t.Errorf("expected 100 spends, got %d", spent)
	}
}
