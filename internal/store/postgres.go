package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/symbol"
)

//go:embed schema.sql
var schemaSQL string

// PostgreSQL error codes mapped onto store errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ApplySchema creates the ledger tables and seeds order types and statuses.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, t := range model.DefaultOrderTypes {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO order_types (code, action) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
			t.Code, t.Action); err != nil {
			return fmt.Errorf("seed order type %s: %w", t.Code, err)
		}
	}
	for _, st := range model.DefaultOrderStatuses {
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO order_statuses (code, description) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
			st.Code, st.Description); err != nil {
			return fmt.Errorf("seed order status %s: %w", st.Code, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, user_id, available_buying_power, alloted_buying_power, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		a.ID, a.UserID, a.AvailableBuyingPower.String(), a.AllotedBuyingPower.String(), a.CreatedAt,
	)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrAccountExists, a.UserID)
	}
	return err
}

const accountColumns = `id, user_id, available_buying_power::TEXT, alloted_buying_power::TEXT, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrAccountNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account for user %s: %w", userID, err)
	}
	return a, nil
}

func (s *PostgresStore) CreateStock(ctx context.Context, st *model.Stock) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO stocks (code, name) VALUES ($1, $2)`, st.Code, st.Name)
	if pgCode(err) == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrStockExists, st.Code)
	}
	return err
}

func (s *PostgresStore) GetStock(ctx context.Context, code string) (*model.Stock, error) {
	var st model.Stock
	err := s.pool.QueryRow(ctx, `SELECT code, name FROM stocks WHERE code = $1`, symbol.NormalizeCode(code)).
		Scan(&st.Code, &st.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("get stock %s: %w", code, err)
	}
	return &st, nil
}

func (s *PostgresStore) ListStocks(ctx context.Context) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx, `SELECT code, name FROM stocks ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		var st model.Stock
		if err := rows.Scan(&st.Code, &st.Name); err != nil {
			return nil, err
		}
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

// DeleteStock relies on the ON DELETE RESTRICT foreign keys from orders and
// stock_positions.
func (s *PostgresStore) DeleteStock(ctx context.Context, code string) error {
	code = symbol.NormalizeCode(code)
	tag, err := s.pool.Exec(ctx, `DELETE FROM stocks WHERE code = $1`, code)
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrStockInUse, code)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrStockNotFound, code)
	}
	return nil
}

func (s *PostgresStore) GetOrderType(ctx context.Context, code string) (*model.OrderType, error) {
	var t model.OrderType
	err := s.pool.QueryRow(ctx, `SELECT code, action FROM order_types WHERE code = $1`, symbol.NormalizeCode(code)).
		Scan(&t.Code, &t.Action)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderTypeNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetOrderStatus(ctx context.Context, code string) (*model.OrderStatus, error) {
	var st model.OrderStatus
	err := s.pool.QueryRow(ctx, `SELECT code, description FROM order_statuses WHERE code = $1`, symbol.NormalizeCode(code)).
		Scan(&st.Code, &st.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderStatusNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// WithAccount opens a transaction and locks the account row with
// SELECT ... FOR UPDATE, so a second order on the same account waits until
// this one commits or rolls back.
func (s *PostgresStore) WithAccount(ctx context.Context, accountID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&pgTx{tx: tx, account: acct}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const orderColumns = `o.id, o.account_id, o.stock_code, o.order_type, o.status,
	o.quantity::TEXT, o.price::TEXT, o.total_value::TEXT, o.created_at`

func (s *PostgresStore) GetOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders o WHERE o.account_id = $1 AND o.id = $2`, accountID, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOrders(ctx context.Context, accountID string, f model.OrderFilter) ([]model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders o JOIN stocks s ON s.code = o.stock_code WHERE o.account_id = $1`
	args := []interface{}{accountID}

	if f.StockCode != "" {
		args = append(args, f.StockCode)
		q += fmt.Sprintf(" AND lower(o.stock_code) = lower($%d)", len(args))
	}
	if f.OrderType != "" {
		args = append(args, f.OrderType)
		q += fmt.Sprintf(" AND lower(o.order_type) = lower($%d)", len(args))
	}
	if f.StockName != "" {
		args = append(args, escapeLike(f.StockName))
		q += fmt.Sprintf(" AND s.name ILIKE '%%' || $%d || '%%'", len(args))
	}
	q += " ORDER BY o.seq"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) SumOrders(ctx context.Context, accountID string, sum model.OrderSum) (decimal.Decimal, error) {
	q := `SELECT COALESCE(SUM(total_value), 0)::TEXT FROM orders
	      WHERE account_id = $1 AND order_type = $2 AND status = $3`
	args := []interface{}{accountID, sum.OrderType, sum.Status}
	if sum.StockCode != "" {
		args = append(args, sum.StockCode)
		q += " AND lower(stock_code) = lower($4)"
	}

	var totalS string
	if err := s.pool.QueryRow(ctx, q, args...).Scan(&totalS); err != nil {
		return decimal.Zero, fmt.Errorf("sum orders: %w", err)
	}
	return decimal.NewFromString(totalS)
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, stock_code, quantity::TEXT, total_value::TEXT
		 FROM stock_positions
		 WHERE account_id = $1 AND total_value > 0
		 ORDER BY stock_code`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var qtyS, valueS string
		if err := rows.Scan(&p.AccountID, &p.StockCode, &qtyS, &valueS); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qtyS)
		p.TotalValue, _ = decimal.NewFromString(valueS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) SumPositions(ctx context.Context, accountID string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_value), 0)::TEXT FROM stock_positions
		 WHERE account_id = $1 AND total_value > 0`, accountID).Scan(&totalS)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum positions: %w", err)
	}
	return decimal.NewFromString(totalS)
}

// pgTx is the Tx handed to WithAccount callbacks.
type pgTx struct {
	tx      pgx.Tx
	account *model.Account
}

func (t *pgTx) Account() *model.Account {
	copy := *t.account
	return &copy
}

func (t *pgTx) GetPosition(ctx context.Context, stockCode string) (*model.Position, error) {
	p := model.Position{AccountID: t.account.ID, StockCode: stockCode}
	var qtyS, valueS string
	err := t.tx.QueryRow(ctx,
		`SELECT quantity::TEXT, total_value::TEXT FROM stock_positions
		 WHERE account_id = $1 AND stock_code = $2 FOR UPDATE`,
		t.account.ID, stockCode).Scan(&qtyS, &valueS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", t.account.ID, stockCode, err)
	}
	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.TotalValue, _ = decimal.NewFromString(valueS)
	return &p, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, account_id, stock_code, order_type, status, quantity, price, total_value, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		o.ID, o.AccountID, o.StockCode, o.OrderType, o.Status,
		o.Quantity.String(), o.Price.String(), o.TotalValue.String(),
		o.CreatedAt,
	)
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrStockNotFound, o.StockCode)
	}
	return err
}

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	if a.ID != t.account.ID {
		return fmt.Errorf("postgres tx: save of account %s inside tx for %s", a.ID, t.account.ID)
	}
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET available_buying_power = $2::NUMERIC WHERE id = $1`,
		a.ID, a.AvailableBuyingPower.String())
	if err != nil {
		return err
	}
	copy := *a
	t.account = &copy
	return nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	if p.AccountID != t.account.ID {
		return fmt.Errorf("postgres tx: save of position for account %s inside tx for %s", p.AccountID, t.account.ID)
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stock_positions (account_id, stock_code, quantity, total_value)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (account_id, stock_code)
		 DO UPDATE SET quantity = EXCLUDED.quantity, total_value = EXCLUDED.total_value`,
		p.AccountID, p.StockCode, p.Quantity.String(), p.TotalValue.String())
	if pgCode(err) == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrStockNotFound, p.StockCode)
	}
	return err
}

// --- scan helpers ---

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var availS, allotS string
	if err := row.Scan(&a.ID, &a.UserID, &availS, &allotS, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.AvailableBuyingPower, _ = decimal.NewFromString(availS)
	a.AllotedBuyingPower, _ = decimal.NewFromString(allotS)
	return &a, nil
}

// pgxRows is the subset of pgx.Rows used by scanOrders.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qtyS, priceS, totalS string

		if err := rows.Scan(&o.ID, &o.AccountID, &o.StockCode, &o.OrderType, &o.Status,
			&qtyS, &priceS, &totalS, &o.CreatedAt); err != nil {
			return nil, err
		}

		o.Quantity, _ = decimal.NewFromString(qtyS)
		o.Price, _ = decimal.NewFromString(priceS)
		o.TotalValue, _ = decimal.NewFromString(totalS)

		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// escapeLike escapes LIKE wildcards so user input matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
