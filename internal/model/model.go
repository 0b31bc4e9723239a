// Package model defines the core domain types shared across the order engine.
// All monetary values and share quantities use shopspring/decimal, never
// float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order type codes.
const (
	OrderTypeBuy  = "BUY"
	OrderTypeSell = "SELL"
)

// Order status codes. New orders always resolve to StatusFilled.
const (
	StatusFilled  = "FILLED"
	StatusPartial = "PARTIAL"
	StatusFailed  = "FAILED"
)

// Account extends a user identity with its buying power. Created once per
// user and mutated only by settlement.
type Account struct {
	ID                   string          `json:"id" db:"id"`
	UserID               string          `json:"user_id" db:"user_id"`
	AvailableBuyingPower decimal.Decimal `json:"available_buying_power" db:"available_buying_power"`
	AllotedBuyingPower   decimal.Decimal `json:"alloted_buying_power" db:"alloted_buying_power"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Stock is tradeable reference data, keyed by its ticker code.
type Stock struct {
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// OrderType is the BUY/SELL reference row.
type OrderType struct {
	Code   string `json:"code" db:"code"`
	Action string `json:"action" db:"action"`
}

// OrderStatus is the execution status reference row.
type OrderStatus struct {
	Code        string `json:"code" db:"code"`
	Description string `json:"description" db:"description"`
}

// Order is an immutable record of a filled (or failed) order.
// Once created, orders are never modified or deleted.
type Order struct {
	ID         string          `json:"id" db:"id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	StockCode  string          `json:"stock" db:"stock_code"`
	OrderType  string          `json:"order_type" db:"order_type"`
	Status     string          `json:"status" db:"status"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"` // quantity * price, fixed at creation
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Position is an account's current holding in one stock. TotalValue is the
// accumulated cost basis, not a market valuation.
type Position struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	StockCode  string          `json:"stock" db:"stock_code"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"`
}

// OrderFilter narrows ListOrders. Empty fields match everything.
type OrderFilter struct {
	StockCode string // case-insensitive exact match on stock code
	OrderType string // case-insensitive exact match on order type code
	StockName string // case-insensitive substring match on stock name
}

// OrderSum selects the orders aggregated by SumOrders. StockCode is optional.
type OrderSum struct {
	OrderType string
	Status    string
	StockCode string
}

// DefaultOrderTypes is the reference data every store is seeded with.
var DefaultOrderTypes = []OrderType{
	{Code: OrderTypeBuy, Action: "Buy shares"},
	{Code: OrderTypeSell, Action: "Sell shares"},
}

// DefaultOrderStatuses is the reference data every store is seeded with.
var DefaultOrderStatuses = []OrderStatus{
	{Code: StatusFilled, Description: "Order fully executed"},
	{Code: StatusPartial, Description: "Order partially executed"},
	{Code: StatusFailed, Description: "Order failed to execute"},
}
