package store

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
)

// matchOrder applies an OrderFilter to an order whose stock is named
// stockName. Used by the stores that filter in Go rather than SQL.
func matchOrder(o *model.Order, stockName string, f model.OrderFilter) bool {
	if f.StockCode != "" && !strings.EqualFold(o.StockCode, f.StockCode) {
		return false
	}
	if f.OrderType != "" && !strings.EqualFold(o.OrderType, f.OrderType) {
		return false
	}
	if f.StockName != "" && !strings.Contains(strings.ToLower(stockName), strings.ToLower(f.StockName)) {
		return false
	}
	return true
}

func matchSum(o *model.Order, s model.OrderSum) bool {
	if o.OrderType != s.OrderType || o.Status != s.Status {
		return false
	}
	return s.StockCode == "" || strings.EqualFold(o.StockCode, s.StockCode)
}

// heldPositions keeps positions with a positive value, sorted by stock code.
func heldPositions(all []model.Position) []model.Position {
	var out []model.Position
	for _, p := range all {
		if p.TotalValue.IsPositive() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockCode < out[j].StockCode })
	return out
}

func sumPositions(ps []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		total = total.Add(p.TotalValue)
	}
	return total
}

func sortStocks(stocks []model.Stock) {
	sort.Slice(stocks, func(i, j int) bool { return stocks[i].Code < stocks[j].Code })
}
