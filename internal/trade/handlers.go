package trade

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/auth"
	"github.com/strader/order-engine/internal/httputil"
	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/settlement"
	"github.com/strader/order-engine/internal/store"
	"github.com/strader/order-engine/internal/symbol"
)

// --- Request/Response types ---

// CreateOrderRequest is the JSON body for POST /orders.
type CreateOrderRequest struct {
	Stock     string          `json:"stock"`      // stock code, e.g. GOOG
	OrderType string          `json:"order_type"` // BUY or SELL
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderView is the JSON shape of an order in list, retrieve and create
// responses.
type OrderView struct {
	ID         string          `json:"id"`
	Stock      string          `json:"stock"`
	OrderType  string          `json:"order_type"`
	Status     string          `json:"status"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	CreatedAt  time.Time       `json:"created_at"`
}

// PositionView is the JSON shape of a held position.
type PositionView struct {
	Stock      string          `json:"stock"`
	Quantity   decimal.Decimal `json:"quantity"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// OpenAccountRequest is the JSON body for POST /internal/accounts.
type OpenAccountRequest struct {
	UserID             string          `json:"user_id"`
	AllotedBuyingPower decimal.Decimal `json:"alloted_buying_power"`
}

// CreateStockRequest is the JSON body for POST /internal/stocks.
type CreateStockRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

func newOrderView(o *model.Order) OrderView {
	return OrderView{
		ID:         o.ID,
		Stock:      o.StockCode,
		OrderType:  o.OrderType,
		Status:     o.Status,
		Quantity:   o.Quantity,
		Price:      o.Price,
		TotalValue: o.TotalValue,
		CreatedAt:  o.CreatedAt,
	}
}

// --- HTTP Handlers ---

// CreateOrder handles POST /api/v1/orders
func (s *Service) CreateOrder(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Stock == "" || req.OrderType == "" {
		httputil.WriteError(w, "stock and order_type are required", http.StatusBadRequest)
		return
	}

	order, err := s.SubmitOrder(r.Context(), SubmitOrderRequest{
		AccountID: acct.ID,
		StockCode: req.Stock,
		OrderType: req.OrderType,
		Quantity:  req.Quantity,
		Price:     req.Price,
	})
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, newOrderView(order))
}

// ListOrdersHandler handles GET /api/v1/orders
// Optional filters: ?stock=<code>&order_type=<BUY|SELL>&stock_name=<substring>.
func (s *Service) ListOrdersHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	orders, err := s.ListOrders(r.Context(), acct.ID, model.OrderFilter{
		StockCode: q.Get("stock"),
		OrderType: q.Get("order_type"),
		StockName: q.Get("stock_name"),
	})
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}

	views := make([]OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i]))
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

// GetOrderHandler handles GET /api/v1/orders/{orderID}
func (s *Service) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	order, err := s.GetOrder(r.Context(), acct.ID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newOrderView(order))
}

// GetOrderSummary handles GET /api/v1/summary
// Returns the total value of filled BUY orders, optionally for ?stock=<code>.
func (s *Service) GetOrderSummary(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	total, err := s.OrderSummary(r.Context(), acct.ID, r.URL.Query().Get("stock"))
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]json.Number{"total_value": jsonNumber(total)})
}

// ListShares handles GET /api/v1/shares/all
func (s *Service) ListShares(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	positions, err := s.PositionList(r.Context(), acct.ID)
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}

	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, PositionView{Stock: p.StockCode, Quantity: p.Quantity, TotalValue: p.TotalValue})
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

// GetSharesSummary handles GET /api/v1/shares/summary
func (s *Service) GetSharesSummary(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}

	total, err := s.PortfolioSummary(r.Context(), acct.ID)
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]json.Number{"total_investment": jsonNumber(total)})
}

// GetAccount handles GET /api/v1/account
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, acct)
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws and streams
// the caller's fills.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		httputil.WriteError(w, "websocket notifications are disabled", http.StatusNotFound)
		return
	}
	acct, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	s.hub.Serve(w, r, acct.ID)
}

// ListStocksHandler handles GET /api/v1/stocks
func (s *Service) ListStocksHandler(w http.ResponseWriter, r *http.Request) {
	stocks, err := s.ListStocks(r.Context())
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stocks)
}

// OpenAccountHandler handles POST /internal/accounts
func (s *Service) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	acct, err := s.OpenAccount(r.Context(), req.UserID, req.AllotedBuyingPower)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, acct)
}

// CreateStockHandler handles POST /internal/stocks
func (s *Service) CreateStockHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	st, err := s.CreateStock(r.Context(), req.Code, req.Name)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, st)
}

// DeleteStockHandler handles DELETE /internal/stocks/{code}
func (s *Service) DeleteStockHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteStock(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jsonNumber renders an aggregate as a bare JSON number. Order and position
// fields stay quoted decimal strings.
func jsonNumber(v decimal.Decimal) json.Number {
	return json.Number(v.String())
}

// requireAccount resolves the caller's account from the authenticated user.
// It writes the error response and returns false when there is none.
func (s *Service) requireAccount(w http.ResponseWriter, r *http.Request) (*model.Account, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		httputil.WriteError(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	acct, err := s.AccountForUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err, http.StatusNotFound)
		return nil, false
	}
	return acct, true
}

// writeServiceError maps a service error to a status code. notFound is the
// status used for missing references: 400 when the reference came from a
// request body, 404 when it came from the URL.
func writeServiceError(w http.ResponseWriter, err error, notFound int) {
	switch {
	case settlement.IsRejection(err),
		errors.Is(err, symbol.ErrInvalidCode),
		errors.Is(err, symbol.ErrInvalidName),
		errors.Is(err, ErrUserIDRequired),
		errors.Is(err, ErrNegativeAllotedBalance):
		httputil.WriteError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrStockNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrOrderNotFound):
		httputil.WriteError(w, err.Error(), notFound)
	case errors.Is(err, store.ErrStockInUse),
		errors.Is(err, store.ErrStockExists),
		errors.Is(err, store.ErrAccountExists):
		httputil.WriteError(w, err.Error(), http.StatusConflict)
	default:
		httputil.WriteError(w, "internal error", http.StatusInternalServerError)
	}
}
