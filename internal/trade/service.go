// Package trade provides the business logic and HTTP handlers for placing
// stock orders, listing them, and summarising an account's holdings.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strader/order-engine/internal/metrics"
	"github.com/strader/order-engine/internal/model"
	"github.com/strader/order-engine/internal/settlement"
	"github.com/strader/order-engine/internal/store"
	"github.com/strader/order-engine/internal/symbol"
)

var (
	ErrUserIDRequired         = errors.New("user_id is required")
	ErrNegativeAllotedBalance = errors.New("alloted_buying_power must not be negative")
)

// Service places orders and answers account queries. Order submissions on
// one account are serialized by the store's account transaction; different
// accounts settle in parallel.
type Service struct {
	store  store.Store
	logger *zap.Logger
	hub    *WSHub // optional WebSocket hub for fill notifications
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket notifications are not needed.
func NewService(st store.Store, logger *zap.Logger, hub *WSHub) *Service {
	return &Service{
		store:  st,
		logger: logger,
		hub:    hub,
	}
}

// SubmitOrderRequest is an order as received from an account holder.
type SubmitOrderRequest struct {
	AccountID string
	StockCode string
	OrderType string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// SubmitOrder validates the order against the account, records it, and
// settles it, all inside one account transaction. A rejected order leaves
// no trace: no order row, no position row, no balance change.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*model.Order, error) {
	orderType := strings.ToUpper(strings.TrimSpace(req.OrderType))

	order, pos, acct, err := s.submit(ctx, req, orderType)
	if err != nil {
		if settlement.IsRejection(err) || isReferenceError(err) {
			metrics.OrdersTotal.WithLabelValues(orderTypeLabel(orderType), "rejected").Inc()
			metrics.OrderRejections.WithLabelValues(rejectionReason(err)).Inc()
			s.logger.Info("order rejected",
				zap.String("account", req.AccountID),
				zap.String("stock", req.StockCode),
				zap.String("order_type", req.OrderType),
				zap.String("reason", err.Error()),
			)
			return nil, err
		}
		metrics.OrdersTotal.WithLabelValues(orderTypeLabel(orderType), "error").Inc()
		s.logger.Error("order settlement failed",
			zap.String("account", req.AccountID),
			zap.String("stock", req.StockCode),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(order.OrderType, "filled").Inc()
	s.logger.Info("order filled",
		zap.String("order_id", order.ID),
		zap.String("account", order.AccountID),
		zap.String("stock", order.StockCode),
		zap.String("order_type", order.OrderType),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", order.Price.String()),
		zap.String("total_value", order.TotalValue.String()),
		zap.String("available_bp", acct.AvailableBuyingPower.String()),
	)

	if s.hub != nil {
		s.hub.Publish(order.AccountID, FillEvent{
			Type:                 "order_filled",
			OrderID:              order.ID,
			Stock:                order.StockCode,
			OrderType:            order.OrderType,
			Quantity:             order.Quantity.String(),
			Price:                order.Price.String(),
			TotalValue:           order.TotalValue.String(),
			AvailableBuyingPower: acct.AvailableBuyingPower.String(),
			PositionQuantity:     pos.Quantity.String(),
			PositionValue:        pos.TotalValue.String(),
		})
	}
	return order, nil
}

func (s *Service) submit(ctx context.Context, req SubmitOrderRequest, orderType string) (*model.Order, *model.Position, *model.Account, error) {
	code, err := symbol.ParseCode(req.StockCode)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := s.store.GetStock(ctx, code); err != nil {
		return nil, nil, nil, err
	}
	if _, err := s.store.GetOrderType(ctx, orderType); err != nil {
		if errors.Is(err, store.ErrOrderTypeNotFound) {
			return nil, nil, nil, fmt.Errorf("%w: %q", settlement.ErrUnknownOrderType, req.OrderType)
		}
		return nil, nil, nil, err
	}

	proposal := settlement.Proposal{
		StockCode: code,
		OrderType: orderType,
		Quantity:  req.Quantity,
		Price:     req.Price,
	}

	var (
		order   *model.Order
		newPos  *model.Position
		newAcct *model.Account
	)
	start := time.Now()
	err = s.store.WithAccount(ctx, req.AccountID, func(tx store.Tx) error {
		acct := tx.Account()
		pos, err := tx.GetPosition(ctx, code)
		if err != nil {
			return err
		}

		o, err := settlement.Validate(acct, pos, proposal)
		if err != nil {
			return err
		}
		if _, err := s.store.GetOrderStatus(ctx, o.Status); err != nil {
			return err
		}
		o.ID = uuid.New().String()
		o.AccountID = acct.ID
		o.CreatedAt = time.Now().UTC()

		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		a, p, err := settlement.Settle(acct, pos, o)
		if err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, p); err != nil {
			return err
		}

		order, newPos, newAcct = o, p, a
		return nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	metrics.SettlementLatency.WithLabelValues(order.OrderType).Observe(time.Since(start).Seconds())
	return order, newPos, newAcct, nil
}

// ListOrders returns the account's orders in creation order.
func (s *Service) ListOrders(ctx context.Context, accountID string, filter model.OrderFilter) ([]model.Order, error) {
	filter.StockCode = strings.TrimSpace(filter.StockCode)
	filter.OrderType = strings.TrimSpace(filter.OrderType)
	filter.StockName = strings.TrimSpace(filter.StockName)
	orders, err := s.store.ListOrders(ctx, accountID, filter)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// GetOrder returns one of the account's orders.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID string) (*model.Order, error) {
	return s.store.GetOrder(ctx, accountID, orderID)
}

// OrderSummary returns the total value of the account's filled BUY orders,
// optionally limited to one stock. Zero when there are none.
func (s *Service) OrderSummary(ctx context.Context, accountID, stockCode string) (decimal.Decimal, error) {
	return s.store.SumOrders(ctx, accountID, model.OrderSum{
		OrderType: model.OrderTypeBuy,
		Status:    model.StatusFilled,
		StockCode: symbol.NormalizeCode(stockCode),
	})
}

// PositionList returns the account's positions with a positive value,
// ordered by stock code.
func (s *Service) PositionList(ctx context.Context, accountID string) ([]model.Position, error) {
	positions, err := s.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

// PortfolioSummary returns the summed value of the account's positions.
func (s *Service) PortfolioSummary(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.store.SumPositions(ctx, accountID)
}

// AccountForUser resolves the account owned by an authenticated user.
func (s *Service) AccountForUser(ctx context.Context, userID string) (*model.Account, error) {
	return s.store.GetAccountByUser(ctx, userID)
}

// OpenAccount provisions the account for a new user identity with its
// allotted buying power fully available. A user has at most one account.
func (s *Service) OpenAccount(ctx context.Context, userID string, alloted decimal.Decimal) (*model.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	if alloted.IsNegative() {
		return nil, ErrNegativeAllotedBalance
	}

	acct := &model.Account{
		ID:                   uuid.New().String(),
		UserID:               userID,
		AvailableBuyingPower: alloted,
		AllotedBuyingPower:   alloted,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}

	metrics.AccountsOpened.Inc()
	s.logger.Info("account opened",
		zap.String("account", acct.ID),
		zap.String("user", userID),
		zap.String("alloted_bp", alloted.String()),
	)
	return acct, nil
}

// CreateStock adds a tradeable stock.
func (s *Service) CreateStock(ctx context.Context, code, name string) (*model.Stock, error) {
	st, err := symbol.ParseStock(code, name)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateStock(ctx, st); err != nil {
		return nil, err
	}
	s.logger.Info("stock created", zap.String("code", st.Code), zap.String("name", st.Name))
	return st, nil
}

// DeleteStock removes a stock no order or position refers to.
func (s *Service) DeleteStock(ctx context.Context, code string) error {
	code = symbol.NormalizeCode(code)
	if err := s.store.DeleteStock(ctx, code); err != nil {
		return err
	}
	s.logger.Info("stock deleted", zap.String("code", code))
	return nil
}

// ListStocks returns every tradeable stock ordered by code.
func (s *Service) ListStocks(ctx context.Context) ([]model.Stock, error) {
	stocks, err := s.store.ListStocks(ctx)
	if err != nil {
		return nil, err
	}
	if stocks == nil {
		stocks = []model.Stock{}
	}
	return stocks, nil
}

func isReferenceError(err error) bool {
	return errors.Is(err, store.ErrStockNotFound) ||
		errors.Is(err, store.ErrAccountNotFound) ||
		errors.Is(err, symbol.ErrInvalidCode)
}

// rejectionReason maps a rejection to a low-cardinality metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, settlement.ErrInsufficientBuyingPower):
		return "buying_power"
	case errors.Is(err, settlement.ErrInsufficientShares):
		return "shares"
	case errors.Is(err, settlement.ErrInvalidQuantity):
		return "quantity"
	case errors.Is(err, settlement.ErrInvalidPrice):
		return "price"
	case errors.Is(err, settlement.ErrUnknownOrderType):
		return "order_type"
	case errors.Is(err, store.ErrAccountNotFound):
		return "account"
	default:
		return "stock"
	}
}

func orderTypeLabel(orderType string) string {
	if orderType == model.OrderTypeBuy || orderType == model.OrderTypeSell {
		return orderType
	}
	return "unknown"
}
