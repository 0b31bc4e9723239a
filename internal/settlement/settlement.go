// Package settlement implements order validation and the balance/position
// update applied once an order is accepted.
//
// Both steps are pure: they read snapshots of an account and a position and
// return the values to persist. The caller is responsible for running them
// inside one per-account transaction so that the validation read and the
// settlement write cannot interleave with another order on the same account.
//
// Every order is assumed to fill completely at the submitted price.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/strader/order-engine/internal/model"
)

// The two insufficiency errors are shown to clients verbatim, so they keep
// their sentence case and trailing period.
var (
	// ErrInsufficientBuyingPower is returned when a BUY costs more than the
	// account's available buying power.
	ErrInsufficientBuyingPower = errors.New("Not enough buying power.")

	// ErrInsufficientShares is returned when a SELL exceeds the shares held.
	ErrInsufficientShares = errors.New("Not enough shares.")

	// ErrInvalidQuantity is returned when quantity is not strictly positive.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidPrice is returned when price is not strictly positive.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrUnknownOrderType is returned for order types other than BUY/SELL.
	ErrUnknownOrderType = errors.New("unknown order type")

	// ErrConsistencyViolation is returned when settlement is attempted
	// against an account or position that does not belong to the order.
	// It must abort the enclosing transaction.
	ErrConsistencyViolation = errors.New("settlement: consistency violation")
)

// Proposal is an order as submitted, before validation.
type Proposal struct {
	StockCode string
	OrderType string
	Quantity  decimal.Decimal
	Price     decimal.Decimal
}

// TotalValue returns quantity * price.
func (p Proposal) TotalValue() decimal.Decimal {
	return p.Quantity.Mul(p.Price)
}

// IsRejection reports whether err is a client-facing validation rejection,
// as opposed to an internal failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBuyingPower) ||
		errors.Is(err, ErrInsufficientShares) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrUnknownOrderType)
}

// Validate checks a proposal against the account's buying power and the
// shares it holds. pos may be nil when the account has never traded the
// stock; it is then treated as zero quantity and zero value.
//
// On success the returned order carries the computed total value and the
// resolved status (always FILLED). ID, AccountID and CreatedAt are left for
// the caller. Validate has no side effects.
func Validate(acct *model.Account, pos *model.Position, p Proposal) (*model.Order, error) {
	if !p.Quantity.IsPositive() {
		return nil, ErrInvalidQuantity
	}
	if !p.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	total := p.TotalValue()

	switch p.OrderType {
	case model.OrderTypeBuy:
		if total.GreaterThan(acct.AvailableBuyingPower) {
			return nil, ErrInsufficientBuyingPower
		}
	case model.OrderTypeSell:
		held := decimal.Zero
		if pos != nil {
			held = pos.Quantity
		}
		if p.Quantity.GreaterThan(held) {
			return nil, ErrInsufficientShares
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOrderType, p.OrderType)
	}

	return &model.Order{
		StockCode:  p.StockCode,
		OrderType:  p.OrderType,
		Status:     resolveStatus(),
		Quantity:   p.Quantity,
		Price:      p.Price,
		TotalValue: total,
	}, nil
}

// resolveStatus decides the execution status of an accepted order. There is
// no downstream execution venue, so every order fills.
func resolveStatus() string {
	return model.StatusFilled
}

// Settle applies a persisted order to the account and its position for the
// order's stock. pos may be nil, in which case a zero-valued position is
// created. It returns the updated copies to persist; the inputs are not
// modified.
//
// A FAILED order settles as a no-op and returns the inputs unchanged.
// Settle must run exactly once per order: running it twice double-applies
// the balance change.
func Settle(acct *model.Account, pos *model.Position, o *model.Order) (*model.Account, *model.Position, error) {
	if acct == nil || acct.ID != o.AccountID {
		return nil, nil, fmt.Errorf("%w: order %s is not owned by the locked account", ErrConsistencyViolation, o.ID)
	}
	if pos == nil {
		pos = &model.Position{
			AccountID:  o.AccountID,
			StockCode:  o.StockCode,
			Quantity:   decimal.Zero,
			TotalValue: decimal.Zero,
		}
	}
	if pos.AccountID != o.AccountID || pos.StockCode != o.StockCode {
		return nil, nil, fmt.Errorf("%w: position %s/%s does not match order %s (%s/%s)",
			ErrConsistencyViolation, pos.AccountID, pos.StockCode, o.ID, o.AccountID, o.StockCode)
	}

	newAcct := *acct
	newPos := *pos

	if o.Status == model.StatusFailed {
		return &newAcct, &newPos, nil
	}

	switch o.OrderType {
	case model.OrderTypeBuy:
		newAcct.AvailableBuyingPower = acct.AvailableBuyingPower.Sub(o.TotalValue)
		newPos.Quantity = pos.Quantity.Add(o.Quantity)
		newPos.TotalValue = pos.TotalValue.Add(o.TotalValue)
	case model.OrderTypeSell:
		newAcct.AvailableBuyingPower = acct.AvailableBuyingPower.Add(o.TotalValue)
		newPos.Quantity = pos.Quantity.Sub(o.Quantity)
		newPos.TotalValue = pos.TotalValue.Sub(o.TotalValue)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownOrderType, o.OrderType)
	}

	return &newAcct, &newPos, nil
}
