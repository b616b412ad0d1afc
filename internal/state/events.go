package state

import (
	"strings"

	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/shopspring/decimal"
)

// orderPatch is the trade_executed payload. Pointer fields are absent from
// the frame when nil.
type orderPatch struct {
	ClientRef string           `json:"client_ref"`
	OrderID   *string          `json:"order_id"`
	Symbol    *string          `json:"symbol"`
	Side      *domain.Side     `json:"side"`
	Amount    *decimal.Decimal `json:"amount"`
	Quantity  *decimal.Decimal `json:"quantity"`
	Price     *decimal.Decimal `json:"price"`
	State     string           `json:"state"`
	Status    string           `json:"status"`
	Reason    *string          `json:"reason"`
}

func (p orderPatch) orderID() string {
	if p.OrderID == nil {
		return ""
	}
	return *p.OrderID
}

// syntheticOrderKey keys an order the server reported without a client ref.
func syntheticOrderKey(orderID string) string {
	return "order:" + orderID
}

func (p orderPatch) applyTo(o *domain.Order) {
	if p.ClientRef != "" {
		o.ClientRef = p.ClientRef
	}
	if p.OrderID != nil {
		o.OrderID = *p.OrderID
	}
	if p.Symbol != nil {
		o.Symbol = *p.Symbol
	}
	if p.Side != nil {
		o.Side = *p.Side
	}
	if p.Amount != nil {
		o.Amount = *p.Amount
	} else if p.Quantity != nil {
		o.Amount = *p.Quantity
	}
	if p.Price != nil {
		o.Price = *p.Price
	}
	if p.Reason != nil {
		o.Reason = *p.Reason
	}
	raw := p.State
	if raw == "" {
		raw = p.Status
	}
	if raw != "" || o.State == "" {
		o.State = orderState(raw)
	}
}

// orderState maps the server's wording onto the order lifecycle. A
// trade_executed frame without a state means the order filled.
func orderState(raw string) domain.OrderState {
	switch strings.ToLower(raw) {
	case "pending", "submitted", "open", "new":
		return domain.OrderPending
	case "rejected", "failed", "error":
		return domain.OrderRejected
	case "cancelled", "canceled":
		return domain.OrderCancelled
	default:
		return domain.OrderConfirmed
	}
}

type botPayload struct {
	BotID        string           `json:"bot_id"`
	Status       domain.BotStatus `json:"status"`
	ErrorMessage string           `json:"error_message"`
}

type quotePayload struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

type portfolioPatch struct {
	TotalValue    *decimal.Decimal `json:"total_value"`
	Cash          *decimal.Decimal `json:"cash"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl"`
}

func (p portfolioPatch) applyTo(pf *domain.Portfolio) {
	if p.TotalValue != nil {
		pf.TotalValue = *p.TotalValue
	}
	if p.Cash != nil {
		pf.Cash = *p.Cash
	}
	if p.UnrealizedPnL != nil {
		pf.UnrealizedPnL = *p.UnrealizedPnL
	}
	if p.RealizedPnL != nil {
		pf.RealizedPnL = *p.RealizedPnL
	}
}

// positionsSnapshot is the payload of a position_update snapshot event: the
// full authoritative list of open positions.
type positionsSnapshot struct {
	Positions []domain.Position `json:"positions"`
}
