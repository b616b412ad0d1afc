package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderState is the lifecycle state of an order intent.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderConfirmed OrderState = "confirmed"
	OrderRejected  OrderState = "rejected"
	OrderCancelled OrderState = "cancelled"
)

// Settled reports whether the state was set by the server.
func (s OrderState) Settled() bool {
	return s == OrderConfirmed || s == OrderRejected || s == OrderCancelled
}

// Order is an order intent keyed by its client correlation reference.
type Order struct {
	ClientRef string          `json:"client_ref"`
	OrderID   string          `json:"order_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Side      Side            `json:"side,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	State     OrderState      `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position is an open position keyed by ID.
type Position struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Closing       bool            `json:"-"`
	UpdatedAt     time.Time       `json:"-"`
}

// PositionPatch carries only the fields present in a server update; absent
// fields stay nil and leave the stored value untouched.
type PositionPatch struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind,omitempty"`
	Symbol        *string          `json:"symbol,omitempty"`
	Side          *Side            `json:"side,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	EntryPrice    *decimal.Decimal `json:"entry_price,omitempty"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// ApplyTo overwrites the fields of pos that are present in the patch.
func (p PositionPatch) ApplyTo(pos *Position) {
	pos.ID = p.ID
	if p.Symbol != nil {
		pos.Symbol = *p.Symbol
	}
	if p.Side != nil {
		pos.Side = *p.Side
	}
	if p.Quantity != nil {
		pos.Quantity = *p.Quantity
	}
	if p.EntryPrice != nil {
		pos.EntryPrice = *p.EntryPrice
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = *p.CurrentPrice
	}
	if p.UnrealizedPnL != nil {
		pos.UnrealizedPnL = *p.UnrealizedPnL
	}
}

// Reprice sets the current price and recomputes unrealized PnL.
func (p *Position) Reprice(price decimal.Decimal) {
	p.CurrentPrice = price
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideSell {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Quantity)
}

// Portfolio is the account-level summary.
type Portfolio struct {
	TotalValue    decimal.Decimal `json:"total_value"`
	Cash          decimal.Decimal `json:"cash"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"-"`
}

// Quote is the latest price of a symbol.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Time   time.Time       `json:"-"`
}

// Notification is a user-facing message pushed by the server.
type Notification struct {
	Level   string    `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Time    time.Time `json:"-"`
}

// ModelInfo is the opaque payload of the last model retraining.
type ModelInfo struct {
	Payload    map[string]interface{}
	ReceivedAt time.Time
}

// Trade is a row of the trading history.
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}
