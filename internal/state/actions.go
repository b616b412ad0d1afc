package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/gateway"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActionType names a user intent the store can apply optimistically.
type ActionType string

const (
	ActionPlaceOrder    ActionType = "place_order"
	ActionCancelOrder   ActionType = "cancel_order"
	ActionClosePosition ActionType = "close_position"
	ActionStartBot      ActionType = "start_bot"
	ActionStopBot       ActionType = "stop_bot"
)

// Action is a user intent. Which fields are read depends on Type:
// PlaceOrder uses ClientRef (generated when empty), Symbol, Side, Amount and
// optionally Price and OrderType; CancelOrder uses ClientRef; ClosePosition
// uses PositionID; StartBot uses Bot.
type Action struct {
	Type       ActionType
	ClientRef  string
	Symbol     string
	Side       domain.Side
	Amount     decimal.Decimal
	Price      *decimal.Decimal
	OrderType  string
	PositionID string
	Bot        gateway.BotConfig
}

// Optimistic describes the local change made for an action.
type Optimistic struct {
	CorrelationID string
	Order         *domain.Order
	Position      *domain.Position
	Bot           domain.BotStatus
}

// DispatchAction applies the action's optimistic change, then issues the
// remote call. A failed call rolls the change back, provided no newer value
// has replaced it, and the call's error is returned as is.
func (s *Store) DispatchAction(ctx context.Context, a Action) (Optimistic, error) {
	switch a.Type {
	case ActionPlaceOrder:
		return s.placeOrder(ctx, a)
	case ActionCancelOrder:
		return s.cancelOrder(ctx, a)
	case ActionClosePosition:
		return s.closePosition(ctx, a)
	case ActionStartBot:
		return s.botCommand(ctx, domain.BotStart, func(ctx context.Context) error {
			_, err := s.gateway.StartBot(ctx, a.Bot)
			return err
		})
	case ActionStopBot:
		return s.botCommand(ctx, domain.BotStop, s.gateway.StopBot)
	}
	return Optimistic{}, apierr.New(apierr.ErrInvalidState, "dispatch", fmt.Sprintf("unknown action %q", a.Type))
}

func (s *Store) placeOrder(ctx context.Context, a Action) (Optimistic, error) {
	const op = "place order"
	if a.Symbol == "" {
		return Optimistic{}, apierr.New(apierr.ErrInvalidState, op, "symbol is required")
	}
	if !a.Side.Valid() {
		return Optimistic{}, apierr.New(apierr.ErrInvalidState, op, fmt.Sprintf("invalid side %q", a.Side))
	}
	if !a.Amount.IsPositive() {
		return Optimistic{}, apierr.New(apierr.ErrInvalidState, op, "amount must be positive")
	}
	ref := a.ClientRef
	if ref == "" {
		ref = uuid.NewString()
	}

	order := domain.Order{
		ClientRef: ref,
		Symbol:    a.Symbol,
		Side:      a.Side,
		Amount:    a.Amount,
		State:     domain.OrderPending,
		UpdatedAt: time.Now(),
	}
	if a.Price != nil {
		order.Price = *a.Price
	}

	var guard error
	s.commit(func() bool {
		if existing, ok := s.orders[ref]; ok {
			guard = apierr.New(apierr.ErrInvalidState, op,
				fmt.Sprintf("order %s already exists in state %s", ref, existing.State))
			return false
		}
		s.orders[ref] = order
		s.orderOwner[ref] = ref
		return true
	})
	if guard != nil {
		return Optimistic{}, guard
	}
	result := Optimistic{CorrelationID: ref, Order: &order}

	s.logger.Debug("Order placed optimistically",
		zap.String("client_ref", ref),
		zap.String("symbol", a.Symbol),
		zap.String("side", string(a.Side)),
		zap.String("amount", a.Amount.String()))

	resp, err := s.gateway.ExecuteTrade(ctx, gateway.TradeRequest{
		ClientRef: ref,
		Symbol:    a.Symbol,
		Side:      a.Side,
		OrderType: a.OrderType,
		Quantity:  a.Amount,
		Price:     a.Price,
	})
	if err != nil {
		s.commit(func() bool {
			if s.orderOwner[ref] != ref {
				return false
			}
			delete(s.orderOwner, ref)
			delete(s.orders, ref)
			return true
		})
		s.rolledBack(ActionPlaceOrder, ref, err)
		return result, err
	}

	// the response only seeds provisional fields while no event has settled
	// the order
	s.commit(func() bool {
		if _, ok := s.orders[ref]; !ok {
			return false
		}
		changed := false
		if resp.OrderID != "" {
			s.orderIndex[resp.OrderID] = ref
			changed = s.adoptOrderLocked(ref, resp.OrderID)
		}
		if s.orderOwner[ref] != ref {
			return changed
		}
		current := s.orders[ref]
		if current.State != domain.OrderPending {
			return changed
		}
		current.OrderID = resp.OrderID
		if resp.Price != nil {
			current.Price = *resp.Price
		}
		current.UpdatedAt = time.Now()
		s.orders[ref] = current
		order = current
		return true
	})
	return result, nil
}

func (s *Store) cancelOrder(ctx context.Context, a Action) (Optimistic, error) {
	const op = "cancel order"
	corr := uuid.NewString()
	var (
		guard   error
		orderID string
		undo    domain.Order
	)
	s.commit(func() bool {
		current, ok := s.orders[a.ClientRef]
		switch {
		case !ok:
			guard = apierr.New(apierr.ErrInvalidState, op, fmt.Sprintf("unknown order %s", a.ClientRef))
		case current.State != domain.OrderPending:
			guard = apierr.New(apierr.ErrInvalidState, op,
				fmt.Sprintf("order %s is %s", a.ClientRef, current.State))
		case current.OrderID == "":
			guard = apierr.New(apierr.ErrInvalidState, op,
				fmt.Sprintf("order %s has no server id yet", a.ClientRef))
		}
		if guard != nil {
			return false
		}
		s.orderPrev[a.ClientRef] = orderUndo{order: current, owner: s.orderOwner[a.ClientRef]}
		s.orderOwner[a.ClientRef] = corr
		undo = current
		orderID = current.OrderID
		current.State = domain.OrderCancelled
		current.UpdatedAt = time.Now()
		s.orders[a.ClientRef] = current
		return true
	})
	if guard != nil {
		return Optimistic{}, guard
	}
	optimistic := undo
	optimistic.State = domain.OrderCancelled
	result := Optimistic{CorrelationID: corr, Order: &optimistic}

	if err := s.gateway.CancelOrder(ctx, orderID); err != nil {
		s.commit(func() bool {
			if s.orderOwner[a.ClientRef] != corr {
				return false
			}
			prev := s.orderPrev[a.ClientRef]
			delete(s.orderPrev, a.ClientRef)
			s.orders[a.ClientRef] = prev.order
			if prev.owner != "" {
				s.orderOwner[a.ClientRef] = prev.owner
			} else {
				delete(s.orderOwner, a.ClientRef)
			}
			return true
		})
		s.rolledBack(ActionCancelOrder, a.ClientRef, err)
		return result, err
	}
	return result, nil
}

func (s *Store) closePosition(ctx context.Context, a Action) (Optimistic, error) {
	const op = "close position"
	corr := uuid.NewString()
	var (
		guard error
		pos   domain.Position
	)
	s.commit(func() bool {
		current, ok := s.positions[a.PositionID]
		if !ok {
			guard = apierr.New(apierr.ErrInvalidState, op, fmt.Sprintf("unknown position %s", a.PositionID))
			return false
		}
		if current.Closing {
			guard = apierr.New(apierr.ErrInvalidState, op, fmt.Sprintf("position %s is already closing", a.PositionID))
			return false
		}
		current.Closing = true
		s.positions[a.PositionID] = current
		s.closeOwner[a.PositionID] = corr
		pos = current
		return true
	})
	if guard != nil {
		return Optimistic{}, guard
	}
	result := Optimistic{CorrelationID: corr, Position: &pos}

	if err := s.gateway.ClosePosition(ctx, a.PositionID); err != nil {
		s.commit(func() bool {
			if s.closeOwner[a.PositionID] != corr {
				return false
			}
			delete(s.closeOwner, a.PositionID)
			current, ok := s.positions[a.PositionID]
			if !ok {
				return false
			}
			current.Closing = false
			s.positions[a.PositionID] = current
			return true
		})
		s.rolledBack(ActionClosePosition, a.PositionID, err)
		return result, err
	}
	return result, nil
}

// botCommand applies the lifecycle guard and the optimistic transition. A
// command not permitted from the current status fails without a request.
func (s *Store) botCommand(ctx context.Context, cmd domain.BotCommand, call func(context.Context) error) (Optimistic, error) {
	corr := uuid.NewString()
	var (
		guard error
		next  domain.BotStatus
	)
	s.commit(func() bool {
		to, ok := domain.NextBotStatus(s.bot, cmd)
		if !ok {
			guard = apierr.New(apierr.ErrInvalidState, string(cmd)+" bot",
				fmt.Sprintf("cannot %s while %s", cmd, s.bot))
			return false
		}
		s.botPrev = s.bot
		s.botOwner = corr
		s.bot = to
		s.botError = ""
		next = to
		return true
	})
	if guard != nil {
		return Optimistic{}, guard
	}
	result := Optimistic{CorrelationID: corr, Bot: next}

	if err := call(ctx); err != nil {
		s.commit(func() bool {
			if s.botOwner != corr {
				return false
			}
			s.bot = s.botPrev
			s.botOwner = ""
			s.botPrev = ""
			return true
		})
		action := ActionStartBot
		if cmd == domain.BotStop {
			action = ActionStopBot
		}
		s.rolledBack(action, corr, err)
		return result, err
	}
	return result, nil
}

func (s *Store) rolledBack(action ActionType, ref string, err error) {
	s.metrics.Rollback(string(action))
	s.logger.Warn("Optimistic change rolled back",
		zap.String("action", string(action)),
		zap.String("ref", ref),
		zap.Error(err))
}
