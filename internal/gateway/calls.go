package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/shopspring/decimal"
)

type RegisterRequest struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	UserID json.Number `json:"user_id"`
}

// TradeRequest places an order. ClientRef correlates the order with the
// trade_executed event that settles it.
type TradeRequest struct {
	ClientRef string           `json:"client_ref"`
	Symbol    string           `json:"symbol"`
	Side      domain.Side      `json:"side"`
	OrderType string           `json:"order_type,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

// TradeResponse is the provisional acknowledgement of an order.
type TradeResponse struct {
	OrderID   string           `json:"order_id"`
	ClientRef string           `json:"client_ref"`
	Status    string           `json:"status"`
	Price     *decimal.Decimal `json:"price,omitempty"`
}

type BotConfig struct {
	Name        string                 `json:"name,omitempty"`
	Strategy    string                 `json:"strategy,omitempty"`
	PortfolioID string                 `json:"portfolio_id,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
}

// BotState is the server's view of the bot.
type BotState struct {
	BotID           string           `json:"bot_id"`
	Status          domain.BotStatus `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	TotalTrades     int              `json:"total_trades"`
	ActivePositions int              `json:"active_positions"`
	TotalPnL        decimal.Decimal  `json:"total_pnl"`
	ErrorMessage    string           `json:"error_message,omitempty"`
}

func (g *Gateway) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	err := g.Call(ctx, Request{
		Op:     "register",
		Method: http.MethodPost,
		Path:   "/users/register",
		Body:   req,
		Public: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) UpdatePreferences(ctx context.Context, prefs map[string]interface{}) error {
	_, err := g.Execute(ctx, Request{
		Op:     "update preferences",
		Method: http.MethodPut,
		Path:   "/users/preferences",
		Body:   prefs,
	})
	return err
}

func (g *Gateway) MarketData(ctx context.Context, symbol string) (*domain.Quote, error) {
	var out domain.Quote
	err := g.Call(ctx, Request{
		Op:     "market data",
		Method: http.MethodGet,
		Path:   "/market/data/" + url.PathEscape(symbol),
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Symbol == "" {
		out.Symbol = symbol
	}
	out.Time = time.Now()
	return &out, nil
}

func (g *Gateway) ExecuteTrade(ctx context.Context, req TradeRequest) (*TradeResponse, error) {
	var out TradeResponse
	err := g.Call(ctx, Request{
		Op:     "execute trade",
		Method: http.MethodPost,
		Path:   "/trading/execute",
		Body:   req,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.ClientRef == "" {
		out.ClientRef = req.ClientRef
	}
	return &out, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	_, err := g.Execute(ctx, Request{
		Op:     "cancel order",
		Method: http.MethodDelete,
		Path:   "/trading/orders/" + url.PathEscape(orderID),
	})
	return err
}

func (g *Gateway) ClosePosition(ctx context.Context, positionID string) error {
	_, err := g.Execute(ctx, Request{
		Op:     "close position",
		Method: http.MethodPost,
		Path:   "/positions/" + url.PathEscape(positionID) + "/close",
	})
	return err
}

func (g *Gateway) TradeHistory(ctx context.Context, limit int) ([]domain.Trade, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	resp, err := g.Execute(ctx, Request{
		Op:     "trade history",
		Method: http.MethodGet,
		Path:   "/trading/history",
		Query:  query,
	})
	if err != nil {
		return nil, err
	}
	var trades []domain.Trade
	if err := decodeList(resp.Body, "trades", &trades); err != nil {
		return nil, apierr.Wrap(apierr.ErrAPI, "trade history", err)
	}
	return trades, nil
}

func (g *Gateway) Portfolio(ctx context.Context) (*domain.Portfolio, error) {
	var out domain.Portfolio
	if err := g.Call(ctx, Request{Op: "portfolio", Method: http.MethodGet, Path: "/portfolio"}, &out); err != nil {
		return nil, err
	}
	out.UpdatedAt = time.Now()
	return &out, nil
}

func (g *Gateway) Positions(ctx context.Context) ([]domain.Position, error) {
	resp, err := g.Execute(ctx, Request{Op: "positions", Method: http.MethodGet, Path: "/positions"})
	if err != nil {
		return nil, err
	}
	var positions []domain.Position
	if err := decodeList(resp.Body, "positions", &positions); err != nil {
		return nil, apierr.Wrap(apierr.ErrAPI, "positions", err)
	}
	return positions, nil
}

func (g *Gateway) StartBot(ctx context.Context, cfg BotConfig) (*BotState, error) {
	var out BotState
	err := g.Call(ctx, Request{
		Op:     "start bot",
		Method: http.MethodPost,
		Path:   "/bot/start",
		Body:   cfg,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *Gateway) StopBot(ctx context.Context) error {
	_, err := g.Execute(ctx, Request{Op: "stop bot", Method: http.MethodPost, Path: "/bot/stop"})
	return err
}

// BotStatus returns the authoritative bot state. A server without any bot
// instance answers 404, which is reported as stopped.
func (g *Gateway) BotStatus(ctx context.Context) (*BotState, error) {
	var out BotState
	err := g.Call(ctx, Request{Op: "bot status", Method: http.MethodGet, Path: "/bot/status"}, &out)
	if err != nil {
		if errors.Is(err, apierr.ErrAPI) && apierr.Status(err) == http.StatusNotFound {
			return &BotState{Status: domain.BotStopped}, nil
		}
		return nil, err
	}
	return &out, nil
}

// decodeList accepts either a bare JSON array or an object wrapping the array
// under key.
func decodeList(body []byte, key string, out interface{}) error {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err == nil {
		raw, ok := wrapped[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	return json.Unmarshal(body, out)
}
