// internal/bot/controller.go
package bot

import (
	"context"
	"fmt"

	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/gateway"
	"github.com/rovshanmuradov/tradesync/internal/state"
	"go.uber.org/zap"
)

// Store is the part of state.Store the controller drives.
type Store interface {
	DispatchAction(ctx context.Context, a state.Action) (state.Optimistic, error)
	ApplySnapshot(ev domain.Event, since uint64) error
	Version() uint64
	Snapshot() state.Snapshot
}

// StatusSource fetches the authoritative bot state.
type StatusSource interface {
	BotStatus(ctx context.Context) (*gateway.BotState, error)
}

// Controller exposes the bot lifecycle. Start is only permitted from stopped
// and Stop only from running; the guard and the optimistic transition are
// applied atomically by the state store, and a refused command never reaches
// the server.
type Controller struct {
	store  Store
	source StatusSource
	logger *zap.Logger
}

func NewController(store Store, source StatusSource, logger *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		source: source,
		logger: logger.Named("bot"),
	}
}

// Start asks the server to start the bot and moves to starting. A
// bot_status event confirms running or error.
func (c *Controller) Start(ctx context.Context, cfg gateway.BotConfig) (domain.BotStatus, error) {
	opt, err := c.store.DispatchAction(ctx, state.Action{Type: state.ActionStartBot, Bot: cfg})
	if err != nil {
		c.logger.Warn("Bot start failed", zap.Error(err))
		return c.Status(), err
	}
	c.logger.Info("Bot starting", zap.String("strategy", cfg.Strategy))
	return opt.Bot, nil
}

// Stop asks the server to stop the bot and moves to stopping.
func (c *Controller) Stop(ctx context.Context) (domain.BotStatus, error) {
	opt, err := c.store.DispatchAction(ctx, state.Action{Type: state.ActionStopBot})
	if err != nil {
		c.logger.Warn("Bot stop failed", zap.Error(err))
		return c.Status(), err
	}
	c.logger.Info("Bot stopping")
	return opt.Bot, nil
}

// Status returns the current status as held by the state store.
func (c *Controller) Status() domain.BotStatus {
	return c.store.Snapshot().Bot
}

// Resync replaces the local status with the server's view, unless a
// bot_status event or a pending command is newer than the request.
func (c *Controller) Resync(ctx context.Context) (*gateway.BotState, error) {
	since := c.store.Version()
	remote, err := c.source.BotStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("resync bot status: %w", err)
	}
	ev, err := domain.NewEvent(domain.ChannelBotStatus, domain.KindSnapshot, remote)
	if err != nil {
		return nil, err
	}
	if err := c.store.ApplySnapshot(ev, since); err != nil {
		return nil, err
	}
	c.logger.Debug("Bot status resynced", zap.String("status", string(remote.Status)))
	return remote, nil
}
