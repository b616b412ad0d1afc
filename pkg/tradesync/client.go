// Package tradesync wires the session, gateway, stream and state components
// into one client for a presentation layer.
package tradesync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rovshanmuradov/tradesync/internal/bot"
	"github.com/rovshanmuradov/tradesync/internal/config"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/gateway"
	"github.com/rovshanmuradov/tradesync/internal/metrics"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/state"
	"github.com/rovshanmuradov/tradesync/internal/storage"
	"github.com/rovshanmuradov/tradesync/internal/storage/sqlite"
	"github.com/rovshanmuradov/tradesync/internal/stream"
	"github.com/rovshanmuradov/tradesync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures a Client. Only Config is required.
type Options struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Credentials storage.CredentialStore
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
}

// Client is the entry point for a user interface. Views read State()
// snapshots and issue intents through Dispatch and Bot().
type Client struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector
	creds   storage.CredentialStore

	sessions  *session.Store
	gateway   *gateway.Gateway
	stream    *stream.Multiplexer
	state     *state.Store
	coalescer *state.TickCoalescer
	bot       *bot.Controller

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("tradesync: config is required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewCollector()
	}

	creds := opts.Credentials
	if creds == nil {
		var err error
		if creds, err = openCredentials(cfg.CredentialsDSN, logger); err != nil {
			return nil, err
		}
	}

	httpClient, err := transport.New(transport.Options{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.RequestTimeoutDuration(),
		RatePerSec: cfg.RateLimitPerSec,
		Burst:      cfg.RateLimitBurst,
		HTTPClient: opts.HTTPClient,
	}, logger)
	if err != nil {
		creds.Close()
		return nil, err
	}

	sessions := session.NewStore(transport.NewAuthClient(httpClient), creds, logger, session.Options{
		RefreshTimeout: cfg.RequestTimeoutDuration(),
		Metrics:        m,
	})
	gw := gateway.New(httpClient, sessions, logger, gateway.Options{
		RefreshSkew: cfg.RefreshSkewDuration(),
		Metrics:     m,
	})
	mux := stream.New(sessions, logger, stream.Options{
		URL:          cfg.WebSocketURL,
		DialTimeout:  cfg.DialTimeoutDuration(),
		PingInterval: cfg.PingIntervalDuration(),
		BaseDelay:    cfg.ReconnectBaseDelayDuration(),
		MaxDelay:     cfg.ReconnectMaxDelayDuration(),
		Jitter:       cfg.ReconnectJitter,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		Dialer:       opts.Dialer,
		Metrics:      m,
	})
	store := state.NewStore(gw, logger, m)

	c := &Client{
		cfg:       cfg,
		logger:    logger.Named("client"),
		metrics:   m,
		creds:     creds,
		sessions:  sessions,
		gateway:   gw,
		stream:    mux,
		state:     store,
		coalescer: state.NewTickCoalescer(cfg.TickCoalesceDuration(), store, logger),
		bot:       bot.NewController(store, gw, logger),
	}
	sessions.OnCleared(c.onSessionCleared)
	mux.OnStatus(c.onStreamStatus)
	return c, nil
}

func openCredentials(dsn string, logger *zap.Logger) (storage.CredentialStore, error) {
	if dsn == "" || dsn == ":memory:" {
		return storage.NewMemory(), nil
	}
	store, err := sqlite.Open(dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open credentials store: %w", err)
	}
	return store, nil
}

func (c *Client) Sessions() *session.Store    { return c.sessions }
func (c *Client) Gateway() *gateway.Gateway   { return c.gateway }
func (c *Client) Stream() *stream.Multiplexer { return c.stream }
func (c *Client) State() *state.Store         { return c.state }
func (c *Client) Bot() *bot.Controller        { return c.bot }
func (c *Client) Metrics() *metrics.Collector { return c.metrics }
func (c *Client) Snapshot() state.Snapshot    { return c.state.Snapshot() }
func (c *Client) Updates() <-chan struct{}    { return c.state.Updates() }

// OnStatus registers a stream connection health listener.
func (c *Client) OnStatus(fn func(stream.Status)) {
	c.stream.OnStatus(fn)
}

// Login authenticates and, unless a second factor is pending, starts
// real-time sync.
func (c *Client) Login(ctx context.Context, creds session.Credentials) (session.LoginResult, error) {
	res, err := c.sessions.Login(ctx, creds)
	if err != nil || res.Session == nil {
		return res, err
	}
	return res, c.Start(ctx)
}

// CompleteSecondFactor finishes a two-step login and starts real-time sync.
func (c *Client) CompleteSecondFactor(ctx context.Context, challengeID, code string) (*session.Session, error) {
	sess, err := c.sessions.CompleteSecondFactor(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}
	return sess, c.Start(ctx)
}

// Restore resumes a persisted session. It reports false when there is none.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	sess, err := c.sessions.Restore(ctx)
	if err != nil || sess == nil {
		return false, err
	}
	return true, c.Start(ctx)
}

// Start subscribes the state store to every channel, connects the stream and
// loads the initial state. It is a no-op while already started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.started = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	for _, channel := range domain.Channels {
		if channel == domain.ChannelMarketData {
			c.stream.Subscribe(channel, c.coalescer)
			continue
		}
		c.stream.Subscribe(channel, c.state)
	}
	go func() {
		defer close(done)
		c.coalescer.Run(runCtx)
	}()

	if err := c.stream.Connect(ctx); err != nil {
		c.stop()
		return fmt.Errorf("connect stream: %w", err)
	}
	if err := c.Resync(ctx); err != nil {
		// the stream stays up; views can retry the resync
		c.logger.Warn("Initial resync failed", zap.Error(err))
		return err
	}
	c.logger.Info("Real-time sync started")
	return nil
}

// Resync loads positions, portfolio and bot status in parallel and applies
// them as authoritative snapshots. Anything a stream event changed after the
// requests were issued keeps the event's value.
func (c *Client) Resync(ctx context.Context) error {
	since := c.state.Version()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		positions, err := c.gateway.Positions(ctx)
		if err != nil {
			return err
		}
		return c.applySnapshot(domain.ChannelPositionUpdate, map[string]interface{}{"positions": positions}, since)
	})
	g.Go(func() error {
		portfolio, err := c.gateway.Portfolio(ctx)
		if err != nil {
			return err
		}
		return c.applySnapshot(domain.ChannelPortfolio, portfolio, since)
	})
	g.Go(func() error {
		_, err := c.bot.Resync(ctx)
		return err
	})
	return g.Wait()
}

func (c *Client) applySnapshot(channel domain.Channel, payload interface{}, since uint64) error {
	ev, err := domain.NewEvent(channel, domain.KindSnapshot, payload)
	if err != nil {
		return err
	}
	return c.state.ApplySnapshot(ev, since)
}

// Dispatch applies a user intent through the state store.
func (c *Client) Dispatch(ctx context.Context, a state.Action) (state.Optimistic, error) {
	return c.state.DispatchAction(ctx, a)
}

// Logout ends the session. Stream and state are torn down by the session's
// cleared notification.
func (c *Client) Logout(ctx context.Context) error {
	return c.sessions.Logout(ctx)
}

// Close stops real-time sync and releases the credential store. The session
// stays persisted for the next Restore.
func (c *Client) Close() error {
	c.stop()
	return c.creds.Close()
}

func (c *Client) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.started = false
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	c.stream.Disconnect()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Client) onSessionCleared(reason session.ClearReason) {
	c.logger.Info("Session cleared", zap.String("reason", string(reason)))
	c.stop()
	if err := c.state.ApplyEvent(domain.Event{Kind: domain.KindSessionCleared}); err != nil {
		c.logger.Error("Failed to reset state", zap.Error(err))
	}
}

func (c *Client) onStreamStatus(s stream.Status) {
	switch s.State {
	case stream.StateConnected:
		_ = c.state.ApplyEvent(domain.Event{Kind: domain.KindConnected})
	case stream.StateReconnecting, stream.StateDisconnected:
		_ = c.state.ApplyEvent(domain.Event{Kind: domain.KindDisconnected})
	}
}
