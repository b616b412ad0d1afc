// internal/stream/multiplexer.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/metrics"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"go.uber.org/zap"
)

var (
	errUnauthorized = errors.New("stream rejected the access token")
	errAuthRevoked  = errors.New("server revoked stream authentication")
)

// Sessions is the part of session.Store the multiplexer depends on.
type Sessions interface {
	AccessToken() (string, bool)
	RefreshIfCurrent(ctx context.Context, staleAccessToken string) (*session.Session, error)
}

// Options configures a Multiplexer.
type Options struct {
	URL          string
	DialTimeout  time.Duration
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Jitter       float64
	MaxAttempts  int
	Dialer       *websocket.Dialer
	Metrics      *metrics.Collector
}

// Multiplexer owns the single stream connection and fans its events out to
// per-channel subscribers.
type Multiplexer struct {
	opts     Options
	sessions Sessions
	logger   *zap.Logger
	metrics  *metrics.Collector

	mu        sync.Mutex
	handlers  map[domain.Channel]map[string]Handler
	order     map[domain.Channel][]string
	index     map[string]domain.Channel
	listeners []func(Status)
	conn      *websocket.Conn
	running   bool
	cancel    context.CancelFunc

	writeMu sync.Mutex
}

func New(sessions Sessions, logger *zap.Logger, opts Options) *Multiplexer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Multiplexer{
		opts:     opts,
		sessions: sessions,
		logger:   logger.Named("stream"),
		metrics:  opts.Metrics,
		handlers: make(map[domain.Channel]map[string]Handler),
		order:    make(map[domain.Channel][]string),
		index:    make(map[string]domain.Channel),
	}
}

// OnStatus registers a connection health listener.
func (m *Multiplexer) OnStatus(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Connected reports whether a connection is currently open.
func (m *Multiplexer) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Subscribe registers handler for channel and returns its subscription id.
// Handlers of a channel are called in registration order.
func (m *Multiplexer) Subscribe(channel domain.Channel, handler Handler) string {
	m.mu.Lock()
	id := uuid.New().String()
	if m.handlers[channel] == nil {
		m.handlers[channel] = make(map[string]Handler)
	}
	first := len(m.handlers[channel]) == 0
	m.handlers[channel][id] = handler
	m.order[channel] = append(m.order[channel], id)
	m.index[id] = channel
	conn := m.conn
	m.mu.Unlock()

	m.logger.Debug("Handler subscribed",
		zap.String("channel", string(channel)),
		zap.String("subscription_id", id))

	if first && conn != nil {
		m.sendChannels(conn, "subscribe", []domain.Channel{channel})
	}
	return id
}

// SubscribeFunc is a convenience method for subscribing with a function.
func (m *Multiplexer) SubscribeFunc(channel domain.Channel, fn func(context.Context, domain.Event) error) string {
	return m.Subscribe(channel, HandlerFunc(fn))
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (m *Multiplexer) Unsubscribe(id string) {
	m.mu.Lock()
	channel, ok := m.index[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.index, id)
	delete(m.handlers[channel], id)
	ids := m.order[channel]
	for i, existing := range ids {
		if existing == id {
			m.order[channel] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	last := len(m.handlers[channel]) == 0
	if last {
		delete(m.handlers, channel)
		delete(m.order, channel)
	}
	conn := m.conn
	m.mu.Unlock()

	m.logger.Debug("Handler unsubscribed",
		zap.String("channel", string(channel)),
		zap.String("subscription_id", id))

	if last && conn != nil {
		m.sendChannels(conn, "unsubscribe", []domain.Channel{channel})
	}
}

// Connect opens the stream with the current access token. It is a no-op
// while a connection (or its reconnection loop) is active. After a drop the
// multiplexer reconnects on its own until the session ends or the attempt
// budget is spent.
func (m *Multiplexer) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.emit(Status{State: StateConnecting})

	conn, err := m.establish(ctx, runCtx)
	if err != nil {
		m.mu.Lock()
		m.running = false
		m.cancel = nil
		m.mu.Unlock()
		cancel()
		m.emit(Status{State: StateDisconnected, Err: err})
		return err
	}

	m.metrics.SetConnected(true)
	m.emit(Status{State: StateConnected})
	go m.run(runCtx, conn)
	return nil
}

// Disconnect closes the connection and discards every subscription.
func (m *Multiplexer) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	conn := m.conn
	wasRunning := m.running
	m.running = false
	m.cancel = nil
	m.conn = nil
	m.handlers = make(map[domain.Channel]map[string]Handler)
	m.order = make(map[domain.Channel][]string)
	m.index = make(map[string]domain.Channel)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		conn.Close()
	}
	if wasRunning {
		m.metrics.SetConnected(false)
		m.emit(Status{State: StateDisconnected})
		m.logger.Info("Stream disconnected")
	}
}

func (m *Multiplexer) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := m.readLoop(ctx, conn)
		conn.Close()
		m.detach(conn)
		if ctx.Err() != nil {
			return
		}

		m.metrics.SetConnected(false)
		m.logger.Warn("Stream dropped, reconnecting", zap.Error(err))

		conn, err = m.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.abandon(err)
			return
		}
		m.metrics.SetConnected(true)
		m.emit(Status{State: StateConnected})
		m.logger.Info("Stream reconnected")
	}
}

// reconnect waits and redials with exponential backoff. The policy starts
// fresh on every drop, so one successful connection resets it.
func (m *Multiplexer) reconnect(ctx context.Context) (*websocket.Conn, error) {
	first := m.newBackOff(m.opts.BaseDelay)
	wait := first.NextBackOff()
	m.emit(Status{State: StateReconnecting, Attempt: 1, Delay: wait})
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	attempt := 1
	operation := func() (*websocket.Conn, error) {
		m.metrics.Reconnect()
		if _, ok := m.sessions.AccessToken(); !ok {
			return nil, backoff.Permanent(apierr.New(apierr.ErrSessionExpired, "stream reconnect", "session ended"))
		}
		conn, err := m.establish(ctx, ctx)
		if err != nil {
			if errors.Is(err, apierr.ErrSessionExpired) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return conn, nil
	}
	notify := func(err error, next time.Duration) {
		attempt++
		m.logger.Debug("Reconnect attempt failed",
			zap.Int("attempt", attempt-1),
			zap.Duration("next", next),
			zap.Error(err))
		m.emit(Status{State: StateReconnecting, Attempt: attempt, Delay: next, Err: err})
	}

	second := m.opts.BaseDelay * 2
	if second > m.opts.MaxDelay {
		second = m.opts.MaxDelay
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(m.newBackOff(second)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
	if m.opts.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(m.opts.MaxAttempts)))
	}
	return backoff.Retry(ctx, operation, opts...)
}

func (m *Multiplexer) newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = m.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = m.opts.Jitter
	b.Reset()
	return b
}

// abandon gives up on the connection and tells every subscriber.
func (m *Multiplexer) abandon(cause error) {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	targets := make(map[domain.Channel][]Handler, len(m.order))
	for channel, ids := range m.order {
		for _, id := range ids {
			targets[channel] = append(targets[channel], m.handlers[channel][id])
		}
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.metrics.SetConnected(false)
	m.logger.Error("Stream abandoned", zap.Error(cause))
	m.emit(Status{State: StateDisconnected, Err: cause})

	for channel, handlers := range targets {
		ev := domain.Event{Channel: channel, Kind: domain.KindDisconnected, Timestamp: time.Now()}
		for _, h := range handlers {
			if err := h.Handle(context.Background(), ev); err != nil {
				m.logger.Error("Handler error",
					zap.String("channel", string(channel)),
					zap.Error(err))
			}
		}
	}
}

// establish dials, authenticates and subscribes. A rejected token triggers
// one refresh and one more dial.
func (m *Multiplexer) establish(ctx, runCtx context.Context) (*websocket.Conn, error) {
	const op = "stream connect"
	token, ok := m.sessions.AccessToken()
	if !ok {
		return nil, apierr.New(apierr.ErrSessionExpired, op, "not logged in")
	}

	conn, err := m.dial(ctx, token)
	if errors.Is(err, errUnauthorized) {
		if _, rerr := m.sessions.RefreshIfCurrent(ctx, token); rerr != nil {
			return nil, rerr
		}
		if token, ok = m.sessions.AccessToken(); !ok {
			return nil, apierr.New(apierr.ErrSessionExpired, op, "not logged in")
		}
		conn, err = m.dial(ctx, token)
		if errors.Is(err, errUnauthorized) {
			return nil, apierr.Wrap(apierr.ErrSessionExpired, op, err)
		}
	}
	if err != nil {
		return nil, err
	}

	channels, ok := m.attach(runCtx, conn)
	if !ok {
		conn.Close()
		return nil, apierr.Wrap(apierr.ErrTransport, op, context.Canceled)
	}
	if len(channels) > 0 {
		m.sendChannels(conn, "subscribe", channels)
	}
	return conn, nil
}

func (m *Multiplexer) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	const op = "stream dial"
	ctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errUnauthorized
		}
		if resp != nil {
			return nil, apierr.FromStatus(apierr.ErrTransport, op, resp.StatusCode, err.Error())
		}
		return nil, apierr.Wrap(apierr.ErrTransport, op, err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(map[string]string{"type": "auth", "token": token}); err != nil {
		conn.Close()
		return nil, apierr.Wrap(apierr.ErrTransport, op, err)
	}

	// wait for the server to accept the token; the greeting frame comes first
	conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, apierr.Wrap(apierr.ErrTransport, op, err)
		}
		frame, err := domain.DecodeFrame(raw)
		if err != nil {
			m.logger.Debug("Skipping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case "authenticated":
			conn.SetReadDeadline(time.Time{})
			conn.SetWriteDeadline(time.Time{})
			return conn, nil
		case "auth_error":
			conn.Close()
			return nil, errUnauthorized
		}
	}
}

// attach publishes conn as the live connection and returns the channels to
// subscribe. Subscriptions added after this point send their own frame.
func (m *Multiplexer) attach(runCtx context.Context, conn *websocket.Conn) ([]domain.Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if runCtx.Err() != nil {
		return nil, false
	}
	m.conn = conn
	channels := make([]domain.Channel, 0, len(m.order))
	for _, channel := range domain.Channels {
		if len(m.order[channel]) > 0 {
			channels = append(channels, channel)
		}
	}
	return channels, true
}

func (m *Multiplexer) detach(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
}

func (m *Multiplexer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	if m.opts.PingInterval > 0 {
		go m.pingLoop(conn, stop)
	}

	for {
		if m.opts.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * m.opts.PingInterval))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return apierr.Wrap(apierr.ErrTransport, "stream read", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, err := domain.DecodeFrame(raw)
		if err != nil {
			m.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.IsData() {
			m.dispatch(ctx, frame.Event)
			continue
		}

		switch frame.Type {
		case "auth_error":
			return errAuthRevoked
		case "error":
			m.logger.Warn("Stream error frame", zap.String("message", frame.Message))
		default:
			m.logger.Debug("Control frame", zap.String("type", frame.Type))
		}
	}
}

func (m *Multiplexer) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.write(conn, map[string]string{"type": "ping"}); err != nil {
				m.logger.Debug("Ping failed", zap.Error(err))
				return
			}
		}
	}
}

// dispatch delivers ev to the channel's handlers in registration order.
func (m *Multiplexer) dispatch(ctx context.Context, ev domain.Event) {
	m.mu.Lock()
	ids := m.order[ev.Channel]
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, m.handlers[ev.Channel][id])
	}
	m.mu.Unlock()

	m.metrics.Event(string(ev.Channel))
	for _, h := range handlers {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, ev); err != nil {
			m.logger.Error("Handler error",
				zap.String("channel", string(ev.Channel)),
				zap.Error(err))
		}
	}
}

func (m *Multiplexer) sendChannels(conn *websocket.Conn, kind string, channels []domain.Channel) {
	names := make([]string, len(channels))
	for i, c := range channels {
		names[i] = string(c)
	}
	if err := m.write(conn, map[string]interface{}{"type": kind, "channels": names}); err != nil {
		m.logger.Debug("Failed to send channel frame",
			zap.String("type", kind),
			zap.Error(err))
	}
}

func (m *Multiplexer) write(conn *websocket.Conn, v interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.opts.DialTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write %T: %w", v, err)
	}
	return nil
}

func (m *Multiplexer) emit(s Status) {
	m.mu.Lock()
	listeners := append([]func(Status){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
}
