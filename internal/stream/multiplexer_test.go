package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/remotetest"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/storage"
	"github.com/rovshanmuradov/tradesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type fixture struct {
	srv      *remotetest.Server
	sessions *session.Store
	mux      *Multiplexer
	statuses *statusLog
}

type statusLog struct {
	mu   sync.Mutex
	list []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, s)
}

func (l *statusLog) snapshot() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.list...)
}

func (l *statusLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = nil
}

func (l *statusLog) last() (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.list) == 0 {
		return Status{}, false
	}
	return l.list[len(l.list)-1], true
}

func (l *statusLog) delays() []time.Duration {
	var out []time.Duration
	for _, s := range l.snapshot() {
		if s.State == StateReconnecting {
			out = append(out, s.Delay)
		}
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []string
	kinds  []string
}

func (r *recorder) handler(name string) Handler {
	return HandlerFunc(func(_ context.Context, ev domain.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		var payload struct {
			Seq int `json:"seq"`
		}
		if ev.Kind == domain.KindDisconnected {
			r.kinds = append(r.kinds, name+":"+ev.Kind)
			return nil
		}
		if err := ev.Decode(&payload); err != nil {
			return err
		}
		r.events = append(r.events, fmt.Sprintf("%s%d", name, payload.Seq))
		return nil
	})
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) disconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	srv := remotetest.New(t, remotetest.Options{})

	client, err := transport.New(transport.Options{BaseURL: srv.APIURL(), Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	sessions := session.NewStore(transport.NewAuthClient(client), storage.NewMemory(), zap.NewNop(), session.Options{})
	_, err = sessions.Login(context.Background(), session.Credentials{Username: remotetest.Username, Password: remotetest.Password})
	require.NoError(t, err)

	opts.URL = srv.StreamURL()
	if opts.DialTimeout == 0 {
		opts.DialTimeout = time.Second
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 10 * time.Millisecond
		opts.MaxDelay = 40 * time.Millisecond
	}
	mux := New(sessions, zap.NewNop(), opts)
	statuses := &statusLog{}
	mux.OnStatus(statuses.add)
	t.Cleanup(mux.Disconnect)

	return &fixture{srv: srv, sessions: sessions, mux: mux, statuses: statuses}
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	f := setup(t, Options{})
	rec := &recorder{}
	f.mux.Subscribe(domain.ChannelMarketData, rec.handler("a"))
	f.mux.Subscribe(domain.ChannelMarketData, rec.handler("b"))

	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.srv.Subscribed("market_data") }, waitFor, 5*time.Millisecond)

	for i := 1; i <= 3; i++ {
		require.Equal(t, 1, f.srv.Publish("market_data", map[string]interface{}{"seq": i, "symbol": "BTC", "price": "1"}))
	}

	require.Eventually(t, func() bool { return len(rec.got()) == 6 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"}, rec.got())
}

func TestChannelsAreIndependent(t *testing.T) {
	f := setup(t, Options{})
	market := &recorder{}
	bot := &recorder{}
	f.mux.Subscribe(domain.ChannelMarketData, market.handler("m"))
	f.mux.Subscribe(domain.ChannelBotStatus, bot.handler("b"))

	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return f.srv.Subscribed("market_data") && f.srv.Subscribed("bot_status")
	}, waitFor, 5*time.Millisecond)

	f.srv.Publish("bot_status", map[string]interface{}{"seq": 1, "status": "running"})
	f.srv.Publish("market_data", map[string]interface{}{"seq": 2})

	require.Eventually(t, func() bool { return len(market.got()) == 1 && len(bot.got()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"m2"}, market.got())
	assert.Equal(t, []string{"b1"}, bot.got())
	assert.Equal(t, 0, f.srv.Publish("notification", map[string]interface{}{"seq": 3}))
}

func TestSubscribeAfterConnectSendsFrame(t *testing.T) {
	f := setup(t, Options{})
	require.NoError(t, f.mux.Connect(context.Background()))
	assert.True(t, f.mux.Connected())

	f.mux.Subscribe(domain.ChannelNotification, (&recorder{}).handler("n"))
	require.Eventually(t, func() bool { return f.srv.Subscribed("notification") }, waitFor, 5*time.Millisecond)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	f := setup(t, Options{})
	rec := &recorder{}
	id := f.mux.Subscribe(domain.ChannelPositionUpdate, rec.handler("p"))
	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.srv.Subscribed("position_update") }, waitFor, 5*time.Millisecond)

	f.mux.Unsubscribe(id)
	f.mux.Unsubscribe(id)
	f.mux.Unsubscribe("never-issued")

	require.Eventually(t, func() bool { return !f.srv.Subscribed("position_update") }, waitFor, 5*time.Millisecond)
}

func TestUnsubscribeKeepsOtherHandlers(t *testing.T) {
	f := setup(t, Options{})
	rec := &recorder{}
	first := f.mux.Subscribe(domain.ChannelMarketData, rec.handler("a"))
	f.mux.Subscribe(domain.ChannelMarketData, rec.handler("b"))
	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.srv.Subscribed("market_data") }, waitFor, 5*time.Millisecond)

	f.mux.Unsubscribe(first)
	f.srv.Publish("market_data", map[string]interface{}{"seq": 1})

	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"b1"}, rec.got())
	assert.True(t, f.srv.Subscribed("market_data"))
}

func TestConnectIsNoOpWhenConnected(t *testing.T) {
	f := setup(t, Options{})
	require.NoError(t, f.mux.Connect(context.Background()))
	require.NoError(t, f.mux.Connect(context.Background()))
	assert.Equal(t, 1, f.srv.StreamDials())
}

func TestConnectWithoutSession(t *testing.T) {
	f := setup(t, Options{})
	require.NoError(t, f.sessions.Logout(context.Background()))

	err := f.mux.Connect(context.Background())
	assert.ErrorIs(t, err, apierr.ErrSessionExpired)
	assert.Equal(t, 0, f.srv.StreamDials())
}

func TestConnectRefreshesRejectedToken(t *testing.T) {
	f := setup(t, Options{})
	f.srv.ExpireAccessTokens()

	require.NoError(t, f.mux.Connect(context.Background()))
	assert.Equal(t, 1, f.srv.RefreshCalls())
	assert.Equal(t, 2, f.srv.StreamDials())
}

func TestReconnectsAndResubscribesAfterDrop(t *testing.T) {
	f := setup(t, Options{MaxAttempts: 5})
	rec := &recorder{}
	f.mux.Subscribe(domain.ChannelTradeExecuted, rec.handler("t"))
	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.srv.Subscribed("trade_executed") }, waitFor, 5*time.Millisecond)

	f.srv.DropStreams()

	require.Eventually(t, func() bool {
		return f.srv.StreamDials() == 2 && f.srv.Subscribed("trade_executed")
	}, waitFor, 5*time.Millisecond)
	f.srv.Publish("trade_executed", map[string]interface{}{"seq": 7})
	require.Eventually(t, func() bool { return len(rec.got()) == 1 }, waitFor, 5*time.Millisecond)

	var states []State
	for _, s := range f.statuses.snapshot() {
		states = append(states, s.State)
	}
	assert.Contains(t, states, StateReconnecting)
	last, _ := f.statuses.last()
	assert.Equal(t, StateConnected, last.State)
	assert.Empty(t, rec.disconnects())
}

func TestAbandonAfterMaxAttempts(t *testing.T) {
	f := setup(t, Options{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	rec := &recorder{}
	f.mux.Subscribe(domain.ChannelMarketData, rec.handler("m"))
	f.mux.Subscribe(domain.ChannelBotStatus, rec.handler("b"))
	require.NoError(t, f.mux.Connect(context.Background()))

	f.srv.RefuseStreams(true)
	f.srv.DropStreams()

	require.Eventually(t, func() bool { return len(rec.disconnects()) == 2 }, waitFor, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"m:disconnected", "b:disconnected"}, rec.disconnects())

	last, _ := f.statuses.last()
	assert.Equal(t, StateDisconnected, last.State)
	assert.Error(t, last.Err)
	assert.Equal(t, 1+4, f.srv.StreamDials())
	assert.False(t, f.mux.Connected())

	delays := f.statuses.delays()
	require.Len(t, delays, 4)
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
}

func TestBackoffResetsAfterSuccessfulConnection(t *testing.T) {
	f := setup(t, Options{MaxAttempts: 20, BaseDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond})
	require.NoError(t, f.mux.Connect(context.Background()))

	f.srv.RefuseStreams(true)
	f.srv.DropStreams()
	require.Eventually(t, func() bool { return len(f.statuses.delays()) >= 4 }, waitFor, 5*time.Millisecond)

	delays := f.statuses.delays()
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], 80*time.Millisecond)
	}

	f.srv.RefuseStreams(false)
	require.Eventually(t, func() bool {
		last, _ := f.statuses.last()
		return last.State == StateConnected
	}, waitFor, 5*time.Millisecond)

	f.statuses.reset()
	f.srv.DropStreams()
	require.Eventually(t, func() bool { return len(f.statuses.delays()) >= 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, f.statuses.delays()[0])
}

func TestSessionEndStopsReconnecting(t *testing.T) {
	f := setup(t, Options{MaxAttempts: 50})
	rec := &recorder{}
	f.mux.Subscribe(domain.ChannelPortfolio, rec.handler("p"))
	require.NoError(t, f.mux.Connect(context.Background()))
	dials := f.srv.StreamDials()

	f.sessions.Invalidate(f.sessions.Generation())
	f.srv.DropStreams()

	require.Eventually(t, func() bool { return len(rec.disconnects()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, dials, f.srv.StreamDials(), "no dial after the session ended")
	last, _ := f.statuses.last()
	assert.Equal(t, StateDisconnected, last.State)
	assert.ErrorIs(t, last.Err, apierr.ErrSessionExpired)
}

func TestDisconnectDiscardsSubscriptions(t *testing.T) {
	f := setup(t, Options{})
	f.mux.Subscribe(domain.ChannelMarketData, (&recorder{}).handler("m"))
	require.NoError(t, f.mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return f.srv.Subscribed("market_data") }, waitFor, 5*time.Millisecond)

	f.mux.Disconnect()
	assert.False(t, f.mux.Connected())
	last, _ := f.statuses.last()
	assert.Equal(t, StateDisconnected, last.State)
	require.Eventually(t, func() bool { return f.srv.OpenStreams() == 0 }, waitFor, 5*time.Millisecond)

	require.NoError(t, f.mux.Connect(context.Background()))
	f.mux.Subscribe(domain.ChannelBotStatus, (&recorder{}).handler("b"))
	require.Eventually(t, func() bool { return f.srv.Subscribed("bot_status") }, waitFor, 5*time.Millisecond)
	assert.False(t, f.srv.Subscribed("market_data"))
}

func TestPingKeepsIdleConnectionAlive(t *testing.T) {
	f := setup(t, Options{PingInterval: 20 * time.Millisecond})
	require.NoError(t, f.mux.Connect(context.Background()))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, f.mux.Connected())
	assert.Equal(t, 1, f.srv.StreamDials())
}

func TestAuthErrorFrameTriggersReconnect(t *testing.T) {
	f := setup(t, Options{MaxAttempts: 5})
	require.NoError(t, f.mux.Connect(context.Background()))

	f.srv.SendRaw(map[string]string{"type": "auth_error", "message": "Token revoked"})
	require.Eventually(t, func() bool { return f.srv.StreamDials() == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		last, _ := f.statuses.last()
		return last.State == StateConnected
	}, waitFor, 5*time.Millisecond)
}
