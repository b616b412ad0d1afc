package tradesync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/config"
	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/remotetest"
	"github.com/rovshanmuradov/tradesync/internal/session"
	"github.com/rovshanmuradov/tradesync/internal/state"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

func testConfig(srv *remotetest.Server, dsn string) *config.Config {
	cfg := config.Defaults()
	cfg.APIBaseURL = srv.APIURL()
	cfg.WebSocketURL = srv.StreamURL()
	cfg.RequestTimeout = 2000
	cfg.DialTimeout = 2000
	cfg.ReconnectBaseDelay = 10
	cfg.ReconnectMaxDelay = 50
	cfg.ReconnectJitter = 0
	cfg.PingInterval = 0
	cfg.RateLimitPerSec = 1000
	cfg.RateLimitBurst = 100
	cfg.TickCoalesceInterval = 10
	cfg.CredentialsDSN = dsn
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c, err := New(Options{Config: cfg, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var creds = session.Credentials{Username: remotetest.Username, Password: remotetest.Password}

func TestLoginStartsRealtimeSync(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	c := newClient(t, testConfig(srv, ""))

	res, err := c.Login(context.Background(), creds)
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	require.Eventually(t, func() bool { return c.Snapshot().Connected }, waitFor, 5*time.Millisecond)
	snap := c.Snapshot()
	assert.True(t, snap.Portfolio.TotalValue.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, domain.BotStopped, snap.Bot)
	require.Eventually(t, func() bool { return srv.Subscribed("trade_executed") }, waitFor, 5*time.Millisecond)

	opt, err := c.Dispatch(context.Background(), state.Action{
		Type:      state.ActionPlaceOrder,
		ClientRef: "x1",
		Symbol:    "BTCUSDT",
		Side:      domain.SideBuy,
		Amount:    decimal.RequireFromString("0.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, "x1", opt.CorrelationID)
	assert.Equal(t, "ord-1", c.Snapshot().Orders["x1"].OrderID)

	srv.Publish("trade_executed", map[string]interface{}{"client_ref": "x1", "state": "confirmed", "price": 61000})
	require.Eventually(t, func() bool {
		return c.Snapshot().Orders["x1"].State == domain.OrderConfirmed
	}, waitFor, 5*time.Millisecond)
	assert.True(t, c.Snapshot().Orders["x1"].Price.Equal(decimal.NewFromInt(61000)))
}

func TestResyncLoadsPositions(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	srv.SetPositions([]map[string]interface{}{{"id": "p1", "symbol": "ETHUSDT", "side": "buy", "quantity": "1", "entry_price": "3000"}})
	srv.SetBotStatus("running")
	c := newClient(t, testConfig(srv, ""))

	_, err := c.Login(context.Background(), creds)
	require.NoError(t, err)

	snap := c.Snapshot()
	require.Contains(t, snap.Positions, "p1")
	assert.Equal(t, domain.BotRunning, snap.Bot)

	require.Eventually(t, func() bool { return srv.Subscribed("market_data") }, waitFor, 5*time.Millisecond)
	srv.Publish("market_data", map[string]string{"symbol": "ETHUSDT", "price": "3100"})
	srv.Publish("market_data", map[string]string{"symbol": "ETHUSDT", "price": "3200"})
	require.Eventually(t, func() bool {
		return c.Snapshot().Positions["p1"].UnrealizedPnL.Equal(decimal.NewFromInt(200))
	}, waitFor, 5*time.Millisecond)
}

func TestLogoutTearsDownSync(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	c := newClient(t, testConfig(srv, ""))
	_, err := c.Login(context.Background(), creds)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.OpenStreams() == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Logout(context.Background()))

	snap := c.Snapshot()
	assert.False(t, snap.Connected)
	assert.Empty(t, snap.Orders)
	assert.False(t, c.Stream().Connected())
	require.Eventually(t, func() bool { return srv.OpenStreams() == 0 }, waitFor, 5*time.Millisecond)

	_, ok := c.Sessions().AccessToken()
	assert.False(t, ok)
}

func TestSecondFactorDefersSync(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{TwoFactor: true})
	c := newClient(t, testConfig(srv, ""))

	res, err := c.Login(context.Background(), creds)
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Session)
	assert.Equal(t, 0, srv.StreamDials())

	_, err = c.CompleteSecondFactor(context.Background(), res.Challenge.ID, remotetest.SecondCode)
	require.NoError(t, err)
	assert.True(t, c.Stream().Connected())
}

func TestRestoreResumesPersistedSession(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	dsn := filepath.Join(t.TempDir(), "creds.db")

	first, err := New(Options{Config: testConfig(srv, dsn), Logger: zap.NewNop()})
	require.NoError(t, err)
	_, err = first.Login(context.Background(), creds)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newClient(t, testConfig(srv, dsn))
	resumed, err := second.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.True(t, second.Stream().Connected())
}

func TestRestoreWithoutSession(t *testing.T) {
	srv := remotetest.New(t, remotetest.Options{})
	c := newClient(t, testConfig(srv, ""))

	resumed, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, 0, srv.StreamDials())
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
