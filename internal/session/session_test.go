package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/storage"
	"github.com/rovshanmuradov/tradesync/internal/storage/sqlite"
	"github.com/rovshanmuradov/tradesync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuth struct {
	mu            sync.Mutex
	loginResp     *transport.TokenResponse
	loginErr      error
	verifyErr     error
	refreshErr    error
	refreshGate   chan struct{}
	refreshCalls  int32
	logoutCalls   int32
	usedRefreshes map[string]bool
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		loginResp:     &transport.TokenResponse{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: 900},
		usedRefreshes: map[string]bool{},
	}
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (*transport.TokenResponse, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	if password != "secret" {
		return nil, apierr.FromStatus(apierr.ErrAuth, "login", 401, "Invalid credentials")
	}
	resp := *f.loginResp
	return &resp, nil
}

func (f *fakeAuth) VerifySecondFactor(_ context.Context, challengeID, code string) (*transport.TokenResponse, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if code != "123456" {
		return nil, apierr.FromStatus(apierr.ErrAuth, "verify second factor", 401, "bad code")
	}
	return &transport.TokenResponse{AccessToken: "access-2fa", RefreshToken: "refresh-2fa", ExpiresIn: 900}, nil
}

// Refresh treats refresh tokens as single use, like some deployments do.
func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*transport.TokenResponse, error) {
	n := atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.ErrTransport, "refresh", ctx.Err())
		}
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usedRefreshes[refreshToken] {
		return nil, apierr.FromStatus(apierr.ErrSessionExpired, "refresh", 401, "refresh token reused")
	}
	f.usedRefreshes[refreshToken] = true
	return &transport.TokenResponse{
		AccessToken:  "access-r" + string(rune('0'+n)),
		RefreshToken: "refresh-r" + string(rune('0'+n)),
		ExpiresIn:    900,
	}, nil
}

func (f *fakeAuth) Logout(context.Context, string) error {
	atomic.AddInt32(&f.logoutCalls, 1)
	return nil
}

func newTestStore(t *testing.T, auth *fakeAuth) (*Store, *storage.Memory) {
	t.Helper()
	creds := storage.NewMemory()
	return NewStore(auth, creds, zap.NewNop(), Options{RefreshTimeout: time.Second}), creds
}

func login(t *testing.T, s *Store) Session {
	t.Helper()
	res, err := s.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	return *res.Session
}

func TestLoginWithoutSecondFactor(t *testing.T) {
	s, creds := newTestStore(t, newFakeAuth())

	sess := login(t, s)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)

	token, ok := s.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-1", token)

	stored, err := creds.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestLoginBadCredentials(t *testing.T) {
	s, _ := newTestStore(t, newFakeAuth())

	_, err := s.Login(context.Background(), Credentials{Username: "alice", Password: "nope"})
	assert.ErrorIs(t, err, apierr.ErrAuth)

	_, ok := s.AccessToken()
	assert.False(t, ok)
}

func TestSecondFactorHandshake(t *testing.T) {
	auth := newFakeAuth()
	auth.loginResp = &transport.TokenResponse{TwoFactorRequired: true, ChallengeID: "ch-1"}
	s, _ := newTestStore(t, auth)

	res, err := s.Login(context.Background(), Credentials{Username: "alice", Password: "secret"})
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)
	assert.Nil(t, res.Session)
	assert.Equal(t, "ch-1", res.Challenge.ID)

	_, ok := s.AccessToken()
	assert.False(t, ok)

	_, err = s.CompleteSecondFactor(context.Background(), "other", "123456")
	assert.ErrorIs(t, err, apierr.ErrAuth)

	_, err = s.CompleteSecondFactor(context.Background(), "ch-1", "000000")
	assert.ErrorIs(t, err, apierr.ErrAuth)

	sess, err := s.CompleteSecondFactor(context.Background(), "ch-1", "123456")
	require.NoError(t, err)
	assert.Equal(t, "access-2fa", sess.AccessToken)

	token, ok := s.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-2fa", token)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	auth := newFakeAuth()
	auth.refreshGate = make(chan struct{})
	s, _ := newTestStore(t, auth)
	login(t, s)
	gen := s.Generation()

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&auth.refreshCalls) == 1
	}, time.Second, 5*time.Millisecond)
	// let the stragglers join the flight before releasing it
	time.Sleep(20 * time.Millisecond)
	close(auth.refreshGate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.refreshCalls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].AccessToken, results[i].AccessToken)
	}
	assert.Equal(t, gen, s.Generation(), "refresh keeps the generation")
}

func TestRefreshIfCurrentSkipsRotatedToken(t *testing.T) {
	auth := newFakeAuth()
	s, _ := newTestStore(t, auth)
	login(t, s)

	first, err := s.RefreshIfCurrent(context.Background(), "access-1")
	require.NoError(t, err)
	assert.NotEqual(t, "access-1", first.AccessToken)

	// a second request that was rejected with the old token shares the outcome
	second, err := s.RefreshIfCurrent(context.Background(), "access-1")
	require.NoError(t, err)
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.refreshCalls))
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	auth := newFakeAuth()
	auth.refreshErr = apierr.FromStatus(apierr.ErrSessionExpired, "refresh", 401, "revoked")
	s, creds := newTestStore(t, auth)
	login(t, s)

	var reasons []ClearReason
	s.OnCleared(func(r ClearReason) { reasons = append(reasons, r) })

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, apierr.ErrSessionExpired)

	_, ok := s.AccessToken()
	assert.False(t, ok)
	assert.Equal(t, []ClearReason{ClearedExpired}, reasons)

	_, err = creds.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshTransportFailureKeepsSession(t *testing.T) {
	auth := newFakeAuth()
	auth.refreshErr = apierr.Wrap(apierr.ErrTransport, "refresh", errors.New("connection reset"))
	s, _ := newTestStore(t, auth)
	login(t, s)

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, apierr.ErrTransport)

	token, ok := s.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-1", token)
}

func TestRefreshWithoutSession(t *testing.T) {
	s, _ := newTestStore(t, newFakeAuth())
	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, apierr.ErrSessionExpired)
}

func TestLogoutIsIdempotent(t *testing.T) {
	auth := newFakeAuth()
	s, creds := newTestStore(t, auth)
	login(t, s)
	gen := s.Generation()

	var cleared int
	s.OnCleared(func(r ClearReason) {
		assert.Equal(t, ClearedByLogout, r)
		cleared++
	})

	require.NoError(t, s.Logout(context.Background()))
	require.NoError(t, s.Logout(context.Background()))

	assert.Equal(t, 1, cleared)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.logoutCalls))
	assert.Greater(t, s.Generation(), gen)

	_, ok := s.AccessToken()
	assert.False(t, ok)
	_, err := creds.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRefreshCompletingAfterLogoutIsDiscarded(t *testing.T) {
	auth := newFakeAuth()
	auth.refreshGate = make(chan struct{})
	s, creds := newTestStore(t, auth)
	login(t, s)

	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&auth.refreshCalls) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Logout(context.Background()))
	close(auth.refreshGate)

	err := <-done
	assert.ErrorIs(t, err, apierr.ErrSessionExpired)

	_, ok := s.AccessToken()
	assert.False(t, ok)
	_, err = creds.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvalidateOnlyMatchingGeneration(t *testing.T) {
	s, _ := newTestStore(t, newFakeAuth())
	login(t, s)
	gen := s.Generation()

	assert.False(t, s.Invalidate(gen-1))
	_, ok := s.AccessToken()
	assert.True(t, ok)

	assert.True(t, s.Invalidate(gen))
	_, ok = s.AccessToken()
	assert.False(t, ok)
}

func TestNeedsRefreshFromJWTExpiry(t *testing.T) {
	auth := newFakeAuth()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second)),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	auth.loginResp = &transport.TokenResponse{AccessToken: signed, RefreshToken: "r"}

	s, _ := newTestStore(t, auth)
	sess := login(t, s)
	assert.False(t, sess.AccessExpiresAt.IsZero())

	assert.True(t, s.NeedsRefresh(30*time.Second))
	assert.False(t, s.NeedsRefresh(time.Second))
}

func TestNeedsRefreshUnknownExpiry(t *testing.T) {
	auth := newFakeAuth()
	auth.loginResp = &transport.TokenResponse{AccessToken: "opaque", RefreshToken: "r"}
	s, _ := newTestStore(t, auth)
	login(t, s)

	assert.False(t, s.NeedsRefresh(time.Hour))
}

func TestRestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "creds.db")

	db, err := sqlite.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	first := NewStore(newFakeAuth(), db, zap.NewNop(), Options{})
	login(t, first)
	require.NoError(t, db.Close())

	db, err = sqlite.Open(dsn, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()
	second := NewStore(newFakeAuth(), db, zap.NewNop(), Options{})

	sess, err := second.Restore(ctx)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)

	token, ok := second.AccessToken()
	require.True(t, ok)
	assert.Equal(t, "access-1", token)
}

func TestRestoreNothingStored(t *testing.T) {
	s, _ := newTestStore(t, newFakeAuth())
	sess, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}
