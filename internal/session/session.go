// internal/session/session.go
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rovshanmuradov/tradesync/internal/apierr"
	"github.com/rovshanmuradov/tradesync/internal/metrics"
	"github.com/rovshanmuradov/tradesync/internal/storage"
	"github.com/rovshanmuradov/tradesync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultRefreshTimeout = 10 * time.Second

// Session is a snapshot of the live credential pair. Generation identifies
// the login it belongs to; it changes on login, second-factor completion,
// logout and expiry, never on a successful refresh.
type Session struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	Generation      uint64
}

// Credentials are the user's login inputs.
type Credentials struct {
	Username string
	Password string
}

// Challenge is a pending second-factor verification.
type Challenge struct {
	ID string
}

// LoginResult holds either an established session or a challenge.
type LoginResult struct {
	Session   *Session
	Challenge *Challenge
}

// ClearReason tells OnCleared listeners why the session ended.
type ClearReason string

const (
	ClearedByLogout ClearReason = "logout"
	ClearedExpired  ClearReason = "expired"
)

// Authenticator is the remote side of the session: transport.AuthClient in
// production.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*transport.TokenResponse, error)
	VerifySecondFactor(ctx context.Context, challengeID, code string) (*transport.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*transport.TokenResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

// Options tunes a Store.
type Options struct {
	RefreshTimeout time.Duration
	Metrics        *metrics.Collector
}

// Store owns the single live session.
type Store struct {
	auth    Authenticator
	creds   storage.CredentialStore
	logger  *zap.Logger
	metrics *metrics.Collector
	timeout time.Duration
	now     func() time.Time

	mu         sync.RWMutex
	current    *Session
	generation uint64
	challenge  string
	listeners  []func(ClearReason)

	// persistMu orders writes to creds so a clear is never followed by a
	// save from an older generation.
	persistMu sync.Mutex
	flight    singleflight.Group
}

func NewStore(auth Authenticator, creds storage.CredentialStore, logger *zap.Logger, opts Options) *Store {
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	if creds == nil {
		creds = storage.NewMemory()
	}
	return &Store{
		auth:    auth,
		creds:   creds,
		logger:  logger.Named("session"),
		metrics: opts.Metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

// AccessToken returns the current access token without blocking on any
// refresh in progress.
func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return "", false
	}
	return s.current.AccessToken, true
}

// Current returns a copy of the live session.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Generation returns the current session generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// NeedsRefresh reports whether the access token expires within skew.
// Tokens with unknown expiry never need a proactive refresh.
func (s *Store) NeedsRefresh(skew time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.AccessExpiresAt.IsZero() {
		return false
	}
	return !s.now().Add(skew).Before(s.current.AccessExpiresAt)
}

// OnCleared registers fn to run after the session is cleared by logout or
// expiry. Listeners run synchronously, outside the store's lock.
func (s *Store) OnCleared(fn func(ClearReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Login authenticates with username and password. When the server asks for
// a second factor, the result carries a Challenge and no session exists yet.
func (s *Store) Login(ctx context.Context, c Credentials) (LoginResult, error) {
	tokens, err := s.auth.Login(ctx, c.Username, c.Password)
	if err != nil {
		return LoginResult{}, err
	}

	if tokens.TwoFactorRequired {
		s.mu.Lock()
		s.challenge = tokens.ChallengeID
		s.mu.Unlock()
		s.logger.Info("Second factor required", zap.String("challenge_id", tokens.ChallengeID))
		return LoginResult{Challenge: &Challenge{ID: tokens.ChallengeID}}, nil
	}

	sess := s.install(ctx, tokens)
	s.logger.Info("Logged in", zap.Uint64("generation", sess.Generation))
	return LoginResult{Session: &sess}, nil
}

// CompleteSecondFactor finishes a login that returned a Challenge.
func (s *Store) CompleteSecondFactor(ctx context.Context, challengeID, code string) (*Session, error) {
	const op = "verify second factor"
	s.mu.RLock()
	pending := s.challenge
	s.mu.RUnlock()
	if pending == "" || pending != challengeID {
		return nil, apierr.New(apierr.ErrAuth, op, "no matching second factor challenge")
	}

	tokens, err := s.auth.VerifySecondFactor(ctx, challengeID, code)
	if err != nil {
		return nil, err
	}

	sess := s.install(ctx, tokens)
	s.logger.Info("Second factor verified", zap.Uint64("generation", sess.Generation))
	return &sess, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one network call and its outcome. A rejected refresh clears
// the session and returns SessionExpiredError; a transport failure keeps it.
func (s *Store) Refresh(ctx context.Context) (*Session, error) {
	if _, ok := s.Current(); !ok {
		return nil, apierr.New(apierr.ErrSessionExpired, "refresh", "no active session")
	}

	// the shared call must outlive any single caller's cancellation
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan("refresh", func() (interface{}, error) {
		return s.doRefresh(shared)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sess := res.Val.(Session)
		return &sess, nil
	case <-ctx.Done():
		return nil, apierr.Wrap(apierr.ErrTransport, "refresh", ctx.Err())
	}
}

// RefreshIfCurrent refreshes only if staleAccessToken is still the live
// token. When another caller already rotated it, the current session is
// returned without a network call.
func (s *Store) RefreshIfCurrent(ctx context.Context, staleAccessToken string) (*Session, error) {
	cur, ok := s.Current()
	if !ok {
		return nil, apierr.New(apierr.ErrSessionExpired, "refresh", "no active session")
	}
	if cur.AccessToken != staleAccessToken {
		return &cur, nil
	}
	return s.Refresh(ctx)
}

func (s *Store) doRefresh(ctx context.Context) (Session, error) {
	const op = "refresh"

	s.mu.RLock()
	if s.current == nil {
		s.mu.RUnlock()
		return Session{}, apierr.New(apierr.ErrSessionExpired, op, "no active session")
	}
	gen := s.generation
	refreshToken := s.current.RefreshToken
	s.mu.RUnlock()

	if refreshToken == "" {
		s.metrics.RefreshResult("rejected")
		s.expire(gen)
		return Session{}, apierr.New(apierr.ErrSessionExpired, op, "no refresh token")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tokens, err := s.auth.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, apierr.ErrSessionExpired) {
			s.metrics.RefreshResult("rejected")
			s.logger.Warn("Refresh rejected, clearing session", zap.Error(err))
			s.expire(gen)
			return Session{}, err
		}
		s.metrics.RefreshResult("failed")
		s.logger.Warn("Refresh failed, keeping session", zap.Error(err))
		return Session{}, err
	}

	s.mu.Lock()
	if s.current == nil || s.generation != gen {
		s.mu.Unlock()
		s.metrics.RefreshResult("discarded")
		s.logger.Debug("Discarding refresh result for ended session", zap.Uint64("generation", gen))
		return Session{}, apierr.New(apierr.ErrSessionExpired, op, "session ended during refresh")
	}
	next := *s.current
	next.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	next.AccessExpiresAt = s.expiry(tokens)
	s.current = &next
	s.mu.Unlock()

	s.metrics.RefreshResult("ok")
	s.persist(ctx, next)
	s.logger.Debug("Access token refreshed", zap.Time("expires_at", next.AccessExpiresAt))
	return next, nil
}

// Logout clears the session locally and in the credential store, then asks
// the server to revoke the access token. It is idempotent and never fails
// because of the server.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil && s.challenge == "" {
		s.mu.Unlock()
		return nil
	}
	var token string
	if s.current != nil {
		token = s.current.AccessToken
	}
	s.current = nil
	s.challenge = ""
	s.generation++
	listeners := append([]func(ClearReason){}, s.listeners...)
	s.mu.Unlock()

	err := s.clearPersisted(ctx)
	for _, fn := range listeners {
		fn(ClearedByLogout)
	}

	if token != "" {
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if rerr := s.auth.Logout(revokeCtx, token); rerr != nil {
			s.logger.Debug("Server logout failed", zap.Error(rerr))
		}
	}
	s.logger.Info("Logged out")
	return err
}

// Invalidate clears the session if it still belongs to generation. It is
// used when the server keeps rejecting freshly refreshed tokens.
func (s *Store) Invalidate(generation uint64) bool {
	return s.expire(generation)
}

// Restore loads persisted credentials. It returns nil without error when
// nothing was stored.
func (s *Store) Restore(ctx context.Context) (*Session, error) {
	creds, err := s.creds.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expiresAt := creds.AccessExpiresAt
	if expiresAt.IsZero() {
		expiresAt = tokenExpiry(creds.AccessToken)
	}

	s.mu.Lock()
	s.generation++
	sess := Session{
		AccessToken:     creds.AccessToken,
		RefreshToken:    creds.RefreshToken,
		AccessExpiresAt: expiresAt,
		Generation:      s.generation,
	}
	s.current = &sess
	s.challenge = ""
	s.mu.Unlock()

	s.logger.Info("Session restored", zap.Time("expires_at", expiresAt))
	return &sess, nil
}

func (s *Store) install(ctx context.Context, tokens *transport.TokenResponse) Session {
	s.mu.Lock()
	s.generation++
	sess := Session{
		AccessToken:     tokens.AccessToken,
		RefreshToken:    tokens.RefreshToken,
		AccessExpiresAt: s.expiry(tokens),
		Generation:      s.generation,
	}
	s.current = &sess
	s.challenge = ""
	s.mu.Unlock()

	s.persist(ctx, sess)
	return sess
}

func (s *Store) expire(generation uint64) bool {
	s.mu.Lock()
	if s.current == nil || s.generation != generation {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	s.generation++
	listeners := append([]func(ClearReason){}, s.listeners...)
	s.mu.Unlock()

	if err := s.clearPersisted(context.Background()); err != nil {
		s.logger.Warn("Failed to clear stored credentials", zap.Error(err))
	}
	for _, fn := range listeners {
		fn(ClearedExpired)
	}
	s.logger.Info("Session expired", zap.Uint64("generation", generation))
	return true
}

func (s *Store) persist(ctx context.Context, sess Session) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if s.Generation() != sess.Generation {
		return
	}
	err := s.creds.Save(context.WithoutCancel(ctx), storage.Credentials{
		AccessToken:     sess.AccessToken,
		RefreshToken:    sess.RefreshToken,
		AccessExpiresAt: sess.AccessExpiresAt,
	})
	if err != nil {
		s.logger.Warn("Failed to persist credentials", zap.Error(err))
	}
}

func (s *Store) clearPersisted(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.creds.Clear(context.WithoutCancel(ctx))
}

func (s *Store) expiry(tokens *transport.TokenResponse) time.Time {
	if at := tokens.ExpiresAt(s.now()); !at.IsZero() {
		return at
	}
	return tokenExpiry(tokens.AccessToken)
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature;
// the client has no key and only needs the timing hint.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
