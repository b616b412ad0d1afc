// Package remotetest runs an in-process fake of the remote trading service
// for tests: JWT auth with refresh, the REST endpoints and the event stream.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	Username   = "trader"
	Password   = "secret"
	SecondCode = "424242"
)

// Options tunes the fake.
type Options struct {
	AccessTTL  time.Duration
	TwoFactor  bool
	ExpiresIn  bool // include expires_in in token responses
	RefreshTTL time.Duration
}

// Server is the fake service. Its URL serves REST under /api and the
// stream under /ws.
type Server struct {
	*httptest.Server

	t    testing.TB
	opts Options
	key  []byte

	mu         sync.Mutex
	access     map[string]bool
	refresh    map[string]bool
	challenges map[string]bool
	overrides  map[string]http.HandlerFunc
	botStatus  string
	positions  []map[string]interface{}
	portfolio  map[string]interface{}
	prefs      map[string]interface{}
	orderSeq   int

	refreshGate  chan struct{}
	rejectAll    bool
	refuseStream int32

	refreshCalls int32
	calls        sync.Map // route -> *int32

	wsMu    sync.Mutex
	streams map[*streamConn]struct{}
	dials   int32
}

type streamConn struct {
	conn     *websocket.Conn
	mu       sync.Mutex
	authed   bool
	channels map[string]bool
}

func (c *streamConn) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return c.conn.WriteJSON(v)
}

// New starts a fake service closed automatically at test cleanup.
func New(t testing.TB, opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	s := &Server{
		t:          t,
		opts:       opts,
		key:        []byte("remotetest-" + uuid.NewString()),
		access:     map[string]bool{},
		refresh:    map[string]bool{},
		challenges: map[string]bool{},
		overrides:  map[string]http.HandlerFunc{},
		botStatus:  "stopped",
		portfolio: map[string]interface{}{
			"total_value":    "100000",
			"cash":           "50000",
			"unrealized_pnl": "0",
			"realized_pnl":   "0",
		},
		streams: map[*streamConn]struct{}{},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(func() {
		s.DropStreams()
		s.Close()
	})
	return s
}

// APIURL is the REST base URL.
func (s *Server) APIURL() string { return s.URL + "/api" }

// StreamURL is the websocket URL.
func (s *Server) StreamURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws" }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.route("login", s.handleLogin))
		r.Post("/auth/verify-2fa", s.route("verify", s.handleVerify))
		r.Post("/auth/refresh", s.route("refresh", s.handleRefresh))
		r.Post("/users/register", s.route("register", s.handleRegister))

		r.Group(func(r chi.Router) {
			r.Use(s.requireAccess)
			r.Post("/auth/logout", s.route("logout", s.handleLogout))
			r.Put("/users/preferences", s.route("preferences", s.handlePreferences))
			r.Get("/market/data/{symbol}", s.route("market", s.handleMarket))
			r.Post("/trading/execute", s.route("execute", s.handleExecute))
			r.Delete("/trading/orders/{id}", s.route("cancel", s.handleOK))
			r.Get("/trading/history", s.route("history", s.handleHistory))
			r.Post("/positions/{id}/close", s.route("close", s.handleOK))
			r.Get("/positions", s.route("positions", s.handlePositions))
			r.Get("/portfolio", s.route("portfolio", s.handlePortfolio))
			r.Post("/bot/start", s.route("bot_start", s.handleBotStart))
			r.Post("/bot/stop", s.route("bot_stop", s.handleBotStop))
			r.Get("/bot/status", s.route("bot_status", s.handleBotStatus))
		})
	})
	r.Get("/ws", s.handleStream)
	return r
}

// route counts calls and lets tests override a handler by name.
func (s *Server) route(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter, _ := s.calls.LoadOrStore(name, new(int32))
		atomic.AddInt32(counter.(*int32), 1)

		s.mu.Lock()
		override := s.overrides[name]
		s.mu.Unlock()
		if override != nil {
			override(w, r)
			return
		}
		h(w, r)
	}
}

// Override replaces the handler of a named route (login, refresh, execute,
// portfolio, bot_start, ...).
func (s *Server) Override(name string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = h
}

// Calls returns how many times the named route was hit.
func (s *Server) Calls(name string) int {
	if counter, ok := s.calls.Load(name); ok {
		return int(atomic.LoadInt32(counter.(*int32)))
	}
	return 0
}

// RefreshCalls returns the number of refresh requests received.
func (s *Server) RefreshCalls() int {
	return int(atomic.LoadInt32(&s.refreshCalls))
}

// ExpireAccessTokens invalidates every issued access token so the next
// authenticated call gets 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = map[string]bool{}
}

// RejectAllAccess makes every authenticated call answer 401, even with
// freshly refreshed tokens.
func (s *Server) RejectAllAccess(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAll = reject
}

// RevokeRefreshTokens makes every later refresh fail with 401.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = map[string]bool{}
}

// HoldRefresh blocks refresh requests until the returned func is called.
func (s *Server) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.refreshGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.refreshGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Issue mints a valid token pair as if the user had logged in.
func (s *Server) Issue() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

// SetBotStatus sets the status reported by GET /bot/status.
func (s *Server) SetBotStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botStatus = status
}

// SetPositions replaces the positions reported by GET /positions.
func (s *Server) SetPositions(p []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = p
}

// Preferences returns the last body sent to PUT /users/preferences.
func (s *Server) Preferences() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

func (s *Server) issueLocked() (string, string) {
	now := time.Now()
	access := s.mint(now.Add(s.opts.AccessTTL), "access")
	refresh := s.mint(now.Add(s.opts.RefreshTTL), "refresh")
	s.access[access] = true
	s.refresh[refresh] = true
	return access, refresh
}

func (s *Server) mint(exp time.Time, kind string) string {
	claims := jwt.MapClaims{
		"sub":  Username,
		"type": kind,
		"jti":  uuid.NewString(),
		"iat":  time.Now().Unix(),
		"exp":  exp.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		s.t.Errorf("remotetest: sign token: %v", err)
	}
	return signed
}

func (s *Server) tokenBody(access, refresh string) map[string]interface{} {
	body := map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "bearer",
	}
	if s.opts.ExpiresIn {
		body["expires_in"] = int(s.opts.AccessTTL.Seconds())
	}
	return body
}

func (s *Server) validAccess(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectAll || !s.access[token] {
		return false
	}
	_, err := jwt.Parse(token, func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err == nil
}

func (s *Server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validAccess(bearer(r)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "bad request"})
		return
	}
	if body.Username != Username || body.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid username or password"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.TwoFactor {
		id := uuid.NewString()
		s.challenges[id] = true
		writeJSON(w, http.StatusOK, map[string]interface{}{"two_factor_required": true, "challenge_id": id})
		return
	}
	access, refresh := s.issueLocked()
	writeJSON(w, http.StatusOK, s.tokenBody(access, refresh))
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.challenges[body.ChallengeID] || body.Code != SecondCode {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid verification code"})
		return
	}
	delete(s.challenges, body.ChallengeID)
	access, refresh := s.issueLocked()
	writeJSON(w, http.StatusOK, s.tokenBody(access, refresh))
}

// handleRefresh rotates the pair; a refresh token is single use.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.refreshCalls, 1)

	s.mu.Lock()
	gate := s.refreshGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	token := bearer(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refresh[token] {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid refresh token"})
		return
	}
	delete(s.refresh, token)
	access, refresh := s.issueLocked()
	writeJSON(w, http.StatusOK, s.tokenBody(access, refresh))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.access, bearer(r))
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["email"] == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Email required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": 7})
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.prefs = body
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"symbol": chi.URLParam(r, "symbol"), "price": "61000"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientRef string `json:"client_ref"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.orderSeq++
	id := fmt.Sprintf("ord-%d", s.orderSeq)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"order_id": id, "client_ref": body.ClientRef, "status": "pending"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": []map[string]string{
		{"id": "t-1", "symbol": "BTC", "side": "buy", "quantity": "1", "price": "60000"},
	}})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	positions := s.positions
	s.mu.Unlock()
	if positions == nil {
		positions = []map[string]interface{}{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, s.portfolio)
}

func (s *Server) handleBotStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.botStatus == "running" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Bot is already running. Stop it first."})
		return
	}
	s.botStatus = "starting"
	writeJSON(w, http.StatusOK, map[string]string{"bot_id": "bot-1", "status": "starting"})
}

func (s *Server) handleBotStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botStatus = "stopping"
	writeJSON(w, http.StatusOK, map[string]string{"message": "Bot stopped successfully"})
}

func (s *Server) handleBotStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"bot_id": "bot-1", "status": s.botStatus})
}

func (s *Server) handleOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
