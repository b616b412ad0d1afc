// internal/state/store.go
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/domain"
	"github.com/rovshanmuradov/tradesync/internal/gateway"
	"github.com/rovshanmuradov/tradesync/internal/metrics"
	"go.uber.org/zap"
)

const maxNotifications = 50

// Gateway is the set of remote calls the store issues for its actions.
type Gateway interface {
	ExecuteTrade(ctx context.Context, req gateway.TradeRequest) (*gateway.TradeResponse, error)
	CancelOrder(ctx context.Context, orderID string) error
	ClosePosition(ctx context.Context, positionID string) error
	StartBot(ctx context.Context, cfg gateway.BotConfig) (*gateway.BotState, error)
	StopBot(ctx context.Context) error
}

// Snapshot is a deep copy of the store contents.
type Snapshot struct {
	Orders        map[string]domain.Order
	Positions     map[string]domain.Position
	Quotes        map[string]domain.Quote
	Portfolio     domain.Portfolio
	Bot           domain.BotStatus
	BotError      string
	Notifications []domain.Notification
	Model         *domain.ModelInfo
	Connected     bool
	Version       uint64
}

// PositionList returns the positions sorted by symbol, then id.
func (s Snapshot) PositionList() []domain.Position {
	out := make([]domain.Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OrderList returns the orders, most recently updated first.
func (s Snapshot) OrderList() []domain.Order {
	out := make([]domain.Order, 0, len(s.Orders))
	for _, o := range s.Orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ClientRef < out[j].ClientRef
	})
	return out
}

// Store merges optimistic local changes with authoritative server events.
// It is mutated only through DispatchAction and ApplyEvent.
type Store struct {
	gateway Gateway
	logger  *zap.Logger
	metrics *metrics.Collector

	mu            sync.Mutex
	orders        map[string]domain.Order
	positions     map[string]domain.Position
	quotes        map[string]domain.Quote
	portfolio     domain.Portfolio
	bot           domain.BotStatus
	botError      string
	notifications []domain.Notification
	model         *domain.ModelInfo
	connected     bool
	version       uint64

	// optimistic ownership: entity key -> correlation id of the action whose
	// value the entity currently holds
	orderOwner map[string]string
	closeOwner map[string]string
	botOwner   string
	botPrev    domain.BotStatus
	orderPrev  map[string]orderUndo
	// server order id -> order key, for events that carry no client ref
	orderIndex map[string]string
	// entity key -> version produced by the last event that changed it
	touched map[string]uint64

	updates chan struct{}
}

type orderUndo struct {
	order domain.Order
	owner string
}

func NewStore(gw Gateway, logger *zap.Logger, m *metrics.Collector) *Store {
	s := &Store{
		gateway: gw,
		logger:  logger.Named("state"),
		metrics: m,
		updates: make(chan struct{}, 1),
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.orders = make(map[string]domain.Order)
	s.positions = make(map[string]domain.Position)
	s.quotes = make(map[string]domain.Quote)
	s.portfolio = domain.Portfolio{}
	s.bot = domain.BotStopped
	s.botError = ""
	s.notifications = nil
	s.model = nil
	s.orderOwner = make(map[string]string)
	s.closeOwner = make(map[string]string)
	s.orderPrev = make(map[string]orderUndo)
	s.orderIndex = make(map[string]string)
	s.touched = make(map[string]uint64)
	s.botOwner = ""
	s.botPrev = ""
}

// Updates signals after every change. The channel holds at most one pending
// signal; readers take a Snapshot when it fires.
func (s *Store) Updates() <-chan struct{} {
	return s.updates
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Orders:        make(map[string]domain.Order, len(s.orders)),
		Positions:     make(map[string]domain.Position, len(s.positions)),
		Quotes:        make(map[string]domain.Quote, len(s.quotes)),
		Portfolio:     s.portfolio,
		Bot:           s.bot,
		BotError:      s.botError,
		Notifications: append([]domain.Notification(nil), s.notifications...),
		Connected:     s.connected,
		Version:       s.version,
	}
	for k, v := range s.orders {
		snap.Orders[k] = v
	}
	for k, v := range s.positions {
		snap.Positions[k] = v
	}
	for k, v := range s.quotes {
		snap.Quotes[k] = v
	}
	if s.model != nil {
		model := domain.ModelInfo{ReceivedAt: s.model.ReceivedAt, Payload: make(map[string]interface{}, len(s.model.Payload))}
		for k, v := range s.model.Payload {
			model.Payload[k] = v
		}
		snap.Model = &model
	}
	return snap
}

// Version returns the current state version. Read it before fetching a
// snapshot and hand it to ApplySnapshot.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Handle lets the store subscribe to stream channels directly.
func (s *Store) Handle(_ context.Context, ev domain.Event) error {
	return s.ApplyEvent(ev)
}

// ApplyEvent merges an authoritative event. Events correlated with a pending
// optimistic entry replace it; unsolicited events merge by entity id.
func (s *Store) ApplyEvent(ev domain.Event) error {
	return s.apply(ev, nil)
}

// ApplySnapshot applies an authoritative snapshot requested at version since.
// Entities an event changed after since keep their newer value, and a bot
// command awaiting its confirmation is never overwritten.
func (s *Store) ApplySnapshot(ev domain.Event, since uint64) error {
	ev.Kind = domain.KindSnapshot
	return s.apply(ev, &since)
}

func (s *Store) apply(ev domain.Event, since *uint64) error {
	s.mu.Lock()
	base := s.version
	if since != nil {
		base = *since
	}
	changed, err := s.applyLocked(ev, base)
	if changed {
		s.version++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Failed to apply event",
			zap.String("channel", string(ev.Channel)),
			zap.String("kind", ev.Kind),
			zap.Error(err))
		return err
	}
	if changed {
		s.notify()
	}
	return nil
}

func (s *Store) applyLocked(ev domain.Event, base uint64) (bool, error) {
	switch ev.Kind {
	case domain.KindSessionCleared:
		s.resetLocked()
		s.connected = false
		return true, nil
	case domain.KindDisconnected:
		if !s.connected {
			return false, nil
		}
		s.connected = false
		return true, nil
	case domain.KindConnected:
		if s.connected {
			return false, nil
		}
		s.connected = true
		return true, nil
	}

	switch ev.Channel {
	case domain.ChannelTradeExecuted:
		return s.applyOrder(ev)
	case domain.ChannelPositionUpdate:
		if ev.Kind == domain.KindSnapshot {
			return s.applyPositionsSnapshot(ev, base)
		}
		return s.applyPosition(ev)
	case domain.ChannelBotStatus:
		return s.applyBot(ev, base)
	case domain.ChannelMarketData:
		return s.applyQuote(ev)
	case domain.ChannelPortfolio:
		return s.applyPortfolio(ev, base)
	case domain.ChannelNotification:
		return s.applyNotification(ev)
	case domain.ChannelModelRetrained:
		var payload map[string]interface{}
		if err := ev.Decode(&payload); err != nil {
			return false, err
		}
		s.model = &domain.ModelInfo{Payload: payload, ReceivedAt: ev.Timestamp}
		return true, nil
	}
	return false, nil
}

func (s *Store) applyOrder(ev domain.Event) (bool, error) {
	var patch orderPatch
	if err := ev.Decode(&patch); err != nil {
		return false, err
	}
	if patch.ClientRef == "" {
		patch.ClientRef = ev.ClientRef
	}
	correlated := patch.ClientRef != ""
	key := patch.ClientRef
	if !correlated && patch.orderID() != "" {
		key = s.orderIndex[patch.orderID()]
		if key == "" {
			key = syntheticOrderKey(patch.orderID())
		}
	}
	if key == "" {
		s.logger.Debug("Ignoring trade event without reference")
		return false, nil
	}

	order := s.orders[key]
	if _, pending := s.orderOwner[key]; pending {
		delete(s.orderOwner, key)
		delete(s.orderPrev, key)
		if correlated {
			// the event answers the action: the optimistic value is dropped whole
			order = domain.Order{}
		}
	}
	if order.ClientRef == "" {
		order.ClientRef = key
	}
	patch.applyTo(&order)
	order.UpdatedAt = timestamp(ev)
	s.orders[key] = order
	if order.OrderID != "" {
		s.orderIndex[order.OrderID] = key
	}
	return true, nil
}

// adoptOrderLocked folds an order the server reported by id alone, before
// the response revealed the id, into the order placed under ref.
func (s *Store) adoptOrderLocked(ref, orderID string) bool {
	synthetic := syntheticOrderKey(orderID)
	reported, ok := s.orders[synthetic]
	if !ok {
		return false
	}
	current := s.orders[ref]
	current.OrderID = orderID
	current.State = reported.State
	if !reported.Price.IsZero() {
		current.Price = reported.Price
	}
	if reported.Reason != "" {
		current.Reason = reported.Reason
	}
	current.UpdatedAt = reported.UpdatedAt
	s.orders[ref] = current
	delete(s.orders, synthetic)
	delete(s.orderOwner, ref)
	delete(s.orderPrev, ref)
	return true
}

func (s *Store) applyPosition(ev domain.Event) (bool, error) {
	var patch domain.PositionPatch
	if err := ev.Decode(&patch); err != nil {
		return false, err
	}
	if patch.ID == "" {
		s.logger.Debug("Ignoring position event without id")
		return false, nil
	}
	kind := ev.Kind
	if kind == "" {
		kind = patch.Kind
	}

	corr, closing := s.closeOwner[patch.ID]
	if kind == domain.KindClosed || kind == domain.KindRemoved {
		delete(s.closeOwner, patch.ID)
		_, existed := s.positions[patch.ID]
		delete(s.positions, patch.ID)
		if !existed && !closing {
			return false, nil
		}
		s.touchLocked(positionKey(patch.ID))
		return true, nil
	}

	pos := s.positions[patch.ID]
	if closing && ev.ClientRef == corr {
		// answers the close request: the optimistic value is dropped whole
		delete(s.closeOwner, patch.ID)
		pos = domain.Position{}
	}
	patch.ApplyTo(&pos)
	pos.UpdatedAt = timestamp(ev)
	s.positions[patch.ID] = pos
	s.touchLocked(positionKey(patch.ID))
	return true, nil
}

func (s *Store) applyPositionsSnapshot(ev domain.Event, base uint64) (bool, error) {
	var snap positionsSnapshot
	if err := ev.Decode(&snap); err != nil {
		return false, err
	}
	next := make(map[string]domain.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		if p.ID == "" || s.newerLocked(positionKey(p.ID), base) {
			continue
		}
		if _, closing := s.closeOwner[p.ID]; closing {
			p.Closing = true
		}
		if q, ok := s.quotes[p.Symbol]; ok && s.newerLocked(quoteKey(p.Symbol), base) {
			p.Reprice(q.Price)
		}
		p.UpdatedAt = timestamp(ev)
		next[p.ID] = p
	}
	// a newer event decides, including when it removed the position
	for id, pos := range s.positions {
		if s.newerLocked(positionKey(id), base) {
			next[id] = pos
		}
	}
	for id := range s.closeOwner {
		if _, ok := next[id]; !ok {
			delete(s.closeOwner, id)
		}
	}
	s.positions = next
	return true, nil
}

func (s *Store) applyBot(ev domain.Event, base uint64) (bool, error) {
	var payload botPayload
	if err := ev.Decode(&payload); err != nil {
		return false, err
	}
	if !payload.Status.Valid() {
		s.logger.Warn("Unknown bot status", zap.String("status", string(payload.Status)))
		return false, nil
	}
	if ev.Kind == domain.KindSnapshot {
		if s.botOwner != "" || s.newerLocked(botKey, base) {
			s.logger.Debug("Bot snapshot superseded",
				zap.String("snapshot", string(payload.Status)),
				zap.String("current", string(s.bot)))
			return false, nil
		}
	} else {
		if !domain.ExpectedBotTransition(s.bot, payload.Status) {
			s.logger.Warn("Unexpected bot transition",
				zap.String("from", string(s.bot)),
				zap.String("to", string(payload.Status)))
		}
		s.botOwner = ""
		s.botPrev = ""
		s.touchLocked(botKey)
	}
	s.bot = payload.Status
	s.botError = payload.ErrorMessage
	return true, nil
}

func (s *Store) applyQuote(ev domain.Event) (bool, error) {
	var q quotePayload
	if err := ev.Decode(&q); err != nil {
		return false, err
	}
	if q.Symbol == "" {
		return false, nil
	}
	s.quotes[q.Symbol] = domain.Quote{Symbol: q.Symbol, Price: q.Price, Time: timestamp(ev)}
	s.touchLocked(quoteKey(q.Symbol))
	for id, pos := range s.positions {
		if pos.Symbol == q.Symbol {
			pos.Reprice(q.Price)
			pos.UpdatedAt = timestamp(ev)
			s.positions[id] = pos
		}
	}
	return true, nil
}

func (s *Store) applyPortfolio(ev domain.Event, base uint64) (bool, error) {
	var patch portfolioPatch
	if err := ev.Decode(&patch); err != nil {
		return false, err
	}
	if ev.Kind == domain.KindSnapshot {
		if s.newerLocked(portfolioKey, base) {
			return false, nil
		}
		s.portfolio = domain.Portfolio{}
	} else {
		s.touchLocked(portfolioKey)
	}
	patch.applyTo(&s.portfolio)
	s.portfolio.UpdatedAt = timestamp(ev)
	return true, nil
}

func (s *Store) applyNotification(ev domain.Event) (bool, error) {
	var n domain.Notification
	if err := ev.Decode(&n); err != nil {
		return false, err
	}
	n.Time = timestamp(ev)
	s.notifications = append(s.notifications, n)
	if over := len(s.notifications) - maxNotifications; over > 0 {
		s.notifications = append([]domain.Notification(nil), s.notifications[over:]...)
	}
	return true, nil
}

func (s *Store) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// commit bumps the version and signals readers. Must be called without the
// lock held.
func (s *Store) commit(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	if changed {
		s.version++
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

const (
	botKey       = "bot"
	portfolioKey = "portfolio"
)

func positionKey(id string) string  { return "position:" + id }
func quoteKey(symbol string) string { return "quote:" + symbol }

// touchLocked records that the change being applied, which becomes version+1,
// came from an event.
func (s *Store) touchLocked(key string) {
	s.touched[key] = s.version + 1
}

func (s *Store) newerLocked(key string, base uint64) bool {
	return s.touched[key] > base
}

func timestamp(ev domain.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}
