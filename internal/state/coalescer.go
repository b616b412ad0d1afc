package state

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rovshanmuradov/tradesync/internal/domain"
	"go.uber.org/zap"
)

// EventSink receives coalesced events.
type EventSink interface {
	ApplyEvent(ev domain.Event) error
}

// TickCoalescer keeps only the latest market_data event per symbol and
// forwards the survivors to the sink on every flush. Other events pass
// straight through.
type TickCoalescer struct {
	mu       sync.Mutex
	interval time.Duration
	sink     EventSink
	logger   *zap.Logger
	pending  map[string]domain.Event
	symbols  []string

	forwarded uint64
	dropped   uint64
}

// NewTickCoalescer creates a coalescer flushing every interval. A
// non-positive interval disables coalescing.
func NewTickCoalescer(interval time.Duration, sink EventSink, logger *zap.Logger) *TickCoalescer {
	return &TickCoalescer{
		interval: interval,
		sink:     sink,
		logger:   logger.Named("ticks"),
		pending:  make(map[string]domain.Event),
	}
}

// Handle buffers a tick, replacing any older tick of the same symbol.
func (c *TickCoalescer) Handle(_ context.Context, ev domain.Event) error {
	if c.interval <= 0 || ev.Channel != domain.ChannelMarketData || ev.IsControl() {
		return c.forward(ev)
	}
	symbol := tickSymbol(ev)
	if symbol == "" {
		return c.forward(ev)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[symbol]; ok {
		c.dropped++
	} else {
		c.symbols = append(c.symbols, symbol)
	}
	c.pending[symbol] = ev
	return nil
}

// Flush forwards the buffered ticks in first-seen symbol order.
func (c *TickCoalescer) Flush() {
	c.mu.Lock()
	if len(c.symbols) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]domain.Event, 0, len(c.symbols))
	for _, symbol := range c.symbols {
		batch = append(batch, c.pending[symbol])
	}
	c.pending = make(map[string]domain.Event)
	c.symbols = nil
	c.mu.Unlock()

	for _, ev := range batch {
		if err := c.forward(ev); err != nil {
			c.logger.Debug("Coalesced tick rejected", zap.Error(err))
		}
	}
}

// Run flushes on every interval until ctx is done, then flushes once more.
func (c *TickCoalescer) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Flush()
			return
		case <-ticker.C:
			c.Flush()
		}
	}
}

// Stats returns how many ticks were forwarded and how many were superseded
// before a flush.
func (c *TickCoalescer) Stats() (forwarded, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwarded, c.dropped
}

func (c *TickCoalescer) forward(ev domain.Event) error {
	c.mu.Lock()
	c.forwarded++
	c.mu.Unlock()
	return c.sink.ApplyEvent(ev)
}

func tickSymbol(ev domain.Event) string {
	var payload struct {
		Symbol string `json:"symbol"`
	}
	if len(ev.Data) == 0 || json.Unmarshal(ev.Data, &payload) != nil {
		return ""
	}
	return payload.Symbol
}
