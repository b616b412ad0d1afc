// internal/domain/event.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel is a named partition of the real-time event stream.
type Channel string

const (
	ChannelMarketData     Channel = "market_data"
	ChannelBotStatus      Channel = "bot_status"
	ChannelPositionUpdate Channel = "position_update"
	ChannelTradeExecuted  Channel = "trade_executed"
	ChannelNotification   Channel = "notification"
	ChannelModelRetrained Channel = "model_retrained"
	ChannelPortfolio      Channel = "portfolio_update"
)

// Channels lists every data channel the client understands.
var Channels = []Channel{
	ChannelMarketData,
	ChannelBotStatus,
	ChannelPositionUpdate,
	ChannelTradeExecuted,
	ChannelNotification,
	ChannelModelRetrained,
	ChannelPortfolio,
}

// Event kinds with special meaning to the state store and subscribers.
const (
	KindClosed         = "closed"
	KindRemoved        = "removed"
	KindSnapshot       = "snapshot"
	KindConnected      = "connected"
	KindDisconnected   = "disconnected"
	KindSessionCleared = "session_cleared"
)

// Event is one inbound message of the real-time stream, or a control
// notification synthesized by the client itself.
type Event struct {
	Channel   Channel         `json:"channel"`
	Kind      string          `json:"kind,omitempty"`
	ClientRef string          `json:"client_ref,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsControl reports whether the event was produced locally rather than pushed
// by the remote service.
func (e Event) IsControl() bool {
	return e.Kind == KindConnected || e.Kind == KindDisconnected || e.Kind == KindSessionCleared
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Channel)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Channel, err)
	}
	return nil
}

// NewEvent builds an event with a JSON-encoded payload.
func NewEvent(channel Channel, kind string, payload interface{}) (Event, error) {
	ev := Event{Channel: channel, Kind: kind, Timestamp: time.Now()}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", channel, err)
	}
	ev.Data = data
	var meta struct {
		ClientRef string `json:"client_ref"`
	}
	if json.Unmarshal(data, &meta) == nil {
		ev.ClientRef = meta.ClientRef
	}
	return ev, nil
}

// envelope is the wire shape of every server frame:
// {"type": <channel or control type>, "data": {...}, "timestamp": ...}.
type envelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
	Message   string          `json:"message"`
}

// Frame is a decoded server frame. Data frames carry an Event; control frames
// (authenticated, pong, auth_error, ...) only carry Type and Message.
type Frame struct {
	Type    string
	Message string
	Event   Event
}

// IsData reports whether the frame targets a known data channel.
func (f Frame) IsData() bool {
	return f.Event.Channel != ""
}

// DecodeFrame parses one raw server frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}

	frame := Frame{Type: env.Type, Message: env.Message}
	name := env.Type
	if env.Channel != "" {
		name = env.Channel
	}
	if !knownChannel(Channel(name)) {
		return frame, nil
	}

	ev := Event{Channel: Channel(name), Data: env.Data, Timestamp: parseTimestamp(env.Timestamp)}
	if len(env.Data) > 0 {
		var meta struct {
			ClientRef string `json:"client_ref"`
			Kind      string `json:"kind"`
		}
		if err := json.Unmarshal(env.Data, &meta); err != nil {
			return Frame{}, fmt.Errorf("decode %s metadata: %w", name, err)
		}
		ev.ClientRef = meta.ClientRef
		ev.Kind = meta.Kind
	}
	frame.Event = ev
	return frame, nil
}

func knownChannel(c Channel) bool {
	for _, known := range Channels {
		if known == c {
			return true
		}
	}
	return false
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Now()
}
