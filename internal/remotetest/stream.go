package remotetest

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type clientFrame struct {
	Type     string   `json:"type"`
	Token    string   `json:"token"`
	Channels []string `json:"channels"`
}

// handleStream speaks the server side of the stream protocol: a connection
// greeting, an auth frame, subscribe/unsubscribe and ping.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.dials, 1)
	if atomic.LoadInt32(&s.refuseStream) != 0 {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	if token := bearer(r); token != "" && !s.validAccess(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &streamConn{conn: conn, channels: map[string]bool{}}
	s.wsMu.Lock()
	s.streams[sc] = struct{}{}
	s.wsMu.Unlock()
	defer func() {
		s.wsMu.Lock()
		delete(s.streams, sc)
		s.wsMu.Unlock()
		conn.Close()
	}()

	_ = sc.send(map[string]string{"type": "connection", "message": "Connected to trading stream"})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = sc.send(map[string]string{"type": "error", "message": "Invalid JSON format"})
			continue
		}

		switch msg.Type {
		case "auth":
			if !s.validAccess(msg.Token) {
				_ = sc.send(map[string]string{"type": "auth_error", "message": "Invalid token"})
				return
			}
			s.wsMu.Lock()
			sc.authed = true
			s.wsMu.Unlock()
			_ = sc.send(map[string]string{"type": "authenticated", "message": "Successfully authenticated"})
		case "subscribe":
			s.wsMu.Lock()
			if !sc.authed {
				s.wsMu.Unlock()
				_ = sc.send(map[string]string{"type": "error", "message": "Not authenticated"})
				continue
			}
			for _, ch := range msg.Channels {
				sc.channels[ch] = true
			}
			s.wsMu.Unlock()
			_ = sc.send(map[string]interface{}{"type": "subscribed", "channels": msg.Channels})
		case "unsubscribe":
			s.wsMu.Lock()
			for _, ch := range msg.Channels {
				delete(sc.channels, ch)
			}
			s.wsMu.Unlock()
			_ = sc.send(map[string]interface{}{"type": "unsubscribed", "channels": msg.Channels})
		case "ping":
			_ = sc.send(map[string]interface{}{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
		default:
			_ = sc.send(map[string]string{"type": "error", "message": "Unknown message type"})
		}
	}
}

// Publish sends a data frame to every authenticated connection subscribed to
// channel and returns how many received it.
func (s *Server) Publish(channel string, data interface{}) int {
	frame := map[string]interface{}{
		"type":      channel,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}

	s.wsMu.Lock()
	var targets []*streamConn
	for sc := range s.streams {
		if sc.authed && sc.channels[channel] {
			targets = append(targets, sc)
		}
	}
	s.wsMu.Unlock()

	sent := 0
	for _, sc := range targets {
		if sc.send(frame) == nil {
			sent++
		}
	}
	return sent
}

// SendRaw writes an arbitrary frame to every open connection.
func (s *Server) SendRaw(v interface{}) {
	s.wsMu.Lock()
	var targets []*streamConn
	for sc := range s.streams {
		targets = append(targets, sc)
	}
	s.wsMu.Unlock()
	for _, sc := range targets {
		_ = sc.send(v)
	}
}

// Subscribed reports whether some authenticated connection is subscribed to
// channel.
func (s *Server) Subscribed(channel string) bool {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for sc := range s.streams {
		if sc.authed && sc.channels[channel] {
			return true
		}
	}
	return false
}

// OpenStreams returns the number of live stream connections.
func (s *Server) OpenStreams() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.streams)
}

// StreamDials returns how many stream connections were attempted.
func (s *Server) StreamDials() int {
	return int(atomic.LoadInt32(&s.dials))
}

// DropStreams closes every live stream connection from the server side.
func (s *Server) DropStreams() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for sc := range s.streams {
		sc.conn.Close()
	}
}

// RefuseStreams makes new stream dials fail with 503.
func (s *Server) RefuseStreams(refuse bool) {
	var v int32
	if refuse {
		v = 1
	}
	atomic.StoreInt32(&s.refuseStream, v)
}
