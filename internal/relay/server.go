package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"golang.org/x/net/websocket"
)

// ServerStats reports relay counters.
type ServerStats struct {
	Channels  int    `json:"channels"`
	Members   int    `json:"members"`
	Relayed   uint64 `json:"relayed"`
	Broadcast uint64 `json:"broadcast"`
	Dropped   uint64 `json:"dropped"`
}

type member struct {
	userID string
	conn   *websocket.Conn
	sendMu sync.Mutex
}

func (m *member) send(env Envelope) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return websocket.JSON.Send(m.conn, env)
}

// Server fans envelopes out between channel members. It keeps membership
// bookkeeping only; e2ee payloads pass through opaque and unreadable.
type Server struct {
	maxPerChannel int

	mu       sync.RWMutex
	channels map[string]map[string]*member

	relayed   atomic.Uint64
	broadcast atomic.Uint64
	dropped   atomic.Uint64
}

// NewServer creates a relay fan-out server. maxPerChannel <= 0 means
// unlimited.
func NewServer(maxPerChannel int) *Server {
	return &Server{
		maxPerChannel: maxPerChannel,
		channels:      make(map[string]map[string]*member),
	}
}

// WSHandler returns the websocket endpoint. Clients connect with
// ?channel=<id>&user=<id> query parameters.
func (s *Server) WSHandler() http.Handler {
	return websocket.Handler(s.serve)
}

func (s *Server) serve(conn *websocket.Conn) {
	req := conn.Request()
	ctx := req.Context()
	channel := req.URL.Query().Get("channel")
	userID := req.URL.Query().Get("user")
	if channel == "" || userID == "" {
		_ = conn.Close()
		return
	}

	m := &member{userID: userID, conn: conn}
	if !s.join(channel, m) {
		slog.WarnContext(ctx, "relay: channel full", slog.String("channel", channel))
		_ = conn.Close()
		return
	}
	slog.InfoContext(ctx, "relay: member joined",
		slog.String("channel", channel), slog.String("user", userID))

	defer func() {
		s.leave(channel, userID)
		slog.InfoContext(ctx, "relay: member left",
			slog.String("channel", channel), slog.String("user", userID))
	}()

	for {
		var env Envelope
		if err := websocket.JSON.Receive(conn, &env); err != nil {
			return
		}
		// The relay is trusted for delivery only: it stamps the sender
		// so a client cannot claim another member's address.
		env.From = userID
		env.Channel = channel
		if env.ID == "" {
			env.ID = xid.New().String()
		}
		s.route(env)
	}
}

func (s *Server) join(channel string, m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.channels[channel]
	if ch == nil {
		ch = make(map[string]*member)
		s.channels[channel] = ch
	}
	if s.maxPerChannel > 0 && len(ch) >= s.maxPerChannel {
		return false
	}
	if old, ok := ch[m.userID]; ok {
		_ = old.conn.Close()
	}
	ch[m.userID] = m
	return true
}

func (s *Server) leave(channel, userID string) {
	s.mu.Lock()
	if ch := s.channels[channel]; ch != nil {
		delete(ch, userID)
		if len(ch) == 0 {
			delete(s.channels, channel)
		}
	}
	s.mu.Unlock()

	// Departure drives the peers' forward-secrecy ratchet.
	s.route(Envelope{
		ID:      xid.New().String(),
		Type:    MsgTypeMemberLeft,
		Channel: channel,
		From:    userID,
		Payload: mustJSON(MemberLeft{UserID: userID}),
	})
}

func (s *Server) route(env Envelope) {
	s.mu.RLock()
	targets := make([]*member, 0, len(s.channels[env.Channel]))
	for id, m := range s.channels[env.Channel] {
		if id == env.From {
			continue
		}
		if env.To != "" && id != env.To {
			continue
		}
		targets = append(targets, m)
	}
	s.mu.RUnlock()

	if env.To == "" {
		s.broadcast.Add(1)
	}
	for _, m := range targets {
		if err := m.send(env); err != nil {
			s.dropped.Add(1)
			continue
		}
		s.relayed.Add(1)
	}
}

// Stats returns current counters.
func (s *Server) Stats() ServerStats {
	s.mu.RLock()
	stats := ServerStats{Channels: len(s.channels)}
	for _, ch := range s.channels {
		stats.Members += len(ch)
	}
	s.mu.RUnlock()

	stats.Relayed = s.relayed.Load()
	stats.Broadcast = s.broadcast.Load()
	stats.Dropped = s.dropped.Load()
	return stats
}

// StatsHandler serves counters as JSON.
func (s *Server) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})
}
