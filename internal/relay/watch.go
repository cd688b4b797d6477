package relay

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/auth"
	"github.com/peerlink/peerlink/internal/metrics"
	"github.com/peerlink/peerlink/internal/wire"
)

const (
	wsWriteWait      = 1 * time.Second
	watchPingPeriod  = 30 * time.Second
	watchChannelSize = 16
)

// watchEvent is the JSON shape pushed to watch subscribers. The first
// message on a stream is always a snapshot; membership changes follow.
type watchEvent struct {
	Type      string            `json:"type"`
	Room      string            `json:"room"`
	SessionID string            `json:"sessionId,omitempty"`
	ClientID  string            `json:"clientId,omitempty"`
	Peers     []wire.PeerRecord `json:"peers,omitempty"`
	At        int64             `json:"at"` // unix milliseconds
}

type watchSub struct {
	ch chan watchEvent
}

// watchHub fans store events out to websocket subscribers grouped by room.
// Subscribers that fall behind lose events; the stream is diagnostic, not a
// source of truth.
type watchHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*watchSub]struct{}
}

func newWatchHub(log *slog.Logger) *watchHub {
	return &watchHub{
		log: log,
		upgrader: websocket.Upgrader{
			// Origin enforcement happens in the HTTP middleware layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: make(map[string]map[*watchSub]struct{}),
	}
}

func (h *watchHub) subscribe(roomID string) *watchSub {
	sub := &watchSub{ch: make(chan watchEvent, watchChannelSize)}
	h.mu.Lock()
	room := h.subs[roomID]
	if room == nil {
		room = make(map[*watchSub]struct{})
		h.subs[roomID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *watchHub) unsubscribe(roomID string, sub *watchSub) {
	h.mu.Lock()
	if room := h.subs[roomID]; room != nil {
		if _, ok := room[sub]; ok {
			delete(room, sub)
			close(sub.ch)
		}
		if len(room) == 0 {
			delete(h.subs, roomID)
		}
	}
	h.mu.Unlock()
}

func (h *watchHub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.subs[ev.RoomID]
	if len(room) == 0 {
		return
	}
	out := watchEvent{
		Type:      string(ev.Type),
		Room:      ev.RoomID,
		SessionID: ev.SessionID,
		ClientID:  ev.ClientID,
		At:        ev.At.UnixMilli(),
	}
	for sub := range room {
		select {
		case sub.ch <- out:
		default:
			h.log.Debug("watch subscriber lagging, dropping event",
				"room", ev.RoomID, "event", ev.Type)
		}
	}
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.URL.Query().Get("r"))
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}
	if s.cfg.Store.Policy != nil {
		if err := s.cfg.Store.Policy.CheckRoomID(roomID); err != nil {
			http.Error(w, "policy rejected", http.StatusBadRequest)
			return
		}
	}
	if s.cfg.Verifier != nil {
		if err := s.cfg.Verifier.Verify(auth.CredentialFromRequest(r), roomID); err != nil {
			s.metrics.Inc(metrics.DropReasonBadAuth)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.watch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.watch.subscribe(roomID)
	defer s.watch.unsubscribe(roomID, sub)

	// The stream is write-only, but a reader still has to run so close and
	// pong control frames are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := watchEvent{
		Type:  "snapshot",
		Room:  roomID,
		Peers: s.store.RoomPeers(roomID),
		At:    s.clock.Now().UnixMilli(),
	}
	if err := writeWatchEvent(conn, snapshot); err != nil {
		return
	}

	ping := time.NewTicker(watchPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.ch:
			if !ok {
				return
			}
			if err := writeWatchEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func writeWatchEvent(conn *websocket.Conn, ev watchEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
