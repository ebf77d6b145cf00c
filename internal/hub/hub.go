package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/ids"
)

// Upgrader is shared across accepted connections; origin checking is the
// caller's responsibility via auth middleware ahead of Accept.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns every live Session and runs the stale-request sweeper.
type Hub struct {
	clock ids.Clock

	mu       sync.RWMutex
	sessions map[string]*Session // by session ID

	onSessionClosed func(*Session, string)
	stop            chan struct{}
}

func NewHub(clock ids.Clock) *Hub {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Hub{
		clock:    clock,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
}

// OnSessionClosed registers a callback invoked whenever a session closes,
// so the Worker Registry can deregister it.
func (h *Hub) OnSessionClosed(fn func(*Session, string)) { h.onSessionClosed = fn }

// Accept upgrades an HTTP request to a WebSocket, wraps it in a Session,
// registers it, and starts its write loop and read loop.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, agentID, role string, onMessage func(*Session, *Message)) (*Session, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Transport, "websocket upgrade failed", err)
	}
	session := NewSession(conn, agentID, role, h.clock)
	session.SetOnClose(func(reason string) {
		h.mu.Lock()
		delete(h.sessions, session.ID)
		h.mu.Unlock()
		if h.onSessionClosed != nil {
			h.onSessionClosed(session, reason)
		}
	})

	h.mu.Lock()
	h.sessions[session.ID] = session
	h.mu.Unlock()

	go session.WriteLoop()
	go h.readLoop(session, onMessage)
	return session, nil
}

func (h *Hub) readLoop(session *Session, onMessage func(*Session, *Message)) {
	for {
		_, data, err := session.conn.ReadMessage()
		if err != nil {
			session.Close("read error")
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.IsResponse() {
			session.Resolve(&msg)
			continue
		}
		if onMessage != nil {
			onMessage(session, &msg)
		}
	}
}

// Session looks up a live session by ID.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Broadcast enqueues msg on every currently connected session. Each
// session applies its own backpressure independently — one slow consumer
// never blocks delivery to the rest.
func (h *Hub) Broadcast(msg *Message) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		_ = s.Enqueue(msg)
	}
}

// Count returns the number of currently connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// StartSweeper runs the stale-request sweeper until Stop is called.
func (h *Hub) StartSweeper() {
	go func() {
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case now := <-ticker.C:
				h.sweepOnce(now)
			}
		}
	}()
}

func (h *Hub) sweepOnce(now time.Time) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.SweepStale(now)
	}
}

// Stop halts the sweeper and closes every session, used during graceful
// shutdown.
func (h *Hub) Stop(ctx context.Context) {
	close(h.stop)
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	for _, s := range sessions {
		s.Close("shutdown")
	}
}
