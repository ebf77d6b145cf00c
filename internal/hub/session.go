package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordanhubbard/loomd/internal/apperrors"
	"github.com/jordanhubbard/loomd/internal/ids"
)

// OutboundQueueCap bounds each session's outbound channel. A session that
// can't drain this fast is considered a slow consumer.
const OutboundQueueCap = 100

// MaxConsecutiveDrops closes a session once this many consecutive sends
// have been dropped for backpressure, per spec.md's SlowConsumer rule.
const MaxConsecutiveDrops = 10

// StaleRequestFloor is the minimum age a pending request must reach
// before the sweeper times it out, even if the sweeper runs more often.
const StaleRequestFloor = 15 * time.Minute

// SweepInterval is how often the stale-request sweeper runs.
const SweepInterval = 30 * time.Second

type pendingRequest struct {
	sentAt time.Time
	result chan *Message
}

// Session wraps one worker's WebSocket connection: outbound queue,
// pending-request correlation map, and backpressure accounting.
type Session struct {
	ID       string
	AgentID  string
	Role     string
	conn     *websocket.Conn
	outbound chan *Message
	clock    ids.Clock

	mu              sync.Mutex
	pending         map[string]*pendingRequest
	consecutiveDrop int
	closed          bool

	onClose func(reason string)
}

// NewSession wraps conn in a Session identified by agentID/role.
func NewSession(conn *websocket.Conn, agentID, role string, clock ids.Clock) *Session {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Session{
		ID:       ids.New(),
		AgentID:  agentID,
		Role:     role,
		conn:     conn,
		outbound: make(chan *Message, OutboundQueueCap),
		pending:  make(map[string]*pendingRequest),
		clock:    clock,
	}
}

// WriteLoop drains the outbound queue to the socket until the session
// closes. Run this in its own goroutine per session.
func (s *Session) WriteLoop() {
	for msg := range s.outbound {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.Close("write error")
			return
		}
	}
}

// Enqueue attempts a non-blocking send. On a full queue it increments the
// drop counter and, past MaxConsecutiveDrops, closes the session as a
// SlowConsumer. A successful send resets the counter.
//
// The closed check and the channel send happen under the same lock
// acquisition — never released in between — so a concurrent Close can't
// close s.outbound after Enqueue has already decided it's open, which
// would otherwise panic on "send on closed channel". The send itself is
// non-blocking (select/default), so holding the lock across it doesn't
// risk contention with WriteLoop, which takes s.mu only through Close
// after a socket write error.
func (s *Session) Enqueue(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.New(apperrors.Transport, "session closed").WithField("reason", "disconnected")
	}

	select {
	case s.outbound <- msg:
		s.consecutiveDrop = 0
		return nil
	default:
		s.consecutiveDrop++
		drops := s.consecutiveDrop
		if drops >= MaxConsecutiveDrops {
			// closeLocked runs with s.mu already held; Close itself would
			// deadlock trying to reacquire it.
			s.closeLocked("slow_consumer")
			return apperrors.New(apperrors.Transport, "session closed: slow consumer").WithField("reason", "slow_consumer")
		}
		return apperrors.New(apperrors.Transport, "outbound queue full, message dropped").WithField("reason", "backpressure")
	}
}

// SendRequest enqueues a request and blocks until a matching response
// arrives, ctx is done, or the session closes. On an already-closed
// session it returns an apperrors.Transport error with
// reason=disconnected; if the session closes while the request waits, it
// returns a nil error and a response whose Error has CodeDisconnected.
func (s *Session) SendRequest(ctx context.Context, method string, params interface{}) (*Message, error) {
	id := ids.New()
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Input, "build request", err)
	}

	resultCh := make(chan *Message, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.New(apperrors.Transport, "session disconnected").WithField("reason", "disconnected")
	}
	s.pending[id] = &pendingRequest{sentAt: s.clock.Now(), result: resultCh}
	s.mu.Unlock()

	if err := s.Enqueue(req); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-resultCh:
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.Timeout, "request timed out", ctx.Err())
	}
}

// Resolve delivers a response frame to the pending request it matches,
// reporting false if no such pending request exists (a late or duplicate
// response).
func (s *Session) Resolve(resp *Message) bool {
	if resp.ID == nil {
		return false
	}
	s.mu.Lock()
	pending, ok := s.pending[*resp.ID]
	if ok {
		delete(s.pending, *resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	pending.result <- resp
	return true
}

// SweepStale cancels pending requests older than StaleRequestFloor,
// delivering them a synthetic timeout response.
func (s *Session) SweepStale(now time.Time) int {
	s.mu.Lock()
	var stale []string
	for id, p := range s.pending {
		if now.Sub(p.sentAt) >= StaleRequestFloor {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		p := s.pending[id]
		delete(s.pending, id)
		p.result <- NewError(id, CodeTimeout, "request exceeded stale floor")
	}
	s.mu.Unlock()
	return len(stale)
}

// Close marks the session closed, fails all pending requests with
// Disconnected, closes the outbound channel, and invokes onClose if set.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

// closeLocked is Close's body, callable by code that already holds s.mu
// (Enqueue's slow-consumer path). It returns false without effect if the
// session was already closed.
func (s *Session) closeLocked(reason string) bool {
	if s.closed {
		return false
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)

	for id, p := range pending {
		p.result <- NewError(id, CodeDisconnected, "session disconnected")
	}
	close(s.outbound)
	s.conn.Close()
	if s.onClose != nil {
		s.onClose(reason)
	}
	return true
}

func (s *Session) SetOnClose(fn func(reason string)) { s.onClose = fn }

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
