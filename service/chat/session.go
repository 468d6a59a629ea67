package chat

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"careline/logger"
	"careline/service/metrics"
	"careline/tools/errs"

	"github.com/gorilla/websocket"
)

// Session close reasons, carried in the session_closed frame.
const (
	ReasonBackpressure    = "backpressure"
	ReasonDuplicateDevice = "duplicate_device"
	ReasonWriteError      = "write_error"
	ReasonPeerClosed      = "peer_closed"
	ReasonHeartbeat       = "heartbeat_timeout"
	ReasonShutdown        = "shutdown"
)

// Transport is the write side of one connection. The websocket implementation
// is below; tests substitute an in-memory one.
type Transport interface {
	WriteFrame(fr *Frame, timeout time.Duration) error
	Close() error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(fr *Frame, timeout time.Duration) error {
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error { return t.conn.Close() }

// convState tracks delivery ordering for one attached conversation. Until
// replay finishes (live == false) router pushes are parked in pending; the
// flush on OpenLive drops anything the backlog already covered, so a client
// never sees a live frame before an older backlog one, and never a duplicate.
type convState struct {
	live     bool
	lastSent int64
	pending  []pendingDelivery
}

type pendingDelivery struct {
	pos   int64
	frame *Frame
}

// Session is one live transport connection. A single writer goroutine owns
// the socket (gorilla writes cannot be concurrent); everything else goes
// through the bounded send channel. When the bound is exceeded the session is
// closed rather than buffered without limit.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	tr           Transport
	sendCh       chan *Frame
	writeTimeout time.Duration

	mu       sync.Mutex
	attached map[string]*convState

	closeOnce   sync.Once
	closedCh    chan struct{}
	closeReason string
	sendClosed  bool // final session_closed frame already queued by pump

	onClose func(s *Session, reason string)
}

func NewSession(id, userID, deviceID string, tr Transport, queueSize int, writeTimeout time.Duration, onClose func(*Session, string)) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if onClose == nil {
		onClose = func(*Session, string) {}
	}
	return &Session{
		ID:           id,
		UserID:       userID,
		DeviceID:     deviceID,
		tr:           tr,
		sendCh:       make(chan *Frame, queueSize),
		writeTimeout: writeTimeout,
		attached:     make(map[string]*convState),
		closedCh:     make(chan struct{}),
		onClose:      onClose,
	}
}

// Run is the writer pump. Blocks until the session closes; callers start it
// in its own goroutine. On close it writes the final session_closed frame
// (it is the sole writer) and releases the transport. Frames still queued at
// close are dropped; replay covers them on the next connect.
func (s *Session) Run() {
	for {
		select {
		case <-s.closedCh:
			s.finish()
			return
		case fr := <-s.sendCh:
			if err := s.tr.WriteFrame(fr, s.writeTimeout); err != nil {
				logger.Infof("[session] write failed sid=%s user=%s err=%v", s.ID, s.UserID, err)
				s.closeWith(ReasonWriteError)
				s.finish()
				return
			}
		}
	}
}

func (s *Session) finish() {
	s.mu.Lock()
	reason := s.closeReason
	notify := !s.sendClosed && reason != ReasonWriteError && reason != ReasonPeerClosed
	s.sendClosed = true
	s.mu.Unlock()

	if notify {
		_ = s.tr.WriteFrame(BuildSessionClosed(reason), s.writeTimeout)
	}
	_ = s.tr.Close()
	s.onClose(s, reason)
}

// Close tears the session down exactly once. Safe from any goroutine.
func (s *Session) Close(reason string) {
	s.closeWith(reason)
}

func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
		close(s.closedCh)
	})
}

func (s *Session) Closed() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Attach registers a conversation in the replaying state. Idempotent.
func (s *Session) Attach(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attached[conversationID]; !ok {
		s.attached[conversationID] = &convState{}
	}
}

// Detach forgets a conversation (used when replay setup fails).
func (s *Session) Detach(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, conversationID)
}

// PushBacklog queues a backlog frame and advances the session's high-water
// mark to upTo. Only valid while the conversation is still replaying.
func (s *Session) PushBacklog(conversationID string, fr *Frame, upTo int64) error {
	s.mu.Lock()
	st, ok := s.attached[conversationID]
	if ok && upTo > st.lastSent {
		st.lastSent = upTo
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.enqueue(fr)
}

// OpenLive drains buffered deliveries in position order, then flips the
// conversation to live. The conversation stays in the replaying state until
// the buffer is empty: deliveries arriving while a flush batch is being
// enqueued park and are picked up by the next pass, so a concurrent
// higher-position delivery can never overtake a buffered lower one.
func (s *Session) OpenLive(conversationID string) {
	for {
		s.mu.Lock()
		st, ok := s.attached[conversationID]
		if !ok {
			s.mu.Unlock()
			return
		}
		if len(st.pending) == 0 {
			st.live = true
			s.mu.Unlock()
			return
		}
		pend := st.pending
		st.pending = nil
		sort.Slice(pend, func(i, j int) bool { return pend[i].pos < pend[j].pos })
		var flush []pendingDelivery
		for _, p := range pend {
			if p.pos > st.lastSent {
				st.lastSent = p.pos
				flush = append(flush, p)
			}
		}
		s.mu.Unlock()

		for _, p := range flush {
			if err := s.enqueue(p.frame); err != nil {
				return
			}
		}
	}
}

// Deliver pushes a live message frame. Not-attached conversations are
// dropped (the device gets them via replay when it attaches); during replay
// the frame is parked; duplicates below the high-water mark are dropped.
func (s *Session) Deliver(conversationID string, pos int64, fr *Frame) {
	s.mu.Lock()
	st, ok := s.attached[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !st.live {
		if len(st.pending) >= cap(s.sendCh) {
			s.mu.Unlock()
			s.Close(ReasonBackpressure)
			return
		}
		st.pending = append(st.pending, pendingDelivery{pos: pos, frame: fr})
		s.mu.Unlock()
		return
	}
	if pos <= st.lastSent {
		s.mu.Unlock()
		return
	}
	st.lastSent = pos
	s.mu.Unlock()

	_ = s.enqueue(fr)
}

// EnqueueControl queues a control frame (send_ack, reject, pong). Same
// backpressure policy as deliveries.
func (s *Session) EnqueueControl(fr *Frame) error {
	return s.enqueue(fr)
}

func (s *Session) enqueue(fr *Frame) error {
	if s.Closed() {
		return nil
	}
	select {
	case s.sendCh <- fr:
		return nil
	default:
		// Fail fast over unbounded buffering: a consumer that cannot keep
		// up is cut off and recovers via replay.
		s.Close(ReasonBackpressure)
		return errs.ErrSessionBackpressure
	}
}
