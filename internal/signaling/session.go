package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalmesh/relay/internal/metrics"
	"github.com/signalmesh/relay/internal/ratelimit"
	"github.com/signalmesh/relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// sendQueueLen bounds how many undelivered events a connection may buffer.
// A full queue means the recipient is not draining its socket; the connection
// is dropped instead of letting it stall senders.
const sendQueueLen = 64

// connTable maps live session handles to their connections.
type connTable struct {
	mu sync.RWMutex
	m  map[registry.Handle]*session
}

func newConnTable() *connTable {
	return &connTable{m: make(map[registry.Handle]*session)}
}

func (t *connTable) add(s *session) {
	t.mu.Lock()
	t.m[s.handle] = s
	t.mu.Unlock()
}

func (t *connTable) remove(s *session) {
	t.mu.Lock()
	if t.m[s.handle] == s {
		delete(t.m, s.handle)
	}
	t.mu.Unlock()
}

func (t *connTable) get(h registry.Handle) *session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[h]
}

// session is one connected client. The read loop runs on the HTTP handler's
// goroutine; a separate write pump drains the send queue so delivery never
// blocks request handling.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	handle registry.Handle
	log    *slog.Logger

	limiter *ratelimit.TokenBucket

	send chan []byte
	// closeSend wakes the write pump for a final close frame.
	closeSend chan closeFrame

	// room is the room this session has joined, if any. Only the read loop
	// touches it.
	room string
	name string

	closeOnce sync.Once
	done      chan struct{}
	// writerDone closes when the write pump exits; teardown waits on it so a
	// pending close frame is not cut off by conn.Close.
	writerDone chan struct{}
}

type closeFrame struct {
	code   int
	reason string
}

// enqueue hands an event to the write pump without blocking. Overflow drops
// the whole connection: the client has stopped reading and lossy-fast beats
// stalling a sender.
func (s *session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		s.srv.metrics.Inc(metrics.SendQueueOverflow)
		s.log.Warn("send queue overflow, dropping connection")
		s.close()
	}
}

// sendEvent marshals and enqueues an event for this session itself.
func (s *session) sendEvent(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (s *session) sendError(code, message string) {
	s.sendEvent(errorEvent{Type: messageTypeError, Code: code, Message: message})
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// requestClose asks the write pump to emit a proper close frame before the
// connection is torn down.
func (s *session) requestClose(code int, reason string) {
	select {
	case s.closeSend <- closeFrame{code: code, reason: reason}:
	default:
	}
	s.close()
}

// writePump is the only writer on the connection. It drains the send queue,
// emits keepalive pings, and finishes with a close frame when asked to.
func (s *session) writePump() {
	// Closing the connection here unwinds a read loop that may be blocked in
	// ReadMessage with no traffic, so the handler's disconnect cleanup always
	// runs no matter which side initiated the teardown.
	defer close(s.writerDone)
	defer func() { _ = s.conn.Close() }()

	var ping <-chan time.Time
	if s.srv.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.srv.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-ping:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case frame := <-s.closeSend:
			s.drainQueued()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(frame.code, frame.reason), time.Now().Add(wsWriteWait))
			return
		case <-s.done:
			// A close request may have raced with shutdown; flush queued
			// replies (e.g. a final error event) before any close frame.
			s.drainQueued()
			select {
			case frame := <-s.closeSend:
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(frame.code, frame.reason), time.Now().Add(wsWriteWait))
			default:
			}
			return
		}
	}
}

func (s *session) drainQueued() {
	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readLoop processes client messages until the connection dies. The caller
// runs the disconnect cleanup when it returns.
func (s *session) readLoop() {
	s.conn.SetReadLimit(s.srv.cfg.MaxMessageBytes)
	s.resetReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.resetReadDeadline()
		return nil
	})

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.resetReadDeadline()

		// The limit applies after the read so bytes already buffered by the
		// kernel are consumed before the connection is closed; closing with
		// unread data risks an abortive close that eats the close frame.
		if s.limiter != nil && !s.limiter.Allow(1) {
			s.srv.metrics.Inc(metrics.SignalRateLimited)
			s.requestClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			s.requestClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			s.sendError("bad_message", err.Error())
			s.requestClose(websocket.ClosePolicyViolation, "bad message")
			return
		}

		switch msg.Type {
		case messageTypeJoin:
			s.handleJoin(msg)
		case messageTypeLeave:
			s.handleLeave(msg)
		case messageTypeSignal:
			s.handleSignal(msg)
		}
	}
}

func (s *session) resetReadDeadline() {
	if s.srv.cfg.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.IdleTimeout))
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
}

func (s *session) handleJoin(msg clientMessage) {
	if msg.Room == "" {
		s.sendError("bad_request", "no room specified")
		return
	}
	name := msg.Name
	if name == "" {
		name = "Anonymous"
	}

	existing, err := s.srv.reg.Join(msg.Room, s.handle, name)
	if err != nil {
		// Already in a room; the client must leave first.
		s.sendError("already_joined", "leave the current room before joining another")
		return
	}
	s.room = msg.Room
	s.name = name

	s.srv.metrics.Inc(metrics.Join)
	if len(existing) == 0 {
		s.srv.metrics.Inc(metrics.RoomCreated)
	}
	s.log.Info("participant joined", "room", msg.Room, "name", name, "peers", len(existing))

	peers := make([]peerInfo, 0, len(existing))
	for _, m := range existing {
		peers = append(peers, peerInfoFromMember(m))
	}
	s.sendEvent(joinedEvent{
		Type:  messageTypeJoined,
		Room:  msg.Room,
		You:   peerInfo{Handle: string(s.handle), Name: name},
		Peers: peers,
	})

	s.srv.router.Broadcast(msg.Room, participantEvent{
		Type:   messageTypeNewParticipant,
		Handle: string(s.handle),
		Name:   name,
	}, s.handle)
}

func (s *session) handleLeave(msg clientMessage) {
	if s.room == "" {
		return
	}
	if msg.Room != "" && msg.Room != s.room {
		return
	}
	room := s.room
	m, ok := s.srv.reg.Leave(room, s.handle)
	s.room = ""
	if !ok {
		return
	}

	s.srv.metrics.Inc(metrics.Leave)
	if len(s.srv.reg.Members(room)) == 0 {
		s.srv.metrics.Inc(metrics.RoomDeleted)
	}
	s.log.Info("participant left", "room", room, "name", m.Name)

	s.srv.router.Broadcast(room, participantEvent{
		Type:   messageTypeParticipantLeft,
		Handle: string(s.handle),
		Name:   m.Name,
	}, s.handle)
}

func (s *session) handleSignal(msg clientMessage) {
	// Matching the relay policy: a signal with no target or no payload is
	// silently ignored, and so is one to a target that is not live.
	if msg.To == "" || len(msg.Signal) == 0 {
		return
	}
	s.srv.router.Unicast(registry.Handle(msg.To), signalEvent{
		Type:   messageTypeSignal,
		From:   string(s.handle),
		Signal: msg.Signal,
	})
}

// disconnect runs exactly once when the connection dies, whether or not an
// explicit leave happened first; the registry makes the second removal a
// no-op.
func (s *session) disconnect() {
	room, m, ok := s.srv.reg.Disconnect(s.handle)
	if !ok {
		return
	}
	s.srv.metrics.Inc(metrics.Disconnect)
	if len(s.srv.reg.Members(room)) == 0 {
		s.srv.metrics.Inc(metrics.RoomDeleted)
	}
	s.log.Info("participant disconnected", "room", room, "name", m.Name)

	s.srv.router.Broadcast(room, participantEvent{
		Type:   messageTypeParticipantLeft,
		Handle: string(s.handle),
		Name:   m.Name,
	}, s.handle)
}
