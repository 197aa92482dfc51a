package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalmesh/relay/internal/metrics"
	"github.com/signalmesh/relay/internal/registry"
)

type wireEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	You     peerInfo        `json:"you"`
	Peers   []peerInfo      `json:"peers"`
	Handle  string          `json:"handle"`
	Name    string          `json:"name"`
	From    string          `json:"from"`
	Signal  json.RawMessage `json:"signal"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type testRig struct {
	t   *testing.T
	srv *Server
	reg *registry.Registry
	m   *metrics.Metrics
	ts  *httptest.Server
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()

	reg := registry.New()
	m := metrics.New()
	cfg.Registry = reg
	cfg.Metrics = m
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	return &testRig{t: t, srv: srv, reg: reg, m: m, ts: ts}
}

func (r *testRig) dial() *websocket.Conn {
	r.t.Helper()
	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		r.t.Fatalf("dial: %v", err)
	}
	r.t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(v)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

// expectNoEvent asserts that nothing arrives within the window.
func expectNoEvent(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(window))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, got %q", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

func join(t *testing.T, conn *websocket.Conn, room, name string) wireEvent {
	t.Helper()
	sendJSON(t, conn, `{"type":"join","room":"`+room+`","name":"`+name+`"}`)
	ev := readEvent(t, conn)
	if ev.Type != "joined" {
		t.Fatalf("expected joined reply, got %+v", ev)
	}
	return ev
}

func TestJoin_FirstJoinerGetsEmptyPeerList(t *testing.T) {
	rig := newTestRig(t, Config{})
	conn := rig.dial()

	ev := join(t, conn, "x", "alice")
	if ev.Room != "x" || ev.You.Name != "alice" || ev.You.Handle == "" {
		t.Fatalf("bad joined reply %+v", ev)
	}
	if len(ev.Peers) != 0 {
		t.Fatalf("expected empty peer list, got %v", ev.Peers)
	}
	if got := rig.reg.RoomCount(); got != 1 {
		t.Fatalf("expected 1 room, got %d", got)
	}
}

func TestJoin_SecondJoinerSeesFirstAndFirstIsNotified(t *testing.T) {
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()

	a := join(t, connA, "x", "alice")
	b := join(t, connB, "x", "bob")

	if len(b.Peers) != 1 || b.Peers[0].Handle != a.You.Handle || b.Peers[0].Name != "alice" {
		t.Fatalf("bob's peer list should contain exactly alice, got %v", b.Peers)
	}

	ev := readEvent(t, connA)
	if ev.Type != "new-participant" || ev.Handle != b.You.Handle || ev.Name != "bob" {
		t.Fatalf("alice should see exactly one new-participant for bob, got %+v", ev)
	}
	expectNoEvent(t, connA, 150*time.Millisecond)
}

func TestJoin_MissingRoomIsRecoverableError(t *testing.T) {
	rig := newTestRig(t, Config{})
	conn := rig.dial()

	sendJSON(t, conn, `{"type":"join","room":"","name":"alice"}`)
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "bad_request" {
		t.Fatalf("expected bad_request error, got %+v", ev)
	}

	// The connection survives; a corrected join works.
	join(t, conn, "x", "alice")
}

func TestJoin_TwiceIsRejected(t *testing.T) {
	rig := newTestRig(t, Config{})
	conn := rig.dial()

	join(t, conn, "x", "alice")
	sendJSON(t, conn, `{"type":"join","room":"y","name":"alice"}`)
	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "already_joined" {
		t.Fatalf("expected already_joined error, got %+v", ev)
	}
	if got := rig.reg.RoomCount(); got != 1 {
		t.Fatalf("expected the second room not to exist, got %d rooms", got)
	}
}

func TestSignal_DeliveredOnlyToTarget(t *testing.T) {
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()
	connC := rig.dial()

	a := join(t, connA, "x", "alice")
	join(t, connB, "x", "bob")
	readEvent(t, connA) // new-participant bob
	c := join(t, connC, "x", "carol")
	readEvent(t, connA) // new-participant carol
	readEvent(t, connB) // new-participant carol
	_ = c

	sendJSON(t, connB, `{"type":"signal","to":"`+a.You.Handle+`","signal":{"sdp":"offer-from-bob"}}`)

	ev := readEvent(t, connA)
	if ev.Type != "signal" {
		t.Fatalf("expected signal event, got %+v", ev)
	}
	if ev.From == a.You.Handle || ev.From == "" {
		t.Fatalf("signal must carry the sender's handle, got %q", ev.From)
	}
	if !strings.Contains(string(ev.Signal), "offer-from-bob") {
		t.Fatalf("payload mangled: %s", ev.Signal)
	}

	// Nobody else observes the unicast, including the sender.
	expectNoEvent(t, connB, 150*time.Millisecond)
	expectNoEvent(t, connC, 150*time.Millisecond)

	if got := rig.m.Get(metrics.SignalRelayed); got != 1 {
		t.Fatalf("expected 1 relayed signal, got %d", got)
	}
}

func TestSignal_UnknownTargetIsSilentlyDropped(t *testing.T) {
	rig := newTestRig(t, Config{})
	conn := rig.dial()
	join(t, conn, "x", "alice")

	sendJSON(t, conn, `{"type":"signal","to":"no-such-handle","signal":{"sdp":"x"}}`)

	// No error comes back: the sender must not learn whether the target is
	// connected. The drop is only visible in metrics.
	expectNoEvent(t, conn, 150*time.Millisecond)
	if got := rig.m.Get(metrics.SignalUnknownTarget); got != 1 {
		t.Fatalf("expected 1 unknown-target drop, got %d", got)
	}
	// A dropped send is not a relayed one.
	if got := rig.m.Get(metrics.SignalRelayed); got != 0 {
		t.Fatalf("unknown-target drop also counted as relayed (%d)", got)
	}
}

func TestLeave_BroadcastsAndDeletesEmptyRoom(t *testing.T) {
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()

	join(t, connA, "x", "alice")
	b := join(t, connB, "x", "bob")
	readEvent(t, connA) // new-participant bob

	sendJSON(t, connB, `{"type":"leave"}`)

	ev := readEvent(t, connA)
	if ev.Type != "participant-left" || ev.Handle != b.You.Handle || ev.Name != "bob" {
		t.Fatalf("expected participant-left for bob, got %+v", ev)
	}
	expectNoEvent(t, connA, 150*time.Millisecond)

	waitFor(t, func() bool { return rig.reg.ParticipantCount() == 1 })

	// Last member out deletes the room.
	sendJSON(t, connA, `{"type":"leave"}`)
	waitFor(t, func() bool { return rig.reg.RoomCount() == 0 })
}

func TestDisconnect_ActsAsLeave(t *testing.T) {
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()

	join(t, connA, "x", "alice")
	b := join(t, connB, "x", "bob")
	readEvent(t, connA) // new-participant bob

	connB.Close()

	ev := readEvent(t, connA)
	if ev.Type != "participant-left" || ev.Handle != b.You.Handle {
		t.Fatalf("expected participant-left after disconnect, got %+v", ev)
	}
	waitFor(t, func() bool { return rig.reg.ParticipantCount() == 1 })
}

func TestLeaveThenDisconnect_SingleParticipantLeftEvent(t *testing.T) {
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()

	join(t, connA, "x", "alice")
	join(t, connB, "x", "bob")
	readEvent(t, connA) // new-participant bob

	// Explicit leave immediately followed by the socket dying: the remaining
	// member must see exactly one participant-left.
	sendJSON(t, connB, `{"type":"leave"}`)
	connB.Close()

	ev := readEvent(t, connA)
	if ev.Type != "participant-left" || ev.Name != "bob" {
		t.Fatalf("expected participant-left for bob, got %+v", ev)
	}
	expectNoEvent(t, connA, 300*time.Millisecond)
}

func TestMalformedMessage_ErrorThenClose(t *testing.T) {
	rig := newTestRig(t, Config{})
	conn := rig.dial()

	sendJSON(t, conn, `{"type":"dance"}`)

	ev := readEvent(t, conn)
	if ev.Type != "error" || ev.Code != "bad_message" {
		t.Fatalf("expected bad_message error, got %+v", ev)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy-violation close, got %v", err)
	}
}

func TestRateLimit_ClosesConnection(t *testing.T) {
	rig := newTestRig(t, Config{MaxMessagesPerSecond: 1})
	conn := rig.dial()

	// Burst of one allowed; the second message trips the limiter.
	sendJSON(t, conn, `{"type":"leave"}`)
	sendJSON(t, conn, `{"type":"leave"}`)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
			t.Fatalf("expected policy-violation close, got %v", err)
		}
		break
	}
	if got := rig.m.Get(metrics.SignalRateLimited); got != 1 {
		t.Fatalf("expected 1 rate-limited drop, got %d", got)
	}
}

func TestSendQueueOverflow_UnregistersStalledReader(t *testing.T) {
	rig := newTestRig(t, Config{MaxMessagesPerSecond: 1 << 20})
	victim := rig.dial()
	flooder := rig.dial()

	v := join(t, victim, "r", "victim")
	join(t, flooder, "r", "flooder")

	// The victim stops reading here. Its socket buffers fill first, then the
	// write pump blocks and the send queue backs up until a delivery
	// overflows it; large payloads keep that quick.
	payload := `{"type":"signal","to":"` + v.You.Handle + `","signal":{"pad":"` +
		strings.Repeat("x", 8192) + `"}}`

	deadline := time.Now().Add(15 * time.Second)
	for rig.m.Get(metrics.SendQueueOverflow) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("send queue never overflowed")
		}
		sendJSON(t, flooder, payload)
	}

	// Dropping the connection must also unwind its read loop, otherwise the
	// victim stays registered while every event to it is discarded.
	waitFor(t, func() bool { return rig.reg.ParticipantCount() == 1 })
	if room, ok := rig.reg.Room(registry.Handle(v.You.Handle)); ok {
		t.Fatalf("victim still registered in room %q after send-queue overflow", room)
	}
}

func TestSignalBeforeJoin_StillRouted(t *testing.T) {
	// A connection is addressable from the moment it connects; joining a room
	// is only about membership, not reachability.
	rig := newTestRig(t, Config{})
	connA := rig.dial()
	connB := rig.dial()

	a := join(t, connA, "x", "alice")
	sendJSON(t, connB, `{"type":"signal","to":"`+a.You.Handle+`","signal":{"hello":true}}`)

	ev := readEvent(t, connA)
	if ev.Type != "signal" {
		t.Fatalf("expected signal, got %+v", ev)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}
