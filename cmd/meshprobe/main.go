// meshprobe is an end-to-end smoke client for a running relay: it connects
// two WebRTC peers to the same room, relays their SDP and ICE through the
// signaling WebSocket, opens a data channel, and verifies an echo round trip.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const probeChannelLabel = "probe"

type peerRef struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

type clientEnvelope struct {
	Type   string          `json:"type"`
	Room   string          `json:"room,omitempty"`
	Name   string          `json:"name,omitempty"`
	To     string          `json:"to,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

type serverEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	You     peerRef         `json:"you"`
	Peers   []peerRef       `json:"peers"`
	Handle  string          `json:"handle"`
	Name    string          `json:"name"`
	From    string          `json:"from"`
	Signal  json.RawMessage `json:"signal"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// signalPayload is the opaque payload the relay forwards verbatim; both
// probe peers agree on this shape, the relay never looks inside it.
type signalPayload struct {
	Kind      string                     `json:"kind"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func main() {
	relayURL := flag.String("relay", "http://127.0.0.1:8080", "base URL of the relay")
	room := flag.String("room", "", "room to probe (default: random)")
	timeout := flag.Duration("timeout", 30*time.Second, "overall probe deadline")
	verbose := flag.Bool("v", false, "debug logging, including pion internals")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *room == "" {
		*room = fmt.Sprintf("probe-%06d", rand.Intn(1_000_000))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runProbe(ctx, logger, *relayURL, *room); err != nil {
		logger.Error("probe failed", "err", err)
		os.Exit(1)
	}
	fmt.Printf("PROBE OK room=%s\n", *room)
}

func runProbe(ctx context.Context, logger *slog.Logger, relayURL, room string) error {
	iceServers, err := fetchICEServers(ctx, relayURL)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}
	logger.Info("ice configuration fetched", "servers", len(iceServers))

	api := newProbeAPI(logger)

	answerer, err := connectPeer(ctx, logger.With("peer", "answerer"), relayURL, room, "probe-answerer")
	if err != nil {
		return fmt.Errorf("connect answerer: %w", err)
	}
	defer answerer.close()

	offerer, err := connectPeer(ctx, logger.With("peer", "offerer"), relayURL, room, "probe-offerer")
	if err != nil {
		return fmt.Errorf("connect offerer: %w", err)
	}
	defer offerer.close()

	if len(offerer.peers) != 1 || offerer.peers[0].Handle != answerer.handle {
		return fmt.Errorf("offerer joined room with peers %v, want exactly the answerer", offerer.peers)
	}

	echoed := make(chan string, 1)
	errCh := make(chan error, 2)

	go func() {
		if err := answerer.runAnswerer(ctx, api, iceServers); err != nil {
			errCh <- fmt.Errorf("answerer: %w", err)
		}
	}()
	go func() {
		if err := offerer.runOfferer(ctx, api, iceServers, answerer.handle, echoed); err != nil {
			errCh <- fmt.Errorf("offerer: %w", err)
		}
	}()

	select {
	case msg := <-echoed:
		logger.Info("echo round trip complete", "payload", msg)
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return fmt.Errorf("probe deadline exceeded: %w", ctx.Err())
	}
}

func fetchICEServers(ctx context.Context, relayURL string) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(relayURL, "/")+"/rtc/ice", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.ICEServers, nil
}

// newProbeAPI builds a WebRTC API whose internal logging feeds slog instead
// of pion's default stderr logger.
func newProbeAPI(logger *slog.Logger) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = slogLoggerFactory{log: logger.With("component", "pion")}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type probePeer struct {
	log    *slog.Logger
	conn   *websocket.Conn
	handle string
	room   string
	peers  []peerRef
}

func connectPeer(ctx context.Context, logger *slog.Logger, relayURL, room, name string) (*probePeer, error) {
	wsURL := strings.TrimSuffix(relayURL, "/") + "/ws"
	wsURL = "ws" + strings.TrimPrefix(wsURL, "http")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	p := &probePeer{log: logger, conn: conn, room: room}

	joinMsg, _ := json.Marshal(clientEnvelope{Type: "join", Room: room, Name: name})
	if err := conn.WriteMessage(websocket.TextMessage, joinMsg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	ev, err := p.readEvent(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("await joined: %w", err)
	}
	if ev.Type != "joined" {
		conn.Close()
		return nil, fmt.Errorf("expected joined event, got %s (%s: %s)", ev.Type, ev.Code, ev.Message)
	}
	p.handle = ev.You.Handle
	p.peers = ev.Peers
	logger.Info("joined", "room", room, "handle", p.handle, "peers", len(ev.Peers))
	return p, nil
}

func (p *probePeer) close() {
	leaveMsg, _ := json.Marshal(clientEnvelope{Type: "leave"})
	_ = p.conn.WriteMessage(websocket.TextMessage, leaveMsg)
	_ = p.conn.Close()
}

func (p *probePeer) readEvent(ctx context.Context) (serverEvent, error) {
	var ev serverEvent
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetReadDeadline(deadline)
	}
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decode event %q: %w", data, err)
	}
	return ev, nil
}

func (p *probePeer) sendSignal(to string, payload signalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(clientEnvelope{Type: "signal", To: to, Signal: raw})
	if err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, msg)
}

// runOfferer opens the data channel, sends the offer through the relay, and
// reports success once its payload comes back over the channel.
func (p *probePeer) runOfferer(ctx context.Context, api *webrtc.API, iceServers []webrtc.ICEServer, target string, echoed chan<- string) error {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return err
	}
	defer pc.Close()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		if err := p.sendSignal(target, signalPayload{Kind: "candidate", Candidate: &init}); err != nil {
			p.log.Warn("send candidate failed", "err", err)
		}
	})

	dc, err := pc.CreateDataChannel(probeChannelLabel, nil)
	if err != nil {
		return err
	}

	const payload = "meshprobe-ping"
	dc.OnOpen(func() {
		p.log.Info("data channel open")
		if err := dc.SendText(payload); err != nil {
			p.log.Warn("send over data channel failed", "err", err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if string(msg.Data) == payload {
			select {
			case echoed <- payload:
			default:
			}
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := p.sendSignal(target, signalPayload{Kind: "sdp", SDP: &offer}); err != nil {
		return err
	}

	return p.pumpSignals(ctx, pc, nil)
}

// runAnswerer waits for the offer, answers it, and echoes everything it
// receives on the probe channel.
func (p *probePeer) runAnswerer(ctx context.Context, api *webrtc.API, iceServers []webrtc.ICEServer) error {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return err
	}
	defer pc.Close()

	// The offerer's handle is only known once its offer arrives, but pion may
	// surface local candidates from another goroutine before then.
	var mu sync.Mutex
	var offererHandle string
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		mu.Lock()
		target := offererHandle
		mu.Unlock()
		if target == "" {
			return
		}
		init := c.ToJSON()
		if err := p.sendSignal(target, signalPayload{Kind: "candidate", Candidate: &init}); err != nil {
			p.log.Warn("send candidate failed", "err", err)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != probeChannelLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if err := dc.Send(msg.Data); err != nil {
				p.log.Warn("echo failed", "err", err)
			}
		})
	})

	answer := func(from string, sdp *webrtc.SessionDescription) error {
		mu.Lock()
		offererHandle = from
		mu.Unlock()
		if err := pc.SetRemoteDescription(*sdp); err != nil {
			return err
		}
		ans, err := pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		if err := pc.SetLocalDescription(ans); err != nil {
			return err
		}
		return p.sendSignal(from, signalPayload{Kind: "sdp", SDP: &ans})
	}

	return p.pumpSignals(ctx, pc, answer)
}

// pumpSignals drives the relay's event stream into the peer connection.
// onOffer is nil for the offerer, which only expects an answer back.
func (p *probePeer) pumpSignals(ctx context.Context, pc *webrtc.PeerConnection, onOffer func(from string, sdp *webrtc.SessionDescription) error) error {
	for {
		ev, err := p.readEvent(ctx)
		if err != nil {
			return err
		}
		switch ev.Type {
		case "signal":
			var payload signalPayload
			if err := json.Unmarshal(ev.Signal, &payload); err != nil {
				return fmt.Errorf("decode signal payload: %w", err)
			}
			switch payload.Kind {
			case "sdp":
				if payload.SDP == nil {
					return fmt.Errorf("sdp signal without description")
				}
				if payload.SDP.Type == webrtc.SDPTypeOffer {
					if onOffer == nil {
						return fmt.Errorf("unexpected offer from %s", ev.From)
					}
					if err := onOffer(ev.From, payload.SDP); err != nil {
						return err
					}
				} else if err := pc.SetRemoteDescription(*payload.SDP); err != nil {
					return err
				}
			case "candidate":
				if payload.Candidate == nil {
					return fmt.Errorf("candidate signal without candidate")
				}
				if err := pc.AddICECandidate(*payload.Candidate); err != nil {
					p.log.Warn("add ice candidate failed", "err", err)
				}
			}
		case "error":
			return fmt.Errorf("relay error %s: %s", ev.Code, ev.Message)
		case "new-participant", "participant-left":
			p.log.Debug("membership change", "type", ev.Type, "handle", ev.Handle)
		}
	}
}

// slogLoggerFactory bridges pion's leveled logging onto slog.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) Trace(msg string)                  { l.log.Debug(msg) }
func (l slogLeveled) Tracef(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Debug(msg string)                  { l.log.Debug(msg) }
func (l slogLeveled) Debugf(format string, args ...any) { l.log.Debug(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Info(msg string)                   { l.log.Info(msg) }
func (l slogLeveled) Infof(format string, args ...any)  { l.log.Info(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Warn(msg string)                   { l.log.Warn(msg) }
func (l slogLeveled) Warnf(format string, args ...any)  { l.log.Warn(fmt.Sprintf(format, args...)) }
func (l slogLeveled) Error(msg string)                  { l.log.Error(msg) }
func (l slogLeveled) Errorf(format string, args ...any) { l.log.Error(fmt.Sprintf(format, args...)) }
