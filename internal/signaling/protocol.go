package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/signalmesh/relay/internal/registry"
)

type messageType string

const (
	messageTypeJoin   messageType = "join"
	messageTypeLeave  messageType = "leave"
	messageTypeSignal messageType = "signal"

	messageTypeJoined          messageType = "joined"
	messageTypeNewParticipant  messageType = "new-participant"
	messageTypeParticipantLeft messageType = "participant-left"
	messageTypeError           messageType = "error"
)

// clientMessage is the envelope for everything a client may send. Parsing is
// strict: unknown fields, trailing data, and fields that don't belong to the
// declared type are all rejected. Field semantics (a join with an empty room,
// a signal to nobody) are the session's concern, not the parser's.
type clientMessage struct {
	Type messageType `json:"type"`

	// join
	Room string `json:"room,omitempty"`
	Name string `json:"name,omitempty"`

	// signal. Signal is relayed verbatim; the relay never looks inside.
	To     string          `json:"to,omitempty"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if m.To != "" || len(m.Signal) != 0 {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeLeave:
		// An optional room is tolerated for symmetry with join; everything
		// else is rejected.
		if m.Name != "" || m.To != "" || len(m.Signal) != 0 {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case messageTypeSignal:
		if m.Room != "" || m.Name != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// peerInfo is how one participant appears to others on the wire.
type peerInfo struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

func peerInfoFromMember(m registry.Member) peerInfo {
	return peerInfo{Handle: string(m.Handle), Name: m.Name}
}

// joinedEvent is the reply to a successful join.
type joinedEvent struct {
	Type  messageType `json:"type"`
	Room  string      `json:"room"`
	You   peerInfo    `json:"you"`
	Peers []peerInfo  `json:"peers"`
}

// participantEvent announces a join or leave to the rest of the room.
type participantEvent struct {
	Type   messageType `json:"type"`
	Handle string      `json:"handle"`
	Name   string      `json:"name"`
}

// signalEvent carries a relayed payload to its target.
type signalEvent struct {
	Type   messageType     `json:"type"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// errorEvent reports a recoverable validation failure to the client.
type errorEvent struct {
	Type    messageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}
