package signaling

import (
	"strings"
	"testing"
)

func TestParseClientMessage_Valid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		typ  messageType
	}{
		{"join", `{"type":"join","room":"r1","name":"alice"}`, messageTypeJoin},
		{"join without name", `{"type":"join","room":"r1"}`, messageTypeJoin},
		{"leave", `{"type":"leave"}`, messageTypeLeave},
		{"leave with room", `{"type":"leave","room":"r1"}`, messageTypeLeave},
		{"signal", `{"type":"signal","to":"h-1","signal":{"sdp":"x"}}`, messageTypeSignal},
		{"signal with non-object payload", `{"type":"signal","to":"h-1","signal":[1,2]}`, messageTypeSignal},
	}

	for _, tc := range cases {
		msg, err := parseClientMessage([]byte(tc.in))
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
			continue
		}
		if msg.Type != tc.typ {
			t.Errorf("%s: type = %q", tc.name, msg.Type)
		}
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ``},
		{"not json", `hello`},
		{"unknown type", `{"type":"dance"}`},
		{"no type", `{"room":"r1"}`},
		{"unknown field", `{"type":"join","room":"r1","color":"red"}`},
		{"join with signal fields", `{"type":"join","room":"r1","to":"x"}`},
		{"leave with name", `{"type":"leave","name":"alice"}`},
		{"signal with room", `{"type":"signal","to":"x","signal":{},"room":"r1"}`},
		{"trailing data", `{"type":"leave"}{"type":"leave"}`},
	}

	for _, tc := range cases {
		if _, err := parseClientMessage([]byte(tc.in)); err == nil {
			t.Errorf("%s: expected parse error", tc.name)
		}
	}
}

func TestParseClientMessage_PayloadIsOpaque(t *testing.T) {
	raw := `{"type":"signal","to":"h-1","signal":{"anything":["goes",42],"nested":{"deep":true}}}`
	msg, err := parseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	// The payload comes back byte-for-byte; the relay never normalizes it.
	if !strings.Contains(string(msg.Signal), `"nested":{"deep":true}`) {
		t.Fatalf("signal payload altered: %s", msg.Signal)
	}
}
