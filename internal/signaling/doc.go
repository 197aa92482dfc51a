// Package signaling implements the push relay: browser clients hold a
// WebSocket open, join a named room, and exchange opaque peer-negotiation
// payloads through the server. The relay addresses and delivers messages but
// never inspects them.
package signaling
