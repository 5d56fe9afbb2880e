// Package domain contains the shared message vocabulary and identifiers.
package domain

// SessionID names a collaboration session. Issued externally, opaque here.
type SessionID string

// ConnectionID identifies one transport-bound participant handle.
// Server-generated, stable for the connection's lifetime.
type ConnectionID string

// UserID is the client-supplied participant identity. May be empty.
type UserID string

// TransportMode is the transport a client instance is currently confirmed on.
type TransportMode int

const (
	TransportNone TransportMode = iota
	TransportWebSocket
	TransportPolling
)

func (m TransportMode) String() string {
	switch m {
	case TransportWebSocket:
		return "websocket"
	case TransportPolling:
		return "polling"
	default:
		return "none"
	}
}
