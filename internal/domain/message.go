package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType tags the wire-level message union.
type MessageType string

const (
	TypeJoinSession  MessageType = "join-session"
	TypeLeaveSession MessageType = "leave-session"
	TypeDrawingEvent MessageType = "drawing-event"
	TypeCursorMove   MessageType = "cursor-move"
	TypeChatMessage  MessageType = "chat-message"
	TypeStateUpdate  MessageType = "state-update"
	TypeWebRTCSignal MessageType = "webrtc-signal"

	// Server-synthesized presence and snapshot notifications.
	TypeUserJoined   MessageType = "user-joined"
	TypeUserLeft     MessageType = "user-left"
	TypeSessionState MessageType = "session-state"

	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

var ErrMalformedMessage = errors.New("malformed message")

// ClearSentinel is the reset drawing event understood by receivers.
// It is broadcast like any drawing event but carries no drawable element.
const ClearSentinel = "clear"

// JoinPayload carries the join-session variant.
type JoinPayload struct {
	IsHost bool `json:"isHost"`
}

// DrawPayload wraps one drawing operation. The event body is opaque to the
// broadcast layer except for its id (idempotent-upsert key on receivers) and
// the clear sentinel.
type DrawPayload struct {
	Event json.RawMessage `json:"event"`
}

// EventID extracts the drawing element id, empty for the clear sentinel.
func (p *DrawPayload) EventID() string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Event, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// IsClear reports whether the payload is the reset sentinel.
func (p *DrawPayload) IsClear() bool {
	var s string
	if err := json.Unmarshal(p.Event, &s); err != nil {
		return false
	}
	return s == ClearSentinel
}

type CursorPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ChatPayload struct {
	ID       string `json:"id"`
	Text     string `json:"message"`
	UserName string `json:"userName,omitempty"`
}

type StatePayload struct {
	State json.RawMessage `json:"state"`
}

// SignalPayload carries peer-connection negotiation blobs. The broadcast
// layer routes them (unicast when To is set) but never inspects Signal.
type SignalPayload struct {
	Signal     json.RawMessage `json:"signal"`
	SignalType string          `json:"signalType"`
	To         UserID          `json:"to,omitempty"`
}

// MemberInfo is one row of a session-state snapshot.
type MemberInfo struct {
	ConnectionID ConnectionID `json:"connectionId"`
	UserID       UserID       `json:"userId,omitempty"`
	IsHost       bool         `json:"isHost"`
}

// Message is the typed union exchanged on the bus. Exactly one payload
// pointer is non-nil, matching Type; ping/pong carry none. Adapters decode
// raw frames once via Parse so everything downstream consumes typed data.
type Message struct {
	Type      MessageType
	SessionID SessionID
	UserID    UserID
	Timestamp int64 // milliseconds since epoch, non-decreasing per sender

	Join    *JoinPayload
	Draw    *DrawPayload
	Cursor  *CursorPayload
	Chat    *ChatPayload
	State   *StatePayload
	Signal  *SignalPayload
	Members []MemberInfo
}

// wireMessage is the flat JSON shape of §external interfaces: one object per
// frame, variant fields inlined next to the common ones.
type wireMessage struct {
	Type       MessageType     `json:"type"`
	SessionID  SessionID       `json:"sessionId,omitempty"`
	UserID     UserID          `json:"userId,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	IsHost     *bool           `json:"isHost,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	X          *float64        `json:"x,omitempty"`
	Y          *float64        `json:"y,omitempty"`
	ID         string          `json:"id,omitempty"`
	Text       string          `json:"message,omitempty"`
	UserName   string          `json:"userName,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
	SignalType string          `json:"signalType,omitempty"`
	To         UserID          `json:"to,omitempty"`
	Members    []MemberInfo    `json:"members,omitempty"`
}

// NowMillis is the timestamp tag for freshly built messages.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Parse decodes one raw frame into a typed Message. Unknown types and
// missing variant fields are ErrMalformedMessage; callers drop the frame.
func Parse(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	m := &Message{
		Type:      w.Type,
		SessionID: w.SessionID,
		UserID:    w.UserID,
		Timestamp: w.Timestamp,
	}
	switch w.Type {
	case TypeJoinSession:
		p := &JoinPayload{}
		if w.IsHost != nil {
			p.IsHost = *w.IsHost
		}
		m.Join = p
	case TypeLeaveSession:
		// common fields only
	case TypeDrawingEvent:
		if len(w.Event) == 0 {
			return nil, fmt.Errorf("%w: drawing-event without event", ErrMalformedMessage)
		}
		m.Draw = &DrawPayload{Event: w.Event}
	case TypeCursorMove:
		if w.X == nil || w.Y == nil {
			return nil, fmt.Errorf("%w: cursor-move without coordinates", ErrMalformedMessage)
		}
		m.Cursor = &CursorPayload{X: *w.X, Y: *w.Y}
	case TypeChatMessage:
		if w.ID == "" || w.Text == "" {
			return nil, fmt.Errorf("%w: chat-message without id or body", ErrMalformedMessage)
		}
		m.Chat = &ChatPayload{ID: w.ID, Text: w.Text, UserName: w.UserName}
	case TypeStateUpdate:
		if len(w.State) == 0 {
			return nil, fmt.Errorf("%w: state-update without state", ErrMalformedMessage)
		}
		m.State = &StatePayload{State: w.State}
	case TypeWebRTCSignal:
		if len(w.Signal) == 0 || w.SignalType == "" {
			return nil, fmt.Errorf("%w: webrtc-signal without signal", ErrMalformedMessage)
		}
		m.Signal = &SignalPayload{Signal: w.Signal, SignalType: w.SignalType, To: w.To}
	case TypeUserJoined:
		p := &JoinPayload{}
		if w.IsHost != nil {
			p.IsHost = *w.IsHost
		}
		m.Join = p
	case TypeUserLeft:
		// common fields only
	case TypeSessionState:
		m.Members = w.Members
	case TypePing, TypePong:
		// keepalive, no payload
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
	return m, nil
}

// Encode renders the message back to its flat wire form.
func (m *Message) Encode() ([]byte, error) {
	w := wireMessage{
		Type:      m.Type,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Timestamp: m.Timestamp,
		Members:   m.Members,
	}
	if m.Join != nil {
		w.IsHost = &m.Join.IsHost
	}
	if m.Draw != nil {
		w.Event = m.Draw.Event
	}
	if m.Cursor != nil {
		w.X, w.Y = &m.Cursor.X, &m.Cursor.Y
	}
	if m.Chat != nil {
		w.ID, w.Text, w.UserName = m.Chat.ID, m.Chat.Text, m.Chat.UserName
	}
	if m.State != nil {
		w.State = m.State.State
	}
	if m.Signal != nil {
		w.Signal = m.Signal.Signal
		w.SignalType = m.Signal.SignalType
		w.To = m.Signal.To
	}
	return json.Marshal(w)
}

// Persistable reports whether the message belongs in the replay buffer.
// Cursor moves are ephemeral; signaling must never be replayed.
func (m *Message) Persistable() bool {
	switch m.Type {
	case TypeChatMessage, TypeDrawingEvent, TypeStateUpdate, TypeUserJoined, TypeUserLeft:
		return true
	default:
		return false
	}
}
