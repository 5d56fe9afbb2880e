package core

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

type mockSender struct {
	mu      sync.Mutex
	frames  []Frame
	sendErr error
}

func (m *mockSender) TrySend(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *mockSender) received(t *testing.T) []*domain.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Message, 0, len(m.frames))
	for _, f := range m.frames {
		msg, err := domain.Parse(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (m *mockSender) countOf(t *testing.T, mt domain.MessageType) int {
	t.Helper()
	n := 0
	for _, msg := range m.received(t) {
		if msg.Type == mt {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewRegistry(), NewReplayBuffer(10), nil)
}

func joinSession(t *testing.T, e *Engine, id domain.ConnectionID, uid domain.UserID, isHost bool, ts int64) *mockSender {
	t.Helper()
	s := &mockSender{}
	_, err := e.Registry().Register(id, domain.TransportWebSocket, s)
	require.NoError(t, err)
	require.NoError(t, e.HandleMessage(id, &domain.Message{
		Type:      domain.TypeJoinSession,
		SessionID: "s1",
		UserID:    uid,
		Timestamp: ts,
		Join:      &domain.JoinPayload{IsHost: isHost},
	}))
	return s
}

func TestEngine_DrawingEventExcludesSender(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)
	c := joinSession(t, e, "C", "carol", false, 3)

	buffered := e.Replay().Len("s1")
	err := e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeDrawingEvent,
		SessionID: "s1",
		Timestamp: 4,
		Draw:      &domain.DrawPayload{Event: json.RawMessage(`{"id":"e1","op":"rect"}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, a.countOf(t, domain.TypeDrawingEvent))
	assert.Equal(t, 1, b.countOf(t, domain.TypeDrawingEvent))
	assert.Equal(t, 1, c.countOf(t, domain.TypeDrawingEvent))
	assert.Equal(t, buffered+1, e.Replay().Len("s1"), "drawing events are buffered for catch-up")
}

func TestEngine_ChatIncludesSender(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)
	c := joinSession(t, e, "C", "carol", false, 3)

	err := e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeChatMessage,
		SessionID: "s1",
		Timestamp: 4,
		Chat:      &domain.ChatPayload{ID: "m1", Text: "hi"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, a.countOf(t, domain.TypeChatMessage))
	assert.Equal(t, 1, b.countOf(t, domain.TypeChatMessage))
	assert.Equal(t, 1, c.countOf(t, domain.TypeChatMessage))
}

func TestEngine_CursorMoveIsEphemeral(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)

	buffered := e.Replay().Len("s1")
	err := e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeCursorMove,
		SessionID: "s1",
		Timestamp: 3,
		Cursor:    &domain.CursorPayload{X: 10, Y: 20},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, a.countOf(t, domain.TypeCursorMove))
	assert.Equal(t, 1, b.countOf(t, domain.TypeCursorMove))
	assert.Equal(t, buffered, e.Replay().Len("s1"), "cursor moves must never be buffered")
}

func TestEngine_JoinNotifiesExistingMembersOnly(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)

	// A saw B arrive; B did not see its own presence event.
	assert.Equal(t, 1, a.countOf(t, domain.TypeUserJoined))
	assert.Equal(t, 0, b.countOf(t, domain.TypeUserJoined))

	// the joiner gets a membership snapshot instead
	assert.Equal(t, 1, b.countOf(t, domain.TypeSessionState))
	snap := b.received(t)[0]
	require.Equal(t, domain.TypeSessionState, snap.Type)
	assert.Len(t, snap.Members, 2)
}

func TestEngine_RejoinIsIdempotentAndSilent(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	joinSession(t, e, "B", "bob", false, 2)

	// B re-issues join after a transport switch
	require.NoError(t, e.HandleMessage("B", &domain.Message{
		Type:      domain.TypeJoinSession,
		SessionID: "s1",
		UserID:    "bob",
		Timestamp: 3,
		Join:      &domain.JoinPayload{},
	}))

	assert.Equal(t, 1, a.countOf(t, domain.TypeUserJoined), "rejoin must not repeat presence")
	assert.Len(t, e.Registry().MembersOf("s1"), 2)
}

func TestEngine_DirectedSignalUnicast(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)
	c := joinSession(t, e, "C", "carol", false, 3)

	buffered := e.Replay().Len("s1")
	err := e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeWebRTCSignal,
		SessionID: "s1",
		Timestamp: 4,
		Signal:    &domain.SignalPayload{Signal: json.RawMessage(`{"sdp":"x"}`), SignalType: "offer", To: "bob"},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, a.countOf(t, domain.TypeWebRTCSignal))
	assert.Equal(t, 1, b.countOf(t, domain.TypeWebRTCSignal))
	assert.Equal(t, 0, c.countOf(t, domain.TypeWebRTCSignal))
	assert.Equal(t, buffered, e.Replay().Len("s1"), "signaling must never be buffered")

	assert.False(t, e.Unicast("s1", "nobody", &domain.Message{
		Type:      domain.TypeWebRTCSignal,
		SessionID: "s1",
		Signal:    &domain.SignalPayload{Signal: json.RawMessage(`{}`), SignalType: "offer"},
	}))
}

func TestEngine_UndirectedSignalExcludesSender(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)

	err := e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeWebRTCSignal,
		SessionID: "s1",
		Timestamp: 3,
		Signal:    &domain.SignalPayload{Signal: json.RawMessage(`{"sdp":"x"}`), SignalType: "offer"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, a.countOf(t, domain.TypeWebRTCSignal))
	assert.Equal(t, 1, b.countOf(t, domain.TypeWebRTCSignal))
}

func TestEngine_StaleConnectionIsEvictedMidBroadcast(t *testing.T) {
	e := newTestEngine(t)
	joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)
	c := joinSession(t, e, "C", "carol", false, 3)

	b.mu.Lock()
	b.sendErr = assert.AnError
	b.mu.Unlock()

	report := e.Broadcast(&domain.Message{
		Type:      domain.TypeChatMessage,
		SessionID: "s1",
		Timestamp: 4,
		Chat:      &domain.ChatPayload{ID: "m1", Text: "hi"},
	}, "")

	assert.Equal(t, 2, report.Delivered)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, domain.ConnectionID("B"), report.Failed[0])

	// B is gone and the survivors saw a synthetic leave for bob
	_, ok := e.Registry().Get("B")
	assert.False(t, ok)
	assert.Len(t, e.Registry().MembersOf("s1"), 2)
	assert.Equal(t, 1, c.countOf(t, domain.TypeUserLeft))
}

func TestEngine_DisconnectSynthesizesLeave(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	joinSession(t, e, "B", "bob", false, 2)

	e.Disconnect("B")

	require.Equal(t, 1, a.countOf(t, domain.TypeUserLeft))
	for _, msg := range a.received(t) {
		if msg.Type == domain.TypeUserLeft {
			assert.Equal(t, domain.UserID("bob"), msg.UserID)
		}
	}
	_, ok := e.Registry().Get("B")
	assert.False(t, ok)
}

func TestEngine_ReclaimReleasesReplayOnLastLeave(t *testing.T) {
	e := newTestEngine(t)
	joinSession(t, e, "A", "alice", true, 1)
	require.True(t, e.Replay().Has("s1"))

	e.Disconnect("A")
	assert.False(t, e.Replay().Has("s1"))
}

func TestEngine_CollaborationScenario(t *testing.T) {
	e := newTestEngine(t)
	a := joinSession(t, e, "A", "alice", true, 1)
	b := joinSession(t, e, "B", "bob", false, 2)

	require.NoError(t, e.HandleMessage("A", &domain.Message{
		Type:      domain.TypeDrawingEvent,
		SessionID: "s1",
		Timestamp: 100,
		Draw:      &domain.DrawPayload{Event: json.RawMessage(`{"id":"e1","op":"rect"}`)},
	}))
	assert.Equal(t, 0, a.countOf(t, domain.TypeDrawingEvent))
	assert.Equal(t, 1, b.countOf(t, domain.TypeDrawingEvent))

	require.NoError(t, e.HandleMessage("B", &domain.Message{
		Type:      domain.TypeChatMessage,
		SessionID: "s1",
		Timestamp: 200,
		Chat:      &domain.ChatPayload{ID: "m1", Text: "hi"},
	}))
	assert.Equal(t, 1, a.countOf(t, domain.TypeChatMessage))
	assert.Equal(t, 1, b.countOf(t, domain.TypeChatMessage))

	// A drops abruptly; B hears about it
	e.Disconnect("A")
	require.Equal(t, 1, b.countOf(t, domain.TypeUserLeft))

	// a polling catch-up sees the drawing then the chat, in that order
	updates := e.Replay().Since("s1", 0)
	var drawIdx, chatIdx = -1, -1
	for i, m := range updates {
		switch m.Type {
		case domain.TypeDrawingEvent:
			drawIdx = i
		case domain.TypeChatMessage:
			chatIdx = i
		}
	}
	require.GreaterOrEqual(t, drawIdx, 0)
	require.GreaterOrEqual(t, chatIdx, 0)
	assert.Less(t, drawIdx, chatIdx)
}
