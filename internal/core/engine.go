package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
	"github.com/Abdevlo/inkstream-sub000/internal/store"
)

var ErrUnroutableMessage = errors.New("unroutable message")

// DeliveryReport summarizes one fan-out. Failed connections have already
// been removed from the registry by the time the report is returned.
type DeliveryReport struct {
	Delivered int
	Failed    []domain.ConnectionID
}

// Engine multicasts messages to a session's live connections and appends
// persistable ones to the replay buffer. Both transport adapters route
// inbound traffic through HandleMessage so semantics are identical
// regardless of which transport a participant is on.
type Engine struct {
	registry *Registry
	replay   *ReplayBuffer
	sessions store.SessionStore // optional, nil disables record upkeep
}

func NewEngine(reg *Registry, replay *ReplayBuffer, sessions store.SessionStore) *Engine {
	return &Engine{registry: reg, replay: replay, sessions: sessions}
}

func (e *Engine) Registry() *Registry   { return e.registry }
func (e *Engine) Replay() *ReplayBuffer { return e.replay }

// Broadcast fans the message out to every session member except exclude.
// A failed send marks that connection stale: it is removed and a synthetic
// leave is emitted on its behalf, while delivery to the rest proceeds.
func (e *Engine) Broadcast(msg *domain.Message, exclude domain.ConnectionID) DeliveryReport {
	var report DeliveryReport
	frame, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "core.engine").Str("type", string(msg.Type)).Msg("encode for broadcast")
		return report
	}
	var stale []Member
	for _, m := range e.registry.MembersOf(msg.SessionID) {
		if m.ID == exclude {
			continue
		}
		if err := m.Sender.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "core.engine").Str("conn", string(m.ID)).Msg("stale connection dropped from broadcast")
			report.Failed = append(report.Failed, m.ID)
			stale = append(stale, m)
			continue
		}
		report.Delivered++
	}
	for _, m := range stale {
		e.evict(m.ID, msg.SessionID, m.UserID)
	}
	return report
}

// Unicast delivers to the single session member with the given userId,
// used for directed signaling. Returns false when no such member exists.
func (e *Engine) Unicast(sid domain.SessionID, target domain.UserID, msg *domain.Message) bool {
	frame, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "core.engine").Str("type", string(msg.Type)).Msg("encode for unicast")
		return false
	}
	for _, m := range e.registry.MembersOf(sid) {
		if m.UserID != target {
			continue
		}
		if err := m.Sender.TrySend(frame); err != nil {
			e.evict(m.ID, sid, m.UserID)
			return false
		}
		return true
	}
	return false
}

// HandleMessage is the single inbound dispatch point shared by the
// websocket and polling adapters. The message has already been parsed;
// per-type fan-out and persistence policy live here.
func (e *Engine) HandleMessage(from domain.ConnectionID, msg *domain.Message) error {
	conn, ok := e.registry.Get(from)
	if !ok {
		return fmt.Errorf("%w: unknown connection %s", ErrUnroutableMessage, from)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = domain.NowMillis()
	}
	if msg.SessionID == "" {
		msg.SessionID = conn.SessionID
	}
	if msg.UserID == "" {
		msg.UserID = conn.UserID
	}

	switch msg.Type {
	case domain.TypeJoinSession:
		return e.handleJoin(from, msg)

	case domain.TypeLeaveSession:
		e.handleLeave(from, msg.Timestamp)
		return nil

	case domain.TypeDrawingEvent:
		if msg.SessionID == "" {
			return fmt.Errorf("%w: drawing-event outside a session", ErrUnroutableMessage)
		}
		e.replay.Append(msg.SessionID, msg)
		// Sender already applied the event locally; echoing it back
		// would double-apply on some receivers.
		e.Broadcast(msg, from)
		return nil

	case domain.TypeCursorMove:
		// Ephemeral: never buffered, stale coordinates are worthless.
		e.Broadcast(msg, from)
		return nil

	case domain.TypeChatMessage, domain.TypeStateUpdate:
		if msg.SessionID == "" {
			return fmt.Errorf("%w: %s outside a session", ErrUnroutableMessage, msg.Type)
		}
		e.replay.Append(msg.SessionID, msg)
		e.Broadcast(msg, "")
		return nil

	case domain.TypeWebRTCSignal:
		if msg.Signal != nil && msg.Signal.To != "" {
			if !e.Unicast(msg.SessionID, msg.Signal.To, msg) {
				log.Debug().Str("module", "core.engine").Str("session", string(msg.SessionID)).Str("to", string(msg.Signal.To)).Msg("signal target not found")
			}
			return nil
		}
		e.Broadcast(msg, from)
		return nil

	case domain.TypePing, domain.TypePong:
		// Keepalive is answered at the adapter boundary.
		return nil

	default:
		return fmt.Errorf("%w: type %q", ErrUnroutableMessage, msg.Type)
	}
}

// Disconnect tears a connection down on transport close or timeout,
// broadcasting a synthetic leave if it was in a session.
func (e *Engine) Disconnect(id domain.ConnectionID) {
	conn, ok := e.registry.Get(id)
	if !ok {
		return
	}
	e.registry.Remove(id)
	if conn.SessionID != "" {
		e.announceLeft(conn.SessionID, conn.UserID, domain.NowMillis())
		e.maybeReclaim(conn.SessionID)
	}
}

func (e *Engine) handleJoin(from domain.ConnectionID, msg *domain.Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("%w: join-session without sessionId", ErrUnroutableMessage)
	}
	isHost := msg.Join != nil && msg.Join.IsHost

	prev, _ := e.registry.Get(from)
	if !e.registry.Join(from, msg.SessionID, msg.UserID, isHost) {
		return fmt.Errorf("%w: unknown connection %s", ErrUnroutableMessage, from)
	}
	if prev.SessionID != "" && prev.SessionID != msg.SessionID {
		e.announceLeft(prev.SessionID, prev.UserID, msg.Timestamp)
		e.maybeReclaim(prev.SessionID)
	}
	e.touchRecord(msg.SessionID, msg.UserID, isHost)

	// Presence goes to the existing members only; rejoins on the same
	// session stay silent so transport failover does not spam churn.
	if prev.SessionID != msg.SessionID {
		joined := &domain.Message{
			Type:      domain.TypeUserJoined,
			SessionID: msg.SessionID,
			UserID:    msg.UserID,
			Timestamp: msg.Timestamp,
			Join:      &domain.JoinPayload{IsHost: isHost},
		}
		e.replay.Append(msg.SessionID, joined)
		e.Broadcast(joined, from)
	}

	// Snapshot reply lets the joiner render current membership at once.
	if sender, ok := e.registry.SenderOf(from); ok {
		snapshot := &domain.Message{
			Type:      domain.TypeSessionState,
			SessionID: msg.SessionID,
			Timestamp: domain.NowMillis(),
		}
		for _, m := range e.registry.MembersOf(msg.SessionID) {
			snapshot.Members = append(snapshot.Members, domain.MemberInfo{
				ConnectionID: m.ID,
				UserID:       m.UserID,
				IsHost:       m.IsHost,
			})
		}
		if frame, err := snapshot.Encode(); err == nil {
			_ = sender.TrySend(frame)
		}
	}
	return nil
}

func (e *Engine) handleLeave(from domain.ConnectionID, ts int64) {
	conn, ok := e.registry.Get(from)
	if !ok {
		return
	}
	if sid, ok := e.registry.Leave(from); ok {
		e.announceLeft(sid, conn.UserID, ts)
		e.maybeReclaim(sid)
	}
}

func (e *Engine) evict(id domain.ConnectionID, sid domain.SessionID, uid domain.UserID) {
	e.registry.Remove(id)
	e.announceLeft(sid, uid, domain.NowMillis())
	e.maybeReclaim(sid)
}

func (e *Engine) announceLeft(sid domain.SessionID, uid domain.UserID, ts int64) {
	left := &domain.Message{
		Type:      domain.TypeUserLeft,
		SessionID: sid,
		UserID:    uid,
		Timestamp: ts,
	}
	e.replay.Append(sid, left)
	e.Broadcast(left, "")
}

// maybeReclaim drops replay history and idles the session record once the
// last member is gone.
func (e *Engine) maybeReclaim(sid domain.SessionID) {
	if e.registry.SessionExists(sid) {
		return
	}
	e.replay.Release(sid)
	if e.sessions != nil {
		if err := e.sessions.UpdateStatus(context.Background(), sid, store.StatusIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Warn().Err(err).Str("module", "core.engine").Str("session", string(sid)).Msg("idle session record")
		}
	}
}

// touchRecord lazily creates the session record on first join and marks it
// live. Record upkeep is best-effort; failures never block the join.
func (e *Engine) touchRecord(sid domain.SessionID, uid domain.UserID, isHost bool) {
	if e.sessions == nil {
		return
	}
	ctx := context.Background()
	_, err := e.sessions.GetSession(ctx, sid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec := &store.Record{ID: sid, Status: store.StatusLive}
		if isHost {
			rec.HostUserID = uid
		}
		if err := e.sessions.CreateSession(ctx, rec); err != nil {
			log.Warn().Err(err).Str("module", "core.engine").Str("session", string(sid)).Msg("create session record")
		}
	case err != nil:
		log.Warn().Err(err).Str("module", "core.engine").Str("session", string(sid)).Msg("load session record")
	default:
		if err := e.sessions.UpdateStatus(ctx, sid, store.StatusLive); err != nil {
			log.Warn().Err(err).Str("module", "core.engine").Str("session", string(sid)).Msg("mark session live")
		}
	}
}

// Stats reports live session and connection counts for the health surface.
func (e *Engine) Stats() (sessions, connections int) {
	return e.registry.Stats()
}
