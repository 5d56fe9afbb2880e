// Package core holds the transport-agnostic broadcast machinery: the
// connection registry, the session broadcast engine and the replay buffer.
// Adapters feed it typed messages; it never touches transport resources.
package core

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

var ErrDuplicateConnection = errors.New("duplicate connection id")

// Frame is one encoded wire message.
type Frame []byte

// Sender is the transport handle the engine fans out through.
// Owned by the adapter; the adapter must Close() it.
type Sender interface {
	TrySend(Frame) error
}

// Connection is one participant-transport pairing tracked by the registry.
type Connection struct {
	ID          domain.ConnectionID
	SessionID   domain.SessionID // empty until joined
	UserID      domain.UserID
	IsHost      bool
	Transport   domain.TransportMode
	ConnectedAt time.Time
	LastSeen    time.Time
}

type connEntry struct {
	conn   Connection
	sender Sender
}

// Member is a snapshot row handed to the engine for fan-out. The snapshot is
// taken under the registry lock so a concurrent broadcast never observes a
// half-applied membership change.
type Member struct {
	ID     domain.ConnectionID
	UserID domain.UserID
	IsHost bool
	Sender Sender
}

// Registry is the single source of truth for connectionId → Connection and
// sessionId → member set. A connection belongs to at most one session;
// Join atomically moves it out of any previous session.
type Registry struct {
	mu       sync.RWMutex
	conns    map[domain.ConnectionID]*connEntry
	sessions map[domain.SessionID]map[domain.ConnectionID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[domain.ConnectionID]*connEntry),
		sessions: make(map[domain.SessionID]map[domain.ConnectionID]struct{}),
	}
}

// Register creates a fresh entry with no session membership.
func (r *Registry) Register(id domain.ConnectionID, transport domain.TransportMode, sender Sender) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return Connection{}, ErrDuplicateConnection
	}
	now := time.Now()
	e := &connEntry{
		conn:   Connection{ID: id, Transport: transport, ConnectedAt: now, LastSeen: now},
		sender: sender,
	}
	r.conns[id] = e
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Msg("connection registered")
	return e.conn, nil
}

// Join adds the connection to a session, creating the session if absent.
// A connection already in another session is removed from it first, under
// the same lock. Re-joining the same session only refreshes identity.
func (r *Registry) Join(id domain.ConnectionID, sid domain.SessionID, uid domain.UserID, isHost bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	if prev := e.conn.SessionID; prev != "" && prev != sid {
		r.dropMember(prev, id)
	}
	members, ok := r.sessions[sid]
	if !ok {
		members = make(map[domain.ConnectionID]struct{})
		r.sessions[sid] = members
	}
	members[id] = struct{}{}
	e.conn.SessionID = sid
	e.conn.UserID = uid
	e.conn.IsHost = isHost
	e.conn.LastSeen = time.Now()
	log.Info().Str("module", "core.registry").Str("conn", string(id)).Str("session", string(sid)).Bool("host", isHost).Msg("joined session")
	return true
}

// Leave removes session membership but keeps the connection registered.
// Returns the session left, if any.
func (r *Registry) Leave(id domain.ConnectionID) (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.conn.SessionID == "" {
		return "", false
	}
	sid := e.conn.SessionID
	r.dropMember(sid, id)
	e.conn.SessionID = ""
	log.Info().Str("module", "core.registry").Str("conn", string(id)).Str("session", string(sid)).Msg("left session")
	return sid, true
}

// Remove forgets the connection entirely. Used on transport teardown and
// when a send reveals the connection is stale.
func (r *Registry) Remove(id domain.ConnectionID) (domain.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	sid := e.conn.SessionID
	if sid != "" {
		r.dropMember(sid, id)
	}
	delete(r.conns, id)
	log.Debug().Str("module", "core.registry").Str("conn", string(id)).Msg("connection removed")
	return sid, sid != ""
}

// MembersOf snapshots a session's membership.
func (r *Registry) MembersOf(sid domain.SessionID) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(ids))
	for id := range ids {
		if e, ok := r.conns[id]; ok {
			out = append(out, Member{ID: id, UserID: e.conn.UserID, IsHost: e.conn.IsHost, Sender: e.sender})
		}
	}
	return out
}

// Get returns a copy of the connection record.
func (r *Registry) Get(id domain.ConnectionID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return e.conn, true
}

// SenderOf returns the transport handle for one connection.
func (r *Registry) SenderOf(id domain.ConnectionID) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.sender, true
}

// SessionExists reports whether the session currently has any members.
func (r *Registry) SessionExists(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sid]
	return ok
}

// Touch refreshes liveness for polling connections.
func (r *Registry) Touch(id domain.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.conn.LastSeen = time.Now()
	}
}

// IdleSince lists polling connections not seen since the cutoff. The
// sweeper evicts these as synthetic leaves; socket connections signal
// liveness through the transport itself.
func (r *Registry) IdleSince(cutoff time.Time) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ConnectionID
	for id, e := range r.conns {
		if e.conn.Transport == domain.TransportPolling && e.conn.LastSeen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// Stats reports live session and connection counts.
func (r *Registry) Stats() (sessions, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.conns)
}

// dropMember must run under r.mu. Empty sessions are deleted eagerly.
func (r *Registry) dropMember(sid domain.SessionID, id domain.ConnectionID) {
	members, ok := r.sessions[sid]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.sessions, sid)
		log.Debug().Str("module", "core.registry").Str("session", string(sid)).Msg("session emptied")
	}
}
