package core

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

// DefaultReplayCapacity bounds each session's history.
const DefaultReplayCapacity = 100

// ReplayBuffer keeps a bounded FIFO of persistable messages per session so
// polling clients can catch up. Eviction is strict oldest-first; a cursor
// that predates the oldest entry silently loses the gap.
type ReplayBuffer struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[domain.SessionID][]*domain.Message
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = DefaultReplayCapacity
	}
	return &ReplayBuffer{
		capacity: capacity,
		buffers:  make(map[domain.SessionID][]*domain.Message),
	}
}

// Append pushes one message, evicting the oldest entry at capacity.
func (b *ReplayBuffer) Append(sid domain.SessionID, msg *domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.buffers[sid]
	if len(buf) >= b.capacity {
		copy(buf, buf[1:])
		buf = buf[:len(buf)-1]
	}
	b.buffers[sid] = append(buf, msg)
}

// Since returns buffered messages with timestamp strictly greater than the
// cursor, ascending. Never blocks; repeated calls with advancing cursors
// never return an already-seen message.
func (b *ReplayBuffer) Since(sid domain.SessionID, cursor int64) []*domain.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buf := b.buffers[sid]
	out := make([]*domain.Message, 0, len(buf))
	for _, m := range buf {
		if m.Timestamp > cursor {
			out = append(out, m)
		}
	}
	// Append order already tracks arrival; sort stabilizes cross-sender
	// interleavings into the ascending order callers rely on.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Len reports the current buffer size for one session.
func (b *ReplayBuffer) Len(sid domain.SessionID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buffers[sid])
}

// Has reports whether the session has any buffered history.
func (b *ReplayBuffer) Has(sid domain.SessionID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.buffers[sid]
	return ok
}

// Release drops a session's history once the session is reclaimed.
func (b *ReplayBuffer) Release(sid domain.SessionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buffers[sid]; ok {
		delete(b.buffers, sid)
		log.Debug().Str("module", "core.replay").Str("session", string(sid)).Msg("replay buffer released")
	}
}
