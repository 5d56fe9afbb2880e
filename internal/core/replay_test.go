package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Abdevlo/inkstream-sub000/internal/domain"
)

func chatAt(ts int64) *domain.Message {
	return &domain.Message{
		Type:      domain.TypeChatMessage,
		SessionID: "s1",
		Timestamp: ts,
		Chat:      &domain.ChatPayload{ID: fmt.Sprintf("m%d", ts), Text: "x"},
	}
}

func TestReplay_BoundedFIFO(t *testing.T) {
	b := NewReplayBuffer(3)
	for ts := int64(1); ts <= 4; ts++ {
		b.Append("s1", chatAt(ts))
	}
	require.Equal(t, 3, b.Len("s1"))

	got := b.Since("s1", 0)
	require.Len(t, got, 3)
	// oldest evicted first: 2..4 remain
	assert.Equal(t, int64(2), got[0].Timestamp)
	assert.Equal(t, int64(4), got[2].Timestamp)
}

func TestReplay_SinceStrictAndAscending(t *testing.T) {
	b := NewReplayBuffer(10)
	for _, ts := range []int64{5, 1, 3} {
		b.Append("s1", chatAt(ts))
	}

	got := b.Since("s1", 1)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Timestamp)
	assert.Equal(t, int64(5), got[1].Timestamp)

	// advancing cursor never re-returns a seen message
	got = b.Since("s1", got[1].Timestamp)
	assert.Empty(t, got)
}

func TestReplay_EvictedGapIsSilent(t *testing.T) {
	b := NewReplayBuffer(2)
	for ts := int64(1); ts <= 5; ts++ {
		b.Append("s1", chatAt(ts))
	}
	// cursor predates the oldest buffered entry; the gap is simply lost
	got := b.Since("s1", 0)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Timestamp)
	assert.Equal(t, int64(5), got[1].Timestamp)
}

func TestReplay_SessionsAreIsolated(t *testing.T) {
	b := NewReplayBuffer(10)
	b.Append("s1", chatAt(1))
	assert.Empty(t, b.Since("s2", 0))
}

func TestReplay_Release(t *testing.T) {
	b := NewReplayBuffer(10)
	b.Append("s1", chatAt(1))
	require.True(t, b.Has("s1"))
	b.Release("s1")
	assert.False(t, b.Has("s1"))
	assert.Empty(t, b.Since("s1", 0))
}

func TestReplay_DefaultCapacity(t *testing.T) {
	b := NewReplayBuffer(0)
	for ts := int64(1); ts <= DefaultReplayCapacity+10; ts++ {
		b.Append("s1", chatAt(ts))
	}
	assert.Equal(t, DefaultReplayCapacity, b.Len("s1"))
}
