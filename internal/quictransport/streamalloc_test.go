package quictransport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamAllocator_RegisterAndAllocate(t *testing.T) {
	a := NewStreamAllocator()
	id := NewConnectionID()

	require.NoError(t, a.RegisterConnection(id))
	require.ErrorIs(t, a.RegisterConnection(id), ErrConnectionExists)

	streamID, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), streamID)

	streamID2, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), streamID2)
}

func TestStreamAllocator_ControlRangeIsSingleSlot(t *testing.T) {
	a := NewStreamAllocator()
	id := NewConnectionID()
	require.NoError(t, a.RegisterConnection(id))

	streamID, err := a.AllocateStream(id, Control)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), streamID)

	_, err = a.AllocateStream(id, Control)
	require.ErrorIs(t, err, ErrStreamRangeExhausted)
}

func TestStreamAllocator_ReleaseThenReallocateDoesNotImmediatelyReuse(t *testing.T) {
	a := NewStreamAllocator()
	id := NewConnectionID()
	require.NoError(t, a.RegisterConnection(id))

	first, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	require.NoError(t, a.ReleaseStream(id, first))

	second, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second, "cursor should advance past the freed id rather than reusing it immediately")

	third, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third)
}

func TestStreamAllocator_ExhaustionAndWraparoundReuse(t *testing.T) {
	a := NewStreamAllocator()
	id := NewConnectionID()
	require.NoError(t, a.RegisterConnection(id))

	r, _ := rangeFor(ChatMessage)
	allocated := make([]uint64, 0, r.size())
	for i := uint64(0); i < r.size(); i++ {
		streamID, err := a.AllocateStream(id, ChatMessage)
		require.NoError(t, err)
		allocated = append(allocated, streamID)
	}

	_, err := a.AllocateStream(id, ChatMessage)
	require.ErrorIs(t, err, ErrStreamRangeExhausted)

	require.NoError(t, a.ReleaseStream(id, allocated[0]))

	reused, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)
	assert.Equal(t, allocated[0], reused)
}

func TestStreamAllocator_UnknownConnection(t *testing.T) {
	a := NewStreamAllocator()
	_, err := a.AllocateStream(NewConnectionID(), ChatMessage)
	require.ErrorIs(t, err, ErrConnectionNotRegistered)
}

func TestStreamAllocator_StatsAcrossConnections(t *testing.T) {
	a := NewStreamAllocator()
	id1, id2 := NewConnectionID(), NewConnectionID()
	require.NoError(t, a.RegisterConnection(id1))
	require.NoError(t, a.RegisterConnection(id2))

	_, err := a.AllocateStream(id1, ChatMessage)
	require.NoError(t, err)
	_, err = a.AllocateStream(id2, FileTransfer)
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, 2, stats.TotalStreams)
	assert.Equal(t, 1, stats.CountByType[ChatMessage])
	assert.Equal(t, 1, stats.CountByType[FileTransfer])
}

func TestStreamAllocator_UnregisterDropsState(t *testing.T) {
	a := NewStreamAllocator()
	id := NewConnectionID()
	require.NoError(t, a.RegisterConnection(id))
	_, err := a.AllocateStream(id, ChatMessage)
	require.NoError(t, err)

	a.UnregisterConnection(id)
	_, err = a.AllocateStream(id, ChatMessage)
	require.ErrorIs(t, err, ErrConnectionNotRegistered)
}

func TestMessageTypeFromStreamID(t *testing.T) {
	cases := map[uint64]MessageType{
		0:   Control,
		1:   ChatMessage,
		99:  ChatMessage,
		100: FileTransfer,
		199: FileTransfer,
		200: BotCommand,
		299: BotCommand,
	}
	for id, want := range cases {
		got, ok := messageTypeFromStreamID(id)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := messageTypeFromStreamID(300)
	assert.False(t, ok)
}
