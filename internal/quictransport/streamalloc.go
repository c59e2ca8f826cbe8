package quictransport

import "sync"

// MessageType classifies a stream by the kind of traffic it carries.
// Each type owns a disjoint range of stream ids.
type MessageType int

const (
	Control MessageType = iota
	ChatMessage
	FileTransfer
	BotCommand
)

func (t MessageType) String() string {
	switch t {
	case Control:
		return "control"
	case ChatMessage:
		return "chat_message"
	case FileTransfer:
		return "file_transfer"
	case BotCommand:
		return "bot_command"
	default:
		return "unknown"
	}
}

// streamRange is the inclusive [start, end] range of stream ids owned by a
// MessageType.
type streamRange struct {
	start, end uint64
}

func (r streamRange) size() uint64 {
	return r.end - r.start + 1
}

func rangeFor(t MessageType) (streamRange, bool) {
	switch t {
	case Control:
		return streamRange{0, 0}, true
	case ChatMessage:
		return streamRange{1, 99}, true
	case FileTransfer:
		return streamRange{100, 199}, true
	case BotCommand:
		return streamRange{200, 299}, true
	default:
		return streamRange{}, false
	}
}

// messageTypeFromStreamID returns the MessageType that owns the range
// containing id.
func messageTypeFromStreamID(id uint64) (MessageType, bool) {
	switch {
	case id == 0:
		return Control, true
	case id >= 1 && id <= 99:
		return ChatMessage, true
	case id >= 100 && id <= 199:
		return FileTransfer, true
	case id >= 200 && id <= 299:
		return BotCommand, true
	default:
		return 0, false
	}
}

// connectionStreams tracks the streams in use by one connection, along with
// a round-robin allocation cursor per MessageType.
type connectionStreams struct {
	active        map[uint64]MessageType
	nextStreamID  map[MessageType]uint64
}

func newConnectionStreams() *connectionStreams {
	return &connectionStreams{
		active:       make(map[uint64]MessageType),
		nextStreamID: make(map[MessageType]uint64),
	}
}

// allocate scans forward from the cursor, wrapping at the range end, for up
// to one full pass of the range, returning the first free id.
func (cs *connectionStreams) allocate(t MessageType) (uint64, error) {
	r, ok := rangeFor(t)
	if !ok {
		return 0, ErrUnknownMessageType
	}

	cursor, ok := cs.nextStreamID[t]
	if !ok || cursor < r.start || cursor > r.end {
		cursor = r.start
	}

	for attempt := uint64(0); attempt < r.size(); attempt++ {
		candidate := cursor
		cursor++
		if cursor > r.end {
			cursor = r.start
		}

		if _, taken := cs.active[candidate]; !taken {
			cs.active[candidate] = t
			cs.nextStreamID[t] = cursor
			return candidate, nil
		}
	}

	return 0, ErrStreamRangeExhausted
}

func (cs *connectionStreams) release(id uint64) {
	delete(cs.active, id)
}

func (cs *connectionStreams) streamType(id uint64) (MessageType, bool) {
	t, ok := cs.active[id]
	return t, ok
}

func (cs *connectionStreams) countForType(t MessageType) int {
	n := 0
	for _, mt := range cs.active {
		if mt == t {
			n++
		}
	}
	return n
}

// StreamAllocatorStats is a point-in-time snapshot used by diagnostics.
type StreamAllocatorStats struct {
	Connections    int
	TotalStreams   int
	CountByType    map[MessageType]int
}

// StreamAllocator hands out and reclaims per-connection stream ids within
// the fixed ranges owned by each MessageType.
type StreamAllocator struct {
	mu          sync.RWMutex
	connections map[ConnectionID]*connectionStreams
}

// NewStreamAllocator returns an empty allocator.
func NewStreamAllocator() *StreamAllocator {
	return &StreamAllocator{
		connections: make(map[ConnectionID]*connectionStreams),
	}
}

// RegisterConnection begins tracking streams for id. It is a no-op error if
// called twice for the same connection.
func (a *StreamAllocator) RegisterConnection(id ConnectionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.connections[id]; exists {
		return ErrConnectionExists
	}
	a.connections[id] = newConnectionStreams()
	return nil
}

// UnregisterConnection drops all stream bookkeeping for id.
func (a *StreamAllocator) UnregisterConnection(id ConnectionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connections, id)
}

// AllocateStream returns the next free stream id for t on connection id.
func (a *StreamAllocator) AllocateStream(id ConnectionID, t MessageType) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs, ok := a.connections[id]
	if !ok {
		return 0, ErrConnectionNotRegistered
	}
	return cs.allocate(t)
}

// ObserveAcceptedStream classifies a peer-initiated stream id by the range
// it falls in and, if id's connection is registered, marks the stream
// active so a later AllocateStream call does not hand out a colliding id
// within the same range.
func (a *StreamAllocator) ObserveAcceptedStream(id ConnectionID, streamID uint64) (MessageType, bool) {
	t, ok := messageTypeFromStreamID(streamID)
	if !ok {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if cs, exists := a.connections[id]; exists {
		cs.active[streamID] = t
	}
	return t, true
}

// ReleaseStream frees streamID on connection id, making it eligible for
// reuse on a future allocation within its range.
func (a *StreamAllocator) ReleaseStream(id ConnectionID, streamID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs, ok := a.connections[id]
	if !ok {
		return ErrConnectionNotRegistered
	}
	cs.release(streamID)
	return nil
}

// StreamType returns the MessageType that owns streamID on connection id.
func (a *StreamAllocator) StreamType(id ConnectionID, streamID uint64) (MessageType, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cs, ok := a.connections[id]
	if !ok {
		return 0, ErrConnectionNotRegistered
	}
	t, ok := cs.streamType(streamID)
	if !ok {
		return 0, ErrStreamNotFound
	}
	return t, nil
}

// ActiveStreamCount returns the number of streams in use by connection id.
func (a *StreamAllocator) ActiveStreamCount(id ConnectionID) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cs, ok := a.connections[id]
	if !ok {
		return 0, ErrConnectionNotRegistered
	}
	return len(cs.active), nil
}

// ActiveStreamCountForType returns the number of streams of type t in use by
// connection id.
func (a *StreamAllocator) ActiveStreamCountForType(id ConnectionID, t MessageType) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	cs, ok := a.connections[id]
	if !ok {
		return 0, ErrConnectionNotRegistered
	}
	return cs.countForType(t), nil
}

// Stats returns an aggregate snapshot across all registered connections.
func (a *StreamAllocator) Stats() StreamAllocatorStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := StreamAllocatorStats{
		Connections: len(a.connections),
		CountByType: make(map[MessageType]int, 4),
	}
	for _, cs := range a.connections {
		stats.TotalStreams += len(cs.active)
		for _, t := range cs.active {
			stats.CountByType[t]++
		}
	}
	return stats
}
