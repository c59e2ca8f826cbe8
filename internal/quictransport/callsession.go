package quictransport

import (
	"sync"
	"time"
)

// CallKind distinguishes the media class of a CallSession.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// CallState is the lifecycle of a CallSession: Pending (rung, not yet
// answered) -> Active (accepted) -> Ended (declined, hung up, or a party
// disconnected).
type CallState int

const (
	CallPending CallState = iota
	CallActive
	CallEnded
)

// CallSession tracks one call-signalling exchange between a caller and a
// callee.
type CallSession struct {
	CallID    string
	RoomID    string
	ChatID    Principal
	Caller    Principal
	Callee    Principal
	Kind      CallKind
	State     CallState
	CreatedAt time.Time
}

// callSessionStore is an in-memory registry of active call sessions, indexed
// by call id; lookups by participant scan every session. It is intentionally
// small: the transport core does not persist calls across restarts.
type callSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
	newID    func() string
}

func newCallSessionStore(newID func() string) *callSessionStore {
	return &callSessionStore{
		sessions: make(map[string]*CallSession),
		newID:    newID,
	}
}

func (s *callSessionStore) create(chatID, caller, callee Principal, kind CallKind, now time.Time) *CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := &CallSession{
		CallID:    s.newID(),
		RoomID:    s.newID(),
		ChatID:    chatID,
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		State:     CallPending,
		CreatedAt: now,
	}
	s.sessions[cs.CallID] = cs
	return cs
}

func (s *callSessionStore) get(callID string) (*CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[callID]
	return cs, ok
}

// activate transitions a Pending session to Active, rejecting any other
// starting state.
func (s *callSessionStore) activate(callID string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	if cs.State != CallPending {
		return nil, ErrCallNotPending
	}
	cs.State = CallActive
	return cs, nil
}

// end removes callID from the store and returns the session it held, so the
// caller's id becomes unknown to subsequent lookups: an ended call's id
// stays unknown after cleanup.
func (s *callSessionStore) end(callID string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[callID]
	if !ok {
		return nil, ErrCallNotFound
	}
	cs.State = CallEnded
	delete(s.sessions, callID)
	return cs, nil
}

// busy reports whether principal is caller or callee on any in-flight
// (Pending or Active) session.
func (s *callSessionStore) busy(principal Principal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.sessions {
		if cs.State == CallEnded {
			continue
		}
		if cs.Caller == principal || cs.Callee == principal {
			return true
		}
	}
	return false
}

// endAllFor ends every in-flight session involving principal, used when a
// connection disconnects mid-call.
func (s *callSessionStore) endAllFor(principal Principal) []*CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ended []*CallSession
	for id, cs := range s.sessions {
		if cs.Caller == principal || cs.Callee == principal {
			cs.State = CallEnded
			ended = append(ended, cs)
			delete(s.sessions, id)
		}
	}
	return ended
}
