// Package chatdemo is a minimal, in-memory ChatParticipation sample used to
// run the quicgated demo binary without a database. Real deployments
// implement quictransport.ChatParticipation against their own persistence
// layer; this exists so the transport core has something to talk to.
package chatdemo

import (
	"context"
	"sync"

	"github.com/ptn1411/giano/internal/quictransport"
)

// Store tracks chat membership in memory: a set of participant principals
// per chat id, plus the mediasoup URL handed back in call_accepted events.
type Store struct {
	mu           sync.RWMutex
	members      map[quictransport.Principal]map[quictransport.Principal]struct{}
	mediaSoupURL string
}

// New builds an empty Store that hands mediaSoupURL back to every accepted
// call.
func New(mediaSoupURL string) *Store {
	return &Store{
		members:      make(map[quictransport.Principal]map[quictransport.Principal]struct{}),
		mediaSoupURL: mediaSoupURL,
	}
}

// AddParticipant adds principal to chatID's membership set.
func (s *Store) AddParticipant(chatID, principal quictransport.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[chatID]
	if !ok {
		set = make(map[quictransport.Principal]struct{})
		s.members[chatID] = set
	}
	set[principal] = struct{}{}
}

// RemoveParticipant removes principal from chatID's membership set.
func (s *Store) RemoveParticipant(chatID, principal quictransport.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.members[chatID]; ok {
		delete(set, principal)
		if len(set) == 0 {
			delete(s.members, chatID)
		}
	}
}

// IsParticipant implements quictransport.ChatParticipation.
func (s *Store) IsParticipant(_ context.Context, chatID, principal quictransport.Principal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[chatID][principal]
	return ok, nil
}

// MediaSoupURL implements quictransport.ChatParticipation.
func (s *Store) MediaSoupURL() string {
	return s.mediaSoupURL
}
