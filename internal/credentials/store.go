package credentials

import (
	"sync"

	"github.com/pliu/expertly/internal/models"
)

type State int

const (
	StateUnknown State = iota
	StateChecking
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// Store holds the authentication state and the signed-in principal. Reads
// are safe from any goroutine; writes only happen through Authenticator.
type Store struct {
	mu        sync.RWMutex
	state     State
	checking  bool
	principal *models.Principal
}

func NewStore() *Store {
	return &Store{state: StateUnknown}
}

// State returns StateChecking while a validation is in flight, otherwise the
// last settled state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checking {
		return StateChecking
	}
	return s.state
}

// Principal returns a copy of the signed-in principal.
func (s *Store) Principal() (models.Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return models.Principal{}, false
	}
	return *s.principal, true
}

func (s *Store) principalPtr() *models.Principal {
	p, ok := s.Principal()
	if !ok {
		return nil
	}
	return &p
}

func (s *Store) beginCheck() {
	s.mu.Lock()
	s.checking = true
	s.mu.Unlock()
}

func (s *Store) endCheck() {
	s.mu.Lock()
	s.checking = false
	s.mu.Unlock()
}

func (s *Store) authenticate(p models.Principal) {
	s.mu.Lock()
	s.principal = &p
	s.state = StateAuthenticated
	s.checking = false
	s.mu.Unlock()
}

func (s *Store) unauthenticate() {
	s.mu.Lock()
	s.principal = nil
	s.state = StateUnauthenticated
	s.checking = false
	s.mu.Unlock()
}
