// Package conversation holds the in-memory view of one consulting session
// and the controller that keeps it in sync with the backend.
package conversation

import (
	"sync"
	"time"

	"github.com/pliu/expertly/internal/models"
)

// State is the observable snapshot of a single session. Messages are kept in
// the order they arrived.
type State struct {
	mu       sync.RWMutex
	session  models.Session
	messages []models.Message
	seen     map[string]struct{}
	loaded   bool
	ended    bool
	watchers map[chan struct{}]struct{}
}

func NewState(id string) *State {
	return &State{
		session:  models.Session{ID: id, Status: models.StatusActive},
		seen:     make(map[string]struct{}),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (s *State) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.ID
}

// Load replaces the state with a snapshot fetched from the backend. A session
// already ended locally stays completed whatever the snapshot says.
func (s *State) Load(snapshot models.Session) {
	s.mu.Lock()
	id := s.session.ID
	s.session = snapshot
	s.session.Messages = nil
	if s.session.ID == "" {
		s.session.ID = id
	}
	if s.session.Status == "" {
		s.session.Status = models.StatusActive
	}
	if s.ended {
		s.session.Status = models.StatusCompleted
	}
	s.messages = make([]models.Message, 0, len(snapshot.Messages))
	s.seen = make(map[string]struct{}, len(snapshot.Messages))
	for _, m := range snapshot.Messages {
		s.appendLocked(m)
	}
	s.loaded = true
	s.mu.Unlock()
	s.notify()
}

func (s *State) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Append adds m at the end of the log. A message whose server id is already
// present is dropped and Append returns false.
func (s *State) Append(m models.Message) bool {
	s.mu.Lock()
	added := s.appendLocked(m)
	s.mu.Unlock()
	if added {
		s.notify()
	}
	return added
}

func (s *State) appendLocked(m models.Message) bool {
	if m.ID != "" {
		if _, dup := s.seen[m.ID]; dup {
			return false
		}
		s.seen[m.ID] = struct{}{}
	}
	s.messages = append(s.messages, m)
	return true
}

func (s *State) Status() models.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Status
}

// MarkCompleted flips the status locally, ahead of the backend confirming it.
func (s *State) MarkCompleted() {
	s.mu.Lock()
	changed := s.session.Status != models.StatusCompleted
	s.session.Status = models.StatusCompleted
	s.ended = true
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Ended reports whether MarkCompleted has been called.
func (s *State) Ended() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ended
}

func (s *State) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Snapshot returns a copy of the session including its messages.
func (s *State) Snapshot() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.session
	out.Messages = make([]models.Message, len(s.messages))
	copy(out.Messages, s.messages)
	return out
}

func (s *State) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.CreatedAt
}

// Watch returns a channel that receives a value after changes. Notifications
// coalesce: a slow reader sees one pending signal, then reads the snapshot.
// Call the returned func to stop watching.
func (s *State) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, ch)
			s.mu.Unlock()
		})
	}
}

func (s *State) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
