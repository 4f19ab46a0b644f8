// Package navigation models the client's current location and the redirects
// the session layer asks for (login, back to the session list).
package navigation

import (
	"log/slog"
	"sync"
)

const (
	PathLogin       = "/login"
	PathAuthError   = "/auth/error"
	PathAuthSuccess = "/auth/success"
	PathHome        = "/home"
	PathSessions    = "/sessions"
)

var publicPaths = map[string]bool{
	PathLogin:       true,
	PathAuthError:   true,
	PathAuthSuccess: true,
}

// IsPublic reports whether path can be shown without a signed-in principal.
func IsPublic(path string) bool {
	return publicPaths[path]
}

// Navigator is implemented by whatever hosts the UI.
type Navigator interface {
	Current() string
	// Navigate moves to path. from is the path to return to after login, if any.
	Navigate(path, from string)
}

type Entry struct {
	Path string
	From string
}

// Router is an in-memory Navigator. It keeps the full history so callers can
// see every redirect that happened.
type Router struct {
	mu       sync.Mutex
	current  string
	history  []Entry
	onChange func(Entry)
}

func NewRouter(start string) *Router {
	return &Router{current: start}
}

// OnChange registers fn to run after every navigation.
func (r *Router) OnChange(fn func(Entry)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Router) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Router) Navigate(path, from string) {
	e := Entry{Path: path, From: from}
	r.mu.Lock()
	r.current = path
	r.history = append(r.history, e)
	fn := r.onChange
	r.mu.Unlock()

	slog.Debug("Navigate", "path", path, "from", from)
	if fn != nil {
		fn(e)
	}
}

func (r *Router) History() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.history))
	copy(out, r.history)
	return out
}

// Last returns the most recent navigation, if any.
func (r *Router) Last() (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return Entry{}, false
	}
	return r.history[len(r.history)-1], true
}
