package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/channel"
	"github.com/pliu/expertly/internal/credentials"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

const (
	reasonEnded     = "Session closed by user"
	reasonDiscarded = "View discarded"
)

var ErrDiscarded = errors.New("view discarded")

// Backend is the slice of the API a view needs.
type Backend interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CloseSession(ctx context.Context, id string) error
	ChannelURL(id string) (string, error)
}

// Performer runs a call with credential recovery.
type Performer interface {
	Perform(ctx context.Context, call credentials.Call) error
}

// View drives one open conversation: it loads the session, keeps a live
// channel while the session is active and ends it on request.
type View struct {
	id      string
	state   *State
	backend Backend
	auth    Performer
	nav     navigation.Navigator
	logger  *slog.Logger
	chOpts  []channel.Option

	mu        sync.Mutex
	ch        *channel.Channel
	cancel    context.CancelFunc
	discarded bool
	ended     bool
}

type ViewOption func(*View)

func WithViewLogger(l *slog.Logger) ViewOption {
	return func(v *View) {
		v.logger = l
	}
}

// WithChannelOptions passes opts to every channel the view builds.
func WithChannelOptions(opts ...channel.Option) ViewOption {
	return func(v *View) {
		v.chOpts = append(v.chOpts, opts...)
	}
}

func NewView(id string, backend Backend, auth Performer, nav navigation.Navigator, opts ...ViewOption) *View {
	v := &View{
		id:      id,
		state:   NewState(id),
		backend: backend,
		auth:    auth,
		nav:     nav,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("session_id", id)
	return v
}

func (v *View) State() *State {
	return v.state
}

// ChannelState reports the live channel's state. Before a channel exists it
// is Connecting for an active session and Closed for a completed one.
func (v *View) ChannelState() (channel.State, error) {
	v.mu.Lock()
	ch := v.ch
	v.mu.Unlock()
	if ch == nil {
		if v.state.Status() == models.StatusCompleted {
			return channel.Closed, nil
		}
		return channel.Connecting, nil
	}
	return ch.State(), ch.Err()
}

// Load fetches the session and, if it is still active, opens its channel. A
// failed fetch moves to the session list unless the failure already sent the
// user to log in.
func (v *View) Load(ctx context.Context) error {
	v.mu.Lock()
	if v.discarded {
		v.mu.Unlock()
		return ErrDiscarded
	}
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()
	defer cancel()

	var snapshot *models.Session
	err := v.auth.Perform(ctx, func(ctx context.Context) error {
		s, err := v.backend.GetSession(ctx, v.id)
		if err != nil {
			return err
		}
		snapshot = s
		return nil
	})

	v.mu.Lock()
	if v.discarded {
		v.mu.Unlock()
		return ErrDiscarded
	}
	v.cancel = nil
	v.mu.Unlock()

	if err != nil {
		v.logger.Warn("Unable to load session", "error", err)
		if !authFailure(err) {
			v.nav.Navigate(navigation.PathSessions, "")
		}
		return fmt.Errorf("load session %s: %w", v.id, err)
	}
	v.state.Load(*snapshot)

	v.mu.Lock()
	ended := v.ended
	v.mu.Unlock()
	if ended {
		return nil
	}
	return v.connect(ctx)
}

func (v *View) connect(ctx context.Context) error {
	url, err := v.backend.ChannelURL(v.id)
	if err != nil {
		return err
	}
	opts := append([]channel.Option{channel.WithNavigator(v.nav), channel.WithLogger(v.logger)}, v.chOpts...)
	ch := channel.New(v.state, url, opts...)

	v.mu.Lock()
	if v.discarded {
		v.mu.Unlock()
		ch.Close(reasonDiscarded)
		return ErrDiscarded
	}
	v.ch = ch
	ended := v.ended
	v.mu.Unlock()

	if ended {
		ch.Close(reasonEnded)
		return nil
	}
	if ch.State() == channel.Closed {
		return nil
	}
	err = ch.Open(ctx)
	switch {
	case err == nil, channel.Recoverable(err):
		return nil
	case errors.Is(err, channel.ErrClosed):
		// End or Discard closed the channel while it was opening.
		v.mu.Lock()
		discarded := v.discarded
		v.mu.Unlock()
		if discarded {
			return ErrDiscarded
		}
		return nil
	}
	return err
}

// Send transmits content on the live channel.
func (v *View) Send(content string) error {
	v.mu.Lock()
	ch := v.ch
	v.mu.Unlock()
	if ch == nil {
		return &channel.Error{Kind: channel.ErrNotReady}
	}
	return ch.Send(content)
}

// End closes the session. The local state is marked completed and the channel
// closed before the backend is told; a backend failure is returned but the
// session stays completed locally. An in-flight Load never reopens an ended
// session.
func (v *View) End(ctx context.Context) error {
	v.mu.Lock()
	v.ended = true
	ch := v.ch
	v.mu.Unlock()
	v.state.MarkCompleted()
	if ch != nil {
		ch.Close(reasonEnded)
	}

	err := v.auth.Perform(ctx, func(ctx context.Context) error {
		return v.backend.CloseSession(ctx, v.id)
	})
	if err != nil {
		v.logger.Warn("Failed to close session on server", "error", err)
		return fmt.Errorf("close session %s: %w", v.id, err)
	}
	v.logger.Info("Session ended")
	return nil
}

// Discard tears the view down: an in-flight load is cancelled and the channel
// is closed. The view cannot be loaded again.
func (v *View) Discard() {
	v.mu.Lock()
	if v.discarded {
		v.mu.Unlock()
		return
	}
	v.discarded = true
	cancel, ch := v.cancel, v.ch
	v.cancel = nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close(reasonDiscarded)
	}
}

func authFailure(err error) bool {
	return api.IsUnauthorized(err) ||
		errors.Is(err, credentials.ErrRefreshFailed) ||
		errors.Is(err, credentials.ErrExpired)
}
