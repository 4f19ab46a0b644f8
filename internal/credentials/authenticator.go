package credentials

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

// Authority is the credential side of the backend.
type Authority interface {
	ValidateSession(ctx context.Context) (*models.Principal, error)
	Refresh(ctx context.Context) (*models.Principal, error)
	Logout(ctx context.Context) error
}

// Call is one backend operation. Results are captured by the closure.
type Call func(ctx context.Context) error

const DefaultRefreshTimeout = 15 * time.Second

// Authenticator runs backend calls on behalf of the UI and recovers from
// expired credentials with a single shared refresh.
type Authenticator struct {
	authority      Authority
	store          *Store
	nav            navigation.Navigator
	logger         *slog.Logger
	refreshTimeout time.Duration

	queue Queue
	group singleflight.Group

	mu         sync.Mutex
	refreshing bool
	// generation counts credential renewals. A call remembers the generation
	// it was issued under so a 401 that arrives after someone else already
	// renewed is retried instead of refreshing again.
	generation uint64
	// refreshErr is the failed refresh of the current generation, if any.
	refreshErr error
	// resolved counts finished refreshes, failed or not. Only calls issued
	// before refreshErr was recorded share it; later ones refresh again.
	resolved uint64
}

type Option func(*Authenticator)

func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) {
		a.logger = l
	}
}

func WithRefreshTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.refreshTimeout = d
		}
	}
}

func New(authority Authority, store *Store, nav navigation.Navigator, opts ...Option) *Authenticator {
	a := &Authenticator{
		authority:      authority,
		store:          store,
		nav:            nav,
		logger:         slog.Default(),
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authenticator) Store() *Store {
	return a.store
}

// EnsureAuthenticated validates the current session. Unless force is set, a
// public path short-circuits without a network call and returns whatever
// principal is already stored (possibly nil). Concurrent validations share
// one request.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context, force bool) (*models.Principal, error) {
	path := a.nav.Current()
	if !force && navigation.IsPublic(path) {
		a.store.endCheck()
		return a.store.principalPtr(), nil
	}

	results := a.group.DoChan("session", func() (any, error) {
		return a.validate(ctx, path)
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		p := res.Val.(models.Principal)
		return &p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// validate is shared by every concurrent caller, so it runs detached from the
// first caller's cancellation.
func (a *Authenticator) validate(ctx context.Context, path string) (models.Principal, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
	defer cancel()

	a.store.beginCheck()
	p, err := a.authority.ValidateSession(ctx)
	if err == nil && p != nil && p.ID != "" {
		a.signedIn(*p)
		return *p, nil
	}

	if err == nil {
		err = errors.New("empty principal")
	}
	kind := ErrInvalid
	if api.IsUnauthorized(err) {
		kind = ErrExpired
	}
	a.logger.Info("Session validation failed", "path", path, "error", err)
	a.store.unauthenticate()
	if !navigation.IsPublic(path) {
		a.nav.Navigate(navigation.PathLogin, path)
	}
	return models.Principal{}, &AuthError{Kind: kind, Err: err}
}

// CompleteLogin is the step after the login flow hands control back: it
// forces a validation and moves on to the home page, or back to login.
func (a *Authenticator) CompleteLogin(ctx context.Context) (*models.Principal, error) {
	p, err := a.EnsureAuthenticated(ctx, true)
	if err != nil {
		a.nav.Navigate(navigation.PathLogin, "")
		return nil, err
	}
	a.nav.Navigate(navigation.PathHome, "")
	return p, nil
}

// Perform runs call. A 401 on the first attempt is recovered once through a
// shared refresh; anything else is returned as is.
func (a *Authenticator) Perform(ctx context.Context, call Call) error {
	gen, resolved := a.currentGeneration()

	err := call(ctx)
	if err == nil || !api.IsUnauthorized(err) {
		return err
	}

	if err := a.recover(ctx, gen, resolved); err != nil {
		return err
	}

	err = call(ctx)
	if api.IsUnauthorized(err) {
		a.logger.Warn("Request unauthorized after credential refresh", "error", err)
		a.forceLogout(ctx)
	}
	return err
}

// recover returns nil once credentials newer than gen exist, or the refresh
// failure that prevented it. resolved is the refresh count seen when the call
// was issued.
func (a *Authenticator) recover(ctx context.Context, gen, resolved uint64) error {
	a.mu.Lock()
	switch {
	case a.generation != gen:
		a.mu.Unlock()
		return nil
	case a.refreshing:
		waiter := a.queue.Enqueue()
		a.mu.Unlock()
		select {
		case err := <-waiter.Done():
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case a.refreshErr != nil && a.resolved != resolved:
		err := a.refreshErr
		a.mu.Unlock()
		return err
	}
	a.refreshing = true
	a.mu.Unlock()

	refreshErr := a.refresh(ctx)

	a.mu.Lock()
	a.refreshing = false
	a.resolved++
	if refreshErr == nil {
		a.generation++
		a.refreshErr = nil
	} else {
		a.refreshErr = refreshErr
	}
	released := a.queue.Drain(refreshErr)
	a.mu.Unlock()

	if refreshErr != nil {
		a.logger.Warn("Credential refresh failed", "waiters", released, "error", refreshErr)
		a.forceLogout(ctx)
		return refreshErr
	}
	a.logger.Debug("Credentials refreshed", "waiters", released)
	return nil
}

// refresh is detached from the caller's cancellation: every queued caller
// depends on its outcome.
func (a *Authenticator) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
	defer cancel()

	p, err := a.authority.Refresh(ctx)
	if err != nil {
		return &AuthError{Kind: ErrRefreshFailed, Err: err}
	}
	if p != nil && p.ID != "" {
		a.store.authenticate(*p)
	}
	return nil
}

// Logout ends the session. The server call is best effort; the local state
// always ends unauthenticated on the login page.
func (a *Authenticator) Logout(ctx context.Context) error {
	err := a.serverLogout(ctx)
	a.store.unauthenticate()
	a.nav.Navigate(navigation.PathLogin, "")
	return err
}

func (a *Authenticator) forceLogout(ctx context.Context) {
	a.store.unauthenticate()
	if err := a.serverLogout(ctx); err != nil {
		a.logger.Warn("Logout failed", "error", err)
	}
	a.nav.Navigate(navigation.PathLogin, "")
}

func (a *Authenticator) serverLogout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
	defer cancel()
	return a.authority.Logout(ctx)
}

func (a *Authenticator) signedIn(p models.Principal) {
	a.mu.Lock()
	a.generation++
	a.refreshErr = nil
	a.mu.Unlock()
	a.store.authenticate(p)
}

func (a *Authenticator) currentGeneration() (gen, resolved uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation, a.resolved
}
