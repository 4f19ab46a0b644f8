package credentials

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/expertly/internal/api"
	"github.com/pliu/expertly/internal/models"
	"github.com/pliu/expertly/internal/navigation"
)

var ana = models.Principal{ID: "u1", Email: "ana@example.com"}

type fakeAuthority struct {
	validateErr  error
	refreshErr   error
	refreshDelay time.Duration
	validateGate chan struct{}
	onRefresh    func()

	validates atomic.Int32
	refreshes atomic.Int32
	logouts   atomic.Int32
}

func (f *fakeAuthority) ValidateSession(ctx context.Context) (*models.Principal, error) {
	f.validates.Add(1)
	if f.validateGate != nil {
		<-f.validateGate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	p := ana
	return &p, nil
}

func (f *fakeAuthority) Refresh(ctx context.Context) (*models.Principal, error) {
	f.refreshes.Add(1)
	time.Sleep(f.refreshDelay)
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.onRefresh != nil {
		f.onRefresh()
	}
	p := ana
	return &p, nil
}

func (f *fakeAuthority) Logout(ctx context.Context) error {
	f.logouts.Add(1)
	return nil
}

func unauthorized() error {
	return &api.Error{Kind: api.ErrUnauthorized, Method: http.MethodGet, Path: "/sessions/s1", Status: http.StatusUnauthorized}
}

// expiringBackend answers 401 until the credential is renewed.
type expiringBackend struct {
	valid atomic.Bool
}

func (b *expiringBackend) call(attempts *atomic.Int32) Call {
	return func(ctx context.Context) error {
		attempts.Add(1)
		if !b.valid.Load() {
			return unauthorized()
		}
		return nil
	}
}

func runConcurrently(n int, fn func(i int)) {
	var ready, done sync.WaitGroup
	start := make(chan struct{})
	ready.Add(n)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer done.Done()
			ready.Done()
			<-start
			fn(i)
		}(i)
	}
	ready.Wait()
	close(start)
	done.Wait()
}

func TestPerform_ConcurrentExpiredCallsShareOneRefresh(t *testing.T) {
	backend := &expiringBackend{}
	authority := &fakeAuthority{
		refreshDelay: 50 * time.Millisecond,
		onRefresh:    func() { backend.valid.Store(true) },
	}
	router := navigation.NewRouter("/sessions/s1")
	a := New(authority, NewStore(), router)

	const n = 10
	attempts := make([]atomic.Int32, n)
	errs := make([]error, n)
	runConcurrently(n, func(i int) {
		errs[i] = a.Perform(context.Background(), backend.call(&attempts[i]))
	})

	assert.Equal(t, int32(1), authority.refreshes.Load())
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.LessOrEqual(t, attempts[i].Load(), int32(2))
	}
	assert.Equal(t, StateAuthenticated, a.Store().State())
	assert.Empty(t, router.History())
}

func TestPerform_ThreeQueuedCallsCompleteOnce(t *testing.T) {
	backend := &expiringBackend{}
	release := make(chan struct{})
	authority := &fakeAuthority{onRefresh: func() { backend.valid.Store(true) }}
	a := New(authority, NewStore(), navigation.NewRouter(navigation.PathHome))

	// Hold the first refresh open until the other three are queued.
	a.mu.Lock()
	a.refreshing = true
	a.mu.Unlock()

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var attempts atomic.Int32
			if err := a.Perform(context.Background(), backend.call(&attempts)); err == nil {
				completed.Add(1)
			}
			assert.Equal(t, int32(2), attempts.Load())
		}()
	}
	require.Eventually(t, func() bool { return a.queue.Len() == 3 }, time.Second, 5*time.Millisecond)

	go func() {
		<-release
		backend.valid.Store(true)
		a.mu.Lock()
		a.refreshing = false
		a.generation++
		a.queue.Drain(nil)
		a.mu.Unlock()
	}()
	close(release)
	wg.Wait()

	assert.Equal(t, int32(3), completed.Load())
	assert.Equal(t, int32(0), authority.refreshes.Load())
}

func TestPerform_RefreshFailureFailsEveryCaller(t *testing.T) {
	backend := &expiringBackend{}
	authority := &fakeAuthority{
		refreshDelay: 30 * time.Millisecond,
		refreshErr:   unauthorized(),
	}
	store := NewStore()
	store.authenticate(ana)
	router := navigation.NewRouter("/sessions/s1")
	a := New(authority, store, router)

	const n = 5
	errs := make([]error, n)
	runConcurrently(n, func(i int) {
		var attempts atomic.Int32
		errs[i] = a.Perform(context.Background(), backend.call(&attempts))
	})

	assert.Equal(t, int32(1), authority.refreshes.Load())
	assert.Equal(t, int32(1), authority.logouts.Load())
	for _, err := range errs {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRefreshFailed)
	}
	assert.Equal(t, StateUnauthenticated, store.State())
	_, ok := store.Principal()
	assert.False(t, ok)

	last, ok := router.Last()
	require.True(t, ok)
	assert.Equal(t, navigation.PathLogin, last.Path)
}

func TestPerform_CallAfterFailedRefreshTriesAgain(t *testing.T) {
	backend := &expiringBackend{}
	authority := &fakeAuthority{refreshErr: unauthorized()}
	a := New(authority, NewStore(), navigation.NewRouter("/sessions/s1"))

	var attempts atomic.Int32
	err := a.Perform(context.Background(), backend.call(&attempts))
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, int32(1), authority.refreshes.Load())

	authority.refreshErr = nil
	authority.onRefresh = func() { backend.valid.Store(true) }

	err = a.Perform(context.Background(), backend.call(&attempts))
	assert.NoError(t, err)
	assert.Equal(t, int32(2), authority.refreshes.Load())
}

func TestPerform_LateUnauthorizedSharesFailedRefresh(t *testing.T) {
	authority := &fakeAuthority{refreshErr: unauthorized()}
	a := New(authority, NewStore(), navigation.NewRouter("/sessions/s1"))

	issued := make(chan struct{})
	answer := make(chan struct{})
	late := make(chan error, 1)
	go func() {
		late <- a.Perform(context.Background(), func(ctx context.Context) error {
			close(issued)
			<-answer
			return unauthorized()
		})
	}()
	<-issued

	var attempts atomic.Int32
	err := a.Perform(context.Background(), (&expiringBackend{}).call(&attempts))
	assert.ErrorIs(t, err, ErrRefreshFailed)

	close(answer)
	assert.ErrorIs(t, <-late, ErrRefreshFailed)
	assert.Equal(t, int32(1), authority.refreshes.Load())
}

func TestPerform_RetriedCallStillUnauthorized(t *testing.T) {
	authority := &fakeAuthority{}
	router := navigation.NewRouter(navigation.PathSessions)
	a := New(authority, NewStore(), router)

	var attempts int
	err := a.Perform(context.Background(), func(ctx context.Context) error {
		attempts++
		return unauthorized()
	})

	assert.True(t, api.IsUnauthorized(err))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int32(1), authority.refreshes.Load())
	assert.Equal(t, int32(1), authority.logouts.Load())
	assert.Equal(t, navigation.PathLogin, router.Current())
}

func TestPerform_OtherErrorsPassThrough(t *testing.T) {
	authority := &fakeAuthority{}
	a := New(authority, NewStore(), navigation.NewRouter(navigation.PathHome))

	boom := &api.Error{Kind: api.ErrServer, Status: http.StatusInternalServerError}
	var attempts int
	err := a.Perform(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})

	assert.Same(t, boom, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(0), authority.refreshes.Load())
}

func TestPerform_CancelledWaiterLeavesQueue(t *testing.T) {
	a := New(&fakeAuthority{}, NewStore(), navigation.NewRouter(navigation.PathHome))
	a.mu.Lock()
	a.refreshing = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Perform(ctx, func(ctx context.Context) error { return unauthorized() })
	}()
	require.Eventually(t, func() bool { return a.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by cancellation")
	}
	// Draining afterwards must not block on the abandoned waiter.
	assert.Equal(t, 1, a.queue.Drain(nil))
}

func TestEnsureAuthenticated_PublicPathSkipsNetwork(t *testing.T) {
	authority := &fakeAuthority{}
	store := NewStore()
	store.beginCheck()
	a := New(authority, store, navigation.NewRouter(navigation.PathLogin))

	p, err := a.EnsureAuthenticated(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, int32(0), authority.validates.Load())
	assert.Equal(t, StateUnknown, store.State())
}

func TestEnsureAuthenticated_ForcedOnPublicPath(t *testing.T) {
	authority := &fakeAuthority{validateErr: unauthorized()}
	router := navigation.NewRouter(navigation.PathAuthSuccess)
	a := New(authority, NewStore(), router)

	_, err := a.EnsureAuthenticated(context.Background(), true)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, int32(1), authority.validates.Load())
	assert.Empty(t, router.History())
}

func TestEnsureAuthenticated_Success(t *testing.T) {
	a := New(&fakeAuthority{}, NewStore(), navigation.NewRouter(navigation.PathHome))

	p, err := a.EnsureAuthenticated(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, ana, *p)
	assert.Equal(t, StateAuthenticated, a.Store().State())
	stored, ok := a.Store().Principal()
	assert.True(t, ok)
	assert.Equal(t, ana, stored)
}

func TestEnsureAuthenticated_FailureRedirectsWithFrom(t *testing.T) {
	authority := &fakeAuthority{validateErr: &api.Error{Kind: api.ErrNetwork, Err: errors.New("dial tcp: refused")}}
	store := NewStore()
	store.authenticate(ana)
	router := navigation.NewRouter("/sessions/s1")
	a := New(authority, store, router)

	_, err := a.EnsureAuthenticated(context.Background(), false)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.ErrorIs(t, err, api.ErrNetwork)
	assert.Equal(t, StateUnauthenticated, store.State())
	assert.Equal(t, []navigation.Entry{{Path: navigation.PathLogin, From: "/sessions/s1"}}, router.History())
}

func TestEnsureAuthenticated_ConcurrentChecksShareRequest(t *testing.T) {
	gate := make(chan struct{})
	authority := &fakeAuthority{validateGate: gate}
	a := New(authority, NewStore(), navigation.NewRouter(navigation.PathHome))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.EnsureAuthenticated(context.Background(), true)
			assert.NoError(t, err)
			assert.Equal(t, ana.ID, p.ID)
		}()
	}
	require.Eventually(t, func() bool { return a.Store().State() == StateChecking }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), authority.validates.Load())
}

func TestEnsureAuthenticated_CancelledCallerDoesNotFailOthers(t *testing.T) {
	gate := make(chan struct{})
	authority := &fakeAuthority{validateGate: gate}
	router := navigation.NewRouter(navigation.PathHome)
	a := New(authority, NewStore(), router)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := a.EnsureAuthenticated(ctx, true)
		first <- err
	}()
	require.Eventually(t, func() bool { return authority.validates.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *models.Principal, 1)
	go func() {
		p, err := a.EnsureAuthenticated(context.Background(), true)
		assert.NoError(t, err)
		second <- p
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(gate)

	p := <-second
	require.NotNil(t, p)
	assert.Equal(t, ana.ID, p.ID)
	require.Eventually(t, func() bool { return a.Store().State() == StateAuthenticated }, time.Second, time.Millisecond)
	assert.Equal(t, navigation.PathHome, router.Current())
	assert.Empty(t, router.History())
}

func TestCompleteLogin(t *testing.T) {
	router := navigation.NewRouter(navigation.PathAuthSuccess)
	a := New(&fakeAuthority{}, NewStore(), router)

	_, err := a.CompleteLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, navigation.PathHome, router.Current())

	router = navigation.NewRouter(navigation.PathAuthSuccess)
	a = New(&fakeAuthority{validateErr: unauthorized()}, NewStore(), router)
	_, err = a.CompleteLogin(context.Background())
	require.Error(t, err)
	assert.Equal(t, navigation.PathLogin, router.Current())
}

func TestLogout(t *testing.T) {
	authority := &fakeAuthority{}
	store := NewStore()
	store.authenticate(ana)
	router := navigation.NewRouter(navigation.PathSessions)
	a := New(authority, store, router)

	require.NoError(t, a.Logout(context.Background()))
	assert.Equal(t, int32(1), authority.logouts.Load())
	assert.Equal(t, StateUnauthenticated, store.State())
	assert.Equal(t, navigation.PathLogin, router.Current())
}
