package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/acmetest"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/cpu/acmealpn/resolver"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const day = 24 * time.Hour

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type waiter struct {
	at time.Time
	ch chan time.Time
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, waiter{at: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *fakeClock) waitPending(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Pending() >= n }, 5*time.Second, time.Millisecond)
}

// fakeIssuer issues certificates valid for 90 days from the fake clock's now,
// or runs fn when set.
type fakeIssuer struct {
	clock *fakeClock
	fn    func(ctx context.Context, domains []string) (*resources.ManagedCertificate, error)

	calls      atomic.Int32
	running    atomic.Int32
	maxRunning atomic.Int32
}

func (f *fakeIssuer) Run(ctx context.Context, domains []string) (*resources.ManagedCertificate, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxRunning.Load()
		if n <= m || f.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	if f.fn != nil {
		return f.fn(ctx, domains)
	}
	now := f.clock.Now()
	return acmetest.NewCertificate(domains[0], now, now.Add(90*day))
}

type memStore struct {
	mu    sync.Mutex
	saved []string
}

func (m *memStore) SaveCertificate(cert *resources.ManagedCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cert.Domain)
	return nil
}

func (m *memStore) Saved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saved...)
}

func start(t *testing.T, s *Scheduler) func() {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running
	}, 5*time.Second, time.Millisecond)
	return func() {
		s.Stop()
		require.NoError(t, <-errc)
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for event")
		return nil
	}
}

func cert(t *testing.T, domain string, notBefore time.Time, lifetime time.Duration) *resources.ManagedCertificate {
	t.Helper()
	c, err := acmetest.NewCertificate(domain, notBefore, notBefore.Add(lifetime))
	require.NoError(t, err)
	return c
}

func TestNextRenewal(t *testing.T) {
	s := New(Config{})
	c := cert(t, "example.com", t0, 90*day)

	at10 := s.NextRenewal(c, t0.Add(10*day))
	assert.Equal(t, t0.Add(60*day), at10)
	assert.True(t, at10.After(t0.Add(10*day)), "not due at day 10")

	now61 := t0.Add(61 * day)
	assert.Equal(t, now61, s.NextRenewal(c, now61), "due at day 61")

	assert.Equal(t, now61, s.NextRenewal(nil, now61))

	half := New(Config{RenewFraction: 0.5})
	assert.Equal(t, t0.Add(45*day), half.NextRenewal(c, t0))

	invalid := New(Config{RenewFraction: 1.5})
	assert.Equal(t, t0.Add(60*day), invalid.NextRenewal(c, t0))
}

func TestRenewsAtTwoThirdsOfLifetime(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	issuer := &fakeIssuer{clock: clock}
	res := resolver.New()
	store := &memStore{}
	s := New(Config{Issuer: issuer, Installer: res, Store: store, Clock: clock})

	initial := cert(t, "example.com", t0, 90*day)
	require.NoError(t, s.Register("example.com", initial))
	e, ok := res.Lookup("example.com")
	require.True(t, ok)
	assert.Same(t, initial, e.Production)

	events, unsubscribe := s.Subscribe(4)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	clock.waitPending(t, 1)
	clock.Advance(10 * day)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, issuer.calls.Load(), "renewed at day 10")

	clock.Advance(51 * day)
	ev := nextEvent(t, events)
	installed, ok := ev.(EventInstalled)
	require.True(t, ok, "want EventInstalled, got %#v", ev)
	assert.Equal(t, "example.com", installed.Domain)
	assert.Equal(t, t0.Add(151*day), installed.NotAfter)
	assert.NotEmpty(t, installed.Cycle)
	assert.EqualValues(t, 1, issuer.calls.Load())
	assert.Equal(t, []string{"example.com"}, store.Saved())

	states := s.States()
	require.Len(t, states, 1)
	assert.Equal(t, t0.Add(61*day+60*day), states[0].NextRenewal)
	assert.Equal(t, t0.Add(151*day), states[0].NotAfter)
	assert.Zero(t, states[0].Retries)
}

func TestRetriesThenAlerts(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	netErr := &acme.NetworkError{Op: "newOrder", URL: "https://ca.example/new-order", Err: errors.New("connection refused")}
	issuer := &fakeIssuer{clock: clock, fn: func(context.Context, []string) (*resources.ManagedCertificate, error) {
		return nil, netErr
	}}
	s := New(Config{Issuer: issuer, Installer: resolver.New(), Clock: clock, MaxRetries: 2})
	require.NoError(t, s.Register("example.com", nil))

	events, unsubscribe := s.Subscribe(8)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			clock.waitPending(t, 1)
			clock.Advance(2 * time.Hour)
		}
		ev := nextEvent(t, events)
		failed, ok := ev.(EventFailed)
		require.True(t, ok, "want EventFailed, got %#v", ev)
		assert.Equal(t, attempt, failed.Attempt)
		assert.True(t, errors.Is(failed.Err, netErr))
		if attempt < 3 {
			assert.False(t, failed.Alert, "attempt %d", attempt)
			assert.True(t, failed.NextAttempt.After(clock.Now()))
		} else {
			assert.True(t, failed.Alert, "retries exhausted")
			assert.Equal(t, clock.Now().Add(time.Hour), failed.NextAttempt)
		}
	}

	states := s.States()
	require.Len(t, states, 1)
	assert.Zero(t, states[0].Retries)
	assert.Equal(t, netErr, states[0].LastError)
}

func TestRetryElapsedTimeAlerts(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	netErr := &acme.NetworkError{Op: "newOrder", URL: "https://ca.example/new-order", Err: errors.New("connection refused")}
	issuer := &fakeIssuer{clock: clock, fn: func(context.Context, []string) (*resources.ManagedCertificate, error) {
		return nil, netErr
	}}
	s := New(Config{
		Issuer:    issuer,
		Installer: resolver.New(),
		Clock:     clock,
		Retry: retry.Policy{
			InitialInterval: time.Minute,
			Multiplier:      2,
			MaxInterval:     time.Hour,
			MaxElapsedTime:  3 * time.Hour,
		},
		MaxRetries: 100,
	})
	require.NoError(t, s.Register("example.com", nil))

	events, unsubscribe := s.Subscribe(8)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			clock.waitPending(t, 1)
			clock.Advance(2 * time.Hour)
		}
		failed, ok := nextEvent(t, events).(EventFailed)
		require.True(t, ok)
		assert.Equal(t, attempt, failed.Attempt)
		if attempt < 3 {
			assert.False(t, failed.Alert, "attempt %d is within the elapsed budget", attempt)
		} else {
			assert.True(t, failed.Alert, "4h of failures exceeds the 3h budget")
			assert.Equal(t, clock.Now().Add(time.Hour), failed.NextAttempt)
		}
	}

	states := s.States()
	require.Len(t, states, 1)
	assert.Zero(t, states[0].Retries)
}

// The elapsed budget starts with the first failure, not at registration.
func TestRetryElapsedTimeCountsFromFirstFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	issuer := &fakeIssuer{clock: clock, fn: func(context.Context, []string) (*resources.ManagedCertificate, error) {
		return nil, &acme.NetworkError{Op: "newOrder", Err: errors.New("connection refused")}
	}}
	s := New(Config{
		Issuer:    issuer,
		Installer: resolver.New(),
		Clock:     clock,
		Retry:     retry.Policy{MaxElapsedTime: 3 * time.Hour},
	})
	require.NoError(t, s.Register("example.com", cert(t, "example.com", t0, 90*day)))

	events, unsubscribe := s.Subscribe(8)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	clock.waitPending(t, 1)
	clock.Advance(60 * day)

	failed, ok := nextEvent(t, events).(EventFailed)
	require.True(t, ok)
	assert.Equal(t, 1, failed.Attempt)
	assert.False(t, failed.Alert, "first failure after 60 days of validity")
}

func TestFatalErrorAlertsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	existing := cert(t, "example.com", t0.Add(-61*day), 90*day)
	issuer := &fakeIssuer{clock: clock, fn: func(context.Context, []string) (*resources.ManagedCertificate, error) {
		return nil, &acme.CryptoError{Op: "generate certificate key", Err: errors.New("boom")}
	}}
	res := resolver.New()
	s := New(Config{Issuer: issuer, Installer: res, Clock: clock})
	require.NoError(t, s.Register("example.com", existing))

	events, unsubscribe := s.Subscribe(1)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	failed, ok := nextEvent(t, events).(EventFailed)
	require.True(t, ok)
	assert.True(t, failed.Alert)
	assert.Equal(t, 1, failed.Attempt)
	assert.Equal(t, t0.Add(time.Hour), failed.NextAttempt, "renewal time already passed")

	e, ok := res.Lookup("example.com")
	require.True(t, ok)
	assert.Same(t, existing, e.Production, "failed cycle keeps the installed certificate")
}

func TestRenewNowSkipsWhileInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	issuer := &fakeIssuer{clock: clock}
	issuer.fn = func(ctx context.Context, domains []string) (*resources.ManagedCertificate, error) {
		started <- struct{}{}
		<-release
		now := clock.Now()
		return acmetest.NewCertificate(domains[0], now, now.Add(90*day))
	}
	s := New(Config{Issuer: issuer, Installer: resolver.New(), Clock: clock})
	require.NoError(t, s.Register("example.com", cert(t, "example.com", t0, 90*day)))

	assert.True(t, errors.Is(s.RenewNow("example.com"), ErrNotRunning))

	events, unsubscribe := s.Subscribe(1)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	assert.True(t, errors.Is(s.RenewNow("other.example.com"), ErrUnknownDomain))
	require.NoError(t, s.RenewNow("example.com"))
	<-started
	assert.True(t, errors.Is(s.RenewNow("example.com"), ErrCycleInFlight))
	assert.True(t, s.States()[0].InFlight)
	close(release)

	_, ok := nextEvent(t, events).(EventInstalled)
	require.True(t, ok)
	assert.EqualValues(t, 1, issuer.calls.Load())
	assert.EqualValues(t, 1, issuer.maxRunning.Load())
}

func TestStopCancelsInFlightCycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	started := make(chan struct{})
	issuer := &fakeIssuer{clock: clock, fn: func(ctx context.Context, _ []string) (*resources.ManagedCertificate, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := New(Config{Issuer: issuer, Clock: clock})
	require.NoError(t, s.Register("example.com", nil))

	events, _ := s.Subscribe(1)
	stop := start(t, s)
	<-started
	stop()

	_, open := <-events
	assert.False(t, open, "subscriptions are closed on shutdown without a failure event")
}

func TestRegisterAndUnregisterWhileRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	issuer := &fakeIssuer{clock: clock}
	res := resolver.New()
	s := New(Config{Issuer: issuer, Installer: res, Clock: clock})

	events, unsubscribe := s.Subscribe(2)
	defer unsubscribe()
	stop := start(t, s)
	defer stop()

	stale := cert(t, "new.example.com", t0.Add(-80*day), 90*day)
	require.NoError(t, s.Register("New.Example.com", stale))
	_, err := res.Query("new.example.com", nil)
	require.NoError(t, err, "registered certificate is served right away")

	installed, ok := nextEvent(t, events).(EventInstalled)
	require.True(t, ok)
	assert.Equal(t, "new.example.com", installed.Domain)
	assert.EqualValues(t, 1, issuer.calls.Load())

	require.NoError(t, s.Unregister("new.example.com"))
	_, ok = res.Lookup("new.example.com")
	assert.False(t, ok)
	assert.Empty(t, s.States())
	assert.True(t, errors.Is(s.Unregister("new.example.com"), ErrUnknownDomain))

	require.Error(t, s.Register("", nil))
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock(t0)
	s := New(Config{Issuer: &fakeIssuer{clock: clock}, Installer: resolver.New(), Clock: clock})
	_, unsubscribeSlow := s.Subscribe(0)
	defer unsubscribeSlow()
	events, unsubscribe := s.Subscribe(2)
	defer unsubscribe()

	require.NoError(t, s.Register("a.example.com", nil))
	require.NoError(t, s.Register("b.example.com", nil))
	stop := start(t, s)
	defer stop()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[nextEvent(t, events).EventDomain()] = true
	}
	assert.Equal(t, map[string]bool{"a.example.com": true, "b.example.com": true}, seen)
}

func TestRunTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{Issuer: &fakeIssuer{clock: newFakeClock(t0)}})
	stop := start(t, s)
	assert.True(t, errors.Is(s.Run(context.Background()), ErrRunning))
	stop()
	s.Stop()
}
