// Package scheduler keeps the certificates of a set of domains fresh. Each
// registered domain has its own renewal loop that runs an issuance cycle once
// a configurable fraction of the current certificate's lifetime has elapsed,
// and retries failed cycles with exponential backoff.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/cpu/acmealpn/resolver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultRenewFraction renews once two thirds of a certificate's lifetime
	// has elapsed.
	DefaultRenewFraction = 2.0 / 3.0
	// DefaultMaxRetries is the number of retried cycles before an alert.
	DefaultMaxRetries = 5
)

var (
	ErrUnknownDomain = errors.New("domain is not registered")
	ErrCycleInFlight = errors.New("a renewal cycle is already running for the domain")
	ErrNotRunning    = errors.New("scheduler is not running")
	ErrRunning       = errors.New("scheduler is already running")
)

// Issuer runs one issuance cycle. *orchestrator.Orchestrator implements it.
type Issuer interface {
	Run(ctx context.Context, domains []string) (*resources.ManagedCertificate, error)
}

// Installer publishes certificates. *resolver.Resolver implements it.
type Installer interface {
	InstallProduction(domain string, cert *resources.ManagedCertificate)
	Remove(domain string)
}

// CertificateStore persists issued certificates. *store.Store implements it.
type CertificateStore interface {
	SaveCertificate(cert *resources.ManagedCertificate) error
}

// Config configures a Scheduler.
type Config struct {
	Issuer    Issuer
	Installer Installer
	// Store is optional.
	Store CertificateStore
	// RenewFraction is the elapsed share of a certificate's lifetime after
	// which it is renewed. Defaults to DefaultRenewFraction.
	RenewFraction float64
	// Retry is the backoff between failed cycles of a domain.
	Retry retry.Policy
	// MaxRetries is the number of consecutive failed cycles that are retried
	// before an alert is raised. Defaults to DefaultMaxRetries.
	MaxRetries int
	Clock      Clock
	Logger     zerolog.Logger
}

// RenewalState describes one managed domain.
type RenewalState struct {
	Domain      string
	NotAfter    time.Time
	NextRenewal time.Time
	Retries     int
	InFlight    bool
	LastError   error
	LastCycle   string
}

type domainState struct {
	domain   string
	names    []string
	inFlight atomic.Bool
	wake     chan struct{}
	// cancel and gen are guarded by Scheduler.mu.
	cancel context.CancelFunc
	gen    int

	mu        sync.Mutex
	cert      *resources.ManagedCertificate
	next      time.Time
	retries   int
	lastErr   error
	lastCycle string
	backoff   *backoff.ExponentialBackOff
}

func (ds *domainState) signal() {
	select {
	case ds.wake <- struct{}{}:
	default:
	}
}

// Scheduler runs the renewal loops. The zero value is not usable, use New.
type Scheduler struct {
	issuer     Issuer
	installer  Installer
	store      CertificateStore
	fraction   float64
	retry      retry.Policy
	maxRetries int
	clock      Clock
	log        zerolog.Logger

	domains *xsync.Map[string, *domainState]
	subs    subscribers

	mu      sync.Mutex
	running bool
	gen     int
	runCtx  context.Context
	group   *errgroup.Group
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Scheduler with no registered domains.
func New(conf Config) *Scheduler {
	s := &Scheduler{
		issuer:     conf.Issuer,
		installer:  conf.Installer,
		store:      conf.Store,
		fraction:   conf.RenewFraction,
		retry:      conf.Retry.WithDefaults(retry.DefaultRetryPolicy()),
		maxRetries: conf.MaxRetries,
		clock:      conf.Clock,
		log:        conf.Logger.With().Str("component", "scheduler").Logger(),
		domains:    xsync.NewMap[string, *domainState](),
	}
	if s.fraction <= 0 || s.fraction >= 1 {
		s.fraction = DefaultRenewFraction
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.clock == nil {
		s.clock = SystemClock
	}
	return s
}

// RenewalTime is the point in cert's lifetime at which fraction of it has
// elapsed.
func RenewalTime(cert *resources.ManagedCertificate, fraction float64) time.Time {
	lifetime := cert.NotAfter.Sub(cert.NotBefore)
	return cert.NotBefore.Add(time.Duration(float64(lifetime) * fraction))
}

// NextRenewal returns when a cycle should run for a domain holding cert. A
// missing certificate or a renewal time in the past is due now.
func (s *Scheduler) NextRenewal(cert *resources.ManagedCertificate, now time.Time) time.Time {
	if cert == nil {
		return now
	}
	at := RenewalTime(cert, s.fraction)
	if at.Before(now) {
		return now
	}
	return at
}

// Register starts managing domain. cert is the certificate currently held for
// it, if any; it is installed right away and decides the first renewal time.
// Registering an already managed domain replaces its certificate.
func (s *Scheduler) Register(domain string, cert *resources.ManagedCertificate) error {
	key := resolver.Normalize(domain)
	if key == "" {
		return errors.Errorf("invalid domain %q", domain)
	}
	if cert != nil && s.installer != nil {
		s.installer.InstallProduction(key, cert)
	}

	now := s.clock.Now()
	created := false
	ds, _ := s.domains.Compute(key, func(old *domainState, loaded bool) (*domainState, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		created = true
		return &domainState{
			domain:  key,
			names:   []string{key},
			wake:    make(chan struct{}, 1),
			cert:    cert,
			next:    s.NextRenewal(cert, now),
			backoff: s.retry.NewBackOff(s.clock),
		}, xsync.UpdateOp
	})
	if !created {
		ds.mu.Lock()
		if cert != nil {
			ds.cert = cert
			ds.next = s.NextRenewal(cert, now)
		}
		ds.mu.Unlock()
		ds.signal()
		return nil
	}

	s.log.Info().Str("domain", key).Time("next", ds.next).Msg("registered domain")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.start(ds)
	}
	return nil
}

// Unregister stops managing domain and removes its certificates from the
// installer.
func (s *Scheduler) Unregister(domain string) error {
	key := resolver.Normalize(domain)
	ds, ok := s.domains.LoadAndDelete(key)
	if !ok {
		return ErrUnknownDomain
	}
	s.mu.Lock()
	if ds.cancel != nil {
		ds.cancel()
	}
	s.mu.Unlock()
	if s.installer != nil {
		s.installer.Remove(key)
	}
	s.log.Info().Str("domain", key).Msg("unregistered domain")
	return nil
}

// start launches the loop of ds unless it already runs in the current Run.
// s.mu must be held and s.running true.
func (s *Scheduler) start(ds *domainState) {
	if ds.gen == s.gen {
		return
	}
	ds.gen = s.gen
	ctx, cancel := context.WithCancel(s.runCtx)
	ds.cancel = cancel
	s.group.Go(func() error {
		defer cancel()
		s.loop(ctx, ds)
		return nil
	})
}

// Run runs the renewal loops of all registered domains, including those
// registered later, until ctx is done or Stop is called. Cycles in flight are
// canceled and waited for. Subscriber channels are closed when Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.running = true
	s.gen++
	s.runCtx = gctx
	s.group = g
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.domains.Range(func(_ string, ds *domainState) bool {
		s.start(ds)
		return true
	})
	s.mu.Unlock()

	s.log.Info().Int("domains", s.domains.Size()).Msg("scheduler started")
	<-gctx.Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	err := g.Wait()
	cancel()
	s.subs.closeAll()
	close(done)
	s.log.Info().Msg("scheduler stopped")
	return err
}

// Stop ends Run and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RenewNow makes domain run a cycle immediately.
func (s *Scheduler) RenewNow(domain string) error {
	ds, ok := s.domains.Load(resolver.Normalize(domain))
	if !ok {
		return ErrUnknownDomain
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if ds.inFlight.Load() {
		return ErrCycleInFlight
	}
	ds.mu.Lock()
	ds.next = s.clock.Now()
	ds.mu.Unlock()
	ds.signal()
	return nil
}

// Subscribe returns a channel receiving renewal events and a function that
// cancels the subscription. Events are dropped for a subscriber whose buffer
// is full.
func (s *Scheduler) Subscribe(buffer int) (<-chan Event, func()) {
	return s.subs.subscribe(buffer)
}

// States describes every managed domain, sorted by domain.
func (s *Scheduler) States() []RenewalState {
	var out []RenewalState
	s.domains.Range(func(_ string, ds *domainState) bool {
		ds.mu.Lock()
		st := RenewalState{
			Domain:      ds.domain,
			NextRenewal: ds.next,
			Retries:     ds.retries,
			InFlight:    ds.inFlight.Load(),
			LastError:   ds.lastErr,
			LastCycle:   ds.lastCycle,
		}
		if ds.cert != nil {
			st.NotAfter = ds.cert.NotAfter
		}
		ds.mu.Unlock()
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

func (s *Scheduler) loop(ctx context.Context, ds *domainState) {
	for {
		ds.mu.Lock()
		next := ds.next
		ds.mu.Unlock()

		if delay := next.Sub(s.clock.Now()); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-ds.wake:
				continue
			case <-s.clock.After(delay):
				continue
			}
		}

		if ctx.Err() != nil {
			return
		}
		_ = s.runCycle(ctx, ds)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, ds *domainState) error {
	if !ds.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	defer ds.inFlight.Store(false)

	cycle := uuid.NewString()
	log := s.log.With().Str("domain", ds.domain).Str("cycle", cycle).Logger()
	ds.mu.Lock()
	ds.lastCycle = cycle
	attempt := ds.retries + 1
	ds.mu.Unlock()
	log.Info().Int("attempt", attempt).Msg("starting renewal cycle")

	cert, err := s.issuer.Run(ctx, ds.names)
	now := s.clock.Now()
	if err == nil {
		ds.mu.Lock()
		ds.cert = cert
		ds.retries = 0
		ds.lastErr = nil
		ds.next = s.NextRenewal(cert, now)
		ds.backoff.Reset()
		next := ds.next
		ds.mu.Unlock()

		if s.store != nil {
			if err := s.store.SaveCertificate(cert); err != nil {
				log.Error().Err(err).Msg("failed to persist certificate")
			}
		}
		log.Info().Time("not_after", cert.NotAfter).Time("next", next).Msg("certificate renewed")
		s.subs.publish(EventInstalled{Domain: ds.domain, Cycle: cycle, NotAfter: cert.NotAfter})
		return nil
	}

	if ctx.Err() != nil {
		log.Info().Err(err).Msg("renewal cycle canceled")
		return err
	}

	ds.mu.Lock()
	ds.retries++
	ds.lastErr = err
	if ds.retries == 1 {
		// The retry policy's MaxElapsedTime counts from the first failure.
		ds.backoff.Reset()
	}
	d := ds.backoff.NextBackOff()
	alert := !acme.IsRetryable(err) || ds.retries > s.maxRetries || d == backoff.Stop
	if alert {
		ds.next = s.naturalWake(ds.cert, now)
		ds.retries = 0
		ds.backoff.Reset()
	} else {
		ds.next = now.Add(d)
	}
	next := ds.next
	ds.mu.Unlock()

	ev := log.Warn()
	if alert {
		ev = log.Error().Bool("alert", true)
	}
	ev.Err(err).Int("attempt", attempt).Time("next", next).Msg("renewal cycle failed")
	s.subs.publish(EventFailed{
		Domain:      ds.domain,
		Cycle:       cycle,
		Err:         err,
		Attempt:     attempt,
		Alert:       alert,
		NextAttempt: next,
	})
	return err
}

// naturalWake is when a domain whose retries are exhausted tries again: its
// regular renewal time, or one retry cap interval from now when that has
// already passed.
func (s *Scheduler) naturalWake(cert *resources.ManagedCertificate, now time.Time) time.Time {
	if cert != nil {
		if at := RenewalTime(cert, s.fraction); at.After(now) {
			return at
		}
	}
	return now.Add(s.retry.MaxInterval)
}
