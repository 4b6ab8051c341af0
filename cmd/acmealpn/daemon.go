package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/client"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/config"
	acmenet "github.com/cpu/acmealpn/net"
	"github.com/cpu/acmealpn/orchestrator"
	"github.com/cpu/acmealpn/resolver"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/cpu/acmealpn/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// daemon ties the ACME client, the renewal scheduler and the TLS listener
// together.
type daemon struct {
	log      zerolog.Logger
	store    *store.Store
	client   *client.Client
	resolver *resolver.Resolver
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler

	mu      sync.Mutex
	domains []string

	listener net.Listener
	server   *http.Server
}

// newDaemon restores or registers the ACME account and registers every
// configured domain with the scheduler, seeding it with the stored
// certificate when there is one. A nil transport uses the default one.
func newDaemon(ctx context.Context, cfg *config.Config, log zerolog.Logger, fs afero.Fs, transport acmenet.Transport) (*daemon, error) {
	d := &daemon{
		log:   log,
		store: store.New(fs, cfg.StorageDir),
	}

	var err error
	d.client, err = client.NewClient(client.ClientConfig{
		DirectoryURL: cfg.DirectoryURL,
		CACert:       cfg.CACert,
		Transport:    transport,
		RateLimit:    cfg.ClientRate,
		Logger:       log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating ACME client")
	}

	acct, err := d.account(ctx, cfg.Contact)
	if err != nil {
		return nil, err
	}

	d.resolver = resolver.New(
		resolver.WithLogger(log),
		resolver.OnChallengeServed(func(domain string) {
			log.Info().Str("domain", domain).Msg("served tls-alpn-01 challenge certificate")
		}))

	d.orch = orchestrator.New(orchestrator.Config{
		Client:            d.client,
		Account:           acct,
		Installer:         d.resolver,
		Poll:              cfg.Poll,
		ChallengeValidity: cfg.ChallengeValidity,
		Logger:            log,
	})

	d.sched = scheduler.New(scheduler.Config{
		Issuer:        d.orch,
		Installer:     d.resolver,
		Store:         d.store,
		RenewFraction: cfg.RenewFraction,
		Retry:         cfg.Retry,
		MaxRetries:    cfg.MaxRetries,
		Logger:        log,
	})

	for _, domain := range cfg.Domains {
		if err := d.register(domain); err != nil {
			return nil, err
		}
	}
	d.domains = slices.Clone(cfg.Domains)
	return d, nil
}

// account loads the stored account and confirms it with the server, or
// registers a new one. The result is saved whenever the server's view differs
// from the stored one.
func (d *daemon) account(ctx context.Context, emails []string) (*resources.Account, error) {
	contacts := resources.MailtoContacts(emails)

	saved, err := d.store.LoadAccount()
	switch {
	case errors.Is(err, store.ErrNotFound):
		saved = nil
	case err != nil:
		return nil, errors.Wrap(err, "loading account")
	}

	var acct *resources.Account
	if saved == nil {
		acct, err = d.client.EnsureAccount(ctx, &resources.Account{Contact: contacts})
	} else {
		acct, err = d.client.RestoreAccount(ctx, saved)
	}
	if err != nil {
		return nil, errors.Wrap(err, "registering ACME account")
	}

	if !slices.Equal(acct.Contact, contacts) && len(contacts) > 0 {
		updated, err := d.client.UpdateContact(ctx, acct, emails)
		if err != nil {
			d.log.Warn().Err(err).Msg("updating account contact")
		} else {
			acct = updated
		}
	}

	if saved == nil || saved.ID != acct.ID || !slices.Equal(saved.Contact, acct.Contact) {
		if err := d.store.SaveAccount(acct); err != nil {
			return nil, errors.Wrap(err, "saving account")
		}
	}
	d.log.Info().Str("kid", acct.ID).Msg("using ACME account")
	return acct, nil
}

func (d *daemon) register(domain string) error {
	cert, err := d.store.LoadCertificate(domain)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cert = nil
	case err != nil:
		d.log.Warn().Err(err).Str("domain", domain).Msg("ignoring unreadable stored certificate")
		cert = nil
	}
	return d.sched.Register(domain, cert)
}

// applyConfig registers added domains and unregisters removed ones.
func (d *daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	added, removed := config.DiffDomains(d.domains, cfg.Domains)
	for _, domain := range added {
		if err := d.register(domain); err != nil {
			d.log.Error().Err(err).Str("domain", domain).Msg("registering domain")
		}
	}
	for _, domain := range removed {
		if err := d.sched.Unregister(domain); err != nil {
			d.log.Error().Err(err).Str("domain", domain).Msg("unregistering domain")
		}
	}
	d.domains = slices.Clone(cfg.Domains)
}

// listen opens the TLS listener. Connections negotiating acme-tls/1 are closed
// right after the handshake. Anything else gets a minimal HTTP response.
func (d *daemon) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %q", addr)
	}

	tlsConf := d.resolver.TLSConfig(&tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	})
	d.listener = tls.NewListener(ln, tlsConf)
	d.server = &http.Server{
		Handler:           http.HandlerFunc(d.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){
			acme.ACME_TLS_1_PROTOCOL: func(_ *http.Server, conn *tls.Conn, _ http.Handler) {
				d.log.Debug().
					Str("server_name", conn.ConnectionState().ServerName).
					Str("remote", conn.RemoteAddr().String()).
					Msg("closing validation connection")
				_ = conn.Close()
			},
		},
	}
	d.log.Info().Str("addr", ln.Addr().String()).Msg("TLS listener started")
	return nil
}

// Addr is the listener address, once listen has succeeded.
func (d *daemon) Addr() string {
	return d.listener.Addr().String()
}

func (d *daemon) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "acmealpn is serving %s\n", r.TLS.ServerName)
}

// run serves until ctx is done. Renewal events are logged; alerts at error
// level.
func (d *daemon) run(ctx context.Context) error {
	if d.listener == nil {
		return errors.New("listen must be called before run")
	}

	events, unsubscribe := d.sched.Subscribe(16)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.sched.Run(gctx)
	})
	g.Go(func() error {
		err := d.server.Serve(d.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving TLS")
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				d.logEvent(ev)
			}
		}
	})

	err := g.Wait()
	d.resolver.Close()
	return err
}

func (d *daemon) logEvent(ev scheduler.Event) {
	switch e := ev.(type) {
	case scheduler.EventInstalled:
		d.log.Info().Str("domain", e.Domain).Str("cycle", e.Cycle).Time("not_after", e.NotAfter).Msg("certificate installed")
	case scheduler.EventFailed:
		l := d.log.Warn()
		if e.Alert {
			l = d.log.Error()
		}
		l.Err(e.Err).
			Str("domain", e.Domain).
			Str("cycle", e.Cycle).
			Int("attempt", e.Attempt).
			Bool("alert", e.Alert).
			Time("next", e.NextAttempt).
			Msg("renewal failed")
	}
}
