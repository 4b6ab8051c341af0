// Package orchestrator drives one certificate issuance cycle against an ACME
// server, from the new order to the installed production certificate, solving
// TLS-ALPN-01 challenges through a certificate resolver.
package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/client"
	"github.com/cpu/acmealpn/acme/keys"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/cpu/acmealpn/tlsalpn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ACME is the subset of *client.Client a cycle needs.
type ACME interface {
	CreateOrder(ctx context.Context, acct *resources.Account, names []string) (*resources.Order, error)
	FetchOrder(ctx context.Context, acct *resources.Account, url string) (*resources.Order, string, error)
	FetchAuthorization(ctx context.Context, acct *resources.Account, url string) (*resources.Authorization, string, error)
	RespondChallenge(ctx context.Context, acct *resources.Account, chall resources.Challenge) (*resources.Challenge, error)
	FinalizeOrder(ctx context.Context, acct *resources.Account, order *resources.Order, csr client.B64CSR) (*resources.Order, string, error)
	DownloadCertificate(ctx context.Context, acct *resources.Account, url string) ([]byte, error)
}

// Installer publishes certificates to the TLS acceptor. *resolver.Resolver
// implements it.
type Installer interface {
	InstallChallenge(domain string, cc *tlsalpn.ChallengeCertificate)
	InstallProduction(domain string, cert *resources.ManagedCertificate)
	RemoveChallenge(domain string)
}

// Config configures an Orchestrator.
type Config struct {
	Client    ACME
	Account   *resources.Account
	Installer Installer
	// Poll is the backoff used while authorizations and orders are pending or
	// processing. Its MaxElapsedTime is the validation deadline.
	Poll retry.Policy
	// ChallengeValidity is the lifetime of challenge certificates.
	ChallengeValidity time.Duration
	// Clock drives the poll backoff. Defaults to the system clock.
	Clock backoff.Clock
	// OnTransition, if set, is called on every state change.
	OnTransition func(domain string, from, to State)
	Logger       zerolog.Logger
}

// Orchestrator runs issuance cycles. One Orchestrator may run cycles for many
// domains concurrently.
type Orchestrator struct {
	client       ACME
	installer    Installer
	account      atomic.Pointer[resources.Account]
	poll         retry.Policy
	validity     time.Duration
	clock        backoff.Clock
	onTransition func(string, State, State)
	log          zerolog.Logger
}

// New returns an Orchestrator for the given configuration.
func New(conf Config) *Orchestrator {
	o := &Orchestrator{
		client:       conf.Client,
		installer:    conf.Installer,
		poll:         conf.Poll.WithDefaults(retry.DefaultPollPolicy()),
		validity:     conf.ChallengeValidity,
		clock:        conf.Clock,
		onTransition: conf.OnTransition,
		log:          conf.Logger,
	}
	if o.validity <= 0 {
		o.validity = tlsalpn.DefaultValidity
	}
	if o.clock == nil {
		o.clock = backoff.SystemClock
	}
	o.account.Store(conf.Account)
	return o
}

// SetAccount replaces the account used by cycles started afterwards, e.g.
// after a key rollover.
func (o *Orchestrator) SetAccount(acct *resources.Account) {
	o.account.Store(acct)
}

// Account returns the account new cycles use.
func (o *Orchestrator) Account() *resources.Account {
	return o.account.Load()
}

// cycle is the state of one Run.
type cycle struct {
	o      *Orchestrator
	domain string
	names  []string
	acct   *resources.Account
	state  State
	log    zerolog.Logger

	order      *resources.Order
	pending    []string
	challenged []string
	certKey    *ecdsa.PrivateKey
}

func (c *cycle) enter(s State) {
	from := c.state
	c.state = s
	c.log.Info().Stringer("from", from).Stringer("to", s).Msg("state transition")
	if c.o.onTransition != nil {
		c.o.onTransition(c.domain, from, s)
	}
}

func (c *cycle) fail(err error) error {
	failed := c.state
	c.enter(Failed)
	for _, d := range c.challenged {
		c.o.installer.RemoveChallenge(d)
	}
	f := &Failure{Domain: c.domain, State: failed, Err: err}
	c.log.Warn().Err(err).Stringer("state", failed).Bool("retryable", f.Retryable()).Msg("cycle failed")
	return f
}

// Run issues a certificate for domains, the first of which is the managed
// domain the certificate belongs to, and installs it for every name. A failed
// cycle returns a *Failure and leaves any previously installed production
// certificate in place.
func (o *Orchestrator) Run(ctx context.Context, domains []string) (*resources.ManagedCertificate, error) {
	if len(domains) == 0 {
		return nil, errors.New("no domains to order")
	}
	acct := o.account.Load()
	if !acct.Registered() {
		return nil, errors.New("account has not been registered")
	}

	c := &cycle{
		o:      o,
		domain: domains[0],
		names:  domains,
		acct:   acct,
		state:  Start,
		log:    o.log.With().Str("domain", domains[0]).Logger(),
	}

	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{Ordering, c.createOrder},
		{Authorizing, c.authorize},
		{Validating, c.validate},
		{Finalizing, c.finalize},
	}
	for _, step := range steps {
		c.enter(step.state)
		if err := step.run(ctx); err != nil {
			return nil, c.fail(err)
		}
	}

	c.enter(Downloading)
	cert, err := c.download(ctx)
	if err != nil {
		return nil, c.fail(err)
	}
	// A canceled cycle must not install for a domain that is no longer managed.
	if err := ctx.Err(); err != nil {
		return nil, c.fail(err)
	}

	for _, name := range c.names {
		o.installer.InstallProduction(name, cert)
	}
	c.enter(Installed)
	return cert, nil
}

func (c *cycle) createOrder(ctx context.Context) error {
	order, err := c.o.client.CreateOrder(ctx, c.acct, c.names)
	if err != nil {
		return err
	}
	c.order = order
	c.log.Debug().Str("url", order.ID).Int("authorizations", len(order.Authorizations)).Msg("order created")
	return nil
}

func (c *cycle) authorize(ctx context.Context) error {
	thumbprint, err := keys.JWKThumbprint(c.acct.Signer)
	if err != nil {
		return &acme.CryptoError{Op: "account key thumbprint", Err: err}
	}

	for _, authzURL := range c.order.Authorizations {
		authz, _, err := c.o.client.FetchAuthorization(ctx, c.acct, authzURL)
		if err != nil {
			return err
		}
		switch authz.Status {
		case acme.STATUS_VALID:
			c.log.Debug().Str("url", authzURL).Str("identifier", authz.Identifier.Value).Msg("authorization already valid")
			continue
		case acme.STATUS_PENDING:
		default:
			perr := acme.Malformed("getAuthz", authzURL, errors.Errorf("authorization for %q is %q", authz.Identifier.Value, authz.Status))
			perr.Problem = authz.FailedChallenge()
			return perr
		}

		chall, ok := authz.FindChallenge(acme.CHALLENGE_TLS_ALPN_01)
		if !ok {
			return acme.Malformed("getAuthz", authzURL, errors.Errorf("authorization for %q offers no %s challenge", authz.Identifier.Value, acme.CHALLENGE_TLS_ALPN_01))
		}

		name := authz.Identifier.Value
		keyAuth := keys.KeyAuthFromThumbprint(chall.Token, thumbprint)
		cc, err := tlsalpn.Build(name, tlsalpn.Digest(keyAuth), tlsalpn.WithValidity(c.o.validity))
		if err != nil {
			return err
		}
		c.o.installer.InstallChallenge(name, cc)
		c.challenged = append(c.challenged, name)

		if _, err := c.o.client.RespondChallenge(ctx, c.acct, chall); err != nil {
			return err
		}
		c.log.Debug().Stringer("challenge", chall).Str("identifier", name).Msg("challenge accepted")
		c.pending = append(c.pending, authzURL)
	}
	return nil
}

// poll calls check until it reports done, waiting between calls according to
// the poll policy or the server's Retry-After, whichever is longer. check
// returns the resource status for the timeout error.
func (c *cycle) poll(ctx context.Context, url string, check func(context.Context) (status, retryAfter string, done bool, err error)) error {
	b := c.o.poll.NewBackOff(c.o.clock)
	for {
		status, retryAfter, done, err := check(ctx)
		if err != nil || done {
			return err
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return &acme.ValidationTimeout{Domain: c.domain, URL: url, LastStatus: status}
		}
		if d := retry.RetryAfter(retryAfter, c.o.clock.Now(), 0); d > next {
			next = d
		}
		c.log.Debug().Str("url", url).Str("status", status).Dur("next", next).Msg("polling")
		if err := retry.Sleep(ctx, next); err != nil {
			return err
		}
	}
}

func (c *cycle) validate(ctx context.Context) error {
	for _, authzURL := range c.pending {
		err := c.poll(ctx, authzURL, func(ctx context.Context) (string, string, bool, error) {
			authz, retryAfter, err := c.o.client.FetchAuthorization(ctx, c.acct, authzURL)
			if err != nil {
				return "", "", false, err
			}
			switch authz.Status {
			case acme.STATUS_VALID:
				return authz.Status, "", true, nil
			case acme.STATUS_PENDING, acme.STATUS_PROCESSING:
				return authz.Status, retryAfter, false, nil
			}
			perr := acme.Malformed("getAuthz", authzURL, errors.Errorf("validation of %q ended %q", authz.Identifier.Value, authz.Status))
			perr.Problem = authz.FailedChallenge()
			return authz.Status, "", false, perr
		})
		if err != nil {
			return err
		}
		c.log.Info().Str("url", authzURL).Msg("authorization valid")
	}
	return nil
}

// waitOrder polls the order until it leaves the given transient statuses.
func (c *cycle) waitOrder(ctx context.Context, transient ...string) error {
	return c.poll(ctx, c.order.ID, func(ctx context.Context) (string, string, bool, error) {
		order, retryAfter, err := c.o.client.FetchOrder(ctx, c.acct, c.order.ID)
		if err != nil {
			return "", "", false, err
		}
		c.order = order
		if order.Status == acme.STATUS_INVALID {
			perr := acme.Malformed("getOrder", order.ID, errors.New("order is invalid"))
			perr.Problem = order.Error
			return order.Status, "", false, perr
		}
		for _, s := range transient {
			if order.Status == s {
				return order.Status, retryAfter, false, nil
			}
		}
		return order.Status, "", true, nil
	})
}

func (c *cycle) finalize(ctx context.Context) error {
	if c.order.Status != acme.STATUS_READY {
		if err := c.waitOrder(ctx, acme.STATUS_PENDING); err != nil {
			return err
		}
		if c.order.Status != acme.STATUS_READY {
			return acme.Malformed("getOrder", c.order.ID, errors.Errorf("order is %q, not ready", c.order.Status))
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return &acme.CryptoError{Op: "generate certificate key", Err: err}
	}
	c.certKey = key

	csr, _, err := client.CSR(c.domain, c.names, key)
	if err != nil {
		return &acme.CryptoError{Op: "create CSR", Err: err}
	}

	order, _, err := c.o.client.FinalizeOrder(ctx, c.acct, c.order, csr)
	if err != nil {
		return err
	}
	c.order = order

	if err := c.waitOrder(ctx, acme.STATUS_READY, acme.STATUS_PROCESSING); err != nil {
		return err
	}
	if c.order.Status != acme.STATUS_VALID || c.order.Certificate == "" {
		return acme.Malformed("getOrder", c.order.ID, errors.Errorf("order is %q without a certificate", c.order.Status))
	}
	return nil
}

func (c *cycle) download(ctx context.Context) (*resources.ManagedCertificate, error) {
	chain, err := c.o.client.DownloadCertificate(ctx, c.acct, c.order.Certificate)
	if err != nil {
		return nil, err
	}
	cert, err := resources.NewManagedCertificate(c.domain, chain, c.certKey)
	if err != nil {
		return nil, acme.Malformed("getCert", c.order.Certificate, err)
	}
	c.log.Info().Time("not_after", cert.NotAfter).Msg("downloaded certificate")
	return cert, nil
}
