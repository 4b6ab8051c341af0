package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/acmetest"
	"github.com/cpu/acmealpn/acme/client"
	"github.com/cpu/acmealpn/acme/keys"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/cpu/acmealpn/resolver"
	"github.com/cpu/acmealpn/tlsalpn"
	pebble "github.com/letsencrypt/pebble/v2/acme"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPoll = retry.Policy{
	InitialInterval:     10 * time.Millisecond,
	Multiplier:          1.5,
	MaxInterval:         50 * time.Millisecond,
	MaxElapsedTime:      5 * time.Second,
	RandomizationFactor: 0.1,
}

type harness struct {
	srv    *acmetest.Server
	res    *resolver.Resolver
	client *client.Client
	acct   *resources.Account

	mu          sync.Mutex
	transitions []State
}

func newHarness(t *testing.T, conf acmetest.Config) *harness {
	t.Helper()
	h := &harness{res: resolver.New()}

	acc, err := acmetest.NewAcceptor(h.res.TLSConfig(nil))
	require.NoError(t, err)
	t.Cleanup(acc.Close)

	conf.DialAddr = func(string) string { return acc.Addr() }
	h.srv = acmetest.NewServer(conf)
	t.Cleanup(h.srv.Close)

	h.client, err = client.NewClient(client.ClientConfig{DirectoryURL: h.srv.DirectoryURL()})
	require.NoError(t, err)

	h.acct, err = h.client.EnsureAccount(context.Background(), nil)
	require.NoError(t, err)
	return h
}

func (h *harness) orchestrator(c ACME) *Orchestrator {
	if c == nil {
		c = h.client
	}
	return New(Config{
		Client:    c,
		Account:   h.acct,
		Installer: h.res,
		Poll:      testPoll,
		OnTransition: func(_ string, _, to State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.transitions = append(h.transitions, to)
		},
	})
}

func (h *harness) states() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.transitions...)
}

func requireFailure(t *testing.T, err error, state State) *Failure {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "want *Failure, got %v", err)
	assert.Equal(t, state, f.State)
	return f
}

func TestRunIssuesAndInstalls(t *testing.T) {
	h := newHarness(t, acmetest.Config{ProcessingPolls: 2})
	o := h.orchestrator(nil)

	cert, err := o.Run(context.Background(), []string{"example.com"})
	require.NoError(t, err)

	assert.Equal(t, []State{Ordering, Authorizing, Validating, Finalizing, Downloading, Installed}, h.states())
	assert.Equal(t, "example.com", cert.Domain)
	assert.Equal(t, []string{"example.com"}, cert.Leaf.DNSNames)
	assert.NotEqual(t, h.acct.Signer.Public(), cert.PrivateKey.Public())
	assert.Equal(t, []string{"example.com"}, h.srv.Validated())

	got, err := h.res.Query("example.com", []string{"h2", "http/1.1"})
	require.NoError(t, err)
	assert.Same(t, cert.TLSCertificate(), got)

	_, err = h.res.Query("example.com", []string{acme.ACME_TLS_1_PROTOCOL})
	assert.True(t, errors.Is(err, acme.ErrResolverMiss))
}

func TestRunUsesKeyIDAfterRegistration(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	_, err := h.orchestrator(nil).Run(context.Background(), []string{"example.com"})
	require.NoError(t, err)

	reqs := h.srv.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "/new-acct", reqs[0].Path)
	assert.True(t, reqs[0].HasJWK)
	assert.Empty(t, reqs[0].KeyID)
	for _, r := range reqs[1:] {
		assert.False(t, r.HasJWK, "%s sent a jwk", r.Path)
		assert.Equal(t, h.acct.ID, r.KeyID, "%s signed with the wrong kid", r.Path)
	}
}

func TestRunMultipleNames(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	cert, err := h.orchestrator(nil).Run(context.Background(), []string{"example.com", "www.example.com"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, cert.Leaf.DNSNames)
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, h.srv.Validated())
	for _, name := range []string{"example.com", "www.example.com"} {
		got, err := h.res.Query(name, nil)
		require.NoError(t, err)
		assert.Same(t, cert.TLSCertificate(), got)
	}
}

// observingClient checks the resolver when the challenge is answered.
type observingClient struct {
	*client.Client
	t    *testing.T
	res  *resolver.Resolver
	seen int
}

func (c *observingClient) RespondChallenge(ctx context.Context, acct *resources.Account, chall resources.Challenge) (*resources.Challenge, error) {
	c.seen++
	keyAuth, err := keys.KeyAuth(acct.Signer, chall.Token)
	require.NoError(c.t, err)

	cert, err := c.res.Query("example.com", []string{acme.ACME_TLS_1_PROTOCOL})
	require.NoError(c.t, err, "challenge certificate must be installed before the challenge is answered")
	digest, err := tlsalpn.ExtensionDigest(cert.Leaf)
	require.NoError(c.t, err)
	assert.Equal(c.t, tlsalpn.Digest(keyAuth), digest)

	_, err = c.res.Query("example.com", []string{"h2"})
	assert.True(c.t, errors.Is(err, acme.ErrResolverMiss), "no production certificate yet")

	return c.Client.RespondChallenge(ctx, acct, chall)
}

func TestChallengeInstalledBeforeResponse(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	oc := &observingClient{Client: h.client, t: t, res: h.res}

	_, err := h.orchestrator(oc).Run(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, oc.seen)
}

func TestValidationFailureKeepsProduction(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	now := time.Now()
	prior, err := acmetest.NewCertificate("example.com", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	h.res.InstallProduction("example.com", prior)
	h.srv.FailValidation("example.com", true)

	_, err = h.orchestrator(nil).Run(context.Background(), []string{"example.com"})
	f := requireFailure(t, err, Validating)
	assert.False(t, f.Retryable())
	assert.Equal(t, Failed, h.states()[len(h.states())-1])

	var perr *acme.ProtocolError
	require.True(t, errors.As(err, &perr))
	require.NotNil(t, perr.Problem)
	assert.True(t, perr.Problem.Is(resources.UnauthorizedProblem))

	e, ok := h.res.Lookup("example.com")
	require.True(t, ok)
	assert.Nil(t, e.Challenge)
	assert.Same(t, prior, e.Production)
}

func TestValidationFailureRemovesChallenge(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	h.srv.FailValidation("example.com", true)

	_, err := h.orchestrator(nil).Run(context.Background(), []string{"example.com"})
	requireFailure(t, err, Validating)

	_, ok := h.res.Lookup("example.com")
	assert.False(t, ok)
}

func TestValidationTimeout(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	h.srv.StallValidation("example.com")

	o := h.orchestrator(nil)
	o.poll.MaxElapsedTime = 200 * time.Millisecond

	_, err := o.Run(context.Background(), []string{"example.com"})
	f := requireFailure(t, err, Validating)
	assert.True(t, f.Retryable())

	var vt *acme.ValidationTimeout
	require.True(t, errors.As(err, &vt))
	assert.Equal(t, "example.com", vt.Domain)
	assert.Equal(t, pebble.StatusPending, vt.LastStatus)
}

func TestRejectedIdentifier(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	h.srv.RejectIdentifier("example.com")

	_, err := h.orchestrator(nil).Run(context.Background(), []string{"example.com"})
	f := requireFailure(t, err, Ordering)
	assert.False(t, f.Retryable())
}

func TestNoTLSALPNChallenge(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	h.srv.SetChallengeTypes(pebble.ChallengeHTTP01, pebble.ChallengeDNS01)

	_, err := h.orchestrator(nil).Run(context.Background(), []string{"example.com"})
	f := requireFailure(t, err, Authorizing)
	assert.False(t, f.Retryable())
	var perr *acme.ProtocolError
	assert.True(t, errors.As(err, &perr))
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	h.srv.StallValidation("example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	o := h.orchestrator(nil)
	o.poll.MaxElapsedTime = time.Minute

	_, err := o.Run(ctx, []string{"example.com"})
	requireFailure(t, err, Validating)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	_, ok := h.res.Lookup("example.com")
	assert.False(t, ok)
}

// cancelingClient cancels the cycle once the certificate has been downloaded.
type cancelingClient struct {
	*client.Client
	cancel context.CancelFunc
}

func (c *cancelingClient) DownloadCertificate(ctx context.Context, acct *resources.Account, url string) ([]byte, error) {
	chain, err := c.Client.DownloadCertificate(ctx, acct, url)
	c.cancel()
	return chain, err
}

func TestCanceledAfterDownloadDoesNotInstall(t *testing.T) {
	h := newHarness(t, acmetest.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := h.orchestrator(&cancelingClient{Client: h.client, cancel: cancel}).Run(ctx, []string{"example.com"})
	requireFailure(t, err, Downloading)
	assert.True(t, errors.Is(err, context.Canceled))

	e, ok := h.res.Lookup("example.com")
	if ok {
		assert.Nil(t, e.Production, "no certificate is installed for a canceled cycle")
		assert.Nil(t, e.Challenge)
	}
}

func TestRunRequiresAccount(t *testing.T) {
	o := New(Config{Installer: resolver.New()})
	_, err := o.Run(context.Background(), []string{"example.com"})
	require.Error(t, err)
	_, err = o.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "validating", Validating.String())
	assert.Equal(t, "state(42)", State(42).String())
}
