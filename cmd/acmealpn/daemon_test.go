package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cpu/acmealpn/acme/acmetest"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/cpu/acmealpn/config"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/cpu/acmealpn/store"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv  *acmetest.Server
	fs   afero.Fs
	addr atomic.Value
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{fs: afero.NewMemMapFs()}
	env.addr.Store("")
	env.srv = acmetest.NewServer(acmetest.Config{
		DialAddr: func(string) string { return env.addr.Load().(string) },
	})
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) config(domains ...string) *config.Config {
	cfg := config.Default()
	cfg.DirectoryURL = env.srv.DirectoryURL()
	cfg.Contact = []string{"admin@example.com"}
	cfg.Domains = domains
	cfg.Listen = "127.0.0.1:0"
	cfg.StorageDir = "/data"
	cfg.Poll = retry.Policy{
		InitialInterval:     10 * time.Millisecond,
		Multiplier:          1.5,
		MaxInterval:         50 * time.Millisecond,
		MaxElapsedTime:      5 * time.Second,
		RandomizationFactor: 0.1,
	}
	return cfg
}

// start runs a daemon until the test ends and returns it with a subscription
// to its renewal events.
func (env *testEnv) start(t *testing.T, cfg *config.Config) (*daemon, <-chan scheduler.Event) {
	t.Helper()
	d, err := newDaemon(context.Background(), cfg, zerolog.Nop(), env.fs, nil)
	require.NoError(t, err)
	require.NoError(t, d.listen(cfg.Listen))
	env.addr.Store(d.Addr())

	events, unsubscribe := d.sched.Subscribe(8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		unsubscribe()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return d, events
}

func waitInstalled(t *testing.T, events <-chan scheduler.Event, domain string) scheduler.EventInstalled {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case scheduler.EventInstalled:
				if e.Domain == domain {
					return e
				}
			case scheduler.EventFailed:
				t.Fatalf("renewal of %s failed: %v", e.Domain, e.Err)
			}
		case <-timeout:
			t.Fatalf("no certificate installed for %s", domain)
		}
	}
}

func get(t *testing.T, env *testEnv, d *daemon, serverName string) string {
	t.Helper()
	conn, err := tls.Dial("tcp", d.Addr(), &tls.Config{
		ServerName: serverName,
		RootCAs:    env.srv.Roots(),
		NextProtos: []string{"http/1.1"},
	})
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, "https://"+serverName+"/", nil)
	require.NoError(t, err)
	req.Close = true
	require.NoError(t, req.Write(conn))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	return string(body)
}

func TestDaemonIssuesServesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	d, events := env.start(t, env.config("example.com"))

	installed := waitInstalled(t, events, "example.com")
	assert.Equal(t, []string{"example.com"}, env.srv.Validated())

	assert.Equal(t, "acmealpn is serving example.com\n", get(t, env, d, "example.com"))

	st := store.New(env.fs, "/data")
	acct, err := st.LoadAccount()
	require.NoError(t, err)
	assert.Equal(t, d.orch.Account().ID, acct.ID)
	assert.Equal(t, []string{"mailto:admin@example.com"}, acct.Contact)

	require.Eventually(t, func() bool {
		cert, err := st.LoadCertificate("example.com")
		return err == nil && cert.NotAfter.Equal(installed.NotAfter)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDaemonRestartReusesState(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config("example.com")

	first, events := env.start(t, cfg)
	waitInstalled(t, events, "example.com")
	kid := first.orch.Account().ID
	st := store.New(env.fs, "/data")
	require.Eventually(t, func() bool {
		_, err := st.LoadCertificate("example.com")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	second, err := newDaemon(context.Background(), cfg, zerolog.Nop(), env.fs, nil)
	require.NoError(t, err)
	assert.Equal(t, kid, second.orch.Account().ID, "stored account is restored")

	states := second.sched.States()
	require.Len(t, states, 1)
	assert.True(t, states[0].NextRenewal.After(time.Now().Add(50*24*time.Hour)),
		"a fresh stored certificate is not renewed at startup")
	_, err = second.resolver.Query("example.com", []string{"http/1.1"})
	assert.NoError(t, err)
	assert.Equal(t, 1, env.srv.OrderCount())
}

func TestDaemonApplyConfig(t *testing.T) {
	env := newTestEnv(t)
	d, events := env.start(t, env.config("example.com"))
	waitInstalled(t, events, "example.com")

	d.applyConfig(env.config("www.example.com"))
	waitInstalled(t, events, "www.example.com")

	assert.Equal(t, "acmealpn is serving www.example.com\n", get(t, env, d, "www.example.com"))
	_, ok := d.resolver.Lookup("example.com")
	assert.False(t, ok, "removed domains stop being served")

	var domains []string
	for _, st := range d.sched.States() {
		domains = append(domains, st.Domain)
	}
	assert.Equal(t, []string{"www.example.com"}, domains)
}
