package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/acmetest"
	"github.com/cpu/acmealpn/acme/resources"
	acmenet "github.com/cpu/acmealpn/net"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *acmetest.Server) {
	t.Helper()
	srv := acmetest.NewServer(acmetest.Config{})
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{DirectoryURL: srv.DirectoryURL()})
	require.NoError(t, err)
	return c, srv
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return k
}

// scriptedTransport answers every request with the response handle returns
// and counts requests per method and URL.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  map[string]int
	handle func(method, url string) (*acmenet.NetResponse, error)
}

func (s *scriptedTransport) Perform(_ context.Context, method, url string, _ http.Header, _ []byte) (*acmenet.NetResponse, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[method+" "+url]++
	s.mu.Unlock()
	return s.handle(method, url)
}

func (s *scriptedTransport) count(method, url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+url]
}

const scriptedDirectory = `{
  "newNonce": "https://acme.test/nonce",
  "newAccount": "https://acme.test/new-acct",
  "newOrder": "https://acme.test/new-order"
}`

// scriptedCA serves a directory and nonces. Anything else gets post.
func scriptedCA(post func(url string) *acmenet.NetResponse) *scriptedTransport {
	return &scriptedTransport{
		handle: func(method, url string) (*acmenet.NetResponse, error) {
			nonce := http.Header{}
			nonce.Set(acme.REPLAY_NONCE_HEADER, "nonce")
			switch {
			case method == http.MethodGet && url == "https://acme.test/dir":
				return &acmenet.NetResponse{StatusCode: http.StatusOK, Header: http.Header{}, RespBody: []byte(scriptedDirectory)}, nil
			case method == http.MethodHead && url == "https://acme.test/nonce":
				return &acmenet.NetResponse{StatusCode: http.StatusOK, Header: nonce}, nil
			}
			return post(url), nil
		},
	}
}

func TestNewClientValidation(t *testing.T) {
	testCases := []struct {
		Name   string
		Config ClientConfig
	}{
		{Name: "empty directory URL", Config: ClientConfig{DirectoryURL: "   "}},
		{Name: "unparseable directory URL", Config: ClientConfig{DirectoryURL: "http://[::1"}},
		{Name: "non-HTTP directory URL", Config: ClientConfig{DirectoryURL: "ftp://acme.test/dir"}},
		{Name: "negative rate limit", Config: ClientConfig{DirectoryURL: "https://acme.test/dir", RateLimit: -1}},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			c, err := NewClient(tc.Config)
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	}

	c, err := NewClient(ClientConfig{DirectoryURL: " https://acme.test/dir ", RateLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, "https://acme.test/dir", c.DirectoryURL.String())
}

func TestValidContacts(t *testing.T) {
	assert.NoError(t, ValidContacts([]string{"admin@example.com", "mailto:ops@example.com"}))
	assert.NoError(t, ValidContacts(nil))
	assert.Error(t, ValidContacts([]string{"admin@example.com", "not an address"}))
}

func TestEnsureAccount(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	acct, err := c.EnsureAccount(ctx, &resources.Account{
		Contact: []string{"mailto:admin@example.com"},
		Signer:  newKey(t),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(acct.ID, srv.URL+"/acct/"), "kid %q", acct.ID)
	assert.Equal(t, "valid", acct.Status)
	assert.Equal(t, []string{"mailto:admin@example.com"}, acct.Contact)

	// Registering the same key again returns the existing account.
	again, err := c.EnsureAccount(ctx, &resources.Account{Signer: acct.Signer})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)

	// A registered account is returned without contacting the server.
	before := len(srv.Requests())
	same, err := c.EnsureAccount(ctx, acct)
	require.NoError(t, err)
	assert.Same(t, acct, same)
	assert.Len(t, srv.Requests(), before)

	// Requests after registration are signed with the kid.
	_, err = c.CreateOrder(ctx, acct, []string{"example.com"})
	require.NoError(t, err)
	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	assert.Equal(t, "/new-order", last.Path)
	assert.Equal(t, acct.ID, last.KeyID)
	assert.False(t, last.HasJWK)

	for _, r := range reqs {
		if r.Path == "/new-acct" {
			assert.True(t, r.HasJWK, "newAccount embeds the jwk")
			assert.Empty(t, r.KeyID)
		}
	}
}

func TestEnsureAccountGeneratesKey(t *testing.T) {
	c, _ := newTestClient(t)

	acct, err := c.EnsureAccount(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, acct.Signer)
	assert.True(t, acct.Registered())
}

func TestRestoreAccount(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	acct, err := c.EnsureAccount(ctx, &resources.Account{Signer: newKey(t)})
	require.NoError(t, err)

	t.Run("known key", func(t *testing.T) {
		restored, err := c.RestoreAccount(ctx, &resources.Account{
			ID:     acct.ID,
			Signer: acct.Signer,
		})
		require.NoError(t, err)
		assert.Equal(t, acct.ID, restored.ID)
		assert.Equal(t, "valid", restored.Status)
	})

	t.Run("unknown key registers", func(t *testing.T) {
		orders := len(srv.Requests())
		restored, err := c.RestoreAccount(ctx, &resources.Account{
			ID:     srv.URL + "/acct/forgotten",
			Signer: newKey(t),
		})
		require.NoError(t, err)
		assert.True(t, restored.Registered())
		assert.NotEqual(t, acct.ID, restored.ID)
		assert.Greater(t, len(srv.Requests()), orders+1, "lookup then registration")
	})
}

func TestUpdateContact(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	acct, err := c.EnsureAccount(ctx, &resources.Account{
		Contact: []string{"mailto:old@example.com"},
		Signer:  newKey(t),
	})
	require.NoError(t, err)

	updated, err := c.UpdateContact(ctx, acct, []string{"new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, updated.Contact)
	assert.Equal(t, []string{"mailto:old@example.com"}, acct.Contact, "the given account is not modified")

	again, err := c.RestoreAccount(ctx, &resources.Account{Signer: acct.Signer})
	require.NoError(t, err)
	assert.Equal(t, []string{"mailto:new@example.com"}, again.Contact)

	_, err = c.UpdateContact(ctx, &resources.Account{Signer: acct.Signer}, nil)
	assert.Error(t, err, "unregistered accounts cannot be updated")
}

func TestRollover(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	acct, err := c.EnsureAccount(ctx, &resources.Account{Signer: newKey(t)})
	require.NoError(t, err)

	next := newKey(t)
	rolled, err := c.Rollover(ctx, acct, next)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, rolled.ID)
	assert.Same(t, next, rolled.Signer)
	assert.NotSame(t, next, acct.Signer)

	_, err = c.CreateOrder(ctx, rolled, []string{"example.com"})
	assert.NoError(t, err, "the new key signs requests")

	_, err = c.CreateOrder(ctx, acct, []string{"example.com"})
	var perr *acme.ProtocolError
	require.True(t, errors.As(err, &perr), "the old key is rejected, got %v", err)
	assert.Equal(t, http.StatusUnauthorized, perr.Status)

	restored, err := c.RestoreAccount(ctx, &resources.Account{Signer: next})
	require.NoError(t, err)
	assert.Equal(t, acct.ID, restored.ID)

	_, err = c.Rollover(ctx, rolled, nil)
	assert.Error(t, err)
}

func TestBadNonceRetry(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	acct, err := c.EnsureAccount(ctx, &resources.Account{Signer: newKey(t)})
	require.NoError(t, err)

	t.Run("one badNonce is retried", func(t *testing.T) {
		srv.FailNextNonces(1)
		before := len(srv.Requests())
		_, err := c.CreateOrder(ctx, acct, []string{"example.com"})
		require.NoError(t, err)

		reqs := srv.Requests()[before:]
		require.Len(t, reqs, 2)
		assert.NotEqual(t, reqs[0].Nonce, reqs[1].Nonce, "the retry uses a fresh nonce")
	})

	t.Run("a second badNonce is returned", func(t *testing.T) {
		srv.FailNextNonces(2)
		before := len(srv.Requests())
		_, err := c.CreateOrder(ctx, acct, []string{"example.com"})

		var perr *acme.ProtocolError
		require.True(t, errors.As(err, &perr), "got %v", err)
		assert.True(t, perr.BadNonce())
		assert.True(t, perr.Retryable())
		assert.True(t, acme.IsRetryable(err))
		assert.Len(t, srv.Requests()[before:], 2, "retried exactly once")
	})
}

func TestDirectory(t *testing.T) {
	transport := scriptedCA(func(string) *acmenet.NetResponse {
		return &acmenet.NetResponse{StatusCode: http.StatusNotFound, Header: http.Header{}}
	})
	c, err := NewClient(ClientConfig{DirectoryURL: "https://acme.test/dir", Transport: transport})
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir, err := c.Directory(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "https://acme.test/new-order", dir.NewOrder)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, transport.count(http.MethodGet, "https://acme.test/dir"))

	_, err = c.RefreshDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.count(http.MethodGet, "https://acme.test/dir"))

	_, err = c.endpoint(ctx, acme.KEY_CHANGE_ENDPOINT)
	var perr *acme.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.False(t, perr.Retryable(), "a missing endpoint is fatal")
}

func TestDirectoryErrors(t *testing.T) {
	testCases := []struct {
		Name      string
		Response  *acmenet.NetResponse
		Err       error
		Retryable bool
	}{
		{
			Name:      "network failure",
			Err:       errors.New("connection refused"),
			Retryable: true,
		},
		{
			Name:      "server error",
			Response:  &acmenet.NetResponse{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}},
			Retryable: true,
		},
		{
			Name:     "not JSON",
			Response: &acmenet.NetResponse{StatusCode: http.StatusOK, Header: http.Header{}, RespBody: []byte("<html>")},
		},
		{
			Name:     "missing newOrder",
			Response: &acmenet.NetResponse{StatusCode: http.StatusOK, Header: http.Header{}, RespBody: []byte(`{"newNonce":"a","newAccount":"b"}`)},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			transport := &scriptedTransport{handle: func(string, string) (*acmenet.NetResponse, error) {
				return tc.Response, tc.Err
			}}
			c, err := NewClient(ClientConfig{DirectoryURL: "https://acme.test/dir", Transport: transport})
			require.NoError(t, err)

			_, err = c.Directory(context.Background())
			require.Error(t, err)
			assert.Equal(t, tc.Retryable, acme.IsRetryable(err), "%v", err)
		})
	}
}

func TestNewAccountMissingLocation(t *testing.T) {
	transport := scriptedCA(func(url string) *acmenet.NetResponse {
		h := http.Header{}
		h.Set(acme.REPLAY_NONCE_HEADER, "next")
		return &acmenet.NetResponse{StatusCode: http.StatusCreated, Header: h, RespBody: []byte(`{"status":"valid"}`)}
	})
	c, err := NewClient(ClientConfig{DirectoryURL: "https://acme.test/dir", Transport: transport})
	require.NoError(t, err)

	_, err = c.EnsureAccount(context.Background(), &resources.Account{Signer: newKey(t)})
	var perr *acme.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.False(t, perr.Retryable())
	assert.Equal(t, 1, transport.count(http.MethodPost, "https://acme.test/new-acct"))
}

func TestNonceReuse(t *testing.T) {
	transport := scriptedCA(func(url string) *acmenet.NetResponse {
		h := http.Header{}
		h.Set(acme.REPLAY_NONCE_HEADER, "from-response")
		h.Set(acme.LOCATION_HEADER, "https://acme.test/acct/1")
		return &acmenet.NetResponse{StatusCode: http.StatusCreated, Header: h}
	})
	c, err := NewClient(ClientConfig{DirectoryURL: "https://acme.test/dir", Transport: transport})
	require.NoError(t, err)
	ctx := context.Background()
	key := newKey(t)

	for i := 0; i < 3; i++ {
		_, err := c.EnsureAccount(ctx, &resources.Account{Signer: key})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, transport.count(http.MethodHead, "https://acme.test/nonce"),
		"nonces from responses are used before fetching new ones")
}

func TestRefreshNonceMissingHeader(t *testing.T) {
	transport := &scriptedTransport{handle: func(method, url string) (*acmenet.NetResponse, error) {
		if method == http.MethodGet {
			return &acmenet.NetResponse{StatusCode: http.StatusOK, Header: http.Header{}, RespBody: []byte(scriptedDirectory)}, nil
		}
		return &acmenet.NetResponse{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}}
	c, err := NewClient(ClientConfig{DirectoryURL: "https://acme.test/dir", Transport: transport})
	require.NoError(t, err)

	err = c.RefreshNonce(context.Background())
	var perr *acme.ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.True(t, perr.Retryable())
	assert.True(t, errors.Is(err, errMissingNonce))
}

func TestCSR(t *testing.T) {
	key := newKey(t)

	b64, pemCSR, err := CSR("", []string{"example.com", "www.example.com"}, key)
	require.NoError(t, err)

	der, err := base64.RawURLEncoding.DecodeString(string(b64))
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.Equal(t, "example.com", csr.Subject.CommonName)
	assert.Equal(t, []string{"example.com", "www.example.com"}, csr.DNSNames)

	block, _ := pem.Decode([]byte(pemCSR))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE REQUEST", block.Type)
	assert.Equal(t, der, block.Bytes)

	_, _, err = CSR("", nil, key)
	assert.Error(t, err)
	_, _, err = CSR("example.com", []string{"example.com"}, nil)
	assert.Error(t, err)
}
