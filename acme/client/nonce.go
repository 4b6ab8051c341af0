package client

import (
	"context"
	"net/http"
	"sync"

	"github.com/cpu/acmealpn/acme"
)

// maxCachedNonces bounds the nonces remembered from responses. Servers expire
// unused nonces so holding on to more is pointless.
const maxCachedNonces = 16

// nonceCache holds nonces seen in Replay-Nonce response headers. The most
// recently seen nonce is handed out first and a nonce is handed out at most
// once.
type nonceCache struct {
	mu     sync.Mutex
	nonces []string
}

func (n *nonceCache) push(nonce string) {
	if nonce == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.nonces) == maxCachedNonces {
		n.nonces = n.nonces[1:]
	}
	n.nonces = append(n.nonces, nonce)
}

func (n *nonceCache) pop() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.nonces) == 0 {
		return "", false
	}
	last := n.nonces[len(n.nonces)-1]
	n.nonces = n.nonces[:len(n.nonces)-1]
	return last, true
}

func (n *nonceCache) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonces = nil
}

// updateNonce records the Replay-Nonce of a response, successful or not.
func (c *Client) updateNonce(h http.Header) {
	if h == nil {
		return
	}
	c.nonces.push(h.Get(acme.REPLAY_NONCE_HEADER))
}

// requestNonces satisfies the JWS "NonceSource" interface for a single
// request. It hands out a cached nonce when one is available and otherwise
// fetches a fresh one from the ACME server's newNonce endpoint.
type requestNonces struct {
	ctx context.Context
	c   *Client
}

// staticNonce is a NonceSource for a nonce that was already obtained.
type staticNonce string

func (n staticNonce) Nonce() (string, error) { return string(n), nil }

func (r requestNonces) Nonce() (string, error) {
	if n, ok := r.c.nonces.pop(); ok {
		return n, nil
	}
	return r.c.fetchNonce(r.ctx)
}

// RefreshNonce fetches a new nonce from the ACME server's newNonce endpoint and
// stores it to be used by the next signed request.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) RefreshNonce(ctx context.Context) error {
	nonce, err := c.fetchNonce(ctx)
	if err != nil {
		return err
	}
	c.nonces.push(nonce)
	return nil
}

func (c *Client) fetchNonce(ctx context.Context) (string, error) {
	nonceURL, err := c.endpoint(ctx, acme.NEW_NONCE_ENDPOINT)
	if err != nil {
		return "", err
	}

	if err := c.wait(ctx); err != nil {
		return "", err
	}
	resp, err := c.net.Perform(ctx, http.MethodHead, nonceURL, nil, nil)
	if err != nil {
		return "", &acme.NetworkError{Op: acme.NEW_NONCE_ENDPOINT, URL: nonceURL, Err: err}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return "", acme.NewProtocolError(acme.NEW_NONCE_ENDPOINT, nonceURL, resp.StatusCode, nil)
	}

	nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
	if nonce == "" {
		return "", &acme.ProtocolError{
			Op:          acme.NEW_NONCE_ENDPOINT,
			URL:         nonceURL,
			Status:      resp.StatusCode,
			IsRetryable: true,
			Err:         errMissingNonce,
		}
	}
	c.log.Debug().Str("url", nonceURL).Msg("fetched fresh nonce")
	return nonce, nil
}
