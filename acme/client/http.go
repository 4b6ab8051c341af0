package client

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/resources"
	acmenet "github.com/cpu/acmealpn/net"
	"github.com/pkg/errors"
)

var errMissingNonce = errors.New("server returned no Replay-Nonce header")

// Request is a JWS signed POST to an ACME endpoint.
type Request struct {
	// Op names the operation for errors and logs (e.g. "newOrder").
	Op string
	// URL is the request URL, also sent as the protected "url" header.
	URL string
	// Signer is the account key.
	Signer crypto.Signer
	// KeyID is the account URL. When empty the public key is embedded as
	// a "jwk" header instead, which is only valid before the account exists.
	KeyID string
	// Payload is the JSON payload. A nil payload is a POST-as-GET request.
	Payload []byte
	// Accept is an optional Accept header value.
	Accept string
}

// wait blocks until the rate limiter allows another request.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// SignedRequest signs and sends the request. The Replay-Nonce of every
// response is remembered. A response with a status of 400 or above is
// returned as a *acme.ProtocolError carrying the server's problem document.
//
// When the server rejects the nonce with a badNonce problem the request is
// signed again with a fresh nonce and retried exactly once. A second badNonce
// is returned to the caller as a retryable ProtocolError.
func (c *Client) SignedRequest(ctx context.Context, req Request) (*acmenet.NetResponse, error) {
	header := http.Header{}
	header.Set("Content-Type", acme.JOSE_CONTENT_TYPE)
	if req.Accept != "" {
		header.Set("Accept", req.Accept)
	}

	for attempt := 0; ; attempt++ {
		signResult, err := c.Sign(ctx, req.URL, req.Payload, &SigningOptions{
			EmbedKey: req.KeyID == "",
			KeyID:    req.KeyID,
			Signer:   req.Signer,
		})
		if err != nil {
			var perr *acme.ProtocolError
			var nerr *acme.NetworkError
			if errors.As(err, &perr) || errors.As(err, &nerr) || ctx.Err() != nil {
				return nil, err
			}
			return nil, &acme.CryptoError{Op: req.Op, Err: err}
		}

		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.net.Perform(ctx, http.MethodPost, req.URL, header, signResult.SerializedJWS)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &acme.NetworkError{Op: req.Op, URL: req.URL, Err: err}
		}
		c.updateNonce(resp.Header)

		if resp.StatusCode < http.StatusBadRequest {
			return resp, nil
		}

		perr := acme.NewProtocolError(req.Op, req.URL, resp.StatusCode, decodeProblem(resp.RespBody))
		if perr.BadNonce() && attempt == 0 {
			c.log.Debug().Str("op", req.Op).Str("url", req.URL).Msg("server rejected nonce, retrying once")
			if resp.Header.Get(acme.REPLAY_NONCE_HEADER) == "" {
				c.nonces.clear()
			}
			continue
		}
		return nil, perr
	}
}

// PostAsGet fetches a resource with a POST-as-GET request signed by the
// account. See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) PostAsGet(ctx context.Context, op string, acct *resources.Account, url string) (*acmenet.NetResponse, error) {
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}
	return c.SignedRequest(ctx, Request{
		Op:     op,
		URL:    url,
		Signer: acct.Signer,
		KeyID:  acct.ID,
	})
}

// decodeProblem returns the problem document in body, or nil if the body is not
// one.
func decodeProblem(body []byte) *resources.Problem {
	if len(body) == 0 {
		return nil
	}
	var prob resources.Problem
	if err := json.Unmarshal(body, &prob); err != nil || prob.Type == "" {
		return nil
	}
	return &prob
}

// expectStatus returns a fatal ProtocolError unless the response has one of the
// wanted status codes.
func expectStatus(op, url string, resp *acmenet.NetResponse, want ...int) error {
	for _, w := range want {
		if resp.StatusCode == w {
			return nil
		}
	}
	perr := acme.NewProtocolError(op, url, resp.StatusCode, decodeProblem(resp.RespBody))
	perr.Err = errors.Errorf("expected status %v", want)
	return perr
}

// decodeBody unmarshals a JSON response body, returning a fatal ProtocolError
// when the body is malformed.
func decodeBody(op, url string, resp *acmenet.NetResponse, v interface{}) error {
	if err := json.Unmarshal(resp.RespBody, v); err != nil {
		return acme.Malformed(op, url, errors.Wrap(err, "decoding response"))
	}
	return nil
}
