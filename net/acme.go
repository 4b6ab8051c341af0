// Package net provides the HTTP transport used to reach the ACME server.
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	version       = "0.1.0"
	userAgentBase = "cpu.acmealpn"
	locale        = "en-us"

	// maxBodySize bounds every response body read from the ACME server. A
	// certificate chain is a few kilobytes.
	maxBodySize = 1 << 20
)

// ErrBodyTooLarge is returned for responses whose body exceeds the size
// limit.
var ErrBodyTooLarge = errors.New("response body too large")

// Transport performs a single HTTP exchange with the ACME server. The
// returned NetResponse always carries the full response headers so that the
// Replay-Nonce, Location and Retry-After values reach the caller. A non-2xx
// status is not an error at this layer.
type Transport interface {
	Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*NetResponse, error)
}

// NetResponse holds the results from performing an HTTP request.
type NetResponse struct {
	// The HTTP status code.
	StatusCode int
	// The response headers.
	Header http.Header
	// The response body.
	RespBody []byte
}

// Config configures an ACMENet.
type Config struct {
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server.
	CACert string
	// Optional extra trust roots, used by tests against an httptest server.
	RootCAs *x509.CertPool
	// Per request timeout. Defaults to 30 seconds.
	Timeout time.Duration
	// UserAgent is prefixed to the default User-Agent header when not empty.
	UserAgent string
	Logger    zerolog.Logger
}

// ACMENet is the default Transport built on a pooled go-cleanhttp transport.
type ACMENet struct {
	httpClient *http.Client
	userAgent  string
	log        zerolog.Logger
}

// New creates an ACMENet from the config.
func New(conf Config) (*ACMENet, error) {
	caBundle := conf.RootCAs
	if conf.CACert != "" {
		pemBundle, err := os.ReadFile(conf.CACert)
		if err != nil {
			return nil, errors.Wrapf(err, "reading CA bundle %q", conf.CACert)
		}
		if caBundle == nil {
			caBundle = x509.NewCertPool()
		}
		if !caBundle.AppendCertsFromPEM(pemBundle) {
			return nil, errors.Errorf("no PEM certificates in CA bundle %q", conf.CACert)
		}
	}

	transport := cleanhttp.DefaultPooledTransport()
	if caBundle != nil {
		transport.TLSClientConfig = &tls.Config{
			RootCAs: caBundle,
		}
	}

	timeout := conf.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ua := fmt.Sprintf("%s/%s (%s; %s)", userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	if conf.UserAgent != "" {
		ua = conf.UserAgent + " " + ua
	}

	return &ACMENet{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		userAgent: ua,
		log:       conf.Logger,
	}, nil
}

// NewWithClient wraps an existing http.Client, e.g. an httptest server's
// client.
func NewWithClient(c *http.Client, logger zerolog.Logger) *ACMENet {
	return &ACMENet{
		httpClient: c,
		userAgent:  fmt.Sprintf("%s/%s", userAgentBase, version),
		log:        logger,
	}
}

// Perform sends the request. User-Agent and Accept-Language headers are
// automatically added. The body of the HTTP response is read into the
// NetResponse, up to a fixed size limit.
func (c *ACMENet) Perform(ctx context.Context, method, url string, header http.Header, body []byte) (*NetResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Language", locale)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("url", url).Msg("acme request failed")
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}
	if len(respBody) > maxBodySize {
		return nil, errors.Wrapf(ErrBodyTooLarge, "%s %s", method, url)
	}

	c.log.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("acme request")

	return &NetResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		RespBody:   respBody,
	}, nil
}
