// Package client provides a low-level ACME v2 client: directory discovery,
// nonce handling, JWS request signing and the account, order,
// authorization, challenge and certificate requests needed to obtain
// a certificate with the TLS-ALPN-01 challenge.
package client

import (
	"net/mail"
	"net/url"
	"strings"
	"sync"

	"github.com/cpu/acmealpn/acme/resources"
	acmenet "github.com/cpu/acmealpn/net"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Client allows interaction with an ACME server. A Client holds no account
// state of its own: every signed request names the account key and account
// URL ("kid") it should be signed with, so one Client is safely shared by the
// renewal cycles of all managed domains.
//
// The Client's DirectoryURL field is a parsed *url.URL for the ACME server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL. The directory
// is fetched once and cached for the client's lifetime, see RefreshDirectory.
//
// Every response's Replay-Nonce header is remembered and handed out to the
// next signed request so that a nonce is normally available without an
// extra round trip to the newNonce endpoint.
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL

	net     acmenet.Transport
	limiter *rate.Limiter
	log     zerolog.Logger

	// flight collapses concurrent directory fetches.
	flight singleflight.Group

	dirMu     sync.RWMutex
	directory *resources.Directory

	nonces nonceCache
}

// ClientConfig contains configuration options provided to NewClient when
// creating a Client instance.
//
// The DirectoryURL field is a string containing the URL for the
// ACME server's directory endpoint. This field is mandatory and must not be
// empty. It should be a fully qualified URL with
// a HTTP/HTTPS protocol prefix ("http://" or "https://"). See
// https://tools.ietf.org/html/rfc8555#section-7.1.1
// for more information about the ACME directory resource.
//
// The Transport field is optional. When nil an acmenet.ACMENet is built from
// the CACert field, which is an optional file path to PEM encoded CA
// certificates to trust for HTTPS requests to the ACME server (e.g. Pebble's
// "test/certs/pebble.minica.pem").
//
// RateLimit bounds the number of requests per second sent to the ACME server
// across all renewal cycles. Zero disables limiting.
type ClientConfig struct {
	DirectoryURL string
	CACert       string
	Transport    acmenet.Transport
	RateLimit    float64
	RateBurst    int
	UserAgent    string
	Logger       zerolog.Logger
}

// normalize validates a ClientConfig.
func (conf *ClientConfig) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.CACert = strings.TrimSpace(conf.CACert)

	if conf.DirectoryURL == "" {
		return errors.New("DirectoryURL must not be empty")
	}

	u, err := url.Parse(conf.DirectoryURL)
	if err != nil {
		return errors.Wrap(err, "DirectoryURL invalid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("DirectoryURL %q must use http or https", conf.DirectoryURL)
	}

	if conf.RateLimit < 0 {
		return errors.Errorf("RateLimit must not be negative, got %v", conf.RateLimit)
	}
	if conf.RateLimit > 0 && conf.RateBurst <= 0 {
		conf.RateBurst = 1
	}
	return nil
}

// NewClient creates a Client instance from the given ClientConfig. If the
// config is not valid or if another error occurs it will be returned along with
// a nil Client. NewClient does not contact the ACME server.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	transport := config.Transport
	if transport == nil {
		n, err := acmenet.New(acmenet.Config{
			CACert:    config.CACert,
			UserAgent: config.UserAgent,
			Logger:    config.Logger,
		})
		if err != nil {
			return nil, err
		}
		transport = n
	}

	// NOTE(@cpu): Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	c := &Client{
		DirectoryURL: dirURL,
		net:          transport,
		log:          config.Logger.With().Str("component", "acme-client").Logger(),
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst)
	}
	return c, nil
}

// ValidContacts checks that each contact is an email address, with or without
// a "mailto:" prefix.
func ValidContacts(contacts []string) error {
	for _, contact := range contacts {
		addr := strings.TrimPrefix(strings.TrimSpace(contact), "mailto:")
		if _, err := mail.ParseAddress(addr); err != nil {
			return errors.Wrapf(err, "contact %q is invalid", contact)
		}
	}
	return nil
}
