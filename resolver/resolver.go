// Package resolver selects the certificate presented by a TLS acceptor. A
// handshake offering the acme-tls/1 ALPN protocol is answered only with the
// domain's TLS-ALPN-01 challenge certificate; every other handshake gets the
// domain's production certificate.
package resolver

import (
	"crypto/tls"
	"slices"
	"strings"
	"time"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/cpu/acmealpn/tlsalpn"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/net/idna"
)

// Entry is the immutable state published for one domain. Readers always see
// a whole Entry, never a partially applied update.
type Entry struct {
	Challenge  *tlsalpn.ChallengeCertificate
	Production *resources.ManagedCertificate
}

// EntryInfo describes an Entry for display.
type EntryInfo struct {
	HasChallenge  bool
	HasProduction bool
	NotAfter      time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// OnChallengeServed registers fn to be called with the domain whenever a
// validation handshake is answered with a challenge certificate.
func OnChallengeServed(fn func(domain string)) Option {
	return func(r *Resolver) { r.onChallenge = fn }
}

// Resolver is a concurrent map from domain to Entry. It is safe for use by
// any number of handshakes and writers.
type Resolver struct {
	entries     *xsync.Map[string, *Entry]
	log         zerolog.Logger
	onChallenge func(string)
}

// New returns an empty Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		entries: xsync.NewMap[string, *Entry](),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close drops every entry.
func (r *Resolver) Close() {
	r.entries.Clear()
}

// Normalize returns the lookup key for a server name: lower case, without a
// trailing dot, in IDNA ASCII form. It returns "" for names that cannot be
// normalized.
func Normalize(name string) string {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return ""
	}
	return ascii
}

// update applies fn to the current entry of domain. A nil result deletes the
// entry.
func (r *Resolver) update(domain string, fn func(old *Entry) *Entry) {
	key := Normalize(domain)
	if key == "" {
		return
	}
	r.entries.Compute(key, func(old *Entry, loaded bool) (*Entry, xsync.ComputeOp) {
		if !loaded {
			old = nil
		}
		next := fn(old)
		if next == nil {
			if !loaded {
				return nil, xsync.CancelOp
			}
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}

// Install replaces the entry of domain.
func (r *Resolver) Install(domain string, e Entry) {
	r.update(domain, func(*Entry) *Entry {
		if e.Challenge == nil && e.Production == nil {
			return nil
		}
		return &e
	})
}

// InstallChallenge publishes a challenge certificate for domain, keeping its
// production certificate.
func (r *Resolver) InstallChallenge(domain string, cc *tlsalpn.ChallengeCertificate) {
	r.update(domain, func(old *Entry) *Entry {
		next := &Entry{Challenge: cc}
		if old != nil {
			next.Production = old.Production
		}
		return next
	})
	r.log.Debug().Str("domain", domain).Time("not_after", cc.NotAfter).Msg("installed challenge certificate")
}

// InstallProduction publishes cert for domain and drops its challenge
// certificate in the same step.
func (r *Resolver) InstallProduction(domain string, cert *resources.ManagedCertificate) {
	r.update(domain, func(*Entry) *Entry {
		return &Entry{Production: cert}
	})
	r.log.Info().Str("domain", domain).Time("not_after", cert.NotAfter).Msg("installed certificate")
}

// RemoveChallenge drops the challenge certificate of domain. The production
// certificate is untouched.
func (r *Resolver) RemoveChallenge(domain string) {
	r.update(domain, func(old *Entry) *Entry {
		if old == nil || old.Production == nil {
			return nil
		}
		if old.Challenge == nil {
			return old
		}
		return &Entry{Production: old.Production}
	})
}

// Remove drops everything installed for domain.
func (r *Resolver) Remove(domain string) {
	r.update(domain, func(*Entry) *Entry { return nil })
}

// Lookup returns the current entry of domain.
func (r *Resolver) Lookup(domain string) (Entry, bool) {
	e, ok := r.entries.Load(Normalize(domain))
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Query returns the certificate to present for a handshake with the given SNI
// server name and offered ALPN protocols. A handshake offering acme-tls/1
// only ever gets a challenge certificate. An empty server name is a miss.
func (r *Resolver) Query(serverName string, alpn []string) (*tls.Certificate, error) {
	challenge := slices.Contains(alpn, acme.ACME_TLS_1_PROTOCOL)
	miss := &acme.ResolverMiss{ServerName: serverName, Challenge: challenge}

	key := Normalize(serverName)
	if key == "" {
		return nil, miss
	}
	e, ok := r.entries.Load(key)
	if !ok {
		return nil, miss
	}

	if challenge {
		if e.Challenge == nil {
			return nil, miss
		}
		if r.onChallenge != nil {
			r.onChallenge(key)
		}
		r.log.Debug().Str("domain", key).Msg("served challenge certificate")
		return &e.Challenge.Certificate, nil
	}
	if e.Production == nil {
		return nil, miss
	}
	return e.Production.TLSCertificate(), nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Resolver) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := r.Query(hello.ServerName, hello.SupportedProtos)
	if err != nil {
		r.log.Debug().Err(err).Str("server_name", hello.ServerName).Msg("no certificate for handshake")
		return nil, err
	}
	return cert, nil
}

// DefaultNextProtos are the application protocols of a TLSConfig whose base
// lists none.
var DefaultNextProtos = []string{"http/1.1"}

// TLSConfig returns a copy of base that resolves certificates with r and
// accepts the acme-tls/1 protocol. base may be nil. When base lists no
// application protocols DefaultNextProtos is used, so clients that offer ALPN
// without acme-tls/1 still negotiate.
func (r *Resolver) TLSConfig(base *tls.Config) *tls.Config {
	var conf *tls.Config
	if base == nil {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		conf = base.Clone()
	}
	conf.GetCertificate = r.GetCertificate
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = slices.Clone(DefaultNextProtos)
	}
	if !slices.Contains(conf.NextProtos, acme.ACME_TLS_1_PROTOCOL) {
		conf.NextProtos = append(slices.Clone(conf.NextProtos), acme.ACME_TLS_1_PROTOCOL)
	}
	return conf
}

// IsChallengeHandshake reports whether a completed handshake negotiated
// acme-tls/1. Such connections carry no application data and should be
// closed.
func IsChallengeHandshake(state tls.ConnectionState) bool {
	return state.NegotiatedProtocol == acme.ACME_TLS_1_PROTOCOL
}

// Snapshot describes every entry.
func (r *Resolver) Snapshot() map[string]EntryInfo {
	out := make(map[string]EntryInfo)
	r.entries.Range(func(domain string, e *Entry) bool {
		info := EntryInfo{
			HasChallenge:  e.Challenge != nil,
			HasProduction: e.Production != nil,
		}
		if e.Production != nil {
			info.NotAfter = e.Production.NotAfter
		}
		out[domain] = info
		return true
	})
	return out
}
