// Package tlsalpn builds the self-signed certificates answered to
// TLS-ALPN-01 validation handshakes.
//
// See https://tools.ietf.org/html/rfc8737
package tlsalpn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/keys"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// DefaultValidity is how long a challenge certificate is valid for.
const DefaultValidity = 10 * time.Minute

// ChallengeCertificate is a certificate that proves control of Domain for one
// TLS-ALPN-01 challenge. It must only be offered to handshakes that negotiate
// the acme-tls/1 protocol.
type ChallengeCertificate struct {
	Domain      string
	Certificate tls.Certificate
	Leaf        *x509.Certificate
	NotAfter    time.Time
}

type options struct {
	validity time.Duration
	now      func() time.Time
}

// Option configures Build.
type Option func(*options)

// WithValidity sets the certificate lifetime.
func WithValidity(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.validity = d
		}
	}
}

// WithClock sets the time source used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Digest returns the SHA-256 digest of a key authorization, the value carried
// by the acmeIdentifier extension.
func Digest(keyAuthorization string) [32]byte {
	return keys.KeyAuthDigest(keyAuthorization)
}

// Build creates a challenge certificate for domain carrying digest in a
// critical acmeIdentifier extension. A fresh P-256 key is generated for
// every certificate.
func Build(domain string, digest [32]byte, opts ...Option) (*ChallengeCertificate, error) {
	o := options{validity: DefaultValidity, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if domain == "" {
		return nil, &acme.CryptoError{Op: "build challenge certificate", Err: errors.New("empty domain")}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &acme.CryptoError{Op: "generate challenge key", Err: err}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, &acme.CryptoError{Op: "generate challenge serial", Err: err}
	}

	var b cryptobyte.Builder
	b.AddASN1OctetString(digest[:])
	extValue, err := b.Bytes()
	if err != nil {
		return nil, &acme.CryptoError{Op: "encode acmeIdentifier", Err: err}
	}

	now := o.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(o.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		ExtraExtensions: []pkix.Extension{{
			Id:       acme.IdPeAcmeIdentifier,
			Critical: true,
			Value:    extValue,
		}},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, &acme.CryptoError{Op: "sign challenge certificate", Err: err}
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &acme.CryptoError{Op: "parse challenge certificate", Err: err}
	}

	return &ChallengeCertificate{
		Domain: domain,
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:     leaf,
		NotAfter: leaf.NotAfter,
	}, nil
}

// ExtensionDigest extracts the digest from the acmeIdentifier extension of
// cert. It fails if the extension is missing, not critical or not a DER
// OCTET STRING of 32 bytes.
func ExtensionDigest(cert *x509.Certificate) ([32]byte, error) {
	var out [32]byte
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(acme.IdPeAcmeIdentifier) {
			continue
		}
		if !ext.Critical {
			return out, errors.New("acmeIdentifier extension is not critical")
		}
		var digest cryptobyte.String
		in := cryptobyte.String(ext.Value)
		if !in.ReadASN1(&digest, cryptobyte_asn1.OCTET_STRING) || !in.Empty() {
			return out, errors.New("acmeIdentifier extension is not a DER OCTET STRING")
		}
		if len(digest) != len(out) {
			return out, errors.Errorf("acmeIdentifier digest has %d bytes, want %d", len(digest), len(out))
		}
		copy(out[:], digest)
		return out, nil
	}
	return out, errors.New("certificate has no acmeIdentifier extension")
}
