package resources

import (
	"bytes"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/pkg/errors"
)

// ManagedCertificate is an issued production certificate chain and its key
// for one managed domain. It is immutable once constructed and persists until
// it is superseded by a renewal.
type ManagedCertificate struct {
	// The managed domain the certificate was issued for.
	Domain string
	// Leaf is the parsed end-entity certificate.
	Leaf *x509.Certificate
	// Chain holds the DER certificates, leaf first.
	Chain [][]byte
	// PrivateKey is the certificate key. It is never the account key.
	PrivateKey crypto.Signer
	NotBefore  time.Time
	NotAfter   time.Time

	tlsCert *tls.Certificate
}

// NewManagedCertificate parses a PEM certificate chain (leaf first, as served
// with the application/pem-certificate-chain content type) and pairs it with
// the certificate's private key.
func NewManagedCertificate(domain string, chainPEM []byte, key crypto.Signer) (*ManagedCertificate, error) {
	if key == nil {
		return nil, errors.New("certificate key must not be nil")
	}

	var chain [][]byte
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, errors.New("no PEM certificates in chain")
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, errors.Wrap(err, "parsing leaf certificate")
	}

	pub, ok := leaf.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(key.Public()) {
		return nil, errors.New("leaf certificate public key does not match private key")
	}

	return &ManagedCertificate{
		Domain:     domain,
		Leaf:       leaf,
		Chain:      chain,
		PrivateKey: key,
		NotBefore:  leaf.NotBefore,
		NotAfter:   leaf.NotAfter,
		tlsCert: &tls.Certificate{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		},
	}, nil
}

// ParseManagedCertificate restores a certificate from a PEM chain and a PEM
// PKCS #8 private key.
func ParseManagedCertificate(domain string, chainPEM, keyPEM []byte) (*ManagedCertificate, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Errorf("key of type %T is not a crypto.Signer", key)
	}
	return NewManagedCertificate(domain, chainPEM, signer)
}

// TLSCertificate returns the certificate in the form a tls.Config serves. The
// returned value is shared and must not be modified.
func (m *ManagedCertificate) TLSCertificate() *tls.Certificate {
	return m.tlsCert
}

// ChainPEM returns the PEM encoding of the chain, leaf first.
func (m *ManagedCertificate) ChainPEM() []byte {
	var buf bytes.Buffer
	for _, der := range m.Chain {
		_ = pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	}
	return buf.Bytes()
}

// KeyPEM returns the PKCS #8 PEM encoding of the private key.
func (m *ManagedCertificate) KeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(m.PrivateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Lifetime is the full validity period of the certificate.
func (m *ManagedCertificate) Lifetime() time.Duration {
	return m.NotAfter.Sub(m.NotBefore)
}

// ValidAt returns true if now is within the certificate's validity period.
func (m *ManagedCertificate) ValidAt(now time.Time) bool {
	return !now.Before(m.NotBefore) && now.Before(m.NotAfter)
}
