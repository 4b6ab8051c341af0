// package keys offers utility functions for working with crypto.Signers, JWKs,
// thumbprints and TLS-ALPN-01 key authorizations.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
)

// SigAlgForKey returns the JWS algorithm used to sign with the given key.
func SigAlgForKey(signer crypto.Signer) jose.SignatureAlgorithm {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P384():
			return jose.ES384
		case elliptic.P521():
			return jose.ES512
		}
		return jose.ES256
	case *rsa.PrivateKey:
		return jose.RS256
	}
	return "unknown"
}

func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: string(SigAlgForKey(signer)),
	}
}

// JWKThumbprintBytes returns the RFC 7638 SHA-256 thumbprint of the signer's
// public key.
func JWKThumbprintBytes(signer crypto.Signer) ([]byte, error) {
	jwk := JWKForSigner(signer)
	return jwk.Thumbprint(crypto.SHA256)
}

// JWKThumbprint returns the base64url (unpadded) encoded thumbprint of the
// signer's public key.
func JWKThumbprint(signer crypto.Signer) (string, error) {
	thumbprintBytes, err := JWKThumbprintBytes(signer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumbprintBytes), nil
}

// KeyAuth returns the key authorization for a challenge token: the token and
// the account key thumbprint joined by a period.
//
// See https://tools.ietf.org/html/rfc8555#section-8.1
func KeyAuth(signer crypto.Signer, token string) (string, error) {
	thumbprint, err := JWKThumbprint(signer)
	if err != nil {
		return "", err
	}
	return KeyAuthFromThumbprint(token, thumbprint), nil
}

// KeyAuthFromThumbprint is KeyAuth for an already computed thumbprint.
func KeyAuthFromThumbprint(token, thumbprint string) string {
	return fmt.Sprintf("%s.%s", token, thumbprint)
}

// KeyAuthDigest is the SHA-256 digest of a key authorization. TLS-ALPN-01
// carries it in the acmeIdentifier extension of the challenge certificate.
func KeyAuthDigest(keyAuth string) [sha256.Size]byte {
	return sha256.Sum256([]byte(keyAuth))
}

// SigningKeyForSigner returns a jose.SigningKey for the signer. A non-empty
// keyID is sent as the JWS "kid" header.
func SigningKeyForSigner(signer crypto.Signer, keyID string) jose.SigningKey {
	alg := SigAlgForKey(signer)
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(alg),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: alg,
	}
}

// NewSigner generates a key of the given type: "ecdsa" (P-256) or "rsa"
// (2048 bit).
func NewSigner(keyType string) (crypto.Signer, error) {
	var randKey crypto.Signer
	var err error
	switch keyType {
	case "ecdsa":
		randKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "rsa":
		randKey, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		err = errors.Errorf("unknown key type: %q", keyType)
	}
	if err != nil {
		return nil, err
	}
	return randKey, nil
}
