// Package acme provides ACME protocol constants and the error types shared by
// the acmealpn packages. See RFC 8555 and RFC 8737.
package acme

import "encoding/asn1"

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"
	// The ACME directory key for the revokeCert endpoint.
	REVOKE_CERT_ENDPOINT = "revokeCert"
	// The ACME directory key for the keyChange endpoint.
	KEY_CHANGE_ENDPOINT = "keyChange"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"
	// The HTTP response header holding the URL of a created resource.
	LOCATION_HEADER = "Location"
	// The HTTP response header a server uses to ask for a polling delay.
	RETRY_AFTER_HEADER = "Retry-After"

	// Content types used on the wire.
	JOSE_CONTENT_TYPE      = "application/jose+json"
	PEM_CHAIN_CONTENT_TYPE = "application/pem-certificate-chain"
	PROBLEM_CONTENT_TYPE   = "application/problem+json"

	// The ALPN protocol identifier a TLS-ALPN-01 validation handshake offers.
	// See https://tools.ietf.org/html/rfc8737#section-6.2
	ACME_TLS_1_PROTOCOL = "acme-tls/1"

	// The only challenge type this module solves.
	CHALLENGE_TLS_ALPN_01 = "tls-alpn-01"

	// Identifier type for DNS names.
	IDENTIFIER_DNS = "dns"
)

// Resource status values. See https://tools.ietf.org/html/rfc8555#section-7.1.6
const (
	STATUS_PENDING     = "pending"
	STATUS_READY       = "ready"
	STATUS_PROCESSING  = "processing"
	STATUS_VALID       = "valid"
	STATUS_INVALID     = "invalid"
	STATUS_DEACTIVATED = "deactivated"
	STATUS_EXPIRED     = "expired"
	STATUS_REVOKED     = "revoked"
)

// Well known ACME directory URLs.
const (
	LETSENCRYPT_PRODUCTION = "https://acme-v02.api.letsencrypt.org/directory"
	LETSENCRYPT_STAGING    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// IdPeAcmeIdentifier is the id-pe-acmeIdentifier certificate extension OID
// carried by TLS-ALPN-01 challenge certificates.
// See https://tools.ietf.org/html/rfc8737#section-6.1
var IdPeAcmeIdentifier = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 31}
