// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been created server-side with the ACME
// server.
//
// The ID field holds the server assigned Account URL that is returned in the
// Location header at the time of account creation and used as the JWS "kid"
// for authenticating every later ACME request with the Account's keypair.
//
// The Signer is exclusively owned by the Account and is only read once the
// account is registered, so it can be shared by concurrent renewal cycles.
type Account struct {
	// The server assigned Account URL. Used as the JWS "kid" header.
	ID string
	// The account status reported by the server: "valid", "deactivated" or
	// "revoked".
	Status string
	// Zero or more "mailto:" contact URLs.
	Contact []string
	// The account keypair.
	Signer crypto.Signer
}

// String returns the Account's ID or an empty string if it has not been created
// with the ACME server.
func (a Account) String() string {
	return a.ID
}

// Registered returns true if the account has a server assigned ID.
func (a *Account) Registered() bool {
	return a != nil && a.ID != ""
}

// NewAccount creates an ACME account in-memory. The created Account is *not*
// registered with the ACME server until it is explicitly created server-side
// with the client's EnsureAccount function.
//
// The emails argument is a slice of zero or more email addresses, with or
// without a "mailto:" prefix. If signer is nil a new ECDSA P-256 key is
// generated for the account.
func NewAccount(emails []string, signer crypto.Signer) (*Account, error) {
	if signer == nil {
		randKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		signer = randKey
	}

	return &Account{
		Contact: MailtoContacts(emails),
		Signer:  signer,
	}, nil
}

// MailtoContacts turns email addresses into "mailto:" contact URLs, skipping
// empty entries.
func MailtoContacts(emails []string) []string {
	var contacts []string
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, "mailto:") {
			e = "mailto:" + e
		}
		contacts = append(contacts, e)
	}
	return contacts
}

type rawAccount struct {
	ID         string   `json:"id"`
	Contact    []string `json:"contact,omitempty"`
	PrivateKey []byte   `json:"private_key"`
}

// MarshalJSON serializes the account URL, contacts and the PKCS #8 encoded
// private key.
func (a *Account) MarshalJSON() ([]byte, error) {
	if a.Signer == nil {
		return nil, errors.Errorf("account %q has no key", a.ID)
	}
	k, err := x509.MarshalPKCS8PrivateKey(a.Signer)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rawAccount{
		ID:         a.ID,
		Contact:    a.Contact,
		PrivateKey: k,
	})
}

// UnmarshalJSON restores an account serialized with MarshalJSON.
func (a *Account) UnmarshalJSON(data []byte) error {
	var raw rawAccount
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	key, err := x509.ParsePKCS8PrivateKey(raw.PrivateKey)
	if err != nil {
		return err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return errors.Errorf("account key of type %T is not a crypto.Signer", key)
	}
	a.ID = raw.ID
	a.Contact = raw.Contact
	a.Signer = signer
	return nil
}
