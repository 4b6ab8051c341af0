package resources

import "github.com/pkg/errors"

// Directory is the ACME server's directory object listing the endpoint URLs
// a client needs. See https://tools.ietf.org/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string         `json:"newNonce"`
	NewAccount string         `json:"newAccount"`
	NewOrder   string         `json:"newOrder"`
	RevokeCert string         `json:"revokeCert,omitempty"`
	KeyChange  string         `json:"keyChange,omitempty"`
	Meta       *DirectoryMeta `json:"meta,omitempty"`
}

// DirectoryMeta holds the optional directory metadata.
type DirectoryMeta struct {
	TermsOfService          string   `json:"termsOfService,omitempty"`
	Website                 string   `json:"website,omitempty"`
	CAAIdentities           []string `json:"caaIdentities,omitempty"`
	ExternalAccountRequired bool     `json:"externalAccountRequired,omitempty"`
}

// Validate checks that the endpoints every issuance needs are present.
func (d *Directory) Validate() error {
	missing := func(name string) error {
		return errors.Errorf("directory is missing the required %q endpoint", name)
	}
	switch {
	case d.NewNonce == "":
		return missing("newNonce")
	case d.NewAccount == "":
		return missing("newAccount")
	case d.NewOrder == "":
		return missing("newOrder")
	}
	return nil
}

// Endpoint returns the URL for the named directory entry and true, or false when
// the directory has no such entry.
func (d *Directory) Endpoint(name string) (string, bool) {
	var u string
	switch name {
	case "newNonce":
		u = d.NewNonce
	case "newAccount":
		u = d.NewAccount
	case "newOrder":
		u = d.NewOrder
	case "revokeCert":
		u = d.RevokeCert
	case "keyChange":
		u = d.KeyChange
	}
	return u, u != ""
}
