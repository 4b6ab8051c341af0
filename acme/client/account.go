package client

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/keys"
	"github.com/cpu/acmealpn/acme/resources"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/pkg/errors"
)

type accountRequest struct {
	Contact            []string `json:"contact,omitempty"`
	ToSAgreed          bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting bool     `json:"onlyReturnExisting,omitempty"`
}

type accountResponse struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
}

// EnsureAccount makes sure the given account is registered with the ACME server
// and returns it with its ID (the account URL used as the JWS "kid") set.
//
// If acct is nil a new Account with a fresh ECDSA P-256 key is created. An
// account that already has an ID is returned as is. Otherwise the key is
// registered with the newAccount endpoint using an embedded JWK. Calling
// EnsureAccount again for an already registered key is safe: the server
// answers 200 with the existing account's URL instead of 201.
//
// Important: This function always unconditionally agrees to the server's terms
// of service (it sends "termsOfServiceAgreed":true).
//
// See https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) EnsureAccount(ctx context.Context, acct *resources.Account) (*resources.Account, error) {
	if acct == nil || acct.Signer == nil {
		var contact []string
		if acct != nil {
			contact = acct.Contact
		}
		fresh, err := resources.NewAccount(contact, nil)
		if err != nil {
			return nil, &acme.CryptoError{Op: "generate account key", Err: err}
		}
		acct = fresh
	}
	if acct.Registered() {
		return acct, nil
	}

	return c.newAccount(ctx, acct, accountRequest{
		Contact:   acct.Contact,
		ToSAgreed: true,
	})
}

// RestoreAccount looks up an existing account for the account's key with
// "onlyReturnExisting" set. If the server knows the key the returned account
// carries the server's view of its URL and status. If the server does not
// know the key (accountDoesNotExist, or a 403/404) a new account is registered
// with EnsureAccount.
func (c *Client) RestoreAccount(ctx context.Context, acct *resources.Account) (*resources.Account, error) {
	if acct == nil || acct.Signer == nil {
		return c.EnsureAccount(ctx, acct)
	}

	restored, err := c.newAccount(ctx, &resources.Account{
		Contact: acct.Contact,
		Signer:  acct.Signer,
	}, accountRequest{OnlyReturnExisting: true})
	if err == nil {
		return restored, nil
	}

	var perr *acme.ProtocolError
	if !errors.As(err, &perr) {
		return nil, err
	}
	notFound := perr.Problem.Is(resources.AccountDoesNotExistProblem) ||
		perr.Status == http.StatusForbidden ||
		perr.Status == http.StatusNotFound
	if !notFound {
		return nil, err
	}
	c.log.Info().Str("kid", acct.ID).Msg("account key unknown to server, registering a new account")
	return c.EnsureAccount(ctx, &resources.Account{
		Contact: acct.Contact,
		Signer:  acct.Signer,
	})
}

func (c *Client) newAccount(ctx context.Context, acct *resources.Account, req accountRequest) (*resources.Account, error) {
	newAcctURL, err := c.endpoint(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(&req)
	if err != nil {
		return nil, errors.Wrap(err, "newAccount: marshaling request")
	}

	c.log.Info().
		Strs("contact", acct.Contact).
		Bool("only_existing", req.OnlyReturnExisting).
		Str("url", newAcctURL).
		Msgf("sending %q request", acme.NEW_ACCOUNT_ENDPOINT)

	resp, err := c.SignedRequest(ctx, Request{
		Op:      acme.NEW_ACCOUNT_ENDPOINT,
		URL:     newAcctURL,
		Signer:  acct.Signer,
		Payload: reqBody,
	})
	if err != nil {
		return nil, err
	}

	if err := expectStatus(acme.NEW_ACCOUNT_ENDPOINT, newAcctURL, resp, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}

	locHeader := resp.Header.Get(acme.LOCATION_HEADER)
	if locHeader == "" {
		return nil, acme.Malformed(acme.NEW_ACCOUNT_ENDPOINT, newAcctURL,
			errors.New("server returned response with no Location header"))
	}

	var body accountResponse
	if len(resp.RespBody) > 0 {
		if err := decodeBody(acme.NEW_ACCOUNT_ENDPOINT, newAcctURL, resp, &body); err != nil {
			return nil, err
		}
	}

	registered := &resources.Account{
		ID:      locHeader,
		Status:  body.Status,
		Contact: acct.Contact,
		Signer:  acct.Signer,
	}
	if len(body.Contact) > 0 {
		registered.Contact = body.Contact
	}
	if resp.StatusCode == http.StatusCreated {
		c.log.Info().Str("kid", registered.ID).Msg("created account")
	} else {
		c.log.Info().Str("kid", registered.ID).Msg("reusing existing account")
	}
	return registered, nil
}

// UpdateContact replaces the account's contact URLs. The emails may be given
// with or without a "mailto:" prefix.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.2
func (c *Client) UpdateContact(ctx context.Context, acct *resources.Account, emails []string) (*resources.Account, error) {
	const op = "updateAccount"
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}

	contacts := resources.MailtoContacts(emails)
	reqBody, err := json.Marshal(struct {
		Contact []string `json:"contact"`
	}{Contact: contacts})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: marshaling request", op)
	}

	resp, err := c.SignedRequest(ctx, Request{
		Op:      op,
		URL:     acct.ID,
		Signer:  acct.Signer,
		KeyID:   acct.ID,
		Payload: reqBody,
	})
	if err != nil {
		return nil, err
	}
	if err := expectStatus(op, acct.ID, resp, http.StatusOK); err != nil {
		return nil, err
	}

	var body accountResponse
	if err := decodeBody(op, acct.ID, resp, &body); err != nil {
		return nil, err
	}
	updated := *acct
	updated.Contact = contacts
	if body.Status != "" {
		updated.Status = body.Status
	}
	return &updated, nil
}

// Rollover changes the account's key to newKey with the keyChange endpoint. The
// inner JWS is signed by the new key with an embedded JWK and no nonce, the
// outer JWS by the current account key. The returned Account carries the new
// key. The given Account is not modified, so renewal cycles that are already
// running keep signing with the old key until they finish.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3.5
func (c *Client) Rollover(ctx context.Context, acct *resources.Account, newKey crypto.Signer) (*resources.Account, error) {
	const op = acme.KEY_CHANGE_ENDPOINT
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}
	if newKey == nil {
		return nil, errors.Errorf("%s: new key must not be nil", op)
	}

	targetURL, err := c.endpoint(ctx, acme.KEY_CHANGE_ENDPOINT)
	if err != nil {
		return nil, err
	}

	rolloverRequest := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: acct.ID,
		OldKey:  keys.JWKForSigner(acct.Signer),
	}
	rolloverRequestJSON, err := json.Marshal(&rolloverRequest)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal rollover request to JSON")
	}

	inner, err := c.Sign(ctx, targetURL, rolloverRequestJSON, &SigningOptions{
		Signer:   newKey,
		EmbedKey: true,
		NoNonce:  true,
	})
	if err != nil {
		return nil, &acme.CryptoError{Op: "sign inner keyChange JWS", Err: err}
	}

	c.log.Info().Str("kid", acct.ID).Msg("rolling over account key")
	resp, err := c.SignedRequest(ctx, Request{
		Op:      op,
		URL:     targetURL,
		Signer:  acct.Signer,
		KeyID:   acct.ID,
		Payload: inner.SerializedJWS,
	})
	if err != nil {
		return nil, err
	}
	if err := expectStatus(op, targetURL, resp, http.StatusOK); err != nil {
		return nil, err
	}

	updated := *acct
	updated.Signer = newKey
	c.log.Info().Str("kid", acct.ID).Msg("rollover completed")
	return &updated, nil
}
