package client

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/resources"
	"github.com/pkg/errors"
)

// CreateOrder creates an Order for the given DNS names with the ACME server.
// The returned Order's ID is the value of the server's Location header.
//
// For more information on Order creation see "Applying for Certificate
// Issuance" in RFC 8555:
// https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) CreateOrder(ctx context.Context, acct *resources.Account, names []string) (*resources.Order, error) {
	const op = acme.NEW_ORDER_ENDPOINT
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}
	if len(names) == 0 {
		return nil, errors.Errorf("%s: no names specified", op)
	}

	newOrderURL, err := c.endpoint(ctx, acme.NEW_ORDER_ENDPOINT)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}{
		Identifiers: resources.DNSIdentifiers(names),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: marshaling request", op)
	}

	resp, err := c.SignedRequest(ctx, Request{
		Op:      op,
		URL:     newOrderURL,
		Signer:  acct.Signer,
		KeyID:   acct.ID,
		Payload: reqBody,
	})
	if err != nil {
		return nil, err
	}
	if err := expectStatus(op, newOrderURL, resp, http.StatusCreated); err != nil {
		return nil, err
	}

	var order resources.Order
	if err := decodeBody(op, newOrderURL, resp, &order); err != nil {
		return nil, err
	}
	order.ID = resp.Header.Get(acme.LOCATION_HEADER)
	if order.ID == "" {
		return nil, acme.Malformed(op, newOrderURL, errors.New("server returned response with no Location header"))
	}
	if len(order.Authorizations) == 0 && order.Status == acme.STATUS_PENDING {
		return nil, acme.Malformed(op, newOrderURL, errors.New("pending order has no authorizations"))
	}
	if order.Finalize == "" {
		return nil, acme.Malformed(op, newOrderURL, errors.New("order has no finalize URL"))
	}

	c.log.Info().Str("order", order.ID).Strs("names", names).Msg("created order")
	return &order, nil
}

// FetchOrder fetches the current state of the Order at url. The Retry-After
// response header value, if any, is returned for polling.
func (c *Client) FetchOrder(ctx context.Context, acct *resources.Account, url string) (*resources.Order, string, error) {
	const op = "getOrder"
	resp, err := c.PostAsGet(ctx, op, acct, url)
	if err != nil {
		return nil, "", err
	}
	if err := expectStatus(op, url, resp, http.StatusOK); err != nil {
		return nil, "", err
	}
	var order resources.Order
	if err := decodeBody(op, url, resp, &order); err != nil {
		return nil, "", err
	}
	order.ID = url
	return &order, resp.Header.Get(acme.RETRY_AFTER_HEADER), nil
}

// FetchAuthorization fetches the Authorization at url. The Retry-After
// response header value, if any, is returned for polling.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5
func (c *Client) FetchAuthorization(ctx context.Context, acct *resources.Account, url string) (*resources.Authorization, string, error) {
	const op = "getAuthz"
	resp, err := c.PostAsGet(ctx, op, acct, url)
	if err != nil {
		return nil, "", err
	}
	if err := expectStatus(op, url, resp, http.StatusOK); err != nil {
		return nil, "", err
	}
	var authz resources.Authorization
	if err := decodeBody(op, url, resp, &authz); err != nil {
		return nil, "", err
	}
	authz.ID = url
	return &authz, resp.Header.Get(acme.RETRY_AFTER_HEADER), nil
}

// RespondChallenge tells the server that the challenge response is in place by
// POSTing an empty JSON object to the challenge URL.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (c *Client) RespondChallenge(ctx context.Context, acct *resources.Account, chall resources.Challenge) (*resources.Challenge, error) {
	const op = "respondChallenge"
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}
	resp, err := c.SignedRequest(ctx, Request{
		Op:      op,
		URL:     chall.URL,
		Signer:  acct.Signer,
		KeyID:   acct.ID,
		Payload: []byte("{}"),
	})
	if err != nil {
		return nil, err
	}
	if err := expectStatus(op, chall.URL, resp, http.StatusOK); err != nil {
		return nil, err
	}
	var updated resources.Challenge
	if err := decodeBody(op, chall.URL, resp, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// FinalizeOrder submits the DER encoded CSR to the order's finalize URL. The
// order must be "ready".
//
// See https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) FinalizeOrder(ctx context.Context, acct *resources.Account, order *resources.Order, csr B64CSR) (*resources.Order, string, error) {
	const op = "finalize"
	if !acct.Registered() {
		return nil, "", errors.Errorf("%s: account has not been registered", op)
	}
	reqBody, err := json.Marshal(struct {
		CSR B64CSR `json:"csr"`
	}{CSR: csr})
	if err != nil {
		return nil, "", errors.Wrapf(err, "%s: marshaling request", op)
	}

	resp, err := c.SignedRequest(ctx, Request{
		Op:      op,
		URL:     order.Finalize,
		Signer:  acct.Signer,
		KeyID:   acct.ID,
		Payload: reqBody,
	})
	if err != nil {
		return nil, "", err
	}
	if err := expectStatus(op, order.Finalize, resp, http.StatusOK); err != nil {
		return nil, "", err
	}
	var updated resources.Order
	if err := decodeBody(op, order.Finalize, resp, &updated); err != nil {
		return nil, "", err
	}
	updated.ID = order.ID
	return &updated, resp.Header.Get(acme.RETRY_AFTER_HEADER), nil
}

// DownloadCertificate fetches the PEM certificate chain of a valid order.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4.2
func (c *Client) DownloadCertificate(ctx context.Context, acct *resources.Account, url string) ([]byte, error) {
	const op = "getCert"
	if !acct.Registered() {
		return nil, errors.Errorf("%s: account has not been registered", op)
	}
	resp, err := c.SignedRequest(ctx, Request{
		Op:     op,
		URL:    url,
		Signer: acct.Signer,
		KeyID:  acct.ID,
		Accept: acme.PEM_CHAIN_CONTENT_TYPE,
	})
	if err != nil {
		return nil, err
	}
	if err := expectStatus(op, url, resp, http.StatusOK); err != nil {
		return nil, err
	}
	if len(resp.RespBody) == 0 {
		return nil, acme.Malformed(op, url, errors.New("empty certificate chain"))
	}
	return resp.RespBody, nil
}
