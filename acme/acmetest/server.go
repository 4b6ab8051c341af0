// Package acmetest provides an in-process ACME server for tests. It verifies
// JWS signatures, nonces and the "url" header of every request, and
// validates TLS-ALPN-01 challenges by dialing back with the acme-tls/1 ALPN
// protocol, the way a real CA would.
package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	pebble "github.com/letsencrypt/pebble/v2/acme"
	"github.com/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const problemNS = "urn:ietf:params:acme:error:"

var idPeAcmeIdentifier = []int{1, 3, 6, 1, 5, 5, 7, 1, 31}

// Config holds the knobs of a Server. The zero value is a server that
// validates challenges without dialing anywhere.
type Config struct {
	// DialAddr returns the address the validation handshake for domain is sent
	// to. When nil challenges are marked valid without a handshake.
	DialAddr func(domain string) string
	// CertValidity is the lifetime of issued certificates. Defaults to 90 days.
	CertValidity time.Duration
	// ProcessingPolls is the number of order polls answered with "processing"
	// after finalization.
	ProcessingPolls int
	// AuthzRetryAfter is sent as Retry-After on authorization polls.
	AuthzRetryAfter string
}

// Request records the protected header of one signed request.
type Request struct {
	Path   string
	KeyID  string
	HasJWK bool
	Nonce  string
}

type account struct {
	id      string
	key     crypto.PublicKey
	contact []string
	status  string
}

type order struct {
	id         string
	acct       string
	status     string
	names      []string
	authzIDs   []string
	certID     string
	processing int
	problem    *problem
}

type authz struct {
	id     string
	acct   string
	domain string
	status string
	challs []string
}

type challenge struct {
	id      string
	authz   string
	typ     string
	token   string
	status  string
	problem *problem
}

type problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Server is a fake ACME server backed by an httptest.Server.
type Server struct {
	*httptest.Server

	conf   Config
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate
	caDER  []byte

	wg sync.WaitGroup

	mu         sync.Mutex
	seq        int
	nonces     map[string]bool
	accounts   map[string]*account
	byThumb    map[string]string
	orders     map[string]*order
	authzs     map[string]*authz
	challs     map[string]*challenge
	certs      map[string][]byte
	requests   []Request
	badNonces  int
	rejected   map[string]bool
	failing    map[string]bool
	stalled    map[string]bool
	challTypes []string
	validated  []string
}

// NewServer starts a Server. Callers must Close it.
func NewServer(conf Config) *Server {
	if conf.CertValidity == 0 {
		conf.CertValidity = 90 * 24 * time.Hour
	}
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, caKey.Public(), caKey)
	if err != nil {
		panic(err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	s := &Server{
		conf:       conf,
		caKey:      caKey,
		caCert:     caCert,
		caDER:      caDER,
		nonces:     map[string]bool{},
		accounts:   map[string]*account{},
		byThumb:    map[string]string{},
		orders:     map[string]*order{},
		authzs:     map[string]*authz{},
		challs:     map[string]*challenge{},
		certs:      map[string][]byte{},
		rejected:   map[string]bool{},
		failing:    map[string]bool{},
		stalled:    map[string]bool{},
		challTypes: []string{pebble.ChallengeHTTP01, pebble.ChallengeTLSALPN01, pebble.ChallengeDNS01},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /dir", s.handleDirectory)
	mux.HandleFunc("HEAD /nonce", s.handleNonce)
	mux.HandleFunc("GET /nonce", s.handleNonce)
	mux.HandleFunc("POST /new-acct", s.signed(s.handleNewAccount))
	mux.HandleFunc("POST /acct/{id}", s.signed(s.handleAccount))
	mux.HandleFunc("POST /key-change", s.signed(s.handleKeyChange))
	mux.HandleFunc("POST /new-order", s.signed(s.handleNewOrder))
	mux.HandleFunc("POST /order/{id}", s.signed(s.handleOrder))
	mux.HandleFunc("POST /authz/{id}", s.signed(s.handleAuthz))
	mux.HandleFunc("POST /chall/{id}", s.signed(s.handleChallenge))
	mux.HandleFunc("POST /finalize/{id}", s.signed(s.handleFinalize))
	mux.HandleFunc("POST /cert/{id}", s.signed(s.handleCert))
	s.Server = httptest.NewServer(mux)
	return s
}

// Close shuts the server down and waits for running validations.
func (s *Server) Close() {
	s.Server.Close()
	s.wg.Wait()
}

// DirectoryURL is the URL of the server's directory.
func (s *Server) DirectoryURL() string { return s.URL + "/dir" }

// Roots returns a pool holding the CA that signs issued certificates.
func (s *Server) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.caCert)
	return pool
}

// FailNextNonces makes the next n signed requests fail with badNonce.
func (s *Server) FailNextNonces(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badNonces = n
}

// RejectIdentifier makes newOrder fail for domain with rejectedIdentifier.
func (s *Server) RejectIdentifier(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[domain] = true
}

// FailValidation makes TLS-ALPN-01 validation for domain fail. Passing false
// clears it.
func (s *Server) FailValidation(domain string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[domain] = fail
}

// StallValidation keeps challenges for domain in "processing" forever.
func (s *Server) StallValidation(domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[domain] = true
}

// SetChallengeTypes replaces the challenge types offered in new
// authorizations.
func (s *Server) SetChallengeTypes(types ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challTypes = types
}

// Requests returns the signed requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Validated returns the domains whose challenge validation succeeded, in
// order.
func (s *Server) Validated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.validated...)
}

// OrderCount returns the number of orders created so far.
func (s *Server) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *Server) nextID() string {
	s.seq++
	return fmt.Sprintf("%d", s.seq)
}

func (s *Server) newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	n := base64.RawURLEncoding.EncodeToString(b)
	s.mu.Lock()
	s.nonces[n] = true
	s.mu.Unlock()
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Replay-Nonce", s.newNonce())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeProblem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Replay-Nonce", s.newNonce())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{Type: problemNS + typ, Detail: detail, Status: status})
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"newNonce":   s.URL + "/nonce",
		"newAccount": s.URL + "/new-acct",
		"newOrder":   s.URL + "/new-order",
		"keyChange":  s.URL + "/key-change",
		"revokeCert": s.URL + "/revoke-cert",
	})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Replay-Nonce", s.newNonce())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// signedRequest is a verified JWS request.
type signedRequest struct {
	payload []byte
	acct    *account
	jwk     *jose.JSONWebKey
}

var algs = []jose.SignatureAlgorithm{jose.ES256, jose.ES384, jose.ES512, jose.RS256}

func (s *Server) signed(h func(http.ResponseWriter, *http.Request, *signedRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/jose+json" {
			s.writeProblem(w, http.StatusUnsupportedMediaType, "malformed", "bad content type "+ct)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeProblem(w, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		jws, err := jose.ParseSigned(string(body), algs)
		if err != nil || len(jws.Signatures) != 1 {
			s.writeProblem(w, http.StatusBadRequest, "malformed", "unparseable JWS")
			return
		}
		hdr := jws.Signatures[0].Protected

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Path:   r.URL.Path,
			KeyID:  hdr.KeyID,
			HasJWK: hdr.JSONWebKey != nil,
			Nonce:  hdr.Nonce,
		})
		known := s.nonces[hdr.Nonce]
		delete(s.nonces, hdr.Nonce)
		forceBad := s.badNonces > 0
		if forceBad {
			s.badNonces--
		}
		s.mu.Unlock()

		if !known || forceBad {
			s.writeProblem(w, http.StatusBadRequest, "badNonce", "JWS has an invalid anti-replay nonce")
			return
		}

		if u, _ := hdr.ExtraHeaders["url"].(string); u != s.URL+r.URL.Path {
			s.writeProblem(w, http.StatusUnauthorized, "unauthorized", fmt.Sprintf("url header %q does not match request", u))
			return
		}

		req := &signedRequest{}
		var key interface{}
		switch {
		case hdr.JSONWebKey != nil && hdr.KeyID != "":
			s.writeProblem(w, http.StatusBadRequest, "malformed", "jwk and kid are mutually exclusive")
			return
		case hdr.JSONWebKey != nil:
			req.jwk = hdr.JSONWebKey
			key = hdr.JSONWebKey.Key
		case hdr.KeyID != "":
			s.mu.Lock()
			acct := s.accounts[strings.TrimPrefix(hdr.KeyID, s.URL+"/acct/")]
			s.mu.Unlock()
			if acct == nil || !strings.HasPrefix(hdr.KeyID, s.URL+"/acct/") {
				s.writeProblem(w, http.StatusBadRequest, "accountDoesNotExist", "unknown kid "+hdr.KeyID)
				return
			}
			req.acct = acct
			key = acct.key
		default:
			s.writeProblem(w, http.StatusBadRequest, "malformed", "JWS has neither jwk nor kid")
			return
		}

		payload, err := jws.Verify(key)
		if err != nil {
			s.writeProblem(w, http.StatusUnauthorized, "unauthorized", "bad JWS signature")
			return
		}
		req.payload = payload
		h(w, r, req)
	}
}

func thumbprint(key crypto.PublicKey) string {
	jwk := jose.JSONWebKey{Key: key}
	b, _ := jwk.Thumbprint(crypto.SHA256)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (s *Server) accountJSON(a *account) pebble.Account {
	return pebble.Account{
		Status:  a.status,
		Contact: a.contact,
		Orders:  s.URL + "/acct/" + a.id + "/orders",
	}
}

func (s *Server) handleNewAccount(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	if req.jwk == nil {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "newAccount requires an embedded jwk")
		return
	}
	var body struct {
		Contact            []string `json:"contact"`
		ToSAgreed          bool     `json:"termsOfServiceAgreed"`
		OnlyReturnExisting bool     `json:"onlyReturnExisting"`
	}
	if err := json.Unmarshal(req.payload, &body); err != nil {
		s.writeProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}

	thumb := thumbprint(req.jwk.Key)
	s.mu.Lock()
	existing := s.accounts[s.byThumb[thumb]]
	if existing != nil {
		s.mu.Unlock()
		w.Header().Set("Location", s.URL+"/acct/"+existing.id)
		s.writeJSON(w, http.StatusOK, s.accountJSON(existing))
		return
	}
	if body.OnlyReturnExisting {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusBadRequest, "accountDoesNotExist", "no account for key")
		return
	}
	a := &account{id: s.nextID(), key: req.jwk.Key, contact: body.Contact, status: pebble.StatusValid}
	s.accounts[a.id] = a
	s.byThumb[thumb] = a.id
	s.mu.Unlock()

	w.Header().Set("Location", s.URL+"/acct/"+a.id)
	s.writeJSON(w, http.StatusCreated, s.accountJSON(a))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	if req.acct == nil || req.acct.id != r.PathValue("id") {
		s.writeProblem(w, http.StatusUnauthorized, "unauthorized", "account mismatch")
		return
	}
	var body struct {
		Contact []string `json:"contact"`
	}
	if len(req.payload) > 0 {
		if err := json.Unmarshal(req.payload, &body); err != nil {
			s.writeProblem(w, http.StatusBadRequest, "malformed", err.Error())
			return
		}
	}
	s.mu.Lock()
	if body.Contact != nil {
		req.acct.contact = body.Contact
	}
	resp := s.accountJSON(req.acct)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKeyChange(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	if req.acct == nil {
		s.writeProblem(w, http.StatusUnauthorized, "unauthorized", "keyChange requires a kid")
		return
	}
	inner, err := jose.ParseSigned(string(req.payload), algs)
	if err != nil || len(inner.Signatures) != 1 {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "unparseable inner JWS")
		return
	}
	hdr := inner.Signatures[0].Protected
	if hdr.JSONWebKey == nil || hdr.Nonce != "" {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "inner JWS needs a jwk and no nonce")
		return
	}
	payload, err := inner.Verify(hdr.JSONWebKey.Key)
	if err != nil {
		s.writeProblem(w, http.StatusUnauthorized, "unauthorized", "bad inner JWS signature")
		return
	}
	var body struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		s.writeProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	if body.Account != s.URL+"/acct/"+req.acct.id || thumbprint(body.OldKey.Key) != thumbprint(req.acct.key) {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "keyChange account or oldKey mismatch")
		return
	}
	s.mu.Lock()
	delete(s.byThumb, thumbprint(req.acct.key))
	req.acct.key = hdr.JSONWebKey.Key
	s.byThumb[thumbprint(req.acct.key)] = req.acct.id
	resp := s.accountJSON(req.acct)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNewOrder(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	if req.acct == nil {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "newOrder requires a kid")
		return
	}
	var body struct {
		Identifiers []pebble.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(req.payload, &body); err != nil || len(body.Identifiers) == 0 {
		s.writeProblem(w, http.StatusBadRequest, "malformed", "order needs identifiers")
		return
	}

	s.mu.Lock()
	o := &order{id: s.nextID(), acct: req.acct.id, status: pebble.StatusPending}
	for _, ident := range body.Identifiers {
		if ident.Type != pebble.IdentifierDNS {
			s.mu.Unlock()
			s.writeProblem(w, http.StatusBadRequest, "unsupportedIdentifier", ident.Type)
			return
		}
		if s.rejected[ident.Value] {
			s.mu.Unlock()
			s.writeProblem(w, http.StatusBadRequest, "rejectedIdentifier", "policy forbids "+ident.Value)
			return
		}
		o.names = append(o.names, ident.Value)
		a := &authz{id: s.nextID(), acct: req.acct.id, domain: ident.Value, status: pebble.StatusPending}
		for _, typ := range s.challTypes {
			c := &challenge{id: s.nextID(), authz: a.id, typ: typ, token: s.token(), status: pebble.StatusPending}
			s.challs[c.id] = c
			a.challs = append(a.challs, c.id)
		}
		s.authzs[a.id] = a
		o.authzIDs = append(o.authzIDs, a.id)
	}
	s.orders[o.id] = o
	resp := s.orderJSON(o)
	s.mu.Unlock()

	w.Header().Set("Location", s.URL+"/order/"+o.id)
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) token() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// orderJSON must be called with s.mu held.
func (s *Server) orderJSON(o *order) pebble.Order {
	resp := pebble.Order{
		Status:   o.status,
		Expires:  time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		Finalize: s.URL + "/finalize/" + o.id,
	}
	for _, n := range o.names {
		resp.Identifiers = append(resp.Identifiers, pebble.Identifier{Type: pebble.IdentifierDNS, Value: n})
	}
	for _, id := range o.authzIDs {
		resp.Authorizations = append(resp.Authorizations, s.URL+"/authz/"+id)
	}
	if o.certID != "" && o.status == pebble.StatusValid {
		resp.Certificate = s.URL + "/cert/" + o.certID
	}
	if o.problem != nil {
		resp.Error = &pebble.ProblemDetails{}
		raw, _ := json.Marshal(o.problem)
		_ = json.Unmarshal(raw, resp.Error)
	}
	return resp
}

// updateOrderStatus must be called with s.mu held.
func (s *Server) updateOrderStatus(o *order) {
	if o.status != pebble.StatusPending {
		return
	}
	allValid := true
	for _, id := range o.authzIDs {
		switch s.authzs[id].status {
		case pebble.StatusInvalid:
			o.status = pebble.StatusInvalid
			return
		case pebble.StatusValid:
		default:
			allValid = false
		}
	}
	if allValid {
		o.status = pebble.StatusReady
	}
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	s.mu.Lock()
	o := s.orders[r.PathValue("id")]
	if o == nil || req.acct == nil || o.acct != req.acct.id {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound, "malformed", "no such order")
		return
	}
	if o.status == pebble.StatusProcessing {
		if o.processing > 0 {
			o.processing--
		} else {
			o.status = pebble.StatusValid
		}
	}
	s.updateOrderStatus(o)
	resp := s.orderJSON(o)
	s.mu.Unlock()
	w.Header().Set("Retry-After", "0")
	s.writeJSON(w, http.StatusOK, resp)
}

// authzJSON must be called with s.mu held.
func (s *Server) authzJSON(a *authz) pebble.Authorization {
	resp := pebble.Authorization{
		Status:     a.status,
		Identifier: pebble.Identifier{Type: pebble.IdentifierDNS, Value: a.domain},
		Expires:    time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	}
	for _, id := range a.challs {
		resp.Challenges = append(resp.Challenges, s.challengeJSON(s.challs[id]))
	}
	return resp
}

// challengeJSON must be called with s.mu held.
func (s *Server) challengeJSON(c *challenge) pebble.Challenge {
	resp := pebble.Challenge{
		Type:   c.typ,
		URL:    s.URL + "/chall/" + c.id,
		Token:  c.token,
		Status: c.status,
	}
	if c.problem != nil {
		resp.Error = &pebble.ProblemDetails{}
		raw, _ := json.Marshal(c.problem)
		_ = json.Unmarshal(raw, resp.Error)
	}
	return resp
}

func (s *Server) handleAuthz(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	s.mu.Lock()
	a := s.authzs[r.PathValue("id")]
	if a == nil || req.acct == nil || a.acct != req.acct.id {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound, "malformed", "no such authorization")
		return
	}
	resp := s.authzJSON(a)
	s.mu.Unlock()
	if s.conf.AuthzRetryAfter != "" {
		w.Header().Set("Retry-After", s.conf.AuthzRetryAfter)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	s.mu.Lock()
	c := s.challs[r.PathValue("id")]
	if c == nil || req.acct == nil || s.authzs[c.authz].acct != req.acct.id {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound, "malformed", "no such challenge")
		return
	}
	// An empty JSON object asks the server to validate. A POST-as-GET only
	// fetches the challenge.
	if len(req.payload) > 0 && c.status == pebble.StatusPending {
		c.status = pebble.StatusProcessing
		a := s.authzs[c.authz]
		keyAuth := c.token + "." + thumbprint(req.acct.key)
		s.wg.Add(1)
		go s.validate(c, a, keyAuth)
	}
	resp := s.challengeJSON(c)
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) validate(c *challenge, a *authz, keyAuth string) {
	defer s.wg.Done()

	s.mu.Lock()
	stalled := s.stalled[a.domain]
	failing := s.failing[a.domain]
	s.mu.Unlock()
	if stalled {
		return
	}

	var prob *problem
	switch {
	case failing:
		prob = &problem{Type: problemNS + "unauthorized", Detail: "validation failed for " + a.domain, Status: http.StatusForbidden}
	case c.typ != pebble.ChallengeTLSALPN01:
		prob = &problem{Type: problemNS + "malformed", Detail: "only tls-alpn-01 is validated", Status: http.StatusBadRequest}
	case s.conf.DialAddr != nil:
		if err := verifyTLSALPN(s.conf.DialAddr(a.domain), a.domain, keyAuth); err != nil {
			prob = &problem{Type: problemNS + "tls", Detail: err.Error(), Status: http.StatusBadRequest}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prob != nil {
		c.status = pebble.StatusInvalid
		c.problem = prob
		a.status = pebble.StatusInvalid
		return
	}
	c.status = pebble.StatusValid
	a.status = pebble.StatusValid
	s.validated = append(s.validated, a.domain)
}

// verifyTLSALPN performs the RFC 8737 validation handshake against addr.
func verifyTLSALPN(addr, domain, keyAuth string) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName:         domain,
		NextProtos:         []string{"acme-tls/1"},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return errors.Wrapf(err, "handshake with %s", addr)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if state.NegotiatedProtocol != "acme-tls/1" {
		return errors.Errorf("server negotiated %q, not acme-tls/1", state.NegotiatedProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		return errors.New("no certificate presented")
	}
	leaf := state.PeerCertificates[0]
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != domain {
		return errors.Errorf("certificate names %v, want exactly %q", leaf.DNSNames, domain)
	}

	want := sha256.Sum256([]byte(keyAuth))
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(idPeAcmeIdentifier) {
			continue
		}
		if !ext.Critical {
			return errors.New("acmeIdentifier extension is not critical")
		}
		var digest cryptobyte.String
		in := cryptobyte.String(ext.Value)
		if !in.ReadASN1(&digest, cryptobyte_asn1.OCTET_STRING) || !in.Empty() {
			return errors.New("acmeIdentifier extension is not a DER OCTET STRING")
		}
		if string(digest) != string(want[:]) {
			return errors.New("acmeIdentifier digest mismatch")
		}
		return nil
	}
	return errors.New("certificate has no acmeIdentifier extension")
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	s.mu.Lock()
	o := s.orders[r.PathValue("id")]
	if o == nil || req.acct == nil || o.acct != req.acct.id {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusNotFound, "malformed", "no such order")
		return
	}
	s.updateOrderStatus(o)
	if o.status != pebble.StatusReady {
		s.mu.Unlock()
		s.writeProblem(w, http.StatusForbidden, "orderNotReady", "order is "+o.status)
		return
	}
	s.mu.Unlock()

	var body struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(req.payload, &body); err != nil {
		s.writeProblem(w, http.StatusBadRequest, "malformed", err.Error())
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(body.CSR)
	if err != nil {
		s.writeProblem(w, http.StatusBadRequest, "badCSR", err.Error())
		return
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil || csr.CheckSignature() != nil {
		s.writeProblem(w, http.StatusBadRequest, "badCSR", "invalid CSR")
		return
	}
	names := append([]string(nil), csr.DNSNames...)
	sort.Strings(names)
	want := append([]string(nil), o.names...)
	sort.Strings(want)
	if strings.Join(names, ",") != strings.Join(want, ",") {
		s.writeProblem(w, http.StatusBadRequest, "badCSR", "CSR names do not match order")
		return
	}

	chain, err := s.issue(csr)
	if err != nil {
		s.writeProblem(w, http.StatusInternalServerError, "serverInternal", err.Error())
		return
	}

	s.mu.Lock()
	o.certID = s.nextID()
	s.certs[o.certID] = chain
	o.processing = s.conf.ProcessingPolls
	o.status = pebble.StatusProcessing
	if o.processing == 0 {
		o.status = pebble.StatusValid
	}
	resp := s.orderJSON(o)
	s.mu.Unlock()

	w.Header().Set("Location", s.URL+"/order/"+o.id)
	w.Header().Set("Retry-After", "0")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) issue(csr *x509.CertificateRequest) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     csr.DNSNames,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(s.conf.CertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}
	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caDER})...)
	return chain, nil
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request, req *signedRequest) {
	s.mu.Lock()
	chain := s.certs[r.PathValue("id")]
	s.mu.Unlock()
	if chain == nil || req.acct == nil {
		s.writeProblem(w, http.StatusNotFound, "malformed", "no such certificate")
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.Header().Set("Replay-Nonce", s.newNonce())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chain)
}
