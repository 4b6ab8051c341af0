package acme

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cpu/acmealpn/acme/resources"
	"github.com/pkg/errors"
)

// retryabler is implemented by every error type in this package. Callers
// should use IsRetryable rather than asserting on it directly.
type retryabler interface {
	Retryable() bool
}

// NetworkError is a transport level failure talking to the ACME server. It is
// always retryable.
type NetworkError struct {
	// The operation that was in progress (e.g. "newOrder").
	Op string
	// The URL that was being requested.
	URL string
	// The underlying transport error.
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %q: network error: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Retryable() bool { return true }

// ProtocolError is a malformed or unexpected ACME response. Retryable is true
// for badNonce and rate limit problems as well as server side (5xx) failures.
// Everything else (malformed, unauthorized, rejected identifiers, unexpected
// status codes, undecodable bodies) is fatal for the current renewal cycle.
type ProtocolError struct {
	// The operation that was in progress (e.g. "finalize").
	Op string
	// The URL that was being requested.
	URL string
	// The HTTP status code of the response, or 0 if the failure was not tied to
	// a response status (e.g. a missing header).
	Status int
	// The problem document returned by the server, if any.
	Problem *resources.Problem
	// Whether retrying the cycle later may succeed.
	IsRetryable bool
	// An optional underlying error (e.g. a JSON decoding error).
	Err error
}

// NewProtocolError builds a ProtocolError for a response with the given status
// and optional problem document, classifying whether it is retryable.
func NewProtocolError(op, url string, status int, prob *resources.Problem) *ProtocolError {
	return &ProtocolError{
		Op:          op,
		URL:         url,
		Status:      status,
		Problem:     prob,
		IsRetryable: retryableProblem(status, prob),
	}
}

// Malformed builds a fatal ProtocolError for a response that could not be
// understood.
func Malformed(op, url string, err error) *ProtocolError {
	return &ProtocolError{Op: op, URL: url, Err: err}
}

func retryableProblem(status int, prob *resources.Problem) bool {
	if prob != nil {
		switch {
		case prob.Is(resources.BadNonceProblem),
			prob.Is(resources.RateLimitedProblem),
			prob.Is(resources.ServerInternalProblem):
			return true
		case prob.Is(resources.MalformedProblem),
			prob.Is(resources.UnauthorizedProblem),
			prob.Is(resources.RejectedIdentifierProblem),
			prob.Is(resources.CAAProblem),
			prob.Is(resources.AccountDoesNotExistProblem):
			return false
		}
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s %q: protocol error", e.Op, e.URL)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Problem != nil {
		msg += ": " + e.Problem.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Retryable() bool { return e.IsRetryable }

// BadNonce returns true if the error carries a badNonce problem.
func (e *ProtocolError) BadNonce() bool {
	return e.Problem != nil && e.Problem.Is(resources.BadNonceProblem)
}

// CryptoError is a key or certificate generation failure. It is never
// retryable.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: crypto error: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

func (e *CryptoError) Retryable() bool { return false }

// ValidationTimeout is returned when an authorization or order is still
// pending or processing once the polling deadline passed. A fresh cycle may
// succeed so it is retryable.
type ValidationTimeout struct {
	Domain     string
	URL        string
	LastStatus string
}

func (e *ValidationTimeout) Error() string {
	return fmt.Sprintf("%s: %q still %q after polling deadline", e.Domain, e.URL, e.LastStatus)
}

func (e *ValidationTimeout) Retryable() bool { return true }

// ErrResolverMiss is matched by every *ResolverMiss with errors.Is.
var ErrResolverMiss = errors.New("no certificate available")

// ResolverMiss is returned to the TLS acceptor when no certificate can be
// served for a handshake. The handshake should be rejected. It is not an
// internal failure.
type ResolverMiss struct {
	ServerName string
	// Challenge is true when the handshake offered acme-tls/1.
	Challenge bool
}

func (e *ResolverMiss) Error() string {
	if e.Challenge {
		return fmt.Sprintf("%s: no challenge certificate for %q", ErrResolverMiss, e.ServerName)
	}
	return fmt.Sprintf("%s: no certificate for %q", ErrResolverMiss, e.ServerName)
}

func (e *ResolverMiss) Is(target error) bool { return target == ErrResolverMiss }

func (e *ResolverMiss) Retryable() bool { return false }

// IsRetryable reports whether a renewal cycle that failed with err should be
// retried with backoff. Context cancellation is never retryable. Errors that
// are not classified by this package are treated as retryable so that they
// go through the scheduler's backoff rather than being dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r retryabler
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
