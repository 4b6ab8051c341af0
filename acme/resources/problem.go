package resources

import (
	"fmt"
	"strings"
)

// PROBLEM_NS is the URN namespace of the ACME error types.
// See https://tools.ietf.org/html/rfc8555#section-6.7
const PROBLEM_NS = "urn:ietf:params:acme:error:"

// ACME problem types (without the PROBLEM_NS prefix) that this module
// classifies.
const (
	AccountDoesNotExistProblem = "accountDoesNotExist"
	BadNonceProblem            = "badNonce"
	CAAProblem                 = "caa"
	ConnectionProblem          = "connection"
	MalformedProblem           = "malformed"
	OrderNotReadyProblem       = "orderNotReady"
	RateLimitedProblem         = "rateLimited"
	RejectedIdentifierProblem  = "rejectedIdentifier"
	ServerInternalProblem      = "serverInternal"
	TLSProblem                 = "tls"
	UnauthorizedProblem        = "unauthorized"
)

// Problem is a struct representing a problem document from the server.
//
// See https://tools.ietf.org/html/rfc7807
type Problem struct {
	Type        string       `json:"type"`
	Detail      string       `json:"detail,omitempty"`
	Status      int          `json:"status,omitempty"`
	Identifier  *Identifier  `json:"identifier,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem is a per-identifier problem nested in a Problem.
// See https://tools.ietf.org/html/rfc8555#section-6.7.1
type Subproblem struct {
	Type       string      `json:"type"`
	Detail     string      `json:"detail,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

// Is reports whether the problem has the given ACME problem type. The kind is
// given without the "urn:ietf:params:acme:error:" prefix.
func (p *Problem) Is(kind string) bool {
	if p == nil {
		return false
	}
	return strings.TrimPrefix(p.Type, PROBLEM_NS) == kind
}

func (p *Problem) String() string {
	if p == nil {
		return "<nil problem>"
	}
	s := fmt.Sprintf("%s: %s", p.Type, p.Detail)
	for _, sub := range p.Subproblems {
		if sub.Identifier != nil {
			s += fmt.Sprintf(" (%s: %s: %s)", sub.Identifier.Value, sub.Type, sub.Detail)
		} else {
			s += fmt.Sprintf(" (%s: %s)", sub.Type, sub.Detail)
		}
	}
	return s
}
