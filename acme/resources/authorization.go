package resources

// The Identifier resource represents a subject identifier that can be included
// in a certificate.
//
// See:
// https://tools.ietf.org/html/rfc8555#section-7.5
// https://tools.ietf.org/html/rfc8555#section-9.7.7
//
// Only "dns" type identifiers are used. TLS-ALPN-01 can not validate wildcard
// names so identifiers never carry a "*." prefix.
type Identifier struct {
	// The Type of the Identifier value.
	Type string `json:"type"`
	// The Identifier value.
	Value string `json:"value"`
}

// DNSIdentifiers returns a "dns" Identifier for each of the names.
func DNSIdentifiers(names []string) []Identifier {
	idents := make([]Identifier, 0, len(names))
	for _, n := range names {
		idents = append(idents, Identifier{Type: "dns", Value: n})
	}
	return idents
}

// The ACME Authorization resource represents an Account's authorization to
// issue for a specified identifier, based on interactions with associated
// Challenges.
//
// For information about the Authorization resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.4
//
// To understand the Authorization Status changes specified by ACME see
// https://tools.ietf.org/html/rfc8555#section-7.1.6
type Authorization struct {
	// The URL identifying the Authorization. It is not part of the server's JSON
	// and is filled in from the order's authorization list.
	ID string `json:"-"`
	// The status of this authorization. Possible values are: "pending", "valid",
	// "invalid", "deactivated", "expired", and "revoked".
	Status string `json:"status"`
	// The identifier that the account holding this Authorization is authorized to
	// represent
	Identifier Identifier `json:"identifier"`
	// For pending authorizations, the challenges that the client can fulfill in
	// order to prove possession of the identifier. For valid authorizations, the
	// challenge that was validated. For invalid authorizations, the challenge
	// that was attempted and failed.
	Challenges []Challenge `json:"challenges"`
	// A RFC 3339 date after which the server considers the
	// Authorization expired.
	Expires  string `json:"expires,omitempty"`
	Wildcard bool   `json:"wildcard,omitempty"`
}

// String returns the Authorization's server-assigned ID.
func (a Authorization) String() string {
	return a.ID
}

// FindChallenge returns the first challenge of the given type and true, or
// false if the authorization offers none.
func (a Authorization) FindChallenge(challType string) (Challenge, bool) {
	for _, c := range a.Challenges {
		if c.Type == challType {
			return c, true
		}
	}
	return Challenge{}, false
}

// FailedChallenge returns the problem attached to the first challenge that
// carries one, or nil.
func (a Authorization) FailedChallenge() *Problem {
	for _, c := range a.Challenges {
		if c.Error != nil {
			return c.Error
		}
	}
	return nil
}
