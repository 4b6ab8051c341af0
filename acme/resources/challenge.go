package resources

import "fmt"

// Challenge is one way of proving control of an authorization's identifier.
// Only the "tls-alpn-01" type is ever answered, see
// https://tools.ietf.org/html/rfc8737 and
// https://tools.ietf.org/html/rfc8555#section-7.1.5
type Challenge struct {
	Type string `json:"type"`
	// POSTing {} to URL tells the server the challenge certificate is being
	// served.
	URL   string `json:"url"`
	Token string `json:"token"`
	// "pending", "processing", "valid" or "invalid".
	Status string `json:"status"`
	// RFC 3339 time of a successful validation.
	Validated string `json:"validated,omitempty"`
	// Set by the server on an invalid challenge.
	Error *Problem `json:"error,omitempty"`
}

// String identifies the challenge in logs.
func (c Challenge) String() string {
	return fmt.Sprintf("%s challenge %s", c.Type, c.URL)
}
