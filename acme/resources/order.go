package resources

// The Order resource represents a collection of identifiers that an account
// wishes to obtain a Certificate for.
//
// See https://tools.ietf.org/html/rfc8555#section-7.1.3
//
// To understand the Status changes specified by ACME for the Order resource see
// https://tools.ietf.org/html/rfc8555#section-7.1.6
type Order struct {
	// The server-assigned URL identifying the Order, taken from the Location
	// header of the newOrder response.
	ID string `json:"-"`
	// The Status of the Order: "pending", "ready", "processing", "valid" or
	// "invalid".
	Status string `json:"status"`
	// The Identifiers the Order wishes to finalize a Certificate for once the
	// Order is ready.
	Identifiers []Identifier `json:"identifiers"`
	// A list of URLs for Authorization resources the server specifies for the
	// Order Identifiers.
	Authorizations []string `json:"authorizations"`
	// A URL used to Finalize the Order with a CSR once the Order has a status of
	// "ready".
	Finalize string `json:"finalize"`
	// A URL used to fetch the Certificate issued by the server for the Order
	// after being Finalized. Present when the Order has a status of "valid".
	Certificate string `json:"certificate,omitempty"`
	// The error that caused an Order to become "invalid".
	Error   *Problem `json:"error,omitempty"`
	Expires string   `json:"expires,omitempty"`
}

// String returns the Order's ID URL.
func (o Order) String() string {
	return o.ID
}

// Names returns the identifier values of the Order.
func (o Order) Names() []string {
	names := make([]string, 0, len(o.Identifiers))
	for _, ident := range o.Identifiers {
		names = append(names, ident.Value)
	}
	return names
}
