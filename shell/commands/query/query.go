package query

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/shell/commands"
	"github.com/cpu/acmealpn/tlsalpn"
	"github.com/pkg/errors"
)

type queryOptions struct {
	challenge bool
}

var (
	opts = queryOptions{}
)

func init() {
	queryFlags := flag.NewFlagSet("query", flag.ContinueOnError)
	queryFlags.BoolVar(&opts.challenge, "challenge", false, "Offer acme-tls/1 like a validation handshake")

	commands.RegisterCommand(
		&ishell.Cmd{
			Name:    "query",
			Aliases: []string{"resolve", "lookup"},
			Help:    "Show the certificate a handshake would be served",
			LongHelp: `
	query example.com [h2 http/1.1 ...]:
		Resolve the certificate for a handshake with the given server name and
		ALPN protocols, as the TLS listener would.

	query -challenge example.com:
		Resolve as a tls-alpn-01 validation handshake offering acme-tls/1.`,
		},
		commands.DomainAutocompleter,
		queryHandler,
		queryFlags)
}

func queryHandler(c *ishell.Context, leftovers []string) {
	defer func() {
		opts = queryOptions{}
	}()
	if len(leftovers) < 1 {
		c.Printf("query: you must specify a server name\n")
		return
	}
	alpn := leftovers[1:]
	if opts.challenge {
		alpn = append(alpn, acme.ACME_TLS_1_PROTOCOL)
	}
	Query(c, commands.GetResolver(c), leftovers[0], alpn)
}

// Query resolves serverName and alpn and describes the result.
func Query(p commands.Printer, r commands.Resolver, serverName string, alpn []string) {
	cert, err := r.Query(serverName, alpn)
	if errors.Is(err, acme.ErrResolverMiss) {
		p.Printf("query: no certificate for %q with ALPN [%s]\n", serverName, strings.Join(alpn, " "))
		return
	} else if err != nil {
		p.Printf("query: error resolving %q: %v\n", serverName, err)
		return
	}
	p.Printf("%s", Describe(cert))
}

// Describe summarizes a served certificate.
func Describe(cert *tls.Certificate) string {
	leaf := cert.Leaf
	if leaf == nil {
		if len(cert.Certificate) == 0 {
			return "empty certificate\n"
		}
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return fmt.Sprintf("unparseable leaf: %v\n", err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject:    %s\n", leaf.Subject.CommonName)
	fmt.Fprintf(&b, "DNS names:  %s\n", strings.Join(leaf.DNSNames, ", "))
	fmt.Fprintf(&b, "Issuer:     %s\n", leaf.Issuer.CommonName)
	fmt.Fprintf(&b, "Not before: %s\n", leaf.NotBefore.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Not after:  %s\n", leaf.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Chain:      %d certificate(s)\n", len(cert.Certificate))
	if digest, err := tlsalpn.ExtensionDigest(leaf); err == nil {
		fmt.Fprintf(&b, "Challenge:  acmeIdentifier %x\n", digest)
	}
	return b.String()
}
