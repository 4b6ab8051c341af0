package domains

import (
	"sort"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/shell/commands"
)

func init() {
	commands.RegisterCommand(
		&ishell.Cmd{
			Name:    "domains",
			Aliases: []string{"certs", "resolver"},
			Help:    "List the certificates the TLS listener serves",
			LongHelp: `
	domains:
		Print every domain known to the certificate resolver, whether a
		production certificate and a pending tls-alpn-01 challenge certificate
		are installed, and when the production certificate expires.`,
		},
		nil,
		domainsHandler,
		nil)
}

func domainsHandler(c *ishell.Context, _ []string) {
	PrintDomains(c, commands.GetResolver(c), time.Now())
}

// PrintDomains writes one line per resolver entry.
func PrintDomains(p commands.Printer, r commands.Resolver, now time.Time) {
	snap := r.Snapshot()
	if len(snap) == 0 {
		p.Printf("No domains\n")
		return
	}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		info := snap[name]
		challenge := " "
		if info.HasChallenge {
			challenge = "C"
		}
		if !info.HasProduction {
			p.Printf("%s %-40s no certificate\n", challenge, name)
			continue
		}
		p.Printf("%s %-40s expires %s (in %s)\n",
			challenge, name,
			info.NotAfter.UTC().Format(time.RFC3339),
			info.NotAfter.Sub(now).Truncate(time.Minute))
	}
}
