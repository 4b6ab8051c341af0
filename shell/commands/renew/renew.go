package renew

import (
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/cpu/acmealpn/shell/commands"
	"github.com/pkg/errors"
)

func init() {
	commands.RegisterCommand(
		&ishell.Cmd{
			Name:    "renew",
			Aliases: []string{"renewNow", "issue"},
			Help:    "Start a renewal cycle for one or more domains now",
			LongHelp: `
	renew example.com [www.example.com ...]:
		Run a renewal cycle for each domain immediately instead of waiting for
		its renewal time. A domain with a cycle in flight is skipped. Use the
		events command to follow the result.`,
		},
		commands.DomainAutocompleter,
		renewHandler,
		nil)
}

func renewHandler(c *ishell.Context, leftovers []string) {
	Renew(c, commands.GetScheduler(c), leftovers)
}

// Renew triggers a cycle for every domain in names.
func Renew(p commands.Printer, s commands.Scheduler, names []string) {
	if len(names) == 0 {
		p.Printf("renew: you must specify at least one domain\n")
		return
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		err := s.RenewNow(name)
		switch {
		case err == nil:
			p.Printf("renew: started a cycle for %q\n", name)
		case errors.Is(err, scheduler.ErrCycleInFlight):
			p.Printf("renew: %q already has a cycle in flight\n", name)
		case errors.Is(err, scheduler.ErrUnknownDomain):
			p.Printf("renew: %q is not a managed domain\n", name)
		default:
			p.Printf("renew: error renewing %q: %v\n", name, err)
		}
	}
}
