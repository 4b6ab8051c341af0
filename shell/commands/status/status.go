package status

import (
	"flag"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/cpu/acmealpn/shell/commands"
)

type statusOptions struct {
	json bool
}

var (
	opts = statusOptions{}
)

func init() {
	statusFlags := flag.NewFlagSet("status", flag.ContinueOnError)
	statusFlags.BoolVar(&opts.json, "json", false, "Print the renewal state as JSON")

	commands.RegisterCommand(
		&ishell.Cmd{
			Name:    "status",
			Aliases: []string{"states", "renewals"},
			Help:    "Show the renewal state of every managed domain",
			LongHelp: `
	status:
		Print when each domain renews next, how many consecutive cycles failed
		and the last error.

	status -json:
		Print the same information as JSON.`,
		},
		commands.DomainAutocompleter,
		statusHandler,
		statusFlags)
}

func statusHandler(c *ishell.Context, leftovers []string) {
	defer func() {
		opts = statusOptions{}
	}()
	PrintStatus(c, commands.GetScheduler(c), leftovers, opts.json)
}

type jsonState struct {
	Domain      string    `json:"domain"`
	NotAfter    time.Time `json:"notAfter,omitempty"`
	NextRenewal time.Time `json:"nextRenewal"`
	Retries     int       `json:"retries"`
	InFlight    bool      `json:"inFlight"`
	LastError   string    `json:"lastError,omitempty"`
	LastCycle   string    `json:"lastCycle,omitempty"`
}

// PrintStatus writes the renewal state of the domains named in filter, or of
// every domain when filter is empty.
func PrintStatus(p commands.Printer, s commands.Scheduler, filter []string, asJSON bool) {
	var states []scheduler.RenewalState
	for _, st := range s.States() {
		if len(filter) == 0 || contains(filter, st.Domain) {
			states = append(states, st)
		}
	}
	if len(states) == 0 {
		p.Printf("No domains\n")
		return
	}

	if asJSON {
		out := make([]jsonState, 0, len(states))
		for _, st := range states {
			js := jsonState{
				Domain:      st.Domain,
				NotAfter:    st.NotAfter,
				NextRenewal: st.NextRenewal,
				Retries:     st.Retries,
				InFlight:    st.InFlight,
				LastCycle:   st.LastCycle,
			}
			if st.LastError != nil {
				js.LastError = st.LastError.Error()
			}
			out = append(out, js)
		}
		text, err := commands.PrintJSON(out)
		if err != nil {
			p.Printf("status: error serializing state: %v\n", err)
			return
		}
		p.Printf("%s\n", text)
		return
	}

	for _, st := range states {
		mark := " "
		if st.InFlight {
			mark = "*"
		}
		expires := "none"
		if !st.NotAfter.IsZero() {
			expires = st.NotAfter.UTC().Format(time.RFC3339)
		}
		p.Printf("%s %-40s expires %-20s next %s retries %d\n",
			mark, st.Domain, expires, st.NextRenewal.UTC().Format(time.RFC3339), st.Retries)
		if st.LastError != nil {
			p.Printf("    last error (cycle %s): %v\n", st.LastCycle, st.LastError)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
