// Package commands holds types and functions common across all console
// commands.
package commands

import (
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"sort"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/resolver"
	"github.com/cpu/acmealpn/scheduler"
)

const (
	// The base prompt used for console commands
	BasePrompt = "[ ACMEALPN ] > "
	// The ishell context key that we store the scheduler under.
	SchedulerKey = "scheduler"
	// The ishell context key that we store the resolver under.
	ResolverKey = "resolver"
)

// Scheduler is the part of *scheduler.Scheduler the console uses.
type Scheduler interface {
	States() []scheduler.RenewalState
	RenewNow(domain string) error
	Subscribe(buffer int) (<-chan scheduler.Event, func())
}

// Resolver is the part of *resolver.Resolver the console uses.
type Resolver interface {
	Query(serverName string, alpn []string) (*tls.Certificate, error)
	Snapshot() map[string]resolver.EntryInfo
}

// Printer is implemented by *ishell.Context. Command bodies print through it
// so they can be run without a terminal.
type Printer interface {
	Printf(format string, a ...interface{})
}

// shellContext is a common interface that can be used to retrieve objects from
// a ishell.Shell or an ishell.Context.
type shellContext interface {
	Get(string) interface{}
}

// GetScheduler reads a Scheduler from the shellContext or panics.
func GetScheduler(c shellContext) Scheduler {
	raw := c.Get(SchedulerKey)
	if raw == nil {
		panic(fmt.Sprintf("nil %q value in shellContext", SchedulerKey))
	}
	s, ok := raw.(Scheduler)
	if !ok {
		panic(fmt.Sprintf("%q value in shellContext was a %T, not a Scheduler", SchedulerKey, raw))
	}
	return s
}

// GetResolver reads a Resolver from the shellContext or panics.
func GetResolver(c shellContext) Resolver {
	raw := c.Get(ResolverKey)
	if raw == nil {
		panic(fmt.Sprintf("nil %q value in shellContext", ResolverKey))
	}
	r, ok := raw.(Resolver)
	if !ok {
		panic(fmt.Sprintf("%q value in shellContext was a %T, not a Resolver", ResolverKey, raw))
	}
	return r
}

func PrintJSON(ob interface{}) (string, error) {
	bytes, err := json.MarshalIndent(ob, "", "  ")
	if err != nil {
		return "", err
	}
	return string(bytes), err
}

var commands []commandRegistry

type commandRegistry struct {
	Cmd           *ishell.Cmd
	Autocompleter NewCommandAutocompleter
}

type NewCommandAutocompleter func(s Scheduler) func(args []string) []string

// AddCommands adds every registered command to shell.
func AddCommands(shell *ishell.Shell, s Scheduler) {
	for _, cmdReg := range commands {
		if cmdReg.Autocompleter != nil {
			cmdReg.Cmd.Completer = cmdReg.Autocompleter(s)
		}
		shell.AddCmd(cmdReg.Cmd)
	}
}

// Registered returns the names of the registered commands.
func Registered() []string {
	var names []string
	for _, cmdReg := range commands {
		names = append(names, cmdReg.Cmd.Name)
	}
	sort.Strings(names)
	return names
}

type NewCommandHandler func(c *ishell.Context, leftovers []string)

func RegisterCommand(
	cmd *ishell.Cmd,
	completerFunc NewCommandAutocompleter,
	handler NewCommandHandler,
	flags *flag.FlagSet) {
	if flags == nil {
		flags = flag.NewFlagSet(cmd.Name, flag.ContinueOnError)
	}
	// Stomp the cmd's Func with a wrapped version that will call the
	// NewCommandHandler to parse the flags.
	cmd.Func = wrapHandler(cmd.Name, handler, flags)
	commands = append(commands, commandRegistry{
		Cmd:           cmd,
		Autocompleter: completerFunc,
	})
}

func wrapHandler(name string, handler NewCommandHandler, flags *flag.FlagSet) func(*ishell.Context) {
	return func(c *ishell.Context) {
		err := flags.Parse(c.Args)
		if err != nil && err != flag.ErrHelp {
			c.Printf("%s: error parsing input flags: %v\n", name, err)
			return
		} else if err == flag.ErrHelp {
			// The help was already printed.
			return
		}

		handler(c, flags.Args())
	}
}

// DomainAutocompleter completes the managed domain names.
func DomainAutocompleter(s Scheduler) func(args []string) []string {
	return func(args []string) []string {
		var names []string
		for _, st := range s.States() {
			names = append(names, st.Domain)
		}
		return names
	}
}
