// Package shell provides the interactive operator console of a running
// acmealpn daemon.
package shell

import (
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/abiosoft/readline"
	"github.com/cpu/acmealpn/shell/commands"
	_ "github.com/cpu/acmealpn/shell/commands/domains"
	_ "github.com/cpu/acmealpn/shell/commands/events"
	_ "github.com/cpu/acmealpn/shell/commands/query"
	_ "github.com/cpu/acmealpn/shell/commands/renew"
	_ "github.com/cpu/acmealpn/shell/commands/status"
)

// Options holds what the console commands operate on.
type Options struct {
	Scheduler commands.Scheduler
	Resolver  commands.Resolver
	// Prompt replaces commands.BasePrompt when not empty.
	Prompt string
}

// Console is an ishell.Shell with the acmealpn commands registered.
type Console struct {
	*ishell.Shell
}

// New creates a Console. It does not read input until Run is called.
func New(opts Options) *Console {
	prompt := opts.Prompt
	if prompt == "" {
		prompt = commands.BasePrompt
	}
	shell := ishell.NewWithConfig(&readline.Config{
		Prompt: prompt,
	})

	// Stash the daemon components in the shell for commands to access
	shell.Set(commands.SchedulerKey, opts.Scheduler)
	shell.Set(commands.ResolverKey, opts.Resolver)

	commands.AddCommands(shell, opts.Scheduler)

	return &Console{
		Shell: shell,
	}
}

// Banner is printed when a console session starts.
func Banner() string {
	return "acmealpn console, commands: " + strings.Join(commands.Registered(), ", ") + " (type help for usage)"
}

// Run blocks in an interactive session until the operator exits.
func (c *Console) Run() {
	c.Println(Banner())
	c.Shell.Run()
	c.Println("Goodbye!")
}
