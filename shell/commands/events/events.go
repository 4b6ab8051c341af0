package events

import (
	"flag"
	"fmt"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/cpu/acmealpn/scheduler"
	"github.com/cpu/acmealpn/shell/commands"
)

type eventsOptions struct {
	count   int
	timeout time.Duration
}

var (
	opts = eventsOptions{count: 1, timeout: 5 * time.Minute}
)

func init() {
	eventsFlags := flag.NewFlagSet("events", flag.ContinueOnError)
	eventsFlags.IntVar(&opts.count, "n", 1, "Number of events to wait for")
	eventsFlags.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "How long to wait for events")

	commands.RegisterCommand(
		&ishell.Cmd{
			Name:    "events",
			Aliases: []string{"watch", "follow"},
			Help:    "Wait for renewal events",
			LongHelp: `
	events:
		Wait for the next renewal event and print it.

	events -n 3 -timeout 1m:
		Print up to three events, waiting at most one minute.`,
		},
		nil,
		eventsHandler,
		eventsFlags)
}

func eventsHandler(c *ishell.Context, _ []string) {
	defer func() {
		opts = eventsOptions{count: 1, timeout: 5 * time.Minute}
	}()
	Follow(c, commands.GetScheduler(c), opts.count, time.After(opts.timeout))
}

// Follow prints up to count events or until timeout fires.
func Follow(p commands.Printer, s commands.Scheduler, count int, timeout <-chan time.Time) {
	if count < 1 {
		p.Printf("events: -n must be at least 1\n")
		return
	}
	ch, cancel := s.Subscribe(count)
	defer cancel()

	for seen := 0; seen < count; seen++ {
		select {
		case ev, ok := <-ch:
			if !ok {
				p.Printf("events: scheduler stopped\n")
				return
			}
			p.Printf("%s\n", Format(ev))
		case <-timeout:
			p.Printf("events: timed out after %d event(s)\n", seen)
			return
		}
	}
}

// Format renders one event on a single line.
func Format(ev scheduler.Event) string {
	switch e := ev.(type) {
	case scheduler.EventInstalled:
		return fmt.Sprintf("installed %s (cycle %s) valid until %s",
			e.Domain, e.Cycle, e.NotAfter.UTC().Format(time.RFC3339))
	case scheduler.EventFailed:
		level := "failed"
		if e.Alert {
			level = "ALERT"
		}
		return fmt.Sprintf("%s %s (cycle %s, attempt %d): %v; next attempt %s",
			level, e.Domain, e.Cycle, e.Attempt, e.Err, e.NextAttempt.UTC().Format(time.RFC3339))
	default:
		return "event for " + ev.EventDomain()
	}
}
