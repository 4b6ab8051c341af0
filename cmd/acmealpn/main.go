// acmealpn obtains and renews certificates for a set of domains with the
// TLS-ALPN-01 challenge and serves them on a TLS listener.
package main

import (
	"context"
	"flag"
	"os"

	acmecmd "github.com/cpu/acmealpn/cmd"
	"github.com/cpu/acmealpn/config"
	"github.com/cpu/acmealpn/shell"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	CONFIG_DEFAULT        = "/etc/acmealpn/config.yaml"
	WATCH_DEFAULT         = true
	CONSOLE_INPUT_DEFAULT = ""
)

func main() {
	configPath := flag.String(
		"config",
		CONFIG_DEFAULT,
		"YAML configuration file")

	watch := flag.Bool(
		"watch",
		WATCH_DEFAULT,
		"Reload the domain list when the configuration file changes")

	consoleInput := flag.String(
		"console-input",
		CONSOLE_INPUT_DEFAULT,
		"Optional terminal device the console reads from instead of stdin")

	flag.Parse()

	log := acmecmd.NewLogger(os.Stderr, zerolog.InfoLevel)

	loader := config.Loader{Logger: log}
	cfg, err := loader.Load(*configPath)
	acmecmd.FailOnError(log, err, "Unable to load configuration")
	log = log.Level(cfg.Level())
	loader.Logger = log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log, afero.NewOsFs(), nil)
	acmecmd.FailOnError(log, err, "Unable to start")
	acmecmd.FailOnError(log, d.listen(cfg.Listen), "Unable to listen")

	if *watch {
		go func() {
			if err := loader.Watch(ctx, *configPath, d.applyConfig); err != nil {
				log.Error().Err(err).Msg("configuration watcher stopped")
			}
		}()
	}

	if cfg.Console {
		if *consoleInput != "" {
			tty, err := os.Open(*consoleInput)
			acmecmd.FailOnError(log, err, "Unable to open console input")
			acmecmd.FailOnError(log, redirectStdin(int(tty.Fd())), "Unable to redirect stdin")
		}
		console := shell.New(shell.Options{
			Scheduler: d.sched,
			Resolver:  d.resolver,
		})
		go func() {
			console.Run()
			// Leaving the console stops the daemon.
			cancel()
		}()
	}

	go func() {
		acmecmd.CatchSignals(ctx, log, func() {
			next, err := loader.Load(*configPath)
			if err != nil {
				log.Error().Err(err).Msg("ignoring invalid configuration")
				return
			}
			d.applyConfig(next)
		})
		cancel()
	}()

	acmecmd.FailOnError(log, d.run(ctx), "Daemon failed")
	log.Info().Msg("exiting")
}
