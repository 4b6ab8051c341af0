// Package cmd provides common command line tools for the acmealpn binaries.
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// FailOnError logs err at fatal level, which exits the process, when it is not
// nil.
func FailOnError(log zerolog.Logger, err error, msg string) {
	// If there wasn't an error, return
	if err == nil {
		return
	}

	log.Fatal().Err(err).Msg(msg)
}

// NewLogger returns the root logger writing to f. Terminals get the human
// readable console format, anything else gets JSON lines.
func NewLogger(f *os.File, level zerolog.Level) zerolog.Logger {
	var w io.Writer = f
	if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals blocks until SIGTERM or SIGINT arrives and returns it. Every
// SIGHUP in the meantime calls onHangup when it is not nil. If ctx ends
// first CatchSignals returns nil.
func CatchSignals(ctx context.Context, log zerolog.Logger, onHangup func()) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigChan:
			log.Info().Str("signal", signalToName[sig]).Msg("caught signal")
			if sig != syscall.SIGHUP {
				return sig
			}
			if onHangup != nil {
				onHangup()
			}
		}
	}
}
