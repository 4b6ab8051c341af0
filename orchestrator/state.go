package orchestrator

import (
	"fmt"

	"github.com/cpu/acmealpn/acme"
)

// State is a step of one issuance cycle.
type State int

const (
	Start State = iota
	Ordering
	Authorizing
	Validating
	Finalizing
	Downloading
	Installed
	Failed
)

var stateNames = [...]string{
	Start:       "start",
	Ordering:    "ordering",
	Authorizing: "authorizing",
	Validating:  "validating",
	Finalizing:  "finalizing",
	Downloading: "downloading",
	Installed:   "installed",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Failure is the error returned by a cycle that reached the Failed state. State
// is the step that failed.
type Failure struct {
	Domain string
	State  State
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", f.Domain, f.State, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether a fresh cycle may succeed.
func (f *Failure) Retryable() bool { return acme.IsRetryable(f.Err) }
