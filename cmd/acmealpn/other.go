//go:build !linux && !darwin && !freebsd

package main

import "github.com/pkg/errors"

func redirectStdin(int) error {
	return errors.New("console input redirection is not supported on this platform")
}
