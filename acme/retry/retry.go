// Package retry holds the backoff policies used when polling ACME resources
// and when rescheduling failed renewal cycles.
package retry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes an exponential backoff with jitter. The n-th interval is
// InitialInterval * Multiplier^n, capped at MaxInterval, randomized by
// +/- RandomizationFactor. Once MaxElapsedTime has passed since the backoff
// was reset no further intervals are produced. A zero MaxElapsedTime never
// stops.
type Policy struct {
	InitialInterval     time.Duration `yaml:"initial" env:"INITIAL" validate:"gte=0"`
	Multiplier          float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"omitempty,gte=1"`
	MaxInterval         time.Duration `yaml:"max_interval" env:"MAX_INTERVAL" validate:"gte=0"`
	MaxElapsedTime      time.Duration `yaml:"max_elapsed" env:"MAX_ELAPSED" validate:"gte=0"`
	RandomizationFactor float64       `yaml:"jitter" env:"JITTER" validate:"gte=0,lt=1"`
}

// DefaultPollPolicy is used while waiting for authorizations and orders to
// leave the pending and processing states.
func DefaultPollPolicy() Policy {
	return Policy{
		InitialInterval:     time.Second,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		RandomizationFactor: 0.5,
	}
}

// DefaultRetryPolicy is used between failed renewal cycles of a domain.
func DefaultRetryPolicy() Policy {
	return Policy{
		InitialInterval:     time.Minute,
		Multiplier:          2,
		MaxInterval:         time.Hour,
		RandomizationFactor: 0.5,
	}
}

// WithDefaults fills zero fields from def.
func (p Policy) WithDefaults(def Policy) Policy {
	if p.InitialInterval == 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsedTime == 0 {
		p.MaxElapsedTime = def.MaxElapsedTime
	}
	if p.RandomizationFactor == 0 {
		p.RandomizationFactor = def.RandomizationFactor
	}
	return p
}

// NewBackOff returns a reset backoff for the policy. A nil clock means the
// system clock.
func (p Policy) NewBackOff(clock backoff.Clock) *backoff.ExponentialBackOff {
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               clock,
	}
	b.Reset()
	return b
}

// RetryAfter returns the delay requested by a Retry-After header value, which
// is either a number of seconds or an HTTP date. The fallback is returned when
// the value is empty, unparseable or in the past.
//
// See https://tools.ietf.org/html/rfc8555#section-8.2
func RetryAfter(v string, now time.Time, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return fallback
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return fallback
}

// Sleep blocks for d or until the context is done, returning the context's
// error in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
