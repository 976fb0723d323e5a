// Package retry provides the single bounded-exponential-backoff wrapper
// used for every outbound call (postgres, RPC, notification sends).
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Policy bounds a retried operation.
type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used when a zero Policy is supplied.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
}

func (p Policy) orDefault() Policy {
	if p.MaxAttempts == 0 {
		return DefaultPolicy
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	return p
}

// Permanent marks err as terminal so Do stops retrying immediately.
// Validation and not-found failures must be wrapped with this; anything
// unwrapped is treated as transient.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn, retrying transient failures with exponential backoff until
// the attempt budget is spent or ctx is cancelled. The returned error is
// the last failure observed.
func Do(ctx context.Context, logger zerolog.Logger, op string, p Policy, fn func(context.Context) error) error {
	p = p.orDefault()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxAttempts-1), ctx)

	notify := func(err error, delay time.Duration) {
		logger.Debug().Err(err).Str("op", op).Dur("retry_in", delay).Msg("transient failure, retrying")
	}

	return backoff.RetryNotify(func() error { return fn(ctx) }, policy, notify)
}
