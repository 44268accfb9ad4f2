// Package retry provides the single bounded retry helper shared by the lock
// manager and the telemetry flushers.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how many extra attempts are made and how long to wait
// between them.
type Policy struct {
	// Retries is the number of attempts after the first one.
	Retries        uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Once retries a failed operation a single time after a short pause.
var Once = Policy{Retries: 1, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

// Permanent marks err as non-retryable; Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the policy is
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, policy Policy, op func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	exp := backoff.NewExponentialBackOff()
	if policy.InitialBackoff > 0 {
		exp.InitialInterval = policy.InitialBackoff
	}
	if policy.MaxBackoff > 0 {
		exp.MaxInterval = policy.MaxBackoff
	}
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0.2

	var b backoff.BackOff = backoff.WithMaxRetries(exp, policy.Retries)
	b = backoff.WithContext(b, ctx)
	return backoff.Retry(func() error {
		return op(ctx)
	}, b)
}
