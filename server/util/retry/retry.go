// Package retry implements an exponential backoff retry loop.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/buildbuddy-io/snappager/server/util/log"
	"github.com/jonboulle/clockwork"
)

type Options struct {
	// Max number of retries.
	//
	// If unset, the retry will be stopped once either the MaxBackoff has been
	// reached, or the context is done - whichever comes first.
	//
	// To only stop when the context is done, set to MaxInt.
	MaxRetries int

	InitialBackoff time.Duration // How long to wait after the first request
	MaxBackoff     time.Duration // Max amount of time to wait for a single request
	Multiplier     float64       // Next backoff is this * previous backoff

	Clock clockwork.Clock // Optional clock implementation to use.

	// Below options are only applicable to the Do function.
	Name                  string // Optional operation name for logging
	DontLogFailedAttempts bool   // If true, failed attempts will not be logged.
}

type Retry struct {
	opts  *Options
	ctx   context.Context
	clock clockwork.Clock

	currentAttempt int
	maxAttempts    int

	delayed time.Duration
	maxTime time.Duration

	isReset   bool
	nextDelay time.Duration
}

func New(ctx context.Context, opts *Options) *Retry {
	maxTime := 0 * time.Millisecond
	maxAttempts := opts.MaxRetries
	if maxAttempts <= 0 {
		if opts.Multiplier > 1 && opts.MaxBackoff > opts.InitialBackoff {
			tries := 1 + int(math.Ceil(
				math.Log(
					float64(opts.MaxBackoff)/float64(opts.InitialBackoff),
				)/math.Log(opts.Multiplier),
			))
			b := opts.InitialBackoff
			for i := 0; i < tries; i++ {
				maxTime += b
				b = time.Duration(math.Min(float64(b)*opts.Multiplier, float64(opts.MaxBackoff)))
			}
		} else {
			// always try at least once
			maxAttempts = 1
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Retry{
		ctx:         ctx,
		opts:        opts,
		maxAttempts: maxAttempts,
		maxTime:     maxTime,
		clock:       clock,
	}
	r.Reset()
	return r
}

func (r *Retry) Reset() {
	r.currentAttempt = 0
	r.isReset = true
	r.nextDelay = 0
}

func (r *Retry) updateNextDelay() {
	r.nextDelay = r.delay()
}

func (r *Retry) delay() time.Duration {
	backoff := float64(r.opts.InitialBackoff) * math.Pow(r.opts.Multiplier, float64(r.currentAttempt))
	if maxBackoff := float64(r.opts.MaxBackoff); backoff > maxBackoff {
		backoff = maxBackoff
	}
	return time.Duration(backoff)
}

func (r *Retry) NextDelay() (time.Duration, bool) {
	// Run once, initially, always.
	if r.isReset {
		r.isReset = false
		r.updateNextDelay()
		return 0, true
	}

	// If we're out of retries, exit.
	if r.maxAttempts > 0 && r.currentAttempt >= r.maxAttempts {
		return 0, false
	}

	// If we're out of time, exit.
	if r.maxTime > 0 && r.delayed >= r.maxTime {
		return 0, false
	}

	delay := r.nextDelay
	r.currentAttempt++
	r.delayed += delay
	r.updateNextDelay()
	return delay, true
}

func (r *Retry) Next() bool {
	d, valid := r.NextDelay()
	if !valid {
		return false
	}

	select {
	case <-r.clock.After(d):
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Retry) AttemptNumber() int {
	return r.currentAttempt + 1
}

// MaxTotalDelay returns the bound on the time spent sleeping between
// attempts. It is 0 when the retrier is bounded by MaxRetries instead.
func (r *Retry) MaxTotalDelay() time.Duration {
	return r.maxTime
}

// Do executes the given function with a retry loop.
//
// The caller can indicate that an error should not be retried by wrapping it
// using NonRetryableError(err).
func Do[T any](ctx context.Context, opts *Options, fn func(ctx context.Context) (T, error)) (T, error) {
	r := New(ctx, opts)
	name := opts.Name
	if name != "" {
		name += " "
	}
	var lastError error
	for r.Next() {
		rsp, err := fn(ctx)
		if err != nil {
			var nre *nonRetryableError
			if errors.As(err, &nre) {
				return *new(T), nre.err
			}
			if !opts.DontLogFailedAttempts {
				log.CtxDebugf(ctx, "%sattempt %d failed: %s", name, r.AttemptNumber(), err)
			}
			lastError = err
			continue
		}
		if lastError != nil && !opts.DontLogFailedAttempts {
			log.CtxInfof(ctx, "%ssucceeded on attempt %d after error: %s", name, r.AttemptNumber(), lastError)
		}
		return rsp, nil
	}
	if lastError == nil {
		// The context was done before the first attempt.
		lastError = ctx.Err()
	}
	return *new(T), lastError
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}

// NonRetryableError is used in conjunction with Do to indicate that a
// particular error should not be retried. Instead of returning the original
// error, returned the result of calling NonRetryableError(err).
func NonRetryableError(err error) error {
	return &nonRetryableError{err}
}
