package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// Retrier wraps "github.com/cenkalti/backoff".ExponentialBackOff with
// a cap on the number of tries and an optional retryability filter.
type Retrier struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxElapsedTime      time.Duration
	// MaxTries bounds the total number of attempts, the first one
	// included. 1 means no retries at all.
	MaxTries int
	// ShouldRetry, when set, marks errors it rejects as permanent,
	// which stops the retry loop immediately.
	ShouldRetry func(err error) bool
	// Notify is called before each backoff sleep.
	Notify func(err error, d time.Duration)
}

// NewRetrier creates a new Retrier instance using default values.
func NewRetrier() *Retrier {
	return &Retrier{
		InitialInterval:     time.Millisecond * 500,
		MaxInterval:         time.Second * 60,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      time.Minute * 15,
		MaxTries:            10,
	}
}

// Retry runs f until it returns nil, a permanent error, or the backoff
// policy gives up. The context cancels the wait between attempts.
func (r *Retrier) Retry(ctx context.Context, f func() error) error {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
		MaxElapsedTime:      r.MaxElapsedTime,
		Clock:               backoff.SystemClock,
	}

	retries := r.MaxTries - 1
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	return backoff.RetryNotify(
		func() error {
			err := f()
			if err != nil && r.ShouldRetry != nil && !r.ShouldRetry(err) {
				return &backoff.PermanentError{Err: err}
			}
			return err
		},
		b,
		func(err error, d time.Duration) {
			if r.Notify != nil {
				r.Notify(err, d)
			}
		},
	)
}
