package processor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryClassifier reports whether an error returned by a transform is
// transient (worth retrying) or fatal (surface immediately). Plugins decide
// this by returning plugin.OutcomeCapacityExhausted (transient) versus
// plugin.OutcomeError (fatal) from TransformResult; RetryManager only ever
// retries the transient case.
type RetryClassifier func(err error) bool

// RetryManager wraps github.com/cenkalti/backoff/v4 to give capacity-exhausted
// transforms a bounded exponential backoff with jitter, never blocking the
// processing of other tokens: Retry runs synchronously for the one token that
// hit capacity, then returns control to the caller's work-queue loop either
// way.
//
// backoff/v4 is used directly here rather than hand-rolling backoff math on
// top of golang.org/x/time/rate.
type RetryManager struct {
	maxElapsed     time.Duration
	maxRetries     uint64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// RetryConfig configures a RetryManager's bounded backoff schedule.
type RetryConfig struct {
	// MaxRetries bounds the number of retry attempts; RetryManager is always
	// finite regardless of MaxElapsed.
	MaxRetries uint64

	// MaxElapsed bounds total wall-clock time spent retrying. Zero means no
	// elapsed-time bound (MaxRetries alone governs termination).
	MaxElapsed time.Duration

	// InitialBackoff is the first retry's delay before jitter.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential growth of successive delays.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the settings used when a node's plugin config
// does not override retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		MaxElapsed:     30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// NewRetryManager constructs a RetryManager from cfg.
func NewRetryManager(cfg RetryConfig) *RetryManager {
	return &RetryManager{
		maxElapsed:     cfg.MaxElapsed,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// ErrRetriesExhausted is returned when op never succeeds within the bounded
// retry schedule. The caller (Processor) treats this as a transform FAILED
// outcome, the same as any other terminal transform error.
var ErrRetriesExhausted = errors.New("processor: retry attempts exhausted")

// Retry runs op, retrying on a transient error per the RetryManager
// contract: bounded exponential backoff with jitter, finite, and scoped to
// this one call so it never blocks progress of other tokens. isTransient
// classifies op's returned error; a non-transient error is returned to the
// caller immediately without retrying.
func (rm *RetryManager) Retry(ctx context.Context, isTransient RetryClassifier, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = rm.initialBackoff
	policy.MaxInterval = rm.maxBackoff
	policy.MaxElapsedTime = rm.maxElapsed

	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, rm.maxRetries), ctx)

	var fatal error

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			fatal = err

			return backoff.Permanent(err)
		}

		return err
	}

	if err := backoff.Retry(attempt, bounded); err != nil {
		if fatal != nil {
			return fatal
		}

		return ErrRetriesExhausted
	}

	return nil
}
