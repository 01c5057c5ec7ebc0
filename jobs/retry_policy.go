package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryPolicyType defines the type of retry policy
type RetryPolicyType string

const (
	// RetryPolicyTypeExponential doubles (by Multiplier) the delay after every attempt
	RetryPolicyTypeExponential RetryPolicyType = "exponential"

	// RetryPolicyTypeFixed waits InitialInterval between attempts
	RetryPolicyTypeFixed RetryPolicyType = "fixed"

	// RetryPolicyTypeNone makes a single attempt
	RetryPolicyTypeNone RetryPolicyType = "none"
)

// RetryPolicy defines how a failed store write is retried
type RetryPolicy struct {
	Type RetryPolicyType `yaml:"type" json:"type" validate:"required,oneof=exponential fixed none"`

	// MaxRetries is the number of attempts after the first one
	MaxRetries int `yaml:"max_retries" json:"max_retries" validate:"min=0"`

	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier" validate:"min=1"`

	// RandomizationFactor adds +/- jitter as a fraction of the interval
	RandomizationFactor float64 `yaml:"randomization_factor" json:"randomization_factor" validate:"min=0,max=1"`
}

// DefaultRetryPolicy is used for statistics writes: three retries starting at 100ms
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Type:                RetryPolicyTypeExponential,
		MaxRetries:          3,
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.2,
	}
}

// NoRetryPolicy returns a policy that doesn't retry
func NoRetryPolicy() RetryPolicy {
	return RetryPolicy{Type: RetryPolicyTypeNone}
}

// FixedRetryPolicy returns a policy with fixed intervals
func FixedRetryPolicy(interval time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicy{
		Type:            RetryPolicyTypeFixed,
		MaxRetries:      maxRetries,
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1.0,
	}
}

// CalculateBackoff returns the delay before retry number retryCount (1-based),
// or 0 when no such retry is allowed.
func CalculateBackoff(policy RetryPolicy, retryCount int) time.Duration {
	if retryCount <= 0 || policy.Type == RetryPolicyTypeNone || policy.MaxRetries < retryCount {
		return 0
	}

	switch policy.Type {
	case RetryPolicyTypeFixed:
		return policy.InitialInterval

	case RetryPolicyTypeExponential:
		interval := float64(policy.InitialInterval)
		for i := 1; i < retryCount; i++ {
			interval *= policy.Multiplier
		}
		if policy.MaxInterval > 0 && interval > float64(policy.MaxInterval) {
			interval = float64(policy.MaxInterval)
		}
		if policy.RandomizationFactor > 0 {
			delta := policy.RandomizationFactor * interval
			interval = interval - delta + rand.Float64()*2*delta
		}
		return time.Duration(interval)

	default:
		return 0
	}
}

// ShouldRetry reports whether retry number retryCount is allowed
func ShouldRetry(policy RetryPolicy, retryCount int) bool {
	return policy.Type != RetryPolicyTypeNone && retryCount <= policy.MaxRetries
}

// Retry calls fn until it succeeds, the policy runs out of retries or ctx is done.
// The returned error is the last one fn produced.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	for retry := 1; err != nil && ShouldRetry(policy, retry); retry++ {
		timer := time.NewTimer(CalculateBackoff(policy, retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.WithSecondaryError(err, ctx.Err())
		case <-timer.C:
		}
		err = fn(ctx)
	}
	return err
}
