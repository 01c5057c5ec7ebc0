package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy(t *testing.T) {
	t.Run("DefaultRetryPolicy", func(t *testing.T) {
		policy := DefaultRetryPolicy()
		assert.Equal(t, RetryPolicyTypeExponential, policy.Type)
		assert.Equal(t, 3, policy.MaxRetries)
		assert.Equal(t, 100*time.Millisecond, policy.InitialInterval)
	})

	t.Run("NoRetryPolicy", func(t *testing.T) {
		policy := NoRetryPolicy()
		assert.Equal(t, RetryPolicyTypeNone, policy.Type)
		assert.False(t, ShouldRetry(policy, 1))
	})

	t.Run("CalculateBackoff_Exponential", func(t *testing.T) {
		policy := RetryPolicy{
			Type:            RetryPolicyTypeExponential,
			MaxRetries:      3,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
		}

		assert.Equal(t, time.Second, CalculateBackoff(policy, 1))
		assert.Equal(t, 2*time.Second, CalculateBackoff(policy, 2))
		assert.Equal(t, 4*time.Second, CalculateBackoff(policy, 3))
		assert.Zero(t, CalculateBackoff(policy, 4))
	})

	t.Run("CalculateBackoff_MaxInterval", func(t *testing.T) {
		policy := RetryPolicy{
			Type:            RetryPolicyTypeExponential,
			MaxRetries:      5,
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
			Multiplier:      3.0,
		}
		assert.Equal(t, 5*time.Second, CalculateBackoff(policy, 3))
	})

	t.Run("CalculateBackoff_Jitter", func(t *testing.T) {
		policy := RetryPolicy{
			Type:                RetryPolicyTypeExponential,
			MaxRetries:          1,
			InitialInterval:     time.Second,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		}
		for i := 0; i < 50; i++ {
			backoff := CalculateBackoff(policy, 1)
			assert.GreaterOrEqual(t, backoff, 500*time.Millisecond)
			assert.LessOrEqual(t, backoff, 1500*time.Millisecond)
		}
	})

	t.Run("ShouldRetry", func(t *testing.T) {
		policy := DefaultRetryPolicy()
		assert.True(t, ShouldRetry(policy, 1))
		assert.True(t, ShouldRetry(policy, 3))
		assert.False(t, ShouldRetry(policy, 4))
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, FixedRetryPolicy(time.Millisecond, 3), func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, FixedRetryPolicy(time.Millisecond, 2), func(context.Context) error {
			calls++
			return errors.New("permanent")
		})
		require.Error(t, err)
		assert.Equal(t, "permanent", err.Error())
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on context", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := Retry(cancelled, FixedRetryPolicy(time.Hour, 5), func(context.Context) error {
			calls++
			return errors.New("failing")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
