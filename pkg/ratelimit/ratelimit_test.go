package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/synerr"
)

func fakeClock(jitterValues []float64) (clock, *[]time.Duration) {
	var slept []time.Duration
	idx := 0
	return clock{
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		jitter: func() float64 {
			if idx >= len(jitterValues) {
				return 0
			}
			v := jitterValues[idx]
			idx++
			return v
		},
	}, &slept
}

func TestInvoke_Scenario6_RateLimitRetryThenSuccess(t *testing.T) {
	inv := New(1000) // fast limiter so the test isn't rate-limited itself
	cl, slept := fakeClock([]float64{0, 0})
	inv.clock = cl

	calls := 0
	err := inv.Invoke(context.Background(), Options{MaxRetries: 3, OpName: "createRecords"}, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return NewProviderError(http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, *slept, 2)
	assert.GreaterOrEqual(t, (*slept)[0], 1*time.Second)
	assert.Less(t, (*slept)[0], 2*time.Second)
	assert.GreaterOrEqual(t, (*slept)[1], 2*time.Second)
	assert.Less(t, (*slept)[1], 3*time.Second)
}

func TestInvoke_ValidationNeverRetries(t *testing.T) {
	inv := New(1000)
	calls := 0
	err := inv.Invoke(context.Background(), Options{MaxRetries: 3}, func(ctx context.Context) error {
		calls++
		return NewProviderError(http.StatusUnprocessableEntity, errors.New("validation failed"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.ErrValidation, synerr.KindOf(err))
}

func TestInvoke_AuthNeverRetries(t *testing.T) {
	inv := New(1000)
	calls := 0
	err := inv.Invoke(context.Background(), Options{MaxRetries: 3}, func(ctx context.Context) error {
		calls++
		return NewProviderError(http.StatusUnauthorized, errors.New("unauthorized"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, model.ErrAuth, synerr.KindOf(err))
}

func TestInvoke_OtherErrorRetriesOnce(t *testing.T) {
	inv := New(1000)
	cl, _ := fakeClock(nil)
	inv.clock = cl
	calls := 0
	err := inv.Invoke(context.Background(), Options{MaxRetries: 3}, func(ctx context.Context) error {
		calls++
		return errors.New("some transient network error")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestBatchOperations(t *testing.T) {
	items := make([]interface{}, 25)
	batches := BatchOperations(items, 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 10)
	assert.Len(t, batches[2], 5)
}
