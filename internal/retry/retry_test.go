package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Base: time.Millisecond, Retryable: apperr.IsRetryable},
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return apperr.New(apperr.ErrCodeUnavailable, "transient")
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, Base: time.Millisecond, Retryable: apperr.IsRetryable},
		func(ctx context.Context) error {
			attempts++
			return apperr.New(apperr.ErrCodePermanent, "bad request")
		})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, apperr.IsCode(err, apperr.ErrCodePermanent))
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{MaxRetries: 2, Base: time.Millisecond, Retryable: apperr.IsRetryable},
		func(ctx context.Context) error {
			attempts++
			return apperr.New(apperr.ErrCodeUnavailable, "still down")
		})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Policy{MaxRetries: 3, Base: time.Millisecond},
		func(ctx context.Context) error {
			t.Fatal("fn must not run after cancellation")
			return nil
		})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond}

	d1 := p.Delay(1)
	d3 := p.Delay(3)

	assert.GreaterOrEqual(t, d1, 100*time.Millisecond)
	assert.Less(t, d1, 1100*time.Millisecond)
	assert.GreaterOrEqual(t, d3, 400*time.Millisecond)
	assert.Less(t, d3, 1400*time.Millisecond)
}
