package retry

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("returns first success", func(t *testing.T) {
		calls := 0
		v, err := Do(ctx, fast, func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("not yet")
			}
			return "ok", nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		sentinel := errors.New("down")
		calls := 0
		var notified []uint
		_, err := Do(ctx, fast, func(context.Context) (int, error) {
			calls++
			return 0, sentinel
		}, func(attempt uint, _ error, _ time.Duration) {
			notified = append(notified, attempt)
		})

		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 4, calls)
		assert.Equal(t, []uint{1, 2, 3}, notified)
	})

	t.Run("permanent error is not retried", func(t *testing.T) {
		sentinel := errors.New("rejected")
		calls := 0
		_, err := Do(ctx, fast, func(context.Context) (int, error) {
			calls++
			return 0, Permanent(sentinel)
		}, nil)

		assert.Equal(t, sentinel, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("permanent error on last attempt is unwrapped", func(t *testing.T) {
		sentinel := errors.New("rejected")
		_, err := Do(ctx, Policy{MaxAttempts: 1}, func(context.Context) (int, error) {
			return 0, Permanent(sentinel)
		}, nil)

		assert.Equal(t, sentinel, err)
	})

	t.Run("cancelled context stops retries", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		calls := 0
		_, err := Do(cctx, Policy{MaxAttempts: 10, BaseDelay: time.Hour}, func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errors.New("boom")
		}, nil)

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestPolicy_Or(t *testing.T) {
	def := Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2}

	assert.Equal(t, def, Policy{}.Or(def))
	assert.Equal(t,
		Policy{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Jitter: 0.2},
		Policy{MaxAttempts: 2}.Or(def),
	)
}

func TestPolicy_Budget(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second, Jitter: 0.2}
	// 3 x 10s attempts, then 600ms and 1.2s delays.
	assert.Equal(t, 31800*time.Millisecond, p.Budget(10*time.Second))

	capped := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	assert.Equal(t, 5*time.Second, capped.Budget(0))

	assert.Equal(t, time.Second, Policy{}.Budget(time.Second))
}
