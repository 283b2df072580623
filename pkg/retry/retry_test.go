package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestMintgate_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("returns nil on first success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries retryable errors until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return errors.New("timeout")
		})
		require.Error(t, err)
		require.Equal(t, 3, calls)
		require.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		sentinel := errors.New("invalid argument")
		err := Do(context.Background(), fastConfig(), func() error {
			calls++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		require.Equal(t, 1, calls)
	})

	t.Run("classify overrides the default check", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig()
		cfg.Classify = func(err error) bool {
			return err.Error() == "please retry"
		}

		calls := 0
		err := Do(context.Background(), cfg, func() error {
			calls++
			return errors.New("please retry")
		})
		require.Error(t, err)
		require.Equal(t, 3, calls)

		calls = 0
		err = Do(context.Background(), cfg, func() error {
			calls++
			return errors.New("connection refused") // retryable by default, not by Classify
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("stops when context is cancelled between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())

		cfg := fastConfig()
		cfg.BaseBackoff = time.Hour
		cfg.MaxBackoff = time.Hour

		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- Do(ctx, cfg, func() error {
				calls++
				return errors.New("timeout")
			})
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		require.ErrorIs(t, <-done, context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func TestMintgate_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"wrapped cancellation", fmt.Errorf("rpc failed: %w", context.Canceled), false},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"node behind", errors.New("RPC node is behind by 150 slots"), true},
		{"blockhash not found", errors.New("BlockhashNotFound: Blockhash not found"), true},
		{"arbitrary error", errors.New("account does not exist"), false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestMintgate_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 8; attempt++ {
		backoff := calculateBackoff(base, max, attempt)
		require.Positive(t, backoff)
		require.LessOrEqual(t, backoff, max)
	}

	// Jitter keeps the first backoff within [base/2, base].
	b := calculateBackoff(base, max, 0)
	require.GreaterOrEqual(t, b, base/2)
	require.LessOrEqual(t, b, base)
}
