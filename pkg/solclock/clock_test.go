package solclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	gatetesting "github.com/cryptoelites/mintgate/pkg/testing"
)

type mockTimeSource struct {
	mu            sync.Mutex
	chainTimeFunc func(ctx context.Context) (time.Time, error)
	calls         int
}

func (m *mockTimeSource) ChainTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.chainTimeFunc != nil {
		return m.chainTimeFunc(ctx)
	}
	return time.Unix(1_700_000_000, 0).UTC(), nil
}

func (m *mockTimeSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestMintgate_SolClock_Fixed(t *testing.T) {
	t.Parallel()

	instant := time.Unix(12345, 0).UTC()
	clock := Fixed(instant)
	require.Equal(t, instant, clock.Now())
	require.Equal(t, instant, clock.Now())
}

// A network clock is not trusted for guard time windows until its first
// successful sync; sync-free clocks are always trusted.
func TestMintgate_SolClock_Ready(t *testing.T) {
	t.Parallel()

	require.True(t, Ready(Fixed(time.Unix(12345, 0).UTC())))
	require.True(t, Ready(clockwork.NewFakeClockAt(time.Unix(12345, 0).UTC())))

	clock, err := NewNetwork(NetworkConfig{
		Logger: gatetesting.NewLogger(),
		Source: &mockTimeSource{},
		Base:   clockwork.NewFakeClockAt(time.Unix(1_000_000, 0).UTC()),
	})
	require.NoError(t, err)
	require.False(t, Ready(clock))

	require.NoError(t, clock.Sync(context.Background()))
	require.True(t, Ready(clock))
}

func TestMintgate_SolClock_Network_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		clock, err := NewNetwork(NetworkConfig{Source: &mockTimeSource{}})
		require.Error(t, err)
		require.Nil(t, clock)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing time source", func(t *testing.T) {
		t.Parallel()
		clock, err := NewNetwork(NetworkConfig{Logger: gatetesting.NewLogger()})
		require.Error(t, err)
		require.Nil(t, clock)
		require.Contains(t, err.Error(), "time source is required")
	})
}

func TestMintgate_SolClock_Network_Sync(t *testing.T) {
	t.Parallel()

	t.Run("offset tracks the chain ahead of local time", func(t *testing.T) {
		t.Parallel()

		base := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0).UTC())
		chainTime := time.Unix(1_000_030, 0).UTC() // chain is 30s ahead

		clock, err := NewNetwork(NetworkConfig{
			Logger: gatetesting.NewLogger(),
			Source: &mockTimeSource{chainTimeFunc: func(context.Context) (time.Time, error) {
				return chainTime, nil
			}},
			Base: base,
		})
		require.NoError(t, err)
		require.False(t, clock.Synced())

		require.NoError(t, clock.Sync(context.Background()))
		require.True(t, clock.Synced())
		require.Equal(t, chainTime, clock.Now())

		// Between syncs the estimate advances with the base clock.
		base.Advance(10 * time.Second)
		require.Equal(t, chainTime.Add(10*time.Second), clock.Now())
	})

	t.Run("failed sync keeps the previous offset", func(t *testing.T) {
		t.Parallel()

		base := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0).UTC())
		chainTime := time.Unix(1_000_030, 0).UTC()
		failing := false

		clock, err := NewNetwork(NetworkConfig{
			Logger: gatetesting.NewLogger(),
			Source: &mockTimeSource{chainTimeFunc: func(context.Context) (time.Time, error) {
				if failing {
					return time.Time{}, errors.New("rpc unavailable")
				}
				return chainTime, nil
			}},
			Base: base,
		})
		require.NoError(t, err)

		require.NoError(t, clock.Sync(context.Background()))
		before := clock.Now()

		failing = true
		require.Error(t, clock.Sync(context.Background()))
		require.True(t, clock.Synced())
		require.Equal(t, before, clock.Now())
	})

	t.Run("before first sync falls back to the base clock", func(t *testing.T) {
		t.Parallel()

		base := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0).UTC())
		clock, err := NewNetwork(NetworkConfig{
			Logger: gatetesting.NewLogger(),
			Source: &mockTimeSource{},
			Base:   base,
		})
		require.NoError(t, err)
		require.Equal(t, base.Now(), clock.Now())
	})
}

func TestMintgate_SolClock_Network_Start(t *testing.T) {
	t.Parallel()

	base := clockwork.NewFakeClockAt(time.Unix(1_000_000, 0).UTC())
	source := &mockTimeSource{}

	clock, err := NewNetwork(NetworkConfig{
		Logger:       gatetesting.NewLogger(),
		Source:       source,
		Base:         base,
		SyncInterval: 15 * time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock.Start(ctx)

	// The first sync happens immediately on start.
	require.Eventually(t, func() bool {
		return clock.Synced()
	}, 5*time.Second, 10*time.Millisecond)
	first := source.callCount()

	// Each interval tick triggers another sync.
	base.BlockUntilContext(ctx, 1)
	base.Advance(15 * time.Second)
	require.Eventually(t, func() bool {
		return source.callCount() > first
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
}
