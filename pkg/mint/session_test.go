package mint

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/cryptoelites/mintgate/pkg/chain"
	"github.com/cryptoelites/mintgate/pkg/guard"
	"github.com/cryptoelites/mintgate/pkg/solclock"
	gatetesting "github.com/cryptoelites/mintgate/pkg/testing"
)

func testConfigData(t *testing.T, prog *guard.Program) []byte {
	t.Helper()
	data, err := guard.Encode(prog)
	require.NoError(t, err)
	return data
}

func testSessionProgram() *guard.Program {
	return &guard.Program{
		Authority:      testPK(1),
		ItemsAvailable: 10,
		ItemsRedeemed:  2,
		Groups: []guard.Group{
			{Label: guard.DefaultLabel},
			{Label: "public", Guards: guard.Set{
				MintLimit: &guard.MintLimit{ID: 1, Cap: 5},
			}},
		},
	}
}

func testSession(t *testing.T, client *mockClient) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		Logger: gatetesting.NewLogger(),
		Clock:  solclock.Fixed(time.Unix(1_700_000_000, 0).UTC()),
		Client: client,
		Signer: &mockSigner{},
		Wallet: testPK(1),
	})
	require.NoError(t, err)
	return session
}

func sessionClient(t *testing.T) *mockClient {
	t.Helper()
	data := testConfigData(t, testSessionProgram())
	client := &mockClient{}
	client.fetchConfigFunc = func(context.Context) ([]byte, error) {
		return data, nil
	}
	client.fetchSnapshotFunc = func(_ context.Context, wallet solana.PublicKey) (*chain.Snapshot, error) {
		return &chain.Snapshot{
			Wallet:     wallet,
			Lamports:   1_000_000_000,
			MintCounts: map[uint8]uint64{1: 1},
			FetchedAt:  time.Unix(1_700_000_000, 0),
		}, nil
	}
	return client
}

func TestMintgate_Mint_Session_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		session, err := NewSession(SessionConfig{
			Clock:  solclock.Fixed(time.Unix(0, 0)),
			Client: &mockClient{},
			Signer: &mockSigner{},
			Wallet: testPK(1),
		})
		require.Error(t, err)
		require.Nil(t, session)
		require.Contains(t, err.Error(), "logger is required")
	})

	t.Run("missing wallet", func(t *testing.T) {
		t.Parallel()
		session, err := NewSession(SessionConfig{
			Logger: gatetesting.NewLogger(),
			Clock:  solclock.Fixed(time.Unix(0, 0)),
			Client: &mockClient{},
			Signer: &mockSigner{},
		})
		require.Error(t, err)
		require.Nil(t, session)
		require.Contains(t, err.Error(), "wallet is required")
	})
}

func TestMintgate_Mint_Session_ResolveAndRefresh(t *testing.T) {
	t.Parallel()

	session := testSession(t, sessionClient(t))
	ctx := context.Background()

	require.False(t, session.Ready())
	require.NoError(t, session.Resolve(ctx))
	require.False(t, session.Ready(), "resolve alone publishes no results")

	require.NoError(t, session.Refresh(ctx))
	require.True(t, session.Ready())

	select {
	case <-session.Passes():
	default:
		t.Fatal("expected a pass signal after refresh")
	}

	report := session.Report()
	require.Len(t, report, 2)
	require.Equal(t, guard.DefaultLabel, report[0].Label)
	require.Equal(t, "public", report[1].Label)
	require.True(t, report[0].Allowed)
	require.Equal(t, uint64(8), report[0].Remaining)

	// cap 5, consumed 1, floored by supply 8 -> 4 remaining
	require.True(t, report[1].Allowed)
	require.Equal(t, uint64(4), report[1].Remaining)

	res, ok := session.Latest("public")
	require.True(t, ok)
	require.Equal(t, uint64(4), res.Remaining)

	_, ok = session.Latest("nope")
	require.False(t, ok)
}

func TestMintgate_Mint_Session_RefreshRequiresResolve(t *testing.T) {
	t.Parallel()

	session := testSession(t, sessionClient(t))
	require.Error(t, session.Refresh(context.Background()))
}

// An evaluation pass before the network clock's first sync would judge guard
// time windows on the local wall clock; the pass is refused until a sync
// lands.
func TestMintgate_Mint_Session_RefreshRequiresSyncedClock(t *testing.T) {
	t.Parallel()

	client := sessionClient(t)
	netClock, err := solclock.NewNetwork(solclock.NetworkConfig{
		Logger: gatetesting.NewLogger(),
		Source: client,
	})
	require.NoError(t, err)

	session, err := NewSession(SessionConfig{
		Logger: gatetesting.NewLogger(),
		Clock:  netClock,
		Client: client,
		Signer: &mockSigner{},
		Wallet: testPK(1),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, session.Resolve(ctx))

	err = session.Refresh(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "clock not synced")
	require.False(t, session.Ready())

	require.NoError(t, netClock.Sync(ctx))
	require.NoError(t, session.Refresh(ctx))
	require.True(t, session.Ready())
}

// A malformed configuration halts evaluation until a later resolve succeeds.
func TestMintgate_Mint_Session_ConfigurationHalt(t *testing.T) {
	t.Parallel()

	good := testConfigData(t, testSessionProgram())
	bad := append([]byte{}, good...)
	bad[0] ^= 0xff

	data := bad
	client := sessionClient(t)
	client.fetchConfigFunc = func(context.Context) ([]byte, error) {
		return data, nil
	}

	session := testSession(t, client)
	ctx := context.Background()

	require.Error(t, session.Resolve(ctx))
	require.Error(t, session.Refresh(ctx), "evaluation is halted after a configuration error")

	// The configuration was fixed on-chain; re-resolve lifts the halt.
	data = good
	require.NoError(t, session.Resolve(ctx))
	require.NoError(t, session.Refresh(ctx))
	require.True(t, session.Ready())
}

func TestMintgate_Mint_Session_Mint(t *testing.T) {
	t.Parallel()

	t.Run("requires a published pass", func(t *testing.T) {
		t.Parallel()
		session := testSession(t, sessionClient(t))
		_, err := session.Mint(context.Background(), "public", 1)
		require.Error(t, err)
	})

	t.Run("settled outcome lands on the feed", func(t *testing.T) {
		t.Parallel()
		session := testSession(t, sessionClient(t))
		ctx := context.Background()
		require.NoError(t, session.Resolve(ctx))
		require.NoError(t, session.Refresh(ctx))

		attempts, err := session.Mint(ctx, "public", 1)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		require.True(t, attempts[0].Succeeded())

		outcomes := session.Outcomes()
		require.Len(t, outcomes, 1)
		require.True(t, outcomes[0].Success)
		require.Equal(t, "public", outcomes[0].Label)
	})

	t.Run("quota enforced against the published result", func(t *testing.T) {
		t.Parallel()
		session := testSession(t, sessionClient(t))
		ctx := context.Background()
		require.NoError(t, session.Resolve(ctx))
		require.NoError(t, session.Refresh(ctx))

		_, err := session.Mint(ctx, "public", 5) // remaining is 4
		require.ErrorIs(t, err, ErrQuotaExceeded)
	})
}

// A settled outcome triggers a re-resolve and a fresh evaluation pass, so the
// published report tracks advancing counters.
func TestMintgate_Mint_Session_ReevaluatesAfterSettlement(t *testing.T) {
	t.Parallel()

	client := sessionClient(t)
	snapCalls := make(chan struct{}, 16)
	base := client.fetchSnapshotFunc
	client.fetchSnapshotFunc = func(ctx context.Context, wallet solana.PublicKey) (*chain.Snapshot, error) {
		snapCalls <- struct{}{}
		return base(ctx, wallet)
	}

	session := testSession(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, session.Resolve(ctx))
	require.NoError(t, session.Refresh(ctx))
	<-snapCalls // the explicit refresh

	session.Run(ctx)

	_, err := session.Mint(ctx, "public", 1)
	require.NoError(t, err)

	select {
	case <-snapCalls:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a re-evaluation pass after settlement")
	}
}
