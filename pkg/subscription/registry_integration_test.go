package subscription_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/marketbus/pkg/subscription"
	testdb "github.com/quantframe/marketbus/test/database"
)

func TestRegistry_AcquireTransitionsFromZero(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")

	res, err := reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RefCountAfter)
	assert.True(t, res.TransitionedFromZero)

	res2, err := reg.Acquire(ctx, "session-b", key)
	require.NoError(t, err)
	assert.Equal(t, 2, res2.RefCountAfter)
	assert.False(t, res2.TransitionedFromZero)
}

func TestRegistry_DuplicateAcquireIsNoOp(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@QUOTES")

	res1, err := reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)
	require.Equal(t, 1, res1.RefCountAfter)

	res2, err := reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)
	assert.Equal(t, 1, res2.RefCountAfter, "duplicate subscribe by the same session is a no-op")
	assert.False(t, res2.TransitionedFromZero)
}

func TestRegistry_ReleaseTransitionsToZero(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@TRADE")

	_, err := reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)

	res, err := reg.Release(ctx, "session-a", key)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RefCountAfter)
	assert.True(t, res.TransitionedToZero)
}

func TestRegistry_ReleaseUnheldKeyIsNoOp(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@DEPTH")

	res, err := reg.Release(ctx, "session-never-subscribed", key)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RefCountAfter)
	assert.False(t, res.TransitionedToZero, "refcount was already zero; no new transition happened")
}

func TestRegistry_SubscribeUnsubscribeRoundTripLeavesRefCountUnchanged(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:ETHUSDT@KLINE_5")

	_, err := reg.Acquire(ctx, "session-other", key)
	require.NoError(t, err)

	before, err := reg.RefCount(ctx, key)
	require.NoError(t, err)

	_, err = reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)
	_, err = reg.Release(ctx, "session-a", key)
	require.NoError(t, err)

	after, err := reg.RefCount(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegistry_ReleaseAllReturnsZeroedKeys(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	k1 := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")
	k2 := subscription.MustParse("BINANCE:ETHUSDT@QUOTES")
	k3 := subscription.MustParse("BINANCE:SOLUSDT@TRADE")

	for _, k := range []subscription.Key{k1, k2, k3} {
		_, err := reg.Acquire(ctx, "session-d", k)
		require.NoError(t, err)
	}
	// k2 also held by another session, so it should NOT zero out.
	_, err := reg.Acquire(ctx, "session-other", k2)
	require.NoError(t, err)

	zeroed, err := reg.ReleaseAll(ctx, "session-d")
	require.NoError(t, err)

	zeroedSet := map[string]bool{}
	for _, k := range zeroed {
		zeroedSet[k.String()] = true
	}
	assert.True(t, zeroedSet[k1.String()])
	assert.True(t, zeroedSet[k3.String()])
	assert.False(t, zeroedSet[k2.String()], "k2 still held by session-other")

	remaining, err := reg.SessionKeys(ctx, "session-d")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRegistry_SnapshotReturnsAllHeldKeys(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	k1 := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")
	k2 := subscription.MustParse("BINANCE:ETHUSDT@QUOTES")

	_, err := reg.Acquire(ctx, "session-a", k1)
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, "session-b", k2)
	require.NoError(t, err)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, k := range snap {
		got[k.String()] = true
	}
	assert.True(t, got[k1.String()])
	assert.True(t, got[k2.String()])
}

func TestRegistry_CleanClearsMembershipAndSnapshotIsEmpty(t *testing.T) {
	client := testdb.NewTestClient(t)
	reg := subscription.NewRegistry(client.DB())
	ctx := context.Background()

	key := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")
	_, err := reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)

	require.NoError(t, reg.Clean(ctx))

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

// TestRegistry_AcquireReleaseEmitPgNotify exercises the 0<->1 transition
// notifications end to end over a dedicated LISTEN connection, bypassing
// pkg/events entirely — this is the contract pkg/events.NotifyListener
// relies on, so it is worth pinning at this layer too.
func TestRegistry_AcquireReleaseEmitPgNotify(t *testing.T) {
	shared := testdb.NewSharedTestDB(t)
	client := shared.NewClient(t)
	reg := subscription.NewRegistry(client.DB())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, shared.ConnString())
	require.NoError(t, err)
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "LISTEN \"subscription.add\"")
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "LISTEN \"subscription.remove\"")
	require.NoError(t, err)

	key := subscription.MustParse("BINANCE:BTCUSDT@KLINE_60")

	_, err = reg.Acquire(ctx, "session-a", key)
	require.NoError(t, err)

	addNotif, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, "subscription.add", addNotif.Channel)
	assert.Contains(t, addNotif.Payload, key.String())

	_, err = reg.Release(ctx, "session-a", key)
	require.NoError(t, err)

	removeNotif, err := conn.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, "subscription.remove", removeNotif.Channel)
	assert.Contains(t, removeNotif.Payload, key.String())
}
