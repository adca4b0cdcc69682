package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

func newRedisSubscriptions(t *testing.T) (*RedisSubscriptions, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := ConnectRedis(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSubscriptions(client, nil), mr
}

func TestRedisSubscriptions_SaveListDelete(t *testing.T) {
	store, mr := newRedisSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSubscription(ctx, ledger.PushSubscription{ID: "s1", AdminID: "admin-1", Endpoint: "https://push.example/a", CreatedAt: testAt}))
	require.NoError(t, store.SaveSubscription(ctx, ledger.PushSubscription{ID: "s2", AdminID: "admin-2", Endpoint: "https://push.example/b", CreatedAt: testAt.Add(1)}))

	all, err := store.ListSubscriptions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "s1", all[0].ID, "oldest first")
	assert.True(t, all[0].CreatedAt.Equal(testAt))

	assert.True(t, mr.Exists("push:admin:admin-1"))

	require.NoError(t, store.DeleteSubscription(ctx, "https://push.example/a"))
	require.NoError(t, store.DeleteSubscription(ctx, "https://push.example/unknown"))

	mine, err := store.ListSubscriptions(ctx, "admin-1")
	require.NoError(t, err)
	assert.Empty(t, mine)
}

func TestRedisSubscriptions_ReRegisterMovesEndpoint(t *testing.T) {
	store, _ := newRedisSubscriptions(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSubscription(ctx, ledger.PushSubscription{ID: "s1", AdminID: "admin-1", Endpoint: "https://push.example/a", CreatedAt: testAt}))
	require.NoError(t, store.SaveSubscription(ctx, ledger.PushSubscription{ID: "s2", AdminID: "admin-2", Endpoint: "https://push.example/a", CreatedAt: testAt}))

	first, err := store.ListSubscriptions(ctx, "admin-1")
	require.NoError(t, err)
	assert.Empty(t, first)
	second, err := store.ListSubscriptions(ctx, "admin-2")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "s2", second[0].ID)
}

func TestRedisSubscriptions_SkipsCorruptEntries(t *testing.T) {
	store, mr := newRedisSubscriptions(t)
	ctx := context.Background()
	mr.HSet("push:admin:admin-1", "https://push.example/bad", "{not json")

	subs, err := store.ListSubscriptions(ctx, "admin-1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestConnectRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := ConnectRedis(context.Background(), addr, "")
	assert.Error(t, err)
}
