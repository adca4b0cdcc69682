package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

var (
	testAdmin  = ledger.Principal{UserID: "admin-1", Role: ledger.RoleAdmin}
	testAdmin2 = ledger.Principal{UserID: "admin-2", Role: ledger.RoleAdmin}
	testUser   = ledger.Principal{UserID: "alice", Role: ledger.RoleUser}
	testAt     = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
)

// fakeChannel records what it is sent and can be told to fail.
type fakeChannel struct {
	mu     sync.Mutex
	got    []ledger.Event
	fail   error
	closed bool
}

func (c *fakeChannel) Send(ev ledger.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.got = append(c.got, ev)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type offlineCall struct {
	target ledger.Target
	online map[ledger.UserID]bool
}

type fakeOffline struct {
	mu    sync.Mutex
	calls []offlineCall
}

func (f *fakeOffline) PushOffline(_ context.Context, target ledger.Target, _ ledger.Event, online func(ledger.UserID) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, offlineCall{target: target, online: map[ledger.UserID]bool{
		testAdmin.UserID:  online(testAdmin.UserID),
		testAdmin2.UserID: online(testAdmin2.UserID),
	}})
}

func sampleEvent() ledger.Event {
	return ledger.NewEvent(ledger.SettingsUpdated{ExchangeRate: "20", MainBalance: "1000"}, testAt)
}

func TestHub_BroadcastReachesAdminsOnly(t *testing.T) {
	// GIVEN: two admins and one user connected
	// WHEN: an admin broadcast is sent
	// THEN: both admins receive it and the user does not

	hub := NewHub(zap.NewNop())
	a1, a2, u := &fakeChannel{}, &fakeChannel{}, &fakeChannel{}
	hub.Register(testAdmin, a1)
	hub.Register(testAdmin2, a2)
	hub.Register(testUser, u)

	hub.Notify(context.Background(), ledger.AdminBroadcast(), sampleEvent())

	assert.Equal(t, 1, a1.count())
	assert.Equal(t, 1, a2.count())
	assert.Equal(t, 0, u.count())
}

func TestHub_TargetedDelivery(t *testing.T) {
	hub := NewHub(nil)
	a1, u := &fakeChannel{}, &fakeChannel{}
	hub.Register(testAdmin, a1)
	hub.Register(testUser, u)
	ctx := context.Background()

	hub.Notify(ctx, ledger.ToUser(testUser.UserID), sampleEvent())
	hub.Notify(ctx, ledger.ToUser("bob"), sampleEvent())
	hub.Notify(ctx, ledger.ToAdmin(testAdmin.UserID), sampleEvent())

	assert.Equal(t, 1, u.count())
	assert.Equal(t, 1, a1.count())
}

func TestHub_SameIDDifferentRoleAreDistinct(t *testing.T) {
	hub := NewHub(nil)
	asAdmin, asUser := &fakeChannel{}, &fakeChannel{}
	hub.Register(ledger.Principal{UserID: "x", Role: ledger.RoleAdmin}, asAdmin)
	hub.Register(ledger.Principal{UserID: "x", Role: ledger.RoleUser}, asUser)

	hub.Notify(context.Background(), ledger.ToUser("x"), sampleEvent())

	assert.Equal(t, 0, asAdmin.count())
	assert.Equal(t, 1, asUser.count())
	assert.Equal(t, 2, hub.Len())
}

func TestHub_RegisterOverwritesPrevious(t *testing.T) {
	hub := NewHub(nil)
	old, latest := &fakeChannel{}, &fakeChannel{}
	hub.Register(testUser, old)
	hub.Register(testUser, latest)

	hub.Notify(context.Background(), ledger.ToUser(testUser.UserID), sampleEvent())

	assert.Equal(t, 0, old.count())
	assert.Equal(t, 1, latest.count())
	assert.True(t, old.isClosed(), "the replaced channel is closed")
	assert.False(t, latest.isClosed())
	assert.Equal(t, 0, hub.Unregister(old), "old channel no longer registered")
	assert.Equal(t, 1, hub.Unregister(latest))
	assert.False(t, hub.Connected(ledger.RoleUser, testUser.UserID))
}

func TestHub_ReRegisterSameChannelKeepsItOpen(t *testing.T) {
	hub := NewHub(nil)
	ch := &fakeChannel{}
	hub.Register(testUser, ch)
	hub.Register(testUser, ch)

	assert.False(t, ch.isClosed())
	assert.True(t, hub.Connected(ledger.RoleUser, testUser.UserID))
}

func TestHub_FailedSendPrunesChannel(t *testing.T) {
	hub := NewHub(nil)
	broken, healthy := &fakeChannel{fail: errors.New("broken pipe")}, &fakeChannel{}
	hub.Register(testAdmin, broken)
	hub.Register(testAdmin2, healthy)

	hub.Notify(context.Background(), ledger.AdminBroadcast(), sampleEvent())

	assert.True(t, broken.isClosed())
	assert.False(t, hub.Connected(ledger.RoleAdmin, testAdmin.UserID))
	assert.True(t, hub.Connected(ledger.RoleAdmin, testAdmin2.UserID))
	assert.Equal(t, 1, healthy.count())
}

func TestHub_OfflinePushForAdminTargetsOnly(t *testing.T) {
	offline := &fakeOffline{}
	hub := NewHub(nil, WithOffline(offline))
	hub.Register(testAdmin, &fakeChannel{})
	ctx := context.Background()

	hub.Notify(ctx, ledger.AdminBroadcast(), sampleEvent())
	hub.Notify(ctx, ledger.ToUser(testUser.UserID), sampleEvent())

	require.Len(t, offline.calls, 1)
	call := offline.calls[0]
	assert.True(t, call.target.IsBroadcast())
	assert.True(t, call.online[testAdmin.UserID])
	assert.False(t, call.online[testAdmin2.UserID])
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub(nil)
	a, u := &fakeChannel{}, &fakeChannel{}
	hub.Register(testAdmin, a)
	hub.Register(testUser, u)

	hub.CloseAll()

	assert.True(t, a.isClosed())
	assert.True(t, u.isClosed())
	assert.Equal(t, 0, hub.Len())
}

func TestHub_ConcurrentRegisterAndNotify(t *testing.T) {
	hub := NewHub(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		ch := &fakeChannel{}
		go func() {
			defer wg.Done()
			hub.Register(testAdmin, ch)
			hub.Unregister(ch)
		}()
		go func() {
			defer wg.Done()
			hub.Notify(context.Background(), ledger.AdminBroadcast(), sampleEvent())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Len())
}
