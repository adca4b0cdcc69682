package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// memorySubscriptions is a SubscriptionStore for tests.
type memorySubscriptions struct {
	mu   sync.Mutex
	subs map[string]ledger.PushSubscription
}

func newMemorySubscriptions() *memorySubscriptions {
	return &memorySubscriptions{subs: map[string]ledger.PushSubscription{}}
}

func (m *memorySubscriptions) SaveSubscription(_ context.Context, sub ledger.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Endpoint] = sub
	return nil
}

func (m *memorySubscriptions) ListSubscriptions(_ context.Context, adminID ledger.UserID) ([]ledger.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []ledger.PushSubscription{}
	for _, s := range m.subs {
		if adminID == "" || s.AdminID == adminID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySubscriptions) DeleteSubscription(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, endpoint)
	return nil
}

func (m *memorySubscriptions) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func TestWebhookPusher_PostsEnvelope(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	payload, err := ledger.MarshalEvent(sampleEvent())
	require.NoError(t, err)

	err = NewWebhookPusher(time.Second).Push(context.Background(), ledger.PushSubscription{Endpoint: srv.URL}, payload)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	var env map[string]any
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "settings_updated", env["event"])
}

func TestWebhookPusher_GoneAndFailure(t *testing.T) {
	gone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer gone.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	p := NewWebhookPusher(time.Second)
	ctx := context.Background()

	assert.ErrorIs(t, p.Push(ctx, ledger.PushSubscription{Endpoint: gone.URL}, []byte(`{}`)), ErrSubscriptionGone)

	err := p.Push(ctx, ledger.PushSubscription{Endpoint: broken.URL}, []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSubscriptionGone)
}

func TestDispatcher_PushesOfflineAdminsAndPrunesGone(t *testing.T) {
	// GIVEN: admin-1 online, admin-2 offline with a live and an expired endpoint
	// WHEN: an admin broadcast is pushed offline
	// THEN: only admin-2's live endpoint is called, the expired one is removed

	var (
		mu   sync.Mutex
		hits = map[string]int{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/expired" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	subs := newMemorySubscriptions()
	ctx := context.Background()
	require.NoError(t, subs.SaveSubscription(ctx, ledger.PushSubscription{AdminID: "admin-1", Endpoint: srv.URL + "/online"}))
	require.NoError(t, subs.SaveSubscription(ctx, ledger.PushSubscription{AdminID: "admin-2", Endpoint: srv.URL + "/live"}))
	require.NoError(t, subs.SaveSubscription(ctx, ledger.PushSubscription{AdminID: "admin-2", Endpoint: srv.URL + "/expired"}))

	d := NewDispatcher(subs, NewWebhookPusher(time.Second), DispatcherConfig{Workers: 2}, zap.NewNop())
	d.Start()
	online := func(id ledger.UserID) bool { return id == "admin-1" }
	d.PushOffline(ctx, ledger.AdminBroadcast(), sampleEvent(), online)
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, hits["/online"])
	assert.Equal(t, 1, hits["/live"])
	assert.Equal(t, 1, hits["/expired"])
	assert.Equal(t, 2, subs.len())
}

func TestDispatcher_PushAfterStopIsDropped(t *testing.T) {
	d := NewDispatcher(newMemorySubscriptions(), NewWebhookPusher(time.Second), DispatcherConfig{}, nil)
	d.Start()
	d.Stop()

	assert.NotPanics(t, func() {
		d.PushOffline(context.Background(), ledger.AdminBroadcast(), sampleEvent(), nil)
	})
}

func TestDispatcher_SubscribeAndUnsubscribe(t *testing.T) {
	subs := newMemorySubscriptions()
	d := NewDispatcher(subs, NewWebhookPusher(time.Second), DispatcherConfig{}, nil)
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, testAdmin, " https://push.example/a ")
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/a", sub.Endpoint)
	assert.NotEmpty(t, sub.ID)

	_, err = d.Subscribe(ctx, testUser, "https://push.example/b")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = d.Subscribe(ctx, testAdmin, "ftp://push.example")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	err = d.Unsubscribe(ctx, testAdmin2, "https://push.example/a")
	assert.ErrorIs(t, err, ledger.ErrNotFound, "other admins cannot remove it")

	require.NoError(t, d.Unsubscribe(ctx, testAdmin, "https://push.example/a"))
	assert.Equal(t, 0, subs.len())
}
