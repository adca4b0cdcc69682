package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remit-engine/ledger"
)

// serveChannel upgrades one connection and hands its channel to the test.
func serveChannel(t *testing.T, buffer int) (*websocket.Conn, <-chan *WSChannel) {
	t.Helper()
	channels := make(chan *WSChannel, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch := NewWSChannel(conn, buffer, nil)
		channels <- ch
		ch.Serve()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, channels
}

func TestWSChannel_DeliversEnvelope(t *testing.T) {
	client, channels := serveChannel(t, 4)
	ch := <-channels

	require.NoError(t, ch.Send(sampleEvent()))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := client.ReadMessage()
	require.NoError(t, err)
	ev, err := ledger.DecodeEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, ledger.EventSettingsUpdated, ev.Kind)
}

func TestWSChannel_ClientDisconnectEndsServe(t *testing.T) {
	client, channels := serveChannel(t, 4)
	ch := <-channels

	require.NoError(t, client.Close())

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not stop after disconnect")
	}
	assert.ErrorIs(t, ch.Send(sampleEvent()), ErrChannelClosed)
}

func TestWSChannel_SlowReceiverIsReportedFull(t *testing.T) {
	// A channel that was never served has nobody draining its buffer.
	ch := NewWSChannel(nil, 1, nil)

	require.NoError(t, ch.Send(sampleEvent()))
	assert.ErrorIs(t, ch.Send(sampleEvent()), ErrChannelFull)

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(sampleEvent()), ErrChannelClosed)
}
