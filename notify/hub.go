/*
Package notify delivers ledger events to connected clients.

PURPOSE:
  The Hub maps (role, userId) to at most one live push channel and fans
  events out to them. Administrators who are not connected get a
  best-effort offline push through the Dispatcher instead.

REGISTRY:
  Register(principal, ch)  overwrites any prior channel for that principal;
                           only the latest connection is addressed
  Unregister(ch)           removes every entry pointing at ch, so a
                           disconnect needs no key

DELIVERY:
  admin broadcast  -> every registered admin channel, never a user channel
  admin + user id  -> that admin's channel
  user + user id   -> that user's channel if registered, else dropped

  Sends happen outside the registry lock on a snapshot. A failed send
  prunes and closes the channel. Delivery never fails the caller.

SEE ALSO:
  - websocket.go: gorilla/websocket Channel
  - push.go: Offline push dispatcher
  - kafka.go: Event mirror
*/
package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/remit-engine/ledger"
)

// ErrChannelClosed is returned by Send on a channel that has been closed.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one live push connection.
type Channel interface {
	// Send must not block on a slow receiver.
	Send(ev ledger.Event) error
	Close() error
}

// OfflinePusher reaches administrators that have no live channel.
type OfflinePusher interface {
	PushOffline(ctx context.Context, target ledger.Target, ev ledger.Event, online func(ledger.UserID) bool)
}

// Mirror receives a copy of every event, whatever its target.
type Mirror interface {
	Mirror(ctx context.Context, target ledger.Target, ev ledger.Event)
}

type registryKey struct {
	role ledger.Role
	user ledger.UserID
}

type Hub struct {
	mu       sync.RWMutex
	channels map[registryKey]Channel

	offline OfflinePusher
	mirrors []Mirror
	logger  *zap.Logger
}

type HubOption func(*Hub)

func WithOffline(p OfflinePusher) HubOption { return func(h *Hub) { h.offline = p } }
func WithMirror(m Mirror) HubOption         { return func(h *Hub) { h.mirrors = append(h.mirrors, m) } }

func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{channels: make(map[registryKey]Channel), logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register makes ch the principal's channel. A previous channel for the same
// principal is closed, so its connection ends instead of lingering unaddressed.
func (h *Hub) Register(p ledger.Principal, ch Channel) {
	key := registryKey{role: p.Role, user: p.UserID}
	h.mu.Lock()
	prev, had := h.channels[key]
	h.channels[key] = ch
	h.mu.Unlock()
	h.logger.Debug("channel registered", zap.String("user_id", string(p.UserID)), zap.String("role", string(p.Role)))

	if had && prev != ch && !h.registered(prev) {
		if err := prev.Close(); err != nil {
			h.logger.Debug("closing replaced channel failed", zap.Error(err))
		}
	}
}

// registered reports whether ch is still addressed under any key.
func (h *Hub) registered(ch Channel) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Unregister removes every registration of ch and reports how many there were.
func (h *Hub) Unregister(ch Channel) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for k, c := range h.channels {
		if c == ch {
			delete(h.channels, k)
			removed++
		}
	}
	return removed
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

func (h *Hub) Connected(role ledger.Role, id ledger.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[registryKey{role: role, user: id}]
	return ok
}

func (h *Hub) adminOnline(id ledger.UserID) bool { return h.Connected(ledger.RoleAdmin, id) }

// Notify implements ledger.Notifier.
func (h *Hub) Notify(ctx context.Context, target ledger.Target, ev ledger.Event) {
	for _, m := range h.mirrors {
		m.Mirror(ctx, target, ev)
	}

	for _, ch := range h.resolve(target) {
		if err := ch.Send(ev); err != nil {
			h.logger.Warn("dropping channel after failed send",
				zap.String("event", string(ev.Kind)), zap.Error(err))
			h.Unregister(ch)
			ch.Close()
		}
	}

	if target.Role == ledger.RoleAdmin && h.offline != nil {
		h.offline.PushOffline(ctx, target, ev, h.adminOnline)
	}
}

// resolve snapshots the channels addressed by target.
func (h *Hub) resolve(target ledger.Target) []Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if target.IsBroadcast() {
		out := make([]Channel, 0, len(h.channels))
		for k, ch := range h.channels {
			if k.role == ledger.RoleAdmin {
				out = append(out, ch)
			}
		}
		return out
	}
	if ch, ok := h.channels[registryKey{role: target.Role, user: target.UserID}]; ok {
		return []Channel{ch}
	}
	return nil
}

// CloseAll closes and forgets every channel, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	chans := h.channels
	h.channels = make(map[registryKey]Channel)
	h.mu.Unlock()

	seen := make(map[Channel]bool, len(chans))
	for _, ch := range chans {
		if !seen[ch] {
			seen[ch] = true
			ch.Close()
		}
	}
}
