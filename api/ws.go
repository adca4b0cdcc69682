package api

import (
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/warp/remit-engine/notify"
)

// Connect upgrades the request to a websocket and registers it as the
// caller's push channel until the connection ends. A newer connection from
// the same principal replaces this one in the hub.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := notify.NewWSChannel(conn, h.ChannelBuffer, h.Logger)
	h.Hub.Register(p, ch)
	h.Logger.Info("push channel connected",
		zap.String("user_id", string(p.UserID)), zap.String("role", string(p.Role)))

	ch.Serve()

	h.Hub.Unregister(ch)
	h.Logger.Info("push channel disconnected", zap.String("user_id", string(p.UserID)))
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(h.AllowedOrigins),
	}
}

// originChecker accepts same-host requests, requests without an Origin
// header (non-browser clients) and the configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
