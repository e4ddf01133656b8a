package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davidleathers/call-verification-engine/internal/domain/call"
	"github.com/davidleathers/call-verification-engine/internal/infrastructure/events"
)

// WebSocketConfig holds the live feed connection tunables.
type WebSocketConfig struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultWebSocketConfig returns the default live feed configuration.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// callFeed upgrades the connection and bridges a monitor subscription onto
// it. `?call_sid=` narrows the feed to one call; without it the client
// receives every event.
func (h *Handler) callFeed(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  h.wsConfig.ReadBufferSize,
		WriteBufferSize: h.wsConfig.WriteBufferSize,
		CheckOrigin:     h.wsConfig.CheckOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	callSID := r.URL.Query().Get("call_sid")
	var sub *events.Subscription
	if callSID != "" {
		sub = h.registry.Subscribe(callSID)
	} else {
		sub = h.registry.SubscribeAll()
	}

	h.logger.Info("call feed subscriber connected",
		"remote", r.RemoteAddr, "call_sid", callSID)

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, sub.C, done)

	sub.Close()
	conn.Close()
	h.logger.Info("call feed subscriber disconnected", "remote", r.RemoteAddr)
}

// readLoop drains client frames so pongs and close frames are processed.
func (h *Handler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(h.wsConfig.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.wsConfig.PongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, feed <-chan call.StatusEvent, done <-chan struct{}) {
	ticker := time.NewTicker(h.wsConfig.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.wsConfig.WriteTimeout))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to marshal status event", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.wsConfig.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.wsConfig.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
