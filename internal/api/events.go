package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pos-sync-service/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Requests already passed the bearer token check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events streams change notices to one websocket client until either side closes.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	notices, unsubscribe := h.syncManager.Hub().Subscribe(64)
	defer unsubscribe()

	logger.Log.Info("Change subscriber connected", zap.String("remote", r.RemoteAddr))

	// The read side only handles control frames; it reports when the peer goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-notices:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				logger.Log.Debug("Change subscriber write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.Log.Info("Change subscriber disconnected", zap.String("remote", r.RemoteAddr))
			return
		case <-r.Context().Done():
			return
		}
	}
}
