package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 2 * wsPingInterval
)

// ─── Live updates ───────────────────────────────────────────────────────────

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusServiceUnavailable, "live updates disabled")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.WithContext(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	logger := logging.WithContext(r.Context()).With(zap.String("conn_id", logging.NewID()))
	logger.Info("websocket connected", zap.String("remote_addr", r.RemoteAddr))

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Incoming frames carry nothing; read them to process pongs and notice
	// the peer going away.
	ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				logger.Debug("websocket read ended", zap.Error(err))
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket disconnected")
			return
		case frame, ok := <-ch:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Info("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
