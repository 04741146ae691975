package app

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"inkwell/api/internal/events"
	"inkwell/api/internal/workspace"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

type streamMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// handleStream upgrades to a websocket that carries the workspace state
// followed by every event the workspace publishes.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("document_id", ws.ID()).Warn("stream: upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{
		"document_id": ws.ID(),
		"request_id":  requestID(r.Context()),
	})

	out := make(chan streamMessage, streamBuffer)
	var (
		mu         sync.Mutex
		overflowed bool
	)
	done := make(chan struct{})

	deliver := func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if overflowed {
			return
		}
		select {
		case out <- streamMessage{Topic: ev.Topic(), Data: ev}:
		default:
			overflowed = true
			close(done)
		}
	}

	st, unsubscribe, err := ws.SubscribeFrom(r.Context(), deliver)
	if err != nil {
		logger.WithError(err).Warn("stream: subscribe failed")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "workspace closed"),
			time.Now().Add(streamWriteWait))
		return
	}
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeStream(conn, streamMessage{Topic: "state", Data: st}); err != nil {
		return
	}
	logger.Debug("stream: connected")

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-out:
			if err := s.writeStream(conn, msg); err != nil {
				logger.WithError(err).Debug("stream: write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.Warn("stream: client too slow, closing")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(streamWriteWait))
			return
		case <-closed:
			logger.Debug("stream: disconnected")
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *HTTPServer) writeStream(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(msg)
}
