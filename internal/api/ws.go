package api

import (
	"net/http"
	"time"

	"schoolcheckin/internal/models"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type statsMessage struct {
	Type      string            `json:"type"`
	Data      models.QueueStats `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

// handleQueueStatsWS pushes queue stats to the client whenever they change.
func (s *Server) handleQueueStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	// Only the latest stats matter; a slow client skips intermediate ones.
	updates := make(chan models.QueueStats, 1)
	push := func(st models.QueueStats) {
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- st:
		default:
		}
	}
	unsubscribe := s.svc.Subscribe(push)
	defer unsubscribe()

	if st, err := s.svc.GetQueueStats(r.Context()); err == nil {
		push(st)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug().Err(err).Msg("Websocket read failed")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case st := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(statsMessage{Type: "queue.stats", Data: st, Timestamp: time.Now().Unix()}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
