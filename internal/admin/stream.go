package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avalb/internal/config"
	"github.com/vyrodovalexey/avalb/internal/observability"
)

const streamWriteTimeout = 5 * time.Second

// upgrader upgrades stats stream requests. The admin listener is expected
// to be bound to an internal interface, so any origin is accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleStatsStream pushes a stats snapshot immediately and then once per
// stream interval until the client disconnects or the server stops.
func (s *Server) handleStatsStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("stats stream upgrade failed", observability.Error(err))
		return
	}
	defer conn.Close()

	interval := s.cfg.StatsStreamInterval.Duration()
	if interval <= 0 {
		interval = config.DefaultStatsStreamInterval
	}

	// Reads are only needed to observe close frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(s.core.GetStats()); err != nil {
			s.logger.Debug("stats stream write failed", observability.Error(err))
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.streams:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
