package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"buildforge/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is enforced by the CORS layer in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketFrame is what goes over the wire: one batch of build events.
type socketFrame struct {
	Type      string      `json:"type"`
	BuildID   string      `json:"build_id"`
	Count     int         `json:"count"`
	Batch     []hub.Event `json:"batch"`
	Timestamp time.Time   `json:"timestamp"`
}

// handleBuildSocket streams a build's batched events to a websocket client.
// The subscription lives exactly as long as the connection.
func (s *Server) handleBuildSocket(c *gin.Context) {
	if _, ok := s.loadOwnedBuild(c); !ok {
		return
	}
	buildID := c.Param("id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := s.hub.Subscribe(buildID)
	defer sub.Close()
	defer conn.Close()

	// Read pump: we expect nothing from the client except pongs and close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
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
		case batch, open := <-sub.C():
			if !open {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build stream ended"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(socketFrame{
				Type:      "batch",
				BuildID:   buildID,
				Count:     len(batch),
				Batch:     batch,
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
