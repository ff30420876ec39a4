package api

import (
	"log/slog"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleEvents upgrades to WebSocket and hands the connection to the
// subscription manager. The optional since query parameter requests a
// backfill from that event id.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.manager.HandleConnection(c.Request.Context(), ws, c.Query("since"))
}
