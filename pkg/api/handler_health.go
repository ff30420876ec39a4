package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	dbStatus := "ok"
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = err.Error()
		}
	}

	body := gin.H{
		"status":   "healthy",
		"server":   s.serverName,
		"database": dbStatus,
	}
	if s.manager != nil {
		body["ws_connections"] = s.manager.ConnectionCount()
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	c.JSON(status, body)
}
