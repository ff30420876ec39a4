package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/amelia-ai/amelia/pkg/store"
)

const deviceKey = "device"

// deviceAuth requires a valid Bearer device token and stamps last_seen.
func (s *Server) deviceAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		device, ok := s.authenticate(c, c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(deviceKey, device)
		c.Next()
	}
}

// deviceAuthWS authenticates WebSocket upgrades. Browsers cannot set an
// Authorization header on a WebSocket dial, so a token query parameter is
// accepted as well.
func (s *Server) deviceAuthWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if token := c.Query("token"); token != "" {
				header = "Bearer " + token
			}
		}
		device, ok := s.authenticate(c, header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(deviceKey, device)
		c.Next()
	}
}

func (s *Server) authenticate(c *gin.Context, header string) (*store.Device, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, false
	}
	device, err := s.devices.Authenticate(c.Request.Context(), token)
	if err != nil {
		return nil, false
	}
	// Best effort; auth already succeeded.
	_ = s.devices.UpdateLastSeen(c.Request.Context(), device.ID)
	return device, true
}

// rateLimited rejects requests over the limiter's budget with 429.
func (s *Server) rateLimited(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
