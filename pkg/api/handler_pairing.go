package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/amelia-ai/amelia/pkg/store"
)

func (s *Server) generatePairToken(c *gin.Context) {
	token, expiresAt, err := s.pairing.Create(c.Request.Context())
	if err != nil {
		slog.Error("Failed to create pairing token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"pair_token": token,
		"qr_url":     fmt.Sprintf("amelia://pair?token=%s&server=%s", token, s.serverName),
		"expires_at": expiresAt,
	})
}

// ExchangeRequest is the body of POST /api/pair/exchange.
type ExchangeRequest struct {
	PairToken   string `json:"pair_token" binding:"required"`
	DeviceName  string `json:"device_name" binding:"required"`
	DeviceModel string `json:"device_model"`
}

func (s *Server) exchangePairToken(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, deviceToken, err := s.devices.Register(c.Request.Context(), req.DeviceName, req.DeviceModel)
	if err != nil {
		slog.Error("Failed to register device", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	if err := s.pairing.Claim(c.Request.Context(), req.PairToken, device.ID); err != nil {
		// The device row stays unusable: its token was never released.
		if revokeErr := s.devices.Revoke(c.Request.Context(), device.ID); revokeErr != nil {
			slog.Error("Failed to revoke device after claim failure", "device_id", device.ID, "error", revokeErr)
		}
		switch {
		case errors.Is(err, store.ErrPairingTokenUsed), errors.Is(err, store.ErrPairingTokenExpired):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrPairingTokenInvalid):
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		default:
			slog.Error("Failed to claim pairing token", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"device_token": deviceToken,
		"device_id":    device.ID,
		"server_name":  s.serverName,
	})
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.devices.List(c.Request.Context())
	if err != nil {
		slog.Error("Failed to list devices", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) revokeDevice(c *gin.Context) {
	err := s.devices.Revoke(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
	case errors.Is(err, store.ErrDeviceNotAuthorized):
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
	default:
		slog.Error("Failed to revoke device", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
