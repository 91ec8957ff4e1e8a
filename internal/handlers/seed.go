package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"micro-casino/internal/models"
	"micro-casino/internal/services"
)

type SeedHandler struct {
	seeds  *services.SeedManager
	logger *zap.Logger
}

func NewSeedHandler(seeds *services.SeedManager, logger *zap.Logger) *SeedHandler {
	return &SeedHandler{seeds: seeds, logger: logger}
}

func (h *SeedHandler) GetSeedInfo(c *gin.Context) {
	info, err := h.seeds.GetSeedInfo(c.Request.Context(), c.GetString("username"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"seed":    info,
	})
}

// RotateSeed retires the caller's seed pair. An empty client seed draws a
// fresh one.
func (h *SeedHandler) RotateSeed(c *gin.Context) {
	var req models.RotateSeedRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	info, err := h.seeds.RotateSeed(c.Request.Context(), c.GetString("username"), req.ClientSeed, models.RotationManual)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"seed":    info,
	})
}

func (h *SeedHandler) VerifySeed(c *gin.Context) {
	var req models.VerifySeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.seeds.VerifyGameResult(c.Request.Context(), c.GetString("username"),
		req.ServerSeedHash, req.ClientSeed, req.Nonce)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": result,
	})
}
