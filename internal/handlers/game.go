package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"micro-casino/internal/apperr"
	"micro-casino/internal/models"
	"micro-casino/internal/services"
)

type GameHandler struct {
	mines  *services.MinesService
	logger *zap.Logger
}

func NewGameHandler(mines *services.MinesService, logger *zap.Logger) *GameHandler {
	return &GameHandler{mines: mines, logger: logger}
}

func (h *GameHandler) CreateGame(c *gin.Context) {
	username := c.GetString("username")

	var req models.CreateGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	game, err := h.mines.CreateGame(c.Request.Context(), username, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"game":    game,
	})
}

func (h *GameHandler) RevealTile(c *gin.Context) {
	username := c.GetString("username")

	var req models.RevealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.mines.RevealTile(c.Request.Context(), username, c.Param("id"), *req.TileIndex)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (h *GameHandler) Cashout(c *gin.Context) {
	username := c.GetString("username")

	result, err := h.mines.Cashout(c.Request.Context(), username, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (h *GameHandler) GetActiveGame(c *gin.Context) {
	username := c.GetString("username")

	game, err := h.mines.GetActiveGame(c.Request.Context(), username)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"game":    game,
	})
}

func (h *GameHandler) GetGameHistory(c *gin.Context) {
	username := c.GetString("username")

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 0
	}

	games, err := h.mines.GetGameHistory(c.Request.Context(), username, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"games":   games,
		"count":   len(games),
	})
}

func (h *GameHandler) GetBalance(c *gin.Context) {
	username := c.GetString("username")

	balance, err := h.mines.GetBalance(c.Request.Context(), username)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": balance,
	})
}

func (h *GameHandler) VerifyGame(c *gin.Context) {
	var req models.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.mines.VerifyGame(&req)
	if err != nil {
		respondError(c, h.logger, apperr.Validation(err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": result,
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request",
		"code":    apperr.CodeInvalidParameters,
		"details": err.Error(),
	})
}

// respondError maps err to its HTTP status. Integrity and unclassified
// failures are logged here and reach the caller only as "internal error".
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("username", c.GetString("username")),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   apperr.Public(err),
		"code":    apperr.CodeOf(err),
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
