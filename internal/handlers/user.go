package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"micro-casino/internal/services"
)

type UserHandler struct {
	mines      *services.MinesService
	experience *services.ExperienceService
	jwt        *services.JWTService
	logger     *zap.Logger
}

func NewUserHandler(mines *services.MinesService, experience *services.ExperienceService, jwt *services.JWTService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		mines:      mines,
		experience: experience,
		jwt:        jwt,
		logger:     logger,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	username, exists := c.Get("username")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	balance, err := h.mines.GetBalance(c.Request.Context(), username.(string))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	xp, err := h.experience.Get(c.Request.Context(), username.(string))
	if err != nil {
		h.logger.Warn("load experience", zap.String("username", username.(string)), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"username":   username,
			"experience": xp,
		},
		"wallet": gin.H{
			"balance": balance.Balance,
		},
	})
}

// IssueToken hands out a bearer token for any username. It is only routed
// outside production, for local tooling.
func (h *UserHandler) IssueToken(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	token, err := h.jwt.Issue(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
	})
}
