package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"micro-casino/internal/services"
)

func AuthMiddleware(jwtService *services.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
				c.Abort()
				return
			}
			tokenString = parts[1]
		} else {
			// Browsers cannot set headers on a websocket handshake.
			tokenString = c.Query("token")
			if tokenString == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				c.Abort()
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil || claims.Username == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("username", claims.Username)

		c.Next()
	}
}

// RateLimitMiddleware caps game actions per user per window. Routes other
// than create, reveal and cashout pass through.
func RateLimitMiddleware(redisService *services.RedisService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := c.GetString("username")
		if username == "" {
			c.Next()
			return
		}

		var (
			action string
			limit  int
		)
		route := c.FullPath()
		switch {
		case strings.HasSuffix(route, "/reveal"):
			action, limit = "reveal", services.DefaultRateLimitReveals
		case strings.HasSuffix(route, "/cashout"):
			action, limit = "cashout", services.DefaultRateLimitCashout
		case c.Request.Method == http.MethodPost && strings.HasSuffix(route, "/games/mines"):
			action, limit = "bet", services.DefaultRateLimitBets
		default:
			c.Next()
			return
		}

		window := services.RateLimitWindow
		allowed, err := redisService.CheckRateLimit(c.Request.Context(), username, action, limit, window)
		if err != nil {
			logger.Warn("rate limit check failed", zap.String("username", username), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": window.Seconds(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// CORS allows any origin for the browser client.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
