package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"micro-casino/internal/middleware"
	"micro-casino/internal/services"
)

type RouterDeps struct {
	Mines      *services.MinesService
	Seeds      *services.SeedManager
	Experience *services.ExperienceService
	Redis      *services.RedisService
	JWT        *services.JWTService
	WebSocket  *WebSocketHandler
	Logger     *zap.Logger

	// IssueTokens exposes POST /auth/token. Never enabled in production.
	IssueTokens bool
}

func NewRouter(deps RouterDeps) *gin.Engine {
	gameHandler := NewGameHandler(deps.Mines, deps.Logger)
	seedHandler := NewSeedHandler(deps.Seeds, deps.Logger)
	userHandler := NewUserHandler(deps.Mines, deps.Experience, deps.JWT, deps.Logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	if deps.IssueTokens {
		router.POST("/auth/token", userHandler.IssueToken)
	}

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(deps.JWT))
	protected.Use(middleware.RateLimitMiddleware(deps.Redis, deps.Logger))
	{
		protected.GET("/me", userHandler.GetCurrentUser)

		if deps.WebSocket != nil {
			protected.GET("/ws", deps.WebSocket.HandleWebSocket)
		}

		games := protected.Group("/games")
		{
			games.GET("/balance", gameHandler.GetBalance)
			games.GET("/history", gameHandler.GetGameHistory)

			mines := games.Group("/mines")
			{
				mines.POST("", gameHandler.CreateGame)
				mines.GET("/active", gameHandler.GetActiveGame)
				mines.POST("/verify", gameHandler.VerifyGame)
				mines.POST("/:id/reveal", gameHandler.RevealTile)
				mines.POST("/:id/cashout", gameHandler.Cashout)
			}
		}

		seeds := protected.Group("/seeds")
		{
			seeds.GET("", seedHandler.GetSeedInfo)
			seeds.POST("/rotate", seedHandler.RotateSeed)
			seeds.POST("/verify", seedHandler.VerifySeed)
		}
	}

	return router
}
