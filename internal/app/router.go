package app

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ledgerd.io/ledgerd/internal/api/handlers"
	"ledgerd.io/ledgerd/internal/api/middleware"
	"ledgerd.io/ledgerd/internal/config"
	"ledgerd.io/ledgerd/internal/pkg/logger"
)

// defaultAllowedOrigins applies when server.allowed_origins is empty.
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

func newRouter(cfg *config.Config, server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		cors.New(buildCORSConfig(cfg)),
		middleware.ErrorHandler(),
		middleware.MustOpenAPIValidator(),
	)

	health := router.Group("/health")
	health.GET("/live", server.GetLiveness)
	health.GET("/ready", server.GetReadiness)

	logLevel := gin.WrapH(logger.Level())
	router.GET("/log/level", logLevel)
	router.PUT("/log/level", logLevel)

	api := router.Group("/api")

	accounts := api.Group("/accounts")
	accounts.POST("", server.CreateAccount)
	accounts.POST("/:id/deposit", server.Deposit)
	accounts.POST("/:id/withdraw", server.Withdraw)
	accounts.POST("/:id/close", server.CloseAccount)
	accounts.GET("/:id", server.GetAccount)
	accounts.GET("/:id/events", server.ListAccountEvents)
	accounts.GET("/:id/balance-at/:timestamp", server.GetBalanceAt)
	accounts.GET("/:id/transactions", server.ListAccountTransactions)

	projections := api.Group("/projections")
	projections.POST("/rebuild", server.RebuildProjections)
	projections.GET("/status", server.GetProjectionStatus)

	return router
}

func buildCORSConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: cfg.Server.AllowCredentials,
		MaxAge:           12 * time.Hour,
	}

	origins := make([]string, 0, len(cfg.Server.AllowedOrigins))
	wildcard := false
	for _, origin := range cfg.Server.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, origin)
		}
	}

	if wildcard && cfg.Server.UnsafeAllowAllOrigins {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
		return corsCfg
	}
	if len(origins) == 0 {
		origins = append(origins, defaultAllowedOrigins...)
	}
	corsCfg.AllowOrigins = origins
	return corsCfg
}
