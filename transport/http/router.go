package http

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RouterConfig holds the router's middleware settings
type RouterConfig struct {
	RateLimit rate.Limit
	RateBurst int
	Logger    watermill.LoggerAdapter
}

// SetupRouter sets up the Gin router
func SetupRouter(handlers *Handlers, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), RequestLogger(logger), CORS())

	router.GET("/healthz", handlers.Health)

	api := router.Group("/api")
	if cfg.RateLimit > 0 {
		api.Use(NewRateLimiter(cfg.RateLimit, cfg.RateBurst).Middleware())
	}
	{
		api.GET("/treasury", handlers.Treasury)
		api.GET("/verification/:wallet", handlers.Verification)
		if handlers.gatekeeper != nil {
			api.POST("/sign-verification", handlers.SignVerification)
		}
		if handlers.oracle != nil {
			api.POST("/issue-credential", handlers.IssueCredential)
		}
	}

	return router
}
