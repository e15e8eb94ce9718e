package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/config"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

const serviceName = "ai-genjobs-api"

func NewRouter(cfg config.Config, h *handlers.Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(log))
	r.Use(middleware.AccessLog(log))
	if cfg.OtelEnabled {
		r.Use(otelgin.Middleware(serviceName))
	}

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)
	r.GET("/models", h.ListModels)

	// caller surface (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/sessions", h.CreateSession)
	authGroup.GET("/sessions/:sessionRef/events", h.SessionEvents)
	authGroup.POST("/generations", h.SubmitGeneration)
	authGroup.GET("/generations", h.ListGenerations)
	authGroup.GET("/generations/:jobId", h.GetGeneration)
	authGroup.POST("/generations/:jobId/retry", h.RetryGeneration)

	// operator surface
	admin := r.Group("/admin")
	admin.Use(middleware.OperatorRequired(cfg.OperatorTokenHash))
	admin.GET("/jobs/stuck-or-failed", h.StuckOrFailed)
	admin.POST("/jobs/cleanup-stuck", h.CleanupStuck)
	admin.POST("/jobs/:jobId/retry", h.AdminRetry)
	return r
}
