package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

// AccessLog logs one line per request.
func AccessLog(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"request_id", c.GetString(RequestIDKey),
		}
		if ref, ok := UserRef(c); ok {
			kv = append(kv, "user_ref", ref)
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("request", kv...)
		case c.Writer.Status() >= 400:
			log.Warn("request", kv...)
		default:
			log.Info("request", kv...)
		}
	}
}
