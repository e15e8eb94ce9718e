package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

func Recovery(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.Nop()
	}
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", "panic", r, "path", c.Request.URL.Path, "request_id", c.GetString(RequestIDKey))
				if !c.Writer.Written() {
					common.Fail(c, http.StatusInternalServerError, 50000, "internal server error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
