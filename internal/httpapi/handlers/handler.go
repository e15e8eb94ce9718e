package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
	"github.com/suPer8Hu/ai-genjobs/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-genjobs/internal/logger"
)

type Handler struct {
	Proc     *generation.Processor
	Sessions *generation.Repo
	Models   *ai.Registry
	Events   *generation.Broadcaster
	Log      *logger.Logger
}

func NewHandler(proc *generation.Processor, sessions *generation.Repo, models *ai.Registry, events *generation.Broadcaster, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		Proc:     proc,
		Sessions: sessions,
		Models:   models,
		Events:   events,
		Log:      log.With("component", "handlers"),
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userRef(c *gin.Context) (string, bool) {
	ref, ok := middleware.UserRef(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return ref, ok
}

// fail maps an engine error onto the response envelope. notFoundCode picks
// the business code when the missing thing is known from the route.
func (h *Handler) fail(c *gin.Context, err error, notFoundCode int) {
	switch {
	case errors.Is(err, generation.ErrInvalidRequest):
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
	case errors.Is(err, generation.ErrUnauthorized):
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	case errors.Is(err, generation.ErrNotFound):
		common.Fail(c, http.StatusNotFound, notFoundCode, err.Error())
	case errors.Is(err, generation.ErrConflict):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, generation.ErrModelUnavailable):
		common.Fail(c, http.StatusServiceUnavailable, 50301, err.Error())
	default:
		h.Log.Error("request failed", "path", c.FullPath(), "request_id", c.GetString(middleware.RequestIDKey), "error", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
