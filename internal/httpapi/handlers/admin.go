package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
)

// StuckOrFailed lists failed jobs and jobs with a stale heartbeat.
func (h *Handler) StuckOrFailed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	jobs, err := h.Proc.ListStuckOrFailed(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err, 40403)
		return
	}
	common.OK(c, gin.H{"jobs": h.views(jobs)})
}

// CleanupStuck runs the stuck-job sweep on demand.
func (h *Handler) CleanupStuck(c *gin.Context) {
	rep, err := h.Proc.Sweep(c.Request.Context())
	if err != nil {
		h.fail(c, err, 40403)
		return
	}
	h.Log.Info("manual sweep", "transitioned", rep.Transitioned, "redispatched", rep.Redispatched)
	common.OK(c, rep)
}

// AdminRetry re-queues any user's failed or stuck job.
func (h *Handler) AdminRetry(c *gin.Context) {
	job, err := h.Proc.Retry(c.Request.Context(), "", c.Param("jobId"))
	if err != nil {
		h.fail(c, err, 40403)
		return
	}
	common.OK(c, h.view(job))
}
