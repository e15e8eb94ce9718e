package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
	"github.com/suPer8Hu/ai-genjobs/internal/generation"
)

type submitReq struct {
	SessionRef     string         `json:"sessionRef"`
	ModelID        string         `json:"modelId"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negativePrompt"`
	Parameters     map[string]any `json:"parameters"`
}

func (h *Handler) SubmitGeneration(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}

	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	job, created, err := h.Proc.Submit(c.Request.Context(), generation.SubmitRequest{
		UserRef:        uid,
		SessionRef:     req.SessionRef,
		ModelID:        req.ModelID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Parameters:     req.Parameters,
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		h.fail(c, err, 40401)
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	common.Respond(c, status, gin.H{"jobId": job.ID, "status": job.Status})
}

func (h *Handler) ListGenerations(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	jobs, err := h.Proc.List(c.Request.Context(), uid, c.Query("sessionRef"), limit)
	if err != nil {
		h.fail(c, err, 40402)
		return
	}
	common.OK(c, gin.H{"jobs": h.views(jobs)})
}

func (h *Handler) GetGeneration(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}
	job, err := h.Proc.Get(c.Request.Context(), uid, c.Param("jobId"))
	if err != nil {
		h.fail(c, err, 40403)
		return
	}
	common.OK(c, h.view(job))
}

func (h *Handler) RetryGeneration(c *gin.Context) {
	uid, ok := userRef(c)
	if !ok {
		return
	}
	job, err := h.Proc.Retry(c.Request.Context(), uid, c.Param("jobId"))
	if err != nil {
		h.fail(c, err, 40403)
		return
	}
	common.OK(c, h.view(job))
}

func (h *Handler) view(job *generation.Job) generation.JobView {
	v, err := job.View()
	if err != nil {
		h.Log.Error("job columns not decodable", "job_id", job.ID, "error", err)
	}
	return v
}

func (h *Handler) views(jobs []generation.Job) []generation.JobView {
	out := make([]generation.JobView, 0, len(jobs))
	for i := range jobs {
		out = append(out, h.view(&jobs[i]))
	}
	return out
}
