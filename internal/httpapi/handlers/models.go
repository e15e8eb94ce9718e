package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/ai-genjobs/internal/common"
)

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, gin.H{"models": h.Models.List()})
}
