package controllers

import (
	"net/http"
	"time"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type appendLogController struct{ svc services.RunService }

func NewAppendLogController(svc services.RunService) *appendLogController {
	return &appendLogController{svc}
}

type logReq struct {
	Logs      string     `json:"logs" binding:"required"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (h *appendLogController) Handle(c *gin.Context) {
	var req logReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	line := domain.LogLine{Logs: req.Logs}
	if req.Timestamp != nil {
		line.Timestamp = *req.Timestamp
	}
	if err := h.svc.AppendLog(c.Request.Context(), c.Param("id"), line); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
