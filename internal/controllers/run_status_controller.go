package controllers

import (
	"net/http"
	"time"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type runStatusController struct{ svc services.RunService }

func NewRunStatusController(svc services.RunService) *runStatusController {
	return &runStatusController{svc}
}

type statusReq struct {
	Status     domain.RunStatus `json:"status,omitempty"`
	LiveStatus string           `json:"live_status,omitempty"`
	Progress   *float64         `json:"progress,omitempty"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"` // RFC3339; defaults to receipt time
}

func (h *runStatusController) Handle(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	upd := domain.StatusUpdate{
		RunID:      c.Param("id"),
		Status:     req.Status,
		LiveStatus: req.LiveStatus,
		Progress:   req.Progress,
	}
	if req.Timestamp != nil {
		upd.Timestamp = *req.Timestamp
	}
	run, ignored, err := h.svc.StatusUpdate(c.Request.Context(), upd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.ID, "status": run.Status, "progress": run.Progress, "ignored": ignored})
}
