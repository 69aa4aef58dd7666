package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type machineQueueController struct{ svc services.DispatchService }

func NewMachineQueueController(svc services.DispatchService) *machineQueueController {
	return &machineQueueController{svc}
}

func (h *machineQueueController) Handle(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
