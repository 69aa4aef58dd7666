package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type disableMachineController struct{ svc services.MachineService }

func NewDisableMachineController(svc services.MachineService) *disableMachineController {
	return &disableMachineController{svc}
}

func (h *disableMachineController) Handle(c *gin.Context) {
	m, err := h.svc.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
