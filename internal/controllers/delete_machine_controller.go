package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type deleteMachineController struct{ svc services.MachineService }

func NewDeleteMachineController(svc services.MachineService) *deleteMachineController {
	return &deleteMachineController{svc}
}

func (h *deleteMachineController) Handle(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
