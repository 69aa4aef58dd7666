package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type getMachineController struct{ svc services.MachineService }

func NewGetMachineController(svc services.MachineService) *getMachineController {
	return &getMachineController{svc}
}

func (h *getMachineController) Handle(c *gin.Context) {
	m, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}
