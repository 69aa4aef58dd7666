package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type putMachineController struct{ svc services.MachineService }

func NewPutMachineController(svc services.MachineService) *putMachineController {
	return &putMachineController{svc}
}

func (h *putMachineController) Handle(c *gin.Context) {
	var m domain.Machine
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	m.ID = c.Param("id")
	out, err := h.svc.Upsert(c.Request.Context(), m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
