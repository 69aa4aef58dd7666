package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type cancelRunController struct{ svc services.RunService }

func NewCancelRunController(svc services.RunService) *cancelRunController {
	return &cancelRunController{svc}
}

func (h *cancelRunController) Handle(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	run, err := h.svc.Cancel(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
