package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type getRunController struct{ svc services.RunService }

func NewGetRunController(svc services.RunService) *getRunController {
	return &getRunController{svc}
}

func (h *getRunController) Handle(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	view, err := h.svc.Get(c.Request.Context(), identity, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
