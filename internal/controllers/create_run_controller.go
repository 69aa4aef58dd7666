package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type createRunController struct{ svc services.RunService }

func NewCreateRunController(svc services.RunService) *createRunController {
	return &createRunController{svc}
}

func (h *createRunController) Handle(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	var req domain.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	dispatch, err := req.Normalize()
	if err != nil {
		writeError(c, err)
		return
	}
	run, err := h.svc.Submit(c.Request.Context(), *identity, dispatch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": run.ID, "status": run.Status})
}
