package controllers

import (
	"net/http"
	"strconv"

	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

type getLogsController struct{ svc services.RunService }

func NewGetLogsController(svc services.RunService) *getLogsController {
	return &getLogsController{svc}
}

func (h *getLogsController) Handle(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	limit := 200
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit'"})
			return
		}
		limit = n
	}
	lines, err := h.svc.Logs(c.Request.Context(), identity, c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "logs": lines})
}
