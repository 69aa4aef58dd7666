package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/repository"
	"github.com/osvaldoandrade/runplane/internal/services"

	"github.com/gin-gonic/gin"
)

const maxCatalogBody = 1 << 20

type putCatalogController struct{ svc services.SettingsService }

func NewPutCatalogController(svc services.SettingsService) *putCatalogController {
	return &putCatalogController{svc}
}

func (h *putCatalogController) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCatalogBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	kind := repository.CatalogKind(c.Param("kind"))
	if err := h.svc.PutCatalog(c.Request.Context(), kind, c.Param("id"), json.RawMessage(body)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
