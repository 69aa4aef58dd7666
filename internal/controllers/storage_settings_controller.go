package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type storageSettingsController struct{ svc services.SettingsService }

func NewStorageSettingsController(svc services.SettingsService) *storageSettingsController {
	return &storageSettingsController{svc}
}

func (h *storageSettingsController) Put(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	var s domain.StorageSettings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	out, err := h.svc.PutStorage(c.Request.Context(), *identity, s)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *storageSettingsController) Get(c *gin.Context) {
	identity, ok := identityOrReject(c)
	if !ok {
		return
	}
	out, err := h.svc.GetStorage(c.Request.Context(), *identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
