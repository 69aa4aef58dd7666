package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/osvaldoandrade/runplane/internal/services"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

type recordOutputController struct{ svc services.OutputService }

func NewRecordOutputController(svc services.OutputService) *recordOutputController {
	return &recordOutputController{svc}
}

type outputReq struct {
	OutputID  string                     `json:"output_id,omitempty"`
	NodeID    string                     `json:"node_id,omitempty"`
	Data      map[string]json.RawMessage `json:"data" binding:"required"`
	NodeMeta  json.RawMessage            `json:"node_meta,omitempty"`
	Timestamp *time.Time                 `json:"timestamp,omitempty"`
}

func (h *recordOutputController) Handle(c *gin.Context) {
	var req outputReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	ev := services.OutputEvent{
		RunID:    c.Param("id"),
		OutputID: req.OutputID,
		NodeID:   req.NodeID,
		Data:     req.Data,
		NodeMeta: req.NodeMeta,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}
	out, err := h.svc.Record(c.Request.Context(), ev)
	var ve *domain.ValidationError
	switch {
	case err != nil && out != nil && errors.As(err, &ve):
		// partially accepted: the valid slots are stored
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "invalid_slots": ve.Slots, "output": out})
	case err != nil:
		writeError(c, err)
	case out == nil:
		c.JSON(http.StatusOK, gin.H{"ignored": true})
	default:
		c.JSON(http.StatusOK, out)
	}
}
