package controllers

import (
	"errors"
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/middleware"
	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/gin-gonic/gin"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var (
		ve  *domain.ValidationError
		ite *domain.IllegalTransitionError
		nf  *domain.NotFoundError
		fb  *domain.ForbiddenError
		ce  *domain.ConfigurationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ite):
		return http.StatusConflict
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &fb):
		return http.StatusForbidden
	case errors.As(err, &ce):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func logFailure(c *gin.Context, status int, err error) {
	var ce *domain.ConfigurationError
	switch {
	case errors.As(err, &ce):
		middleware.Logger(c).Error("configuration error", "path", c.FullPath(), "err", err)
	case status >= http.StatusInternalServerError:
		middleware.Logger(c).Warn("request failed", "path", c.FullPath(), "err", err)
	}
}

// writeError renders err as {"error": ...}. Internal failures hide their cause.
func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	logFailure(c, status, err)
	body := gin.H{"error": publicMessage(status, err)}
	var ve *domain.ValidationError
	if errors.As(err, &ve) && len(ve.Slots) > 0 {
		body["invalid_slots"] = ve.Slots
	}
	c.JSON(status, body)
}

// writeDetail renders err as {"detail": ...}, the proxy's error body.
func writeDetail(c *gin.Context, err error) {
	status := statusOf(err)
	logFailure(c, status, err)
	c.JSON(status, gin.H{"detail": publicMessage(status, err)})
}

func publicMessage(status int, err error) string {
	var (
		ce *domain.ConfigurationError
		ue *domain.UpstreamError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Detail
	case errors.As(err, &ue):
		return ue.Detail
	case status >= http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

func identityOrReject(c *gin.Context) (*domain.TenantIdentity, bool) {
	id, ok := middleware.GetIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return nil, false
	}
	return id, true
}
