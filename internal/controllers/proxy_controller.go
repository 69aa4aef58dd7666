package controllers

import (
	"net/http"

	"github.com/osvaldoandrade/runplane/internal/middleware"
	"github.com/osvaldoandrade/runplane/internal/storage"

	"github.com/gin-gonic/gin"
)

type proxyController struct {
	resolver storage.CredentialResolver
	proxy    *storage.ObjectProxy
}

func NewProxyController(resolver storage.CredentialResolver, proxy *storage.ObjectProxy) *proxyController {
	return &proxyController{resolver: resolver, proxy: proxy}
}

func (h *proxyController) Handle(c *gin.Context) {
	bucket, key, err := storage.SplitPath(c.Param("path"))
	if err != nil {
		writeDetail(c, err)
		return
	}
	identity, _ := middleware.GetIdentity(c)
	creds, err := h.resolver.Resolve(c.Request.Context(), identity)
	if err != nil {
		writeDetail(c, err)
		return
	}
	obj, err := h.proxy.Fetch(c.Request.Context(), bucket, key, creds)
	if err != nil {
		writeDetail(c, err)
		return
	}
	defer obj.Body.Close()

	c.DataFromReader(http.StatusOK, obj.ContentLength, obj.ContentType, obj.Body, map[string]string{
		"Cache-Control":                "public, max-age=3600",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET",
		"Access-Control-Allow-Headers": "*",
	})
}
