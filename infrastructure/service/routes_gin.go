package service

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterStandardRoutesOnGin registers /health, /ready, and /info on a gin
// engine, used by the registry.
func RegisterStandardRoutesOnGin(router gin.IRouter, b *BaseService) {
	RegisterStandardRoutesOnGinWithOptions(router, b, RouteOptions{})
}

// RegisterStandardRoutesOnGinWithOptions is RegisterStandardRoutesOnGin with
// configurable options.
func RegisterStandardRoutesOnGinWithOptions(router gin.IRouter, b *BaseService, opts RouteOptions) {
	wrap := func(h http.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) { h(c.Writer, c.Request) }
	}

	router.GET("/health", wrap(HealthHandler(b)))
	router.GET("/ready", wrap(ReadinessHandler(b)))
	if !opts.SkipInfo {
		router.GET("/info", wrap(InfoHandler(b)))
	}
}
