package server

import (
	"github.com/OFFIS-RIT/docgraph/internal/server/middleware"
	"github.com/OFFIS-RIT/docgraph/internal/server/routes"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo, gatherer prometheus.Gatherer) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	apiRoutes.POST("/documents", routes.CreateDocumentHandler, middleware.RequirePermission(middleware.PermissionDocumentCreate))
}
