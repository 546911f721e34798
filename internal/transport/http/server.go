// Package http assembles the public HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/service"
	v1 "github.com/jorgeraad/leafai/internal/transport/http/v1"
)

// NewServer creates the echo server with every route registered.
// /health and /metrics are public; everything under /v1 requires a principal.
func NewServer(svc *service.Service, m *metrics.Metrics, authCfg auth.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := v1.NewHandler(svc, m)
	h.RegisterRoutes(e, auth.Middleware(authCfg))

	return e
}
