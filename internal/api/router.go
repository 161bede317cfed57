package api

import (
	"github.com/datallboy/govelocity/internal/api/controllers"
	"github.com/datallboy/govelocity/internal/app"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	jobsCtrl := &controllers.JobsController{
		Jobs:         app.Jobs,
		OutDir:       app.Config.Download.OutDir,
		VerifyLength: app.Config.Download.VerifyLength,
	}

	RegisterJobRoutes(e, jobsCtrl)

	// Prometheus scrape endpoint
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})))
}

// RegisterJobRoutes mounts the job API on e.
func RegisterJobRoutes(e *echo.Echo, ctrl *controllers.JobsController) {
	g := e.Group("/api/jobs")
	g.POST("", ctrl.Create)
	g.GET("", ctrl.List)
	g.GET("/:id", ctrl.Get)
	g.DELETE("/:id", ctrl.Cancel)
}
