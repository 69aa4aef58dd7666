package app

import (
	"context"

	"github.com/osvaldoandrade/runplane/internal/controllers"
	"github.com/osvaldoandrade/runplane/internal/middleware"
	"github.com/osvaldoandrade/runplane/internal/providers"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	health := controllers.NewHealthController(func(ctx context.Context) error {
		return providers.PingRedis(ctx, app.Redis)
	})
	app.Engine.GET("/healthz", health.Live)
	app.Engine.GET("/readyz", health.Ready)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	traced := app.Engine.Group("", middleware.TracingMiddleware("runplane"))

	v1 := traced.Group("/v1")
	client := v1.Group("", middleware.ClientAuthMiddleware(app.ClientValidator, false))
	machine := v1.Group("", middleware.MachineAuthMiddleware(app.MachineValidator))
	{
		client.POST("/runs", middleware.RateLimitSubmit(app.RateLimiter, app.Config), controllers.NewCreateRunController(app.Runs).Handle)
		client.GET("/runs/:id", controllers.NewGetRunController(app.Runs).Handle)
		client.POST("/runs/:id/cancel", controllers.NewCancelRunController(app.Runs).Handle)
		client.GET("/runs/:id/logs", controllers.NewGetLogsController(app.Runs).Handle)

		storage := controllers.NewStorageSettingsController(app.Settings)
		client.GET("/settings/storage", storage.Get)
		client.PUT("/settings/storage", storage.Put)

		// callbacks from execution machines
		machine.POST("/runs/:id/status", controllers.NewRunStatusController(app.Runs).Handle)
		machine.POST("/runs/:id/logs", controllers.NewAppendLogController(app.Runs).Handle)
		machine.POST("/runs/:id/outputs", controllers.NewRecordOutputController(app.Outputs).Handle)

		admin := client.Group("/admin", middleware.RequireAdmin(app.Config.AdminScope))
		admin.PUT("/machines/:id", controllers.NewPutMachineController(app.Machines).Handle)
		admin.GET("/machines/:id", controllers.NewGetMachineController(app.Machines).Handle)
		admin.GET("/machines/:id/queue", controllers.NewMachineQueueController(app.Dispatch).Handle)
		admin.POST("/machines/:id/disable", controllers.NewDisableMachineController(app.Machines).Handle)
		admin.DELETE("/machines/:id", controllers.NewDeleteMachineController(app.Machines).Handle)
		admin.PUT("/catalog/:kind/:id", controllers.NewPutCatalogController(app.Settings).Handle)
	}

	traced.GET("/proxy/model/*path",
		middleware.ClientAuthMiddleware(app.ClientValidator, true),
		middleware.RateLimitProxy(app.RateLimiter, app.Config),
		controllers.NewProxyController(app.Resolver, app.Proxy).Handle,
	)
}
