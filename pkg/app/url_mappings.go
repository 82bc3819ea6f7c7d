package app

import (
	"context"
	"net/http"
	"time"

	"github.com/osvaldoandrade/contentpipe/internal/controllers"
	"github.com/osvaldoandrade/contentpipe/internal/middleware"
	"github.com/osvaldoandrade/contentpipe/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", healthHandler(app))
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/contentpipe")
	if app.Validator != nil {
		v1.Use(middleware.AuthMiddleware(app.Validator))
	}
	{
		v1.GET("/tools", middleware.RequireScope(auth.ScopeRead), controllers.NewListToolsController(app.Gateway).Handle)
		v1.POST("/tools/:name/invoke",
			middleware.RequireScope(auth.ScopeInvoke),
			middleware.RequireToolAccess(),
			middleware.RateLimitInvoke(app.RateLimiter, app.Config),
			controllers.NewInvokeToolController(app.Gateway).Handle,
		)

		v1.GET("/invocations", middleware.RequireScope(auth.ScopeRead), controllers.NewListInvocationsController(app.Gateway).Handle)
		v1.GET("/invocations/:id", middleware.RequireScope(auth.ScopeRead), controllers.NewGetInvocationController(app.Gateway).Handle)
		v1.DELETE("/invocations/:id", middleware.RequireScope(auth.ScopeCancel), controllers.NewCancelInvocationController(app.Gateway).Handle)

		v1.GET("/workers", middleware.RequireScope(auth.ScopeRead), controllers.NewListWorkersController(app.Gateway).Handle)
	}
}

func healthHandler(app *Application) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := app.Persistence.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "running": len(app.Gateway.Running())})
	}
}
