package app

import (
	"github.com/osvaldoandrade/codegrade/internal/controllers"
	"github.com/osvaldoandrade/codegrade/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", controllers.NewHealthController(app.Pool, app.Draining).Handle)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	evaluate := controllers.NewEvaluateController(app.Submissions).Handle
	limit := middleware.RateLimitEvaluate(app.RateLimiter, app.Config)

	// unversioned path kept for coordinators that predate /v1
	app.Engine.POST("/evaluate", limit, evaluate)

	v1 := app.Engine.Group("/v1/grader")
	{
		v1.POST("/evaluate", limit, evaluate)
	}
}
