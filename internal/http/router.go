package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/cmdledger/internal/http/handlers"
	httpMW "github.com/yungbote/cmdledger/internal/http/middleware"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

type RouterConfig struct {
	// ServiceName names the server spans.
	ServiceName string
	Log         *logger.Logger
	Metrics     *observability.Metrics

	HealthHandler  *httpH.HealthHandler
	CommandHandler *httpH.CommandHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "cmdledger"
	}
	r.Use(otelgin.Middleware(serviceName))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")
	{
		// Command log
		if cfg.CommandHandler != nil {
			api.GET("/commands/:correlationId", cfg.CommandHandler.GetCorrelation)
			api.GET("/operations/:contextId/:context", cfg.CommandHandler.GetOperation)
			api.POST("/operations/:contextId/:context", cfg.CommandHandler.StartOperation)
		}
	}

	return r
}
