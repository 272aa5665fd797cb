package app

import (
	"context"

	apihttp "github.com/yungbote/cmdledger/internal/http"
	httpH "github.com/yungbote/cmdledger/internal/http/handlers"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

func wireServer(log *logger.Logger, cfg Config, clients Clients, orch *Orchestrator, metrics *observability.Metrics) *apihttp.Server {
	checks := map[string]httpH.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := clients.DB.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if clients.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return clients.Redis.Ping(ctx).Err()
		}
	}

	rc := apihttp.RouterConfig{
		ServiceName:   cfg.OtelServiceName,
		Log:           log,
		Metrics:       metrics,
		HealthHandler: httpH.NewHealthHandler(checks),
	}
	if orch != nil {
		rc.CommandHandler = httpH.NewCommandHandler(orch.Commands, orch.Producer, cfg.RequestQueuePattern, cfg.NodeIDs)
	}
	return apihttp.NewServer(rc)
}
