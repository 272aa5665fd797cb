package app

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/cmdledger/internal/clients/redis"
	"github.com/yungbote/cmdledger/internal/data/db"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/realtime/bus"
)

// Clients are the process-wide connections shared by every component.
type Clients struct {
	DB     *db.Service
	Redis  *goredis.Client
	Broker queue.Broker
	Bus    bus.Bus
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	// Database
	dbs, err := db.NewService(log, cfg.DBOptions())
	if err != nil {
		return Clients{}, fmt.Errorf("init database: %w", err)
	}
	if err := dbs.AutoMigrateAll(); err != nil {
		_ = dbs.Close()
		return Clients{}, fmt.Errorf("database automigrate: %w", err)
	}

	if cfg.Role == RoleStandalone {
		hub := bus.NewMemoryHub(log)
		log.Warn("Standalone role: queues and completion notices are in-process only")
		return Clients{
			DB:     dbs,
			Broker: queue.NewMemoryBroker(log),
			Bus:    hub.Connect(),
		}, nil
	}

	// Redis
	rdb, err := redis.NewClient(ctx, log, redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		_ = dbs.Close()
		return Clients{}, fmt.Errorf("init redis: %w", err)
	}
	broker, err := queue.NewRedisBroker(rdb, log)
	if err != nil {
		_ = rdb.Close()
		_ = dbs.Close()
		return Clients{}, fmt.Errorf("init redis broker: %w", err)
	}
	noticeBus, err := bus.NewRedisBus(log, rdb, cfg.AggregatorChannel)
	if err != nil {
		_ = rdb.Close()
		_ = dbs.Close()
		return Clients{}, fmt.Errorf("init redis bus: %w", err)
	}

	return Clients{
		DB:     dbs,
		Redis:  rdb,
		Broker: broker,
		Bus:    noticeBus,
	}, nil
}

func (c Clients) Close() {
	if c.Bus != nil {
		_ = c.Bus.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		_ = c.DB.Close()
	}
}
