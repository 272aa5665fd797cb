package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/cmdledger/internal/data/db"
	"github.com/yungbote/cmdledger/internal/data/tx"
	apihttp "github.com/yungbote/cmdledger/internal/http"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

type App struct {
	Log          *logger.Logger
	Cfg          Config
	Clients      Clients
	Metrics      *observability.Metrics
	Orchestrator *Orchestrator
	Nodes        []*Node
	Server       *apihttp.Server

	// standalone node stores
	nodeDBs      []*db.Service
	shutdownOtel func(context.Context) error
}

func New(ctx context.Context, cfg Config, log *logger.Logger) (*App, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	log = log.With("role", cfg.Role, "instance_id", cfg.InstanceID)

	shutdownOtel := observability.InitOTel(ctx, log, cfg.OtelConfig())

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	clients, err := wireClients(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	a := &App{
		Log:          log,
		Cfg:          cfg,
		Clients:      clients,
		Metrics:      metrics,
		shutdownOtel: shutdownOtel,
	}

	reposet := wireRepos(clients.DB.DB(), log)
	switch cfg.Role {
	case RoleOrchestrator:
		a.Orchestrator = wireOrchestrator(log, cfg, reposet, tx.NewGormRunner(clients.DB.DB()), clients.Broker, clients.Bus, metrics)
	case RoleNode:
		node, err := wireNode(log, cfg, cfg.NodeID, reposet, clients.Broker, metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Nodes = append(a.Nodes, node)
	case RoleStandalone:
		a.Orchestrator = wireOrchestrator(log, cfg, reposet, tx.NewGormRunner(clients.DB.DB()), clients.Broker, clients.Bus, metrics)
		for _, id := range cfg.NodeIDs {
			// Each control component keeps its own log.
			nodeDB, err := db.NewService(log, db.Options{
				Driver: db.DriverSQLite,
				DSN:    fmt.Sprintf("file:cmdledger-%s?mode=memory&cache=shared", id),
			})
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("init node %s store: %w", id, err)
			}
			a.nodeDBs = append(a.nodeDBs, nodeDB)
			if err := nodeDB.AutoMigrateAll(); err != nil {
				a.Close()
				return nil, fmt.Errorf("node %s automigrate: %w", id, err)
			}
			node, err := wireNode(log, cfg, id, wireRepos(nodeDB.DB(), log), clients.Broker, metrics)
			if err != nil {
				a.Close()
				return nil, err
			}
			a.Nodes = append(a.Nodes, node)
		}
	}

	a.Server = wireServer(log, cfg, clients, a.Orchestrator, metrics)
	return a, nil
}

// Run starts every consumer and serves HTTP until ctx is done. Consumers are
// drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Metrics.StartDBCollector(ctx, a.Log, a.Clients.DB.DB(), 15*time.Second)
	if a.Clients.Redis != nil {
		a.Metrics.StartRedisCollector(ctx, a.Log, a.Clients.Redis, 15*time.Second)
	}

	if o := a.Orchestrator; o != nil {
		if err := o.Aggregator.Start(ctx); err != nil {
			return fmt.Errorf("start aggregator: %w", err)
		}
		o.Responses.Start(ctx)
	}
	for _, n := range a.Nodes {
		n.Requests.Start(ctx)
	}
	a.Log.Info("Workers started", "nodes", len(a.Nodes), "orchestrator", a.Orchestrator != nil)

	err := a.Server.Run(ctx, a.Cfg.HTTPAddr)
	cancel()
	if o := a.Orchestrator; o != nil {
		o.Responses.Wait()
	}
	for _, n := range a.Nodes {
		n.Requests.Wait()
	}
	return err
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.shutdownOtel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.shutdownOtel(ctx)
		cancel()
	}
	for _, nodeDB := range a.nodeDBs {
		_ = nodeDB.Close()
	}
	a.Clients.Close()
	if a.Log != nil {
		a.Log.Sync()
	}
}

// Migrate creates or updates every table and exits.
func Migrate(cfg Config, log *logger.Logger) error {
	dbs, err := db.NewService(log, cfg.DBOptions())
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer dbs.Close()
	return dbs.AutoMigrateAll()
}
