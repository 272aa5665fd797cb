package app

import (
	"fmt"

	"github.com/yungbote/cmdledger/internal/data/tx"
	"github.com/yungbote/cmdledger/internal/jobs/pipeline/gen_keys"
	"github.com/yungbote/cmdledger/internal/jobs/pipeline/split_secret"
	"github.com/yungbote/cmdledger/internal/jobs/runtime"
	"github.com/yungbote/cmdledger/internal/jobs/worker"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/realtime/bus"
	"github.com/yungbote/cmdledger/internal/services"
)

// Orchestrator is the broadcast side: producer, barrier and response intake.
type Orchestrator struct {
	Commands   services.CommandService
	Pending    *services.PendingRegistry
	Aggregator *services.Aggregator
	Producer   *services.BroadcastProducer
	Responses  *worker.ResponseWorker
}

func wireOrchestrator(
	log *logger.Logger,
	cfg Config,
	reposet Repos,
	runner tx.Runner,
	broker queue.Broker,
	noticeBus bus.Bus,
	metrics *observability.Metrics,
) *Orchestrator {
	log.Info("Wiring orchestrator services...", "instance_id", cfg.InstanceID, "roster", cfg.NodeIDs)
	commands := services.NewCommandService(log, reposet.Commands, runner)
	pending := services.NewPendingRegistry(cfg.PendingCapacity, cfg.PendingTTL, metrics)
	aggregator := services.NewAggregator(log, commands, pending, noticeBus, cfg.InstanceID, metrics)
	producer := services.NewBroadcastProducer(log, commands, pending, broker, services.BroadcastConfig{
		Timeout: cfg.BroadcastTimeout,
	}, metrics)
	responses := worker.NewResponseWorker(log, worker.ResponseWorkerConfig{
		ResponsePattern: cfg.ResponseQueuePattern,
		NodeIDs:         cfg.NodeIDs,
		Concurrency:     cfg.WorkerConcurrency,
	}, broker, commands, aggregator, metrics)

	return &Orchestrator{
		Commands:   commands,
		Pending:    pending,
		Aggregator: aggregator,
		Producer:   producer,
		Responses:  responses,
	}
}

// Node is one control component: its own command log and task handlers.
type Node struct {
	ID       string
	Executor *services.Executor
	Registry *runtime.Registry
	Requests *worker.RequestWorker
}

func wireNode(
	log *logger.Logger,
	cfg Config,
	nodeID string,
	reposet Repos,
	broker queue.Broker,
	metrics *observability.Metrics,
) (*Node, error) {
	log = log.With("node_id", nodeID)
	log.Info("Wiring node services...")

	exec := services.NewExecutor(log, reposet.Commands, services.ExecutorConfig{
		PollInterval: cfg.ExecutorPollInterval,
		AwaitTimeout: cfg.ExecutorAwaitTimeout,
		StaleAfter:   cfg.ExecutorStaleAfter,
	}, metrics)

	registry := runtime.NewRegistry()
	for _, h := range []runtime.Handler{
		gen_keys.New(log, reposet.KeyMaterial),
		split_secret.New(log),
	} {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("register %s: %w", h.Type(), err)
		}
	}

	requests := worker.NewRequestWorker(log, worker.RequestWorkerConfig{
		NodeID:          nodeID,
		RequestPattern:  cfg.RequestQueuePattern,
		ResponsePattern: cfg.ResponseQueuePattern,
		Concurrency:     cfg.WorkerConcurrency,
		EmitTimeout:     cfg.EmitTimeout,
	}, broker, broker, exec, registry, metrics)

	return &Node{
		ID:       nodeID,
		Executor: exec,
		Registry: registry,
		Requests: requests,
	}, nil
}
