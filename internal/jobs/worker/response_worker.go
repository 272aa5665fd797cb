package worker

import (
	"context"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/services"
)

type ResponseWorkerConfig struct {
	ResponsePattern string
	NodeIDs         []string
	// Concurrency is per node queue.
	Concurrency int
}

// ResponseWorker is the orchestrator side: it records every node response in
// the command log and hands the correlation id to the aggregator.
type ResponseWorker struct {
	log        *logger.Logger
	cfg        ResponseWorkerConfig
	commands   services.CommandService
	aggregator *services.Aggregator
	metrics    *observability.Metrics
	pools      []*consumerPool
}

func NewResponseWorker(
	baseLog *logger.Logger,
	cfg ResponseWorkerConfig,
	consumer queue.Consumer,
	commands services.CommandService,
	aggregator *services.Aggregator,
	metrics *observability.Metrics,
) *ResponseWorker {
	w := &ResponseWorker{
		log:        baseLog.With("component", "ResponseWorker"),
		cfg:        cfg,
		commands:   commands,
		aggregator: aggregator,
		metrics:    metrics,
	}
	for _, node := range cfg.NodeIDs {
		w.pools = append(w.pools, &consumerPool{
			log:         w.log,
			consumer:    consumer,
			queue:       queue.Name(cfg.ResponsePattern, node),
			concurrency: cfg.Concurrency,
			handle:      w.Handle,
		})
	}
	return w
}

func (w *ResponseWorker) Start(ctx context.Context) {
	for _, p := range w.pools {
		p.start(ctx)
	}
}

func (w *ResponseWorker) Wait() {
	for _, p := range w.pools {
		p.wait()
	}
}

func (w *ResponseWorker) Handle(ctx context.Context, env queue.Envelope) error {
	err := recovered(w.log, env, func() error { return w.handle(ctx, env) })
	status := "ok"
	switch {
	case err == nil:
	case types.IsCode(err, types.CodeNotFound),
		types.IsCode(err, types.CodeDuplicateWork),
		types.IsCode(err, types.CodePreconditionViolation):
		// Unknown correlation or conflicting bytes: nothing a redelivery fixes.
		status = "dropped"
		w.log.Error("Dropping response",
			"correlation_id", env.CorrelationID,
			"node_id", env.NodeID,
			"error", err,
		)
		err = nil
	default:
		status = "retry"
	}
	w.metrics.IncDelivery("orchestrator", status)
	return err
}

func (w *ResponseWorker) handle(ctx context.Context, env queue.Envelope) error {
	id := types.CommandID{
		ContextID:     env.ContextID,
		Context:       env.Context,
		CorrelationID: env.CorrelationID,
		NodeID:        env.NodeID,
	}
	if err := w.commands.SaveResponse(ctx, id, env.Payload); err != nil {
		return err
	}
	complete, err := w.aggregator.NotifyPartial(ctx, env.CorrelationID, env.ContextID)
	if err != nil {
		return err
	}
	if complete {
		w.log.Debug("Correlation complete", "correlation_id", env.CorrelationID, "last_node_id", env.NodeID)
	}
	return nil
}
