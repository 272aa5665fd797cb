package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/jobs/runtime"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/services"
)

type RequestWorkerConfig struct {
	NodeID          string
	RequestPattern  string
	ResponsePattern string
	Concurrency     int
	// EmitTimeout bounds the retries of one response send.
	EmitTimeout time.Duration
}

// RequestWorker is the node side: it consumes this node's request queue, runs
// each command through the exactly-once executor and emits the response.
type RequestWorker struct {
	log      *logger.Logger
	cfg      RequestWorkerConfig
	consumer queue.Consumer
	sender   queue.Sender
	exec     *services.Executor
	registry *runtime.Registry
	metrics  *observability.Metrics
	pool     *consumerPool
}

func NewRequestWorker(
	baseLog *logger.Logger,
	cfg RequestWorkerConfig,
	consumer queue.Consumer,
	sender queue.Sender,
	exec *services.Executor,
	registry *runtime.Registry,
	metrics *observability.Metrics,
) *RequestWorker {
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = 30 * time.Second
	}
	w := &RequestWorker{
		log:      baseLog.With("component", "RequestWorker", "node_id", cfg.NodeID),
		cfg:      cfg,
		consumer: consumer,
		sender:   sender,
		exec:     exec,
		registry: registry,
		metrics:  metrics,
	}
	w.pool = &consumerPool{
		log:         w.log,
		consumer:    consumer,
		queue:       queue.Name(cfg.RequestPattern, cfg.NodeID),
		concurrency: cfg.Concurrency,
		handle:      w.Handle,
	}
	return w
}

func (w *RequestWorker) Start(ctx context.Context) { w.pool.start(ctx) }

// Wait blocks until every consumer has stopped.
func (w *RequestWorker) Wait() { w.pool.wait() }

// Handle processes one delivery. A nil return acknowledges it; an error sends
// it back for redelivery.
func (w *RequestWorker) Handle(ctx context.Context, env queue.Envelope) error {
	err := recovered(w.log, env, func() error { return w.handle(ctx, env) })
	status := "ok"
	switch {
	case err == nil:
	case terminal(err):
		status = "dropped"
		w.log.Warn("Dropping request",
			"correlation_id", env.CorrelationID,
			"context", env.Context,
			"error", err,
		)
		err = nil
	default:
		status = "retry"
	}
	w.metrics.IncDelivery("node", status)
	return err
}

func (w *RequestWorker) handle(ctx context.Context, env queue.Envelope) error {
	if env.NodeID != w.cfg.NodeID {
		return types.NewError(types.CodePreconditionViolation, "request_worker.handle",
			fmt.Sprintf("message for node %q delivered to node %q", env.NodeID, w.cfg.NodeID), nil)
	}
	h, ok := w.registry.Get(env.Context)
	if !ok {
		return types.Wrap(types.CodePreconditionViolation, "request_worker.handle", &missingHandlerError{Context: env.Context})
	}

	id := types.CommandID{
		ContextID:     env.ContextID,
		Context:       env.Context,
		CorrelationID: env.CorrelationID,
		NodeID:        w.cfg.NodeID,
	}
	res, err := w.exec.Execute(ctx, id, env.Payload, func(ctx context.Context) ([]byte, error) {
		return h.Run(runtime.NewContext(ctx, id, env.Payload, w.log))
	})
	if err != nil {
		return err
	}
	if res.Emitted {
		w.log.Debug("Response already emitted", "command_id", id.String(), "outcome", res.Outcome)
		return nil
	}
	if err := w.emit(ctx, id, res.Payload); err != nil {
		// The response stays recorded but unstamped; the redelivery sends it.
		return err
	}
	if err := w.exec.MarkEmitted(ctx, id); err != nil {
		// Worst case a redelivery sends identical bytes again, which the
		// orchestrator accepts as a no-op.
		w.log.Warn("Could not stamp emitted response", "command_id", id.String(), "error", err)
	}
	return nil
}

func (w *RequestWorker) emit(ctx context.Context, id types.CommandID, payload []byte) error {
	backoff := retry.NewExponential(50 * time.Millisecond)
	backoff = retry.WithCappedDuration(2*time.Second, backoff)
	backoff = retry.WithMaxDuration(w.cfg.EmitTimeout, backoff)

	env := queue.Envelope{
		CorrelationID: id.CorrelationID,
		ContextID:     id.ContextID,
		Context:       id.Context,
		NodeID:        id.NodeID,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}
	target := queue.Name(w.cfg.ResponsePattern, id.NodeID)
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.sender.Send(ctx, target, env); err != nil {
			w.log.Warn("Response send failed; retrying", "command_id", id.String(), "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// terminal errors are acknowledged: redelivery could not change the outcome.
func terminal(err error) bool {
	var pe *panicError
	if errors.As(err, &pe) {
		return true
	}
	switch types.CodeOf(err) {
	case types.CodeDuplicateWork, types.CodeAbandoned, types.CodePreconditionViolation, types.CodeSerialization:
		return true
	}
	return false
}
