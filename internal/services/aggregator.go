package services

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/realtime/bus"
)

const (
	aggregationPathLocal  = "local"
	aggregationPathRemote = "remote"
)

// Aggregator decides when a broadcast has every response and wakes the
// instance that is waiting for it, which need not be this one.
type Aggregator struct {
	log        *logger.Logger
	commands   CommandService
	pending    *PendingRegistry
	bus        bus.Bus
	instanceID string
	metrics    *observability.Metrics
}

func NewAggregator(
	baseLog *logger.Logger,
	commands CommandService,
	pending *PendingRegistry,
	noticeBus bus.Bus,
	instanceID string,
	metrics *observability.Metrics,
) *Aggregator {
	return &Aggregator{
		log:        baseLog.With("service", "Aggregator", "instance_id", instanceID),
		commands:   commands,
		pending:    pending,
		bus:        noticeBus,
		instanceID: instanceID,
		metrics:    metrics,
	}
}

// Start subscribes to completion notices from every instance. It returns once
// the subscription is live.
func (a *Aggregator) Start(ctx context.Context) error {
	if a.bus == nil {
		return fmt.Errorf("aggregator: notice bus required")
	}
	return a.bus.StartForwarder(ctx, a.onNotice)
}

// NotifyPartial is called after each response row is persisted. It reports
// whether the correlation id is now complete. Completion is judged from one
// serializable read of the log, so every instance reaches the same verdict.
func (a *Aggregator) NotifyPartial(ctx context.Context, correlationID, contextID string) (bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "aggregator.notify_partial")
	defer span.End()
	span.SetAttributes(attribute.String("command.correlation_id", correlationID))

	p, err := a.commands.Progress(ctx, correlationID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(
		attribute.Int64("aggregation.requests", p.Requests),
		attribute.Int64("aggregation.responses", p.Responses),
	)
	if !p.Complete() {
		a.log.Debug("Aggregation partial", "correlation_id", correlationID, "requests", p.Requests, "responses", p.Responses)
		return false, nil
	}
	if err := a.complete(ctx, correlationID, contextID); err != nil {
		span.RecordError(err)
		return true, err
	}
	return true, nil
}

func (a *Aggregator) complete(ctx context.Context, correlationID, contextID string) error {
	if a.pending.Complete(correlationID) {
		a.metrics.IncAggregation(aggregationPathLocal)
		a.log.Debug("Aggregation complete (local waiter)", "correlation_id", correlationID)
		return nil
	}
	if a.bus == nil {
		return nil
	}
	n := bus.Notice{CorrelationID: correlationID, ContextID: contextID, Origin: a.instanceID}
	if err := a.bus.Publish(ctx, n); err != nil {
		return fmt.Errorf("publish completion for %s: %w", correlationID, err)
	}
	a.log.Debug("Aggregation complete; notice published", "correlation_id", correlationID)
	return nil
}

func (a *Aggregator) onNotice(n bus.Notice) {
	if n.Origin == a.instanceID {
		// Already checked locally before publishing.
		return
	}
	if a.pending.Complete(n.CorrelationID) {
		a.metrics.IncAggregation(aggregationPathRemote)
		a.log.Debug("Aggregation complete (remote notice)", "correlation_id", n.CorrelationID, "origin", n.Origin)
	}
}
