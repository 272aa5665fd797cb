package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// BroadcastRequest sends one payload to every node of a roster.
type BroadcastRequest struct {
	ContextID string
	Context   string
	Payload   any
	// QueuePattern is prefixed to each node id to name its request queue.
	QueuePattern string
	NodeIDs      []string
}

func (r BroadcastRequest) validate() error {
	const op = "broadcast.validate"
	var problems []string
	if strings.TrimSpace(r.ContextID) == "" {
		problems = append(problems, "context_id is required")
	}
	if strings.TrimSpace(r.Context) == "" {
		problems = append(problems, "context is required")
	}
	if strings.TrimSpace(r.QueuePattern) == "" {
		problems = append(problems, "queue pattern is required")
	}
	if len(r.NodeIDs) == 0 {
		problems = append(problems, "at least one node id is required")
	}
	seen := make(map[string]struct{}, len(r.NodeIDs))
	for _, n := range r.NodeIDs {
		if strings.TrimSpace(n) == "" {
			problems = append(problems, "blank node id")
			continue
		}
		if _, dup := seen[n]; dup {
			problems = append(problems, "duplicate node id "+n)
		}
		seen[n] = struct{}{}
	}
	if len(problems) > 0 {
		return types.NewError(types.CodePreconditionViolation, op, strings.Join(problems, "; "), nil)
	}
	return nil
}

type BroadcastConfig struct {
	// Timeout bounds the wait for every node's response.
	Timeout    time.Duration
	Serializer Serializer
}

// BroadcastProducer fans a request out to the roster and blocks until the
// aggregator reports that all responses are in the log.
type BroadcastProducer struct {
	log        *logger.Logger
	commands   CommandService
	pending    *PendingRegistry
	sender     queue.Sender
	serializer Serializer
	timeout    time.Duration
	metrics    *observability.Metrics
	newID      func() string
}

func NewBroadcastProducer(
	baseLog *logger.Logger,
	commands CommandService,
	pending *PendingRegistry,
	sender queue.Sender,
	cfg BroadcastConfig,
	metrics *observability.Metrics,
) *BroadcastProducer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	return &BroadcastProducer{
		log:        baseLog.With("service", "BroadcastProducer"),
		commands:   commands,
		pending:    pending,
		sender:     sender,
		serializer: cfg.Serializer,
		timeout:    cfg.Timeout,
		metrics:    metrics,
		newID:      uuid.NewString,
	}
}

// Dispatch runs one broadcast and returns every node's answered row ordered
// by node id. On timeout it returns aggregation_timeout and no rows; the
// nodes keep working and their responses still land in the log.
func (p *BroadcastProducer) Dispatch(ctx context.Context, req BroadcastRequest) ([]*types.Command, error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "broadcast.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.context_id", req.ContextID),
		attribute.String("command.context", req.Context),
		attribute.Int("broadcast.nodes", len(req.NodeIDs)),
	)

	rows, err := p.dispatch(ctx, req)
	result := "ok"
	if err != nil {
		result = resultLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.ObserveBroadcast(req.Context, result, time.Since(start))
	return rows, err
}

func (p *BroadcastProducer) dispatch(ctx context.Context, req BroadcastRequest) ([]*types.Command, error) {
	const op = "broadcast.dispatch"
	if err := req.validate(); err != nil {
		return nil, err
	}
	correlationID := p.newID()
	log := p.log.With("correlation_id", correlationID, "context_id", req.ContextID, "context", req.Context)

	w, err := p.pending.Register(correlationID)
	if err != nil {
		return nil, types.Wrap(types.CodeInternal, op, err)
	}
	defer p.pending.Forget(correlationID)

	payload, err := p.serializer.Serialize(req.Payload)
	if err != nil {
		return nil, types.Wrap(types.CodeSerialization, op, err)
	}

	ids := make([]types.CommandID, 0, len(req.NodeIDs))
	for _, node := range req.NodeIDs {
		ids = append(ids, types.CommandID{
			ContextID:     req.ContextID,
			Context:       req.Context,
			CorrelationID: correlationID,
			NodeID:        node,
		})
	}
	// Every request row exists before any node can answer, so the request
	// count is the roster size whichever instance aggregates.
	if err := p.commands.SaveRequests(ctx, ids, payload); err != nil {
		return nil, err
	}

	sentAt := time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return p.sender.Send(gctx, queue.Name(req.QueuePattern, id.NodeID), queue.Envelope{
				CorrelationID: id.CorrelationID,
				ContextID:     id.ContextID,
				Context:       id.Context,
				NodeID:        id.NodeID,
				Payload:       payload,
				SentAt:        sentAt,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.Wrap(types.CodeRetryable, op, err)
	}
	log.Debug("Broadcast sent", "nodes", len(ids))

	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := w.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrWaiterEvicted) {
			log.Warn("Aggregation timed out", "timeout", p.timeout, "error", err)
			return nil, types.NewError(types.CodeAggregationTimeout, op,
				fmt.Sprintf("correlation %s incomplete after %s", correlationID, p.timeout), err)
		}
		return nil, err
	}

	return p.commands.GetAllResponses(ctx, correlationID, len(ids))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case types.IsCode(err, types.CodeAggregationTimeout):
		return "timeout"
	case types.CodeOf(err) != "":
		return string(types.CodeOf(err))
	default:
		return "error"
	}
}

// SendAndAwait broadcasts req and decodes every node's response with decode,
// in node id order. A decode failure fails this call only.
func SendAndAwait[R any](ctx context.Context, p *BroadcastProducer, req BroadcastRequest, decode func([]byte) (R, error)) ([]R, error) {
	rows, err := p.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]R, 0, len(rows))
	for _, row := range rows {
		v, err := decode(row.ResponsePayload)
		if err != nil {
			return nil, types.NewError(types.CodeSerialization, "broadcast.decode",
				fmt.Sprintf("response from %s for %s", row.NodeID, row.CorrelationID), err)
		}
		out = append(out, v)
	}
	return out, nil
}
