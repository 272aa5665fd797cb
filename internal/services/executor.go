package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yungbote/cmdledger/internal/data/repos"
	repocmd "github.com/yungbote/cmdledger/internal/data/repos/commands"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/observability"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// Outcome says how an execution produced its payload.
type Outcome string

const (
	OutcomeComputed         Outcome = "computed"
	OutcomeReplayedExact    Outcome = "replayed_exact"
	OutcomeReplayedSemantic Outcome = "replayed_semantic"
	OutcomeAwaited          Outcome = "awaited"
)

type ExecuteResult struct {
	Payload []byte
	Outcome Outcome
	// Emitted is true when a response message for this identity already left
	// the node, or is owned by the concurrent delivery that computed it.
	Emitted bool
}

// ComputeFunc performs the real work. It runs at most once per semantic
// identity across every executor sharing the store.
type ComputeFunc func(ctx context.Context) ([]byte, error)

type ExecutorConfig struct {
	// PollInterval paces the read-only wait on a row another writer owns.
	PollInterval time.Duration
	// AwaitTimeout bounds that wait; past it the caller gets duplicate_work.
	AwaitTimeout time.Duration
	// StaleAfter marks an unanswered request row as abandoned.
	StaleAfter time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 10 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Executor runs node-side work exactly once per command identity, and once
// per semantic identity across correlation ids.
type Executor struct {
	log     *logger.Logger
	repo    repos.CommandRepo
	cfg     ExecutorConfig
	metrics *observability.Metrics
	now     func() time.Time
}

func NewExecutor(baseLog *logger.Logger, repo repos.CommandRepo, cfg ExecutorConfig, metrics *observability.Metrics) *Executor {
	return &Executor{
		log:     baseLog.With("service", "Executor"),
		repo:    repo,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

var errStillPending = errors.New("response not yet recorded")

func (e *Executor) Execute(ctx context.Context, id types.CommandID, request []byte, compute ComputeFunc) (*ExecuteResult, error) {
	ctx, span := observability.Tracer().Start(ctx, "executor.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("command.context_id", id.ContextID),
		attribute.String("command.context", id.Context),
		attribute.String("command.correlation_id", id.CorrelationID),
		attribute.String("command.node_id", id.NodeID),
	)

	res, err := e.execute(ctx, id, request, compute)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("command.outcome", string(res.Outcome)))
	e.metrics.IncExecution(id.Context, string(res.Outcome))
	return res, nil
}

func (e *Executor) execute(ctx context.Context, id types.CommandID, request []byte, compute ComputeFunc) (*ExecuteResult, error) {
	const op = "executor.execute"
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if compute == nil {
		return nil, types.NewError(types.CodePreconditionViolation, op, "compute function required", nil)
	}
	log := e.log.With("command_id", id.String())
	dbc := dbctx.Background(ctx)

	row, err := e.repo.FindExact(dbc, id)
	if err != nil {
		return nil, err
	}
	if row.Answered() {
		log.Debug("Exact replay", "emitted", row.Emitted())
		return &ExecuteResult{Payload: row.ResponsePayload, Outcome: OutcomeReplayedExact, Emitted: row.Emitted()}, nil
	}
	if row != nil {
		return e.await(ctx, id, row)
	}

	prior, err := e.repo.FindSemantic(dbc, id.Semantic())
	if err != nil {
		return nil, err
	}
	if len(prior) > 0 && prior[0].Answered() {
		src := prior[0]
		res, err := e.repo.SaveReplay(dbc, id, request, src.ResponsePayload, e.now())
		if err != nil {
			return nil, err
		}
		if res == repocmd.Conflict {
			// A concurrent delivery of this exact identity got there first.
			return e.awaitFromStore(ctx, id)
		}
		log.Info("Semantic replay", "source_correlation_id", src.CorrelationID)
		return &ExecuteResult{Payload: src.ResponsePayload, Outcome: OutcomeReplayedSemantic}, nil
	}

	res, err := e.repo.SaveRequest(dbc, id, request, e.now())
	if err != nil {
		return nil, err
	}
	if res == repocmd.Conflict {
		log.Debug("Lost insert race; awaiting owner")
		return e.awaitFromStore(ctx, id)
	}

	out, err := compute(ctx)
	if err != nil {
		log.Warn("Compute failed; request row left unanswered", "error", err)
		return nil, fmt.Errorf("%s: compute %s: %w", op, id.String(), err)
	}
	if out == nil {
		out = []byte{}
	}
	if err := e.repo.SaveResponse(dbc, id, out, e.now()); err != nil {
		return nil, err
	}
	log.Info("Computed")
	return &ExecuteResult{Payload: out, Outcome: OutcomeComputed}, nil
}

// MarkEmitted records that the response for id reached the broker, so later
// redeliveries replay it without sending it again.
func (e *Executor) MarkEmitted(ctx context.Context, id types.CommandID) error {
	return e.repo.MarkEmitted(dbctx.Background(ctx), id, e.now())
}

func (e *Executor) awaitFromStore(ctx context.Context, id types.CommandID) (*ExecuteResult, error) {
	row, err := e.repo.FindExact(dbctx.Background(ctx), id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, types.NewError(types.CodeInternal, "executor.await", "row vanished for "+id.String(), nil)
	}
	if row.Answered() {
		return &ExecuteResult{Payload: row.ResponsePayload, Outcome: OutcomeAwaited, Emitted: true}, nil
	}
	return e.await(ctx, id, row)
}

// await polls the store, read-only, until the owning writer records the
// response. It never computes.
func (e *Executor) await(ctx context.Context, id types.CommandID, row *types.Command) (*ExecuteResult, error) {
	const op = "executor.await"
	if e.now().Sub(row.RequestTime) > e.cfg.StaleAfter {
		return nil, types.NewError(types.CodeAbandoned, op,
			fmt.Sprintf("request for %s unanswered since %s", id.String(), row.RequestTime.Format(time.RFC3339)), nil)
	}

	backoff := retry.NewConstant(e.cfg.PollInterval)
	backoff = retry.WithMaxDuration(e.cfg.AwaitTimeout, backoff)

	var answered *types.Command
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		cur, err := e.repo.FindExact(dbctx.Background(ctx), id)
		if err != nil {
			return err
		}
		if !cur.Answered() {
			return retry.RetryableError(errStillPending)
		}
		answered = cur
		return nil
	})
	switch {
	case err == nil:
		return &ExecuteResult{Payload: answered.ResponsePayload, Outcome: OutcomeAwaited, Emitted: true}, nil
	case errors.Is(err, errStillPending):
		return nil, types.NewError(types.CodeDuplicateWork, op,
			fmt.Sprintf("%s owned by another writer and still unanswered after %s", id.String(), e.cfg.AwaitTimeout), nil)
	default:
		return nil, err
	}
}
