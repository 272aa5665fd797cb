package services

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/cmdledger/internal/data/repos"
	repocmd "github.com/yungbote/cmdledger/internal/data/repos/commands"
	"github.com/yungbote/cmdledger/internal/data/tx"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// Progress is a consistent snapshot of one correlation id.
type Progress struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
}

// Complete holds when every persisted request has its response.
func (p Progress) Complete() bool {
	return p.Requests > 0 && p.Responses == p.Requests
}

type CorrelationStatus struct {
	CorrelationID string           `json:"correlation_id"`
	Progress      Progress         `json:"progress"`
	Rows          []*types.Command `json:"rows"`
}

// CommandService is the transactional facade over the command log. Every
// method opens its own transaction on the root handle; none joins a
// transaction the caller holds.
type CommandService interface {
	SaveRequest(ctx context.Context, id types.CommandID, payload []byte) (repocmd.InsertResult, error)
	// SaveRequests persists every row of one broadcast atomically.
	SaveRequests(ctx context.Context, ids []types.CommandID, payload []byte) error
	SaveResponse(ctx context.Context, id types.CommandID, payload []byte) error
	// GetAllResponses returns exactly expected answered rows ordered by node
	// id, or an inconsistent_aggregation error. Never a partial list.
	GetAllResponses(ctx context.Context, correlationID string, expected int) ([]*types.Command, error)
	Progress(ctx context.Context, correlationID string) (Progress, error)
	CorrelationStatus(ctx context.Context, correlationID string) (*CorrelationStatus, error)
	IsOperationStarted(ctx context.Context, contextID, contextName string) (bool, error)
}

type commandService struct {
	log  *logger.Logger
	repo repos.CommandRepo
	tx   tx.Runner
	now  func() time.Time
}

func NewCommandService(baseLog *logger.Logger, repo repos.CommandRepo, runner tx.Runner) CommandService {
	return &commandService{
		log:  baseLog.With("service", "CommandService"),
		repo: repo,
		tx:   runner,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *commandService) SaveRequest(ctx context.Context, id types.CommandID, payload []byte) (repocmd.InsertResult, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	var res repocmd.InsertResult
	err := s.tx.InTx(ctx, func(dbc dbctx.Context) error {
		var err error
		res, err = s.repo.SaveRequest(dbc, id, payload, s.now())
		return err
	})
	return res, err
}

func (s *commandService) SaveRequests(ctx context.Context, ids []types.CommandID, payload []byte) error {
	const op = "command_service.save_requests"
	if len(ids) == 0 {
		return types.NewError(types.CodePreconditionViolation, op, "no command ids", nil)
	}
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	at := s.now()
	return s.tx.InTx(ctx, func(dbc dbctx.Context) error {
		for _, id := range ids {
			res, err := s.repo.SaveRequest(dbc, id, payload, at)
			if err != nil {
				return err
			}
			if res == repocmd.Conflict {
				return types.NewError(types.CodeDuplicateWork, op, "request already recorded for "+id.String(), nil)
			}
		}
		return nil
	})
}

func (s *commandService) SaveResponse(ctx context.Context, id types.CommandID, payload []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	return s.tx.InTx(ctx, func(dbc dbctx.Context) error {
		return s.repo.SaveResponse(dbc, id, payload, s.now())
	})
}

func (s *commandService) GetAllResponses(ctx context.Context, correlationID string, expected int) ([]*types.Command, error) {
	const op = "command_service.get_all_responses"
	var rows []*types.Command
	err := s.tx.InSerializableTx(ctx, func(dbc dbctx.Context) error {
		var err error
		rows, err = s.repo.ListResponses(dbc, correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(rows) != expected {
		return nil, types.NewError(types.CodeInconsistentAggregation, op,
			fmt.Sprintf("correlation %s has %d responses, expected %d", correlationID, len(rows), expected), nil)
	}
	return rows, nil
}

func (s *commandService) Progress(ctx context.Context, correlationID string) (Progress, error) {
	var p Progress
	err := s.tx.InSerializableTx(ctx, func(dbc dbctx.Context) error {
		var err error
		if p.Requests, err = s.repo.CountRequests(dbc, correlationID); err != nil {
			return err
		}
		p.Responses, err = s.repo.CountResponses(dbc, correlationID)
		return err
	})
	return p, err
}

func (s *commandService) CorrelationStatus(ctx context.Context, correlationID string) (*CorrelationStatus, error) {
	out := &CorrelationStatus{CorrelationID: correlationID}
	err := s.tx.InSerializableTx(ctx, func(dbc dbctx.Context) error {
		rows, err := s.repo.ListByCorrelation(dbc, correlationID)
		if err != nil {
			return err
		}
		out.Rows = rows
		out.Progress.Requests = int64(len(rows))
		for _, r := range rows {
			if r.Answered() {
				out.Progress.Responses++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Rows) == 0 {
		return nil, types.NewError(types.CodeNotFound, "command_service.correlation_status", "unknown correlation id "+correlationID, nil)
	}
	return out, nil
}

func (s *commandService) IsOperationStarted(ctx context.Context, contextID, contextName string) (bool, error) {
	return s.repo.IsOperationStarted(dbctx.Background(ctx), contextID, contextName)
}
