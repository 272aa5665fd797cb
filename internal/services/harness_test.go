package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yungbote/cmdledger/internal/data/repos"
	"github.com/yungbote/cmdledger/internal/data/repos/testutil"
	"github.com/yungbote/cmdledger/internal/data/tx"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
	"github.com/yungbote/cmdledger/internal/realtime/bus"
)

const (
	requestPattern  = "cc.request."
	responsePattern = "cc.response."
)

// instance is one orchestrator replica: its own waiters and aggregator, the
// shared store, broker and notice hub.
type instance struct {
	id         string
	commands   CommandService
	pending    *PendingRegistry
	aggregator *Aggregator
	producer   *BroadcastProducer
}

type cluster struct {
	log      *logger.Logger
	commands CommandService
	broker   *queue.MemoryBroker
	hub      *bus.MemoryHub
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	log := testutil.Logger(t)
	db := testutil.DB(t)
	return &cluster{
		log:      log,
		commands: NewCommandService(log, repos.NewCommandRepo(db, log), tx.NewGormRunner(db)),
		broker:   queue.NewMemoryBroker(log),
		hub:      bus.NewMemoryHub(log),
	}
}

func (c *cluster) newInstance(t *testing.T, ctx context.Context, id string, timeout time.Duration) *instance {
	t.Helper()
	pending := NewPendingRegistry(100, time.Minute, nil)
	agg := NewAggregator(c.log, c.commands, pending, c.hub.Connect(), id, nil)
	require.NoError(t, agg.Start(ctx))
	return &instance{
		id:         id,
		commands:   c.commands,
		pending:    pending,
		aggregator: agg,
		producer:   NewBroadcastProducer(c.log, c.commands, pending, c.broker, BroadcastConfig{Timeout: timeout}, nil),
	}
}

// respond plays the node side for one node: it consumes the node's request
// queue and, after delay, records answer(env) through the receiving instance
// the way the response worker does.
func (c *cluster) respond(ctx context.Context, wg *sync.WaitGroup, node string, delay time.Duration, receiver *instance, answer func(queue.Envelope) []byte) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.broker.Consume(ctx, queue.Name(requestPattern, node), func(ctx context.Context, env queue.Envelope) error {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			id := types.CommandID{
				ContextID:     env.ContextID,
				Context:       env.Context,
				CorrelationID: env.CorrelationID,
				NodeID:        env.NodeID,
			}
			if err := receiver.commands.SaveResponse(ctx, id, answer(env)); err != nil {
				return err
			}
			_, err := receiver.aggregator.NotifyPartial(ctx, env.CorrelationID, env.ContextID)
			return err
		})
	}()
}

func echoNode(env queue.Envelope) []byte {
	return []byte(`"` + env.NodeID + `"`)
}
