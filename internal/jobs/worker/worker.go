package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/cmdledger/internal/messaging/queue"
	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// consumerPool runs concurrency consumers on one queue until ctx ends.
type consumerPool struct {
	log         *logger.Logger
	consumer    queue.Consumer
	queue       string
	concurrency int
	handle      queue.Handler
	wg          sync.WaitGroup
}

func (p *consumerPool) start(ctx context.Context) {
	n := p.concurrency
	if n < 1 {
		n = 1
	}
	p.log.Info("Starting queue consumers", "queue", p.queue, "concurrency", n)
	for i := 0; i < n; i++ {
		workerID := i + 1
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Consume(ctx, p.queue, p.handle); err != nil {
				p.log.Error("Consumer stopped with error", "worker_id", workerID, "queue", p.queue, "error", err)
				return
			}
			p.log.Info("Consumer stopped", "worker_id", workerID, "queue", p.queue)
		}()
	}
}

func (p *consumerPool) wait() { p.wg.Wait() }

// recovered turns a handler panic into an error so one bad message cannot
// take the consumer down.
func recovered(log *logger.Logger, env queue.Envelope, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic",
				"correlation_id", env.CorrelationID,
				"context", env.Context,
				"node_id", env.NodeID,
				"panic", r,
			)
			err = errFromRecover(r)
		}
	}()
	return fn()
}

type missingHandlerError struct{ Context string }

func (e *missingHandlerError) Error() string { return "no handler registered for context=" + e.Context }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
