package queue

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// MemoryBroker is an in-process Broker with the same delivery rules as the
// redis one: FIFO per queue, a failed handler puts the message back.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue
	log    *logger.Logger
	// RetryDelay paces redelivery after a handler error.
	RetryDelay time.Duration
}

type memoryQueue struct {
	items  []Envelope
	sent   int
	notify chan struct{}
}

func NewMemoryBroker(log *logger.Logger) *MemoryBroker {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBroker{
		queues:     make(map[string]*memoryQueue),
		log:        log.With("service", "MemoryBroker"),
		RetryDelay: 10 * time.Millisecond,
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{notify: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Send(ctx context.Context, name string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	env.Payload = append([]byte(nil), env.Payload...)

	b.mu.Lock()
	q := b.queue(name)
	q.items = append(q.items, env)
	q.sent++
	b.mu.Unlock()
	wake(q)
	return nil
}

// Inject delivers a copy of env again without counting it as a send. Tests
// use it to simulate broker redelivery.
func (b *MemoryBroker) Inject(name string, env Envelope) {
	b.mu.Lock()
	q := b.queue(name)
	q.items = append(q.items, env)
	b.mu.Unlock()
	wake(q)
}

// SentCount reports how many messages were sent to name.
func (b *MemoryBroker) SentCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.sent
	}
	return 0
}

// Pending reports how many messages wait on name.
func (b *MemoryBroker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.items)
	}
	return 0
}

func (b *MemoryBroker) Consume(ctx context.Context, name string, h Handler) error {
	b.mu.Lock()
	q := b.queue(name)
	b.mu.Unlock()

	for {
		env, ok := b.pop(q)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
				continue
			}
		}
		if err := h(ctx, env); err != nil {
			b.log.Warn("Handler failed; requeueing", "queue", name, "correlation_id", env.CorrelationID, "error", err)
			b.pushFront(q, env)
			sleep(ctx, b.RetryDelay)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (b *MemoryBroker) pop(q *memoryQueue) (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

func (b *MemoryBroker) pushFront(q *memoryQueue, env Envelope) {
	b.mu.Lock()
	q.items = append([]Envelope{env}, q.items...)
	b.mu.Unlock()
	wake(q)
}

func wake(q *memoryQueue) {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
