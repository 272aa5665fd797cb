package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// MemoryHub fans notices out to every connected in-process bus. It stands in
// for the redis channel in single-process deployments and tests.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int
	log  *logger.Logger
}

type memorySub struct {
	ch   chan Notice
	done chan struct{}
	once sync.Once
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func NewMemoryHub(log *logger.Logger) *MemoryHub {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryHub{
		subs: make(map[int]*memorySub),
		log:  log.With("service", "MemoryNoticeHub"),
	}
}

// Connect returns a Bus attached to the hub.
func (h *MemoryHub) Connect() Bus {
	return &memoryBus{hub: h}
}

func (h *MemoryHub) broadcast(n Notice) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		select {
		case s.ch <- n:
		case <-s.done:
		default:
			h.log.Warn("Dropping notice for slow subscriber", "subscriber", id, "correlation_id", n.CorrelationID)
		}
	}
}

func (h *MemoryHub) subscribe() (int, *memorySub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s := &memorySub{ch: make(chan Notice, 256), done: make(chan struct{})}
	h.subs[h.next] = s
	return h.next, s
}

func (h *MemoryHub) unsubscribe(id int) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		s.stop()
	}
}

type memoryBus struct {
	hub *MemoryHub

	mu     sync.Mutex
	subs   []int
	closed bool
}

func (b *memoryBus) Publish(ctx context.Context, n Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("memory notice bus closed")
	}
	b.hub.broadcast(n)
	return nil
}

func (b *memoryBus) StartForwarder(ctx context.Context, onNotice func(n Notice)) error {
	if onNotice == nil {
		return fmt.Errorf("onNotice callback required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory notice bus closed")
	}
	id, sub := b.hub.subscribe()
	b.subs = append(b.subs, id)
	b.mu.Unlock()

	go func() {
		defer b.hub.unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case n := <-sub.ch:
				onNotice(n)
			}
		}
	}()
	return nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, id := range b.subs {
		b.hub.unsubscribe(id)
	}
	b.subs = nil
	return nil
}
