package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/yungbote/cmdledger/internal/observability"
)

var (
	// ErrWaiterEvicted fails a waiter dropped for capacity or TTL before its
	// aggregation completed.
	ErrWaiterEvicted = errors.New("pending waiter evicted")
	ErrWaiterExists  = errors.New("pending waiter already registered")
)

// Waiter is the future a broadcast blocks on. It resolves exactly once:
// completion and eviction race, the first wins.
type Waiter struct {
	CorrelationID string

	done chan struct{}
	once sync.Once
	err  error
}

func newWaiter(correlationID string) *Waiter {
	return &Waiter{CorrelationID: correlationID, done: make(chan struct{})}
}

func (w *Waiter) resolve(err error) bool {
	first := false
	w.once.Do(func() {
		w.err = err
		close(w.done)
		first = true
	})
	return first
}

func (w *Waiter) Done() <-chan struct{} { return w.done }

// Err is nil for a completed aggregation. Only meaningful after Done.
func (w *Waiter) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the waiter resolves or ctx ends.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PendingRegistry maps correlation ids to the local waiters of in-flight
// broadcasts. It is bounded in size and age.
type PendingRegistry struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, *Waiter]
	metrics *observability.Metrics
}

func NewPendingRegistry(capacity int, ttl time.Duration, metrics *observability.Metrics) *PendingRegistry {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	// The callback runs under the LRU lock, for expiry, capacity eviction and
	// explicit removal alike; it must not touch the LRU.
	onEvict := func(_ string, w *Waiter) {
		w.resolve(ErrWaiterEvicted)
	}
	return &PendingRegistry{
		lru:     expirable.NewLRU[string, *Waiter](capacity, onEvict, ttl),
		metrics: metrics,
	}
}

func (r *PendingRegistry) Register(correlationID string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lru.Contains(correlationID) {
		return nil, ErrWaiterExists
	}
	w := newWaiter(correlationID)
	r.lru.Add(correlationID, w)
	r.metrics.SetPendingWaiters(r.lru.Len())
	return w, nil
}

// Complete resolves the local waiter for correlationID. It reports false when
// this instance holds no live waiter for it.
func (r *PendingRegistry) Complete(correlationID string) bool {
	w, ok := r.lru.Peek(correlationID)
	if !ok {
		return false
	}
	return w.resolve(nil)
}

// Forget drops the entry. A still-open waiter resolves as evicted.
func (r *PendingRegistry) Forget(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Remove(correlationID)
	r.metrics.SetPendingWaiters(r.lru.Len())
}

func (r *PendingRegistry) Len() int {
	return r.lru.Len()
}
