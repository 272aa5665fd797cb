package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Handler is the body of one operation context (GEN_KEYS, SPLIT_SECRET, ...).
// Run is only invoked for genuinely new work; its bytes become the node's
// recorded response.
type Handler interface {
	Type() string
	Run(ctx *Context) ([]byte, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for context=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(context string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[context]
	return h, ok
}

// Types lists the registered contexts in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
