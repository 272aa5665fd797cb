package bus

import "context"

// Notice tells every orchestrator instance that a correlation id has all of
// its responses. It is published only when the completing instance holds no
// local waiter for it. It carries no payload; the waiter's owner reads the
// responses from the command log.
type Notice struct {
	CorrelationID string `json:"correlation_id"`
	ContextID     string `json:"context_id"`
	// Origin is the instance that persisted the last response and observed
	// completion.
	Origin string `json:"origin"`
}

type Bus interface {
	Publish(ctx context.Context, n Notice) error
	// StartForwarder subscribes and calls onNotice for every notice until ctx
	// ends. It returns once the subscription is live.
	StartForwarder(ctx context.Context, onNotice func(n Notice)) error
	Close() error
}
