package queue

import (
	"context"
	"time"
)

// Envelope is one message on a request or response queue. The payload is
// opaque to the transport.
type Envelope struct {
	CorrelationID string    `json:"correlation_id"`
	ContextID     string    `json:"context_id"`
	Context       string    `json:"context"`
	NodeID        string    `json:"node_id"`
	Payload       []byte    `json:"payload"`
	SentAt        time.Time `json:"sent_at"`
}

type Sender interface {
	Send(ctx context.Context, queue string, env Envelope) error
}

// Handler processes one delivery. Returning an error puts the message back
// on the queue for redelivery; returning nil acknowledges it.
type Handler func(ctx context.Context, env Envelope) error

type Consumer interface {
	// Consume blocks, delivering messages from queue to h one at a time until
	// ctx ends.
	Consume(ctx context.Context, queue string, h Handler) error
}

type Broker interface {
	Sender
	Consumer
}

// Name joins a queue pattern and a node id, e.g. "cc.request." + "node-1".
func Name(pattern, nodeID string) string {
	return pattern + nodeID
}
