package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

// RedisBroker keeps each queue as a redis list. Every Consume call owns a
// processing list for its in-flight delivery and keeps a lease key alive
// while it runs. A message leaves the processing list only on ack, and the
// lists of consumers whose lease expired are drained back onto the queue by
// the surviving consumers.
type RedisBroker struct {
	rdb         *goredis.Client
	log         *logger.Logger
	pollTimeout time.Duration
	retryDelay  time.Duration
	leaseTTL    time.Duration
}

func NewRedisBroker(rdb *goredis.Client, log *logger.Logger) (*RedisBroker, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &RedisBroker{
		rdb:         rdb,
		log:         log.With("service", "RedisBroker"),
		pollTimeout: 2 * time.Second,
		retryDelay:  500 * time.Millisecond,
		leaseTTL:    15 * time.Second,
	}, nil
}

func processingKey(queue, consumerID string) string { return queue + ":processing:" + consumerID }
func leaseKey(queue, consumerID string) string { return queue + ":lease:" + consumerID }
func consumersKey(queue string) string { return queue + ":consumers" }

func (b *RedisBroker) Send(ctx context.Context, queue string, env Envelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now().UTC()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.LPush(ctx, queue, raw).Err(); err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, queue string, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler required")
	}
	consumerID := uuid.NewString()
	processing := processingKey(queue, consumerID)
	log := b.log.With("queue", queue, "consumer_id", consumerID)

	if err := b.join(ctx, queue, consumerID); err != nil {
		return err
	}
	defer b.leave(ctx, queue, consumerID)
	b.reclaim(ctx, queue, consumerID)

	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	go b.keepLease(leaseCtx, queue, consumerID)
	log.Info("Consumer started")

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := b.rdb.BLMove(ctx, queue, processing, "RIGHT", "LEFT", b.pollTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Receive failed", "error", err)
			sleep(ctx, b.retryDelay)
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// Poison message: nothing can process it.
			log.Error("Dropping undecodable message", "error", err)
			b.ack(ctx, processing, raw)
			continue
		}

		if herr := h(ctx, env); herr != nil {
			log.Warn("Handler failed; requeueing", "correlation_id", env.CorrelationID, "error", herr)
			b.requeue(ctx, queue, processing, raw)
			sleep(ctx, b.retryDelay)
			continue
		}
		b.ack(ctx, processing, raw)
	}
}

func (b *RedisBroker) join(ctx context.Context, queue, consumerID string) error {
	_, err := b.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, leaseKey(queue, consumerID), 1, b.leaseTTL)
		p.SAdd(ctx, consumersKey(queue), consumerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", queue, err)
	}
	return nil
}

// leave hands back anything still held and drops the lease.
func (b *RedisBroker) leave(ctx context.Context, queue, consumerID string) {
	bg := context.WithoutCancel(ctx)
	if n, err := b.drain(bg, queue, processingKey(queue, consumerID)); err != nil {
		b.log.Warn("Drain on stop failed", "queue", queue, "error", err)
	} else if n > 0 {
		b.log.Warn("Returned unacknowledged messages on stop", "queue", queue, "count", n)
	}
	_, err := b.rdb.TxPipelined(bg, func(p goredis.Pipeliner) error {
		p.Del(bg, leaseKey(queue, consumerID))
		p.SRem(bg, consumersKey(queue), consumerID)
		return nil
	})
	if err != nil {
		b.log.Warn("Leave failed", "queue", queue, "error", err)
	}
}

// keepLease refreshes this consumer's lease and reclaims the processing lists
// of consumers whose lease ran out.
func (b *RedisBroker) keepLease(ctx context.Context, queue, consumerID string) {
	t := time.NewTicker(b.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := b.rdb.Set(ctx, leaseKey(queue, consumerID), 1, b.leaseTTL).Err(); err != nil && ctx.Err() == nil {
			b.log.Warn("Lease refresh failed", "queue", queue, "error", err)
		}
		b.reclaim(ctx, queue, consumerID)
	}
}

// reclaim returns deliveries held by consumers that are gone. Live
// consumers' lists are never touched.
func (b *RedisBroker) reclaim(ctx context.Context, queue, self string) {
	members, err := b.rdb.SMembers(ctx, consumersKey(queue)).Result()
	if err != nil {
		if ctx.Err() == nil {
			b.log.Warn("List consumers failed", "queue", queue, "error", err)
		}
		return
	}
	for _, id := range members {
		if id == self {
			continue
		}
		alive, err := b.rdb.Exists(ctx, leaseKey(queue, id)).Result()
		if err != nil || alive > 0 {
			continue
		}
		n, err := b.drain(ctx, queue, processingKey(queue, id))
		if err != nil {
			b.log.Warn("Reclaim failed", "queue", queue, "dead_consumer_id", id, "error", err)
			continue
		}
		b.rdb.SRem(ctx, consumersKey(queue), id)
		if n > 0 {
			b.log.Warn("Recovered unacknowledged messages", "queue", queue, "dead_consumer_id", id, "count", n)
		}
	}
}

// drain moves a processing list back to the consuming end of its queue.
// Each LMOVE is atomic, so concurrent reclaimers never duplicate a message.
func (b *RedisBroker) drain(ctx context.Context, queue, processing string) (int, error) {
	n := 0
	for {
		_, err := b.rdb.LMove(ctx, processing, queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("drain %s: %w", processing, err)
		}
		n++
	}
}

func (b *RedisBroker) ack(ctx context.Context, processing, raw string) {
	if err := b.rdb.LRem(context.WithoutCancel(ctx), processing, 1, raw).Err(); err != nil {
		b.log.Warn("Ack failed", "queue", processing, "error", err)
	}
}

func (b *RedisBroker) requeue(ctx context.Context, queue, processing, raw string) {
	bg := context.WithoutCancel(ctx)
	_, err := b.rdb.TxPipelined(bg, func(p goredis.Pipeliner) error {
		p.LRem(bg, processing, 1, raw)
		p.RPush(bg, queue, raw)
		return nil
	})
	if err != nil {
		b.log.Warn("Requeue failed", "queue", queue, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
