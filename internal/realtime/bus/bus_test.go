package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/cmdledger/internal/pkg/logger"
)

func recvNotice(t *testing.T, ch <-chan Notice, timeout time.Duration) Notice {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for notice")
	}
	return Notice{}
}

func TestMemoryHubFansOutToEveryInstance(t *testing.T) {
	hub := NewMemoryHub(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := hub.Connect(), hub.Connect()
	gotA := make(chan Notice, 4)
	gotB := make(chan Notice, 4)
	if err := a.StartForwarder(ctx, func(n Notice) { gotA <- n }); err != nil {
		t.Fatalf("StartForwarder a: %v", err)
	}
	if err := b.StartForwarder(ctx, func(n Notice) { gotB <- n }); err != nil {
		t.Fatalf("StartForwarder b: %v", err)
	}

	sent := Notice{CorrelationID: "c1", ContextID: "ee-1", Origin: "instance-a"}
	if err := a.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := recvNotice(t, gotA, time.Second); got != sent {
		t.Fatalf("instance a: want=%+v got=%+v", sent, got)
	}
	if got := recvNotice(t, gotB, time.Second); got != sent {
		t.Fatalf("instance b: want=%+v got=%+v", sent, got)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Publish(ctx, sent); err == nil {
		t.Fatalf("Publish after close: expected error")
	}
	if err := a.Publish(ctx, Notice{CorrelationID: "c2"}); err != nil {
		t.Fatalf("Publish c2: %v", err)
	}
	if got := recvNotice(t, gotA, time.Second); got.CorrelationID != "c2" {
		t.Fatalf("instance a: want c2 got=%+v", got)
	}
	select {
	case n := <-gotB:
		t.Fatalf("closed instance received %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBusRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	b, err := NewRedisBus(logger.Nop(), rdb, "test."+uuid.NewString())
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Notice, 1)
	if err := b.StartForwarder(ctx, func(n Notice) { got <- n }); err != nil {
		t.Fatalf("StartForwarder: %v", err)
	}
	sent := Notice{CorrelationID: "c1", ContextID: "ee-1", Origin: "i1"}
	if err := b.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n := recvNotice(t, got, 2*time.Second); n != sent {
		t.Fatalf("want=%+v got=%+v", sent, n)
	}
}
