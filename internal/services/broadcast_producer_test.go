package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/messaging/queue"
)

func genKeysBroadcast(nodes ...string) BroadcastRequest {
	return BroadcastRequest{
		ContextID:    "EE1",
		Context:      "GEN_KEYS",
		Payload:      map[string]string{"kind": "box"},
		QueuePattern: requestPattern,
		NodeIDs:      nodes,
	}
}

func TestSendAndAwaitCollectsEveryNodeInReverseArrival(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	a := c.newInstance(t, ctx, "orch-a", 5*time.Second)
	// node-3 answers first, node-1 last.
	c.respond(ctx, &wg, "node-1", 300*time.Millisecond, a, echoNode)
	c.respond(ctx, &wg, "node-2", 150*time.Millisecond, a, echoNode)
	c.respond(ctx, &wg, "node-3", 0, a, echoNode)

	got, err := SendAndAwait(ctx, a.producer, genKeysBroadcast("node-1", "node-2", "node-3"), DecodeJSON[string])
	require.NoError(t, err)
	require.Equal(t, []string{"node-1", "node-2", "node-3"}, got)

	for _, n := range []string{"node-1", "node-2", "node-3"} {
		require.Equal(t, 1, c.broker.SentCount(queue.Name(requestPattern, n)))
	}
	require.Equal(t, 0, a.pending.Len())
}

func TestBroadcastSendsIdenticalBytesToEveryNode(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	a := c.newInstance(t, ctx, "orch-a", 5*time.Second)
	var mu sync.Mutex
	seen := map[string]string{}
	record := func(env queue.Envelope) []byte {
		mu.Lock()
		seen[env.NodeID] = string(env.Payload)
		mu.Unlock()
		return []byte(`{}`)
	}
	c.respond(ctx, &wg, "node-1", 0, a, record)
	c.respond(ctx, &wg, "node-2", 0, a, record)

	rows, err := a.producer.Dispatch(ctx, genKeysBroadcast("node-1", "node-2"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, rows[0].CorrelationID, rows[1].CorrelationID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, `{"kind":"box"}`, seen["node-1"])
	require.Equal(t, seen["node-1"], seen["node-2"])
}

func TestBarrierCompletesAcrossInstances(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	a := c.newInstance(t, ctx, "orch-a", 5*time.Second)
	b := c.newInstance(t, ctx, "orch-b", 5*time.Second)

	// Every response, including the last, is persisted and aggregated by b;
	// only a holds the waiter.
	c.respond(ctx, &wg, "node-1", 50*time.Millisecond, b, echoNode)
	c.respond(ctx, &wg, "node-2", 100*time.Millisecond, b, echoNode)
	c.respond(ctx, &wg, "node-3", 0, a, echoNode)

	got, err := SendAndAwait(ctx, a.producer, genKeysBroadcast("node-1", "node-2", "node-3"), DecodeJSON[string])
	require.NoError(t, err)
	require.Equal(t, []string{"node-1", "node-2", "node-3"}, got)
	require.Equal(t, 0, b.pending.Len())
}

func TestBroadcastTimesOutWithoutPartialResult(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	a := c.newInstance(t, ctx, "orch-a", 200*time.Millisecond)
	c.respond(ctx, &wg, "node-1", 0, a, echoNode)
	// node-2 never answers.

	rows, err := a.producer.Dispatch(ctx, genKeysBroadcast("node-1", "node-2"))
	require.Nil(t, rows)
	require.True(t, types.IsCode(err, types.CodeAggregationTimeout), "got %v", err)
	require.Equal(t, 0, a.pending.Len())
}

func TestBroadcastPropagatesCallerCancellation(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := c.newInstance(t, ctx, "orch-a", 5*time.Second)

	callCtx, callCancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(100 * time.Millisecond)
		callCancel()
	}()
	_, err := a.producer.Dispatch(callCtx, genKeysBroadcast("node-1"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSendAndAwaitDecodeFailureIsSerializationError(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() { cancel(); wg.Wait() }()

	a := c.newInstance(t, ctx, "orch-a", 5*time.Second)
	c.respond(ctx, &wg, "node-1", 0, a, func(queue.Envelope) []byte { return []byte("not json") })

	_, err := SendAndAwait(ctx, a.producer, genKeysBroadcast("node-1"), DecodeJSON[map[string]any])
	require.True(t, types.IsCode(err, types.CodeSerialization), "got %v", err)

	// The producer itself is unaffected.
	_, err = SendAndAwait(ctx, a.producer, genKeysBroadcast("node-1"), DecodeRaw)
	require.NoError(t, err)
}

func TestBroadcastRejectsBadRequests(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	a := c.newInstance(t, ctx, "orch-a", time.Second)

	cases := []BroadcastRequest{
		genKeysBroadcast(),
		genKeysBroadcast("node-1", "node-1"),
		genKeysBroadcast("node-1", " "),
		{Context: "GEN_KEYS", QueuePattern: requestPattern, NodeIDs: []string{"node-1"}},
		{ContextID: "EE1", Context: "GEN_KEYS", NodeIDs: []string{"node-1"}},
	}
	for _, req := range cases {
		_, err := a.producer.Dispatch(ctx, req)
		require.True(t, types.IsCode(err, types.CodePreconditionViolation), "req %+v: got %v", req, err)
	}
	require.Equal(t, 0, c.broker.SentCount(queue.Name(requestPattern, "node-1")))
}

func TestGetAllResponsesNeverReturnsPartialList(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	ids := []types.CommandID{
		{ContextID: "EE1", Context: "GEN_KEYS", CorrelationID: "c1", NodeID: "node-1"},
		{ContextID: "EE1", Context: "GEN_KEYS", CorrelationID: "c1", NodeID: "node-2"},
	}
	require.NoError(t, c.commands.SaveRequests(ctx, ids, []byte("req")))
	require.NoError(t, c.commands.SaveResponse(ctx, ids[0], []byte("r1")))

	_, err := c.commands.GetAllResponses(ctx, "c1", 2)
	require.True(t, types.IsCode(err, types.CodeInconsistentAggregation), "got %v", err)

	p, err := c.commands.Progress(ctx, "c1")
	require.NoError(t, err)
	require.False(t, p.Complete())

	require.NoError(t, c.commands.SaveResponse(ctx, ids[1], []byte("r2")))
	rows, err := c.commands.GetAllResponses(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	status, err := c.commands.CorrelationStatus(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 2, status.Progress.Responses)

	_, err = c.commands.CorrelationStatus(ctx, "nope")
	require.True(t, types.IsCode(err, types.CodeNotFound))

	// A second broadcast can never reuse a persisted identity.
	err = c.commands.SaveRequests(ctx, ids[:1], []byte("req"))
	require.True(t, types.IsCode(err, types.CodeDuplicateWork), "got %v", err)
}
