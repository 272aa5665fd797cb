package commands

import (
	"context"
	"testing"
	"time"

	"github.com/yungbote/cmdledger/internal/data/repos/testutil"
	types "github.com/yungbote/cmdledger/internal/domain/commands"
	"github.com/yungbote/cmdledger/internal/pkg/dbctx"
)

func cmdID(corr, node string) types.CommandID {
	return types.CommandID{ContextID: "ee-1", Context: "GEN_KEYS", CorrelationID: corr, NodeID: node}
}

func TestCommandRepoInsertIfAbsent(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())
	now := time.Now().UTC()

	res, err := repo.SaveRequest(dbc, cmdID("c1", "node-1"), []byte("req"), now)
	if err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	if res != Inserted {
		t.Fatalf("SaveRequest: expected inserted, got %s", res)
	}

	res, err = repo.SaveRequest(dbc, cmdID("c1", "node-1"), []byte("other"), now)
	if err != nil {
		t.Fatalf("SaveRequest (dup): %v", err)
	}
	if res != Conflict {
		t.Fatalf("SaveRequest (dup): expected conflict, got %s", res)
	}

	row, err := repo.FindExact(dbc, cmdID("c1", "node-1"))
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if row == nil || string(row.RequestPayload) != "req" || row.Answered() {
		t.Fatalf("FindExact: unexpected row %+v", row)
	}

	missing, err := repo.FindExact(dbc, cmdID("c1", "node-2"))
	if err != nil {
		t.Fatalf("FindExact (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("FindExact (missing): expected nil, got %+v", missing)
	}

	ok, err := repo.ExistsExact(dbc, cmdID("c1", "node-1"))
	if err != nil || !ok {
		t.Fatalf("ExistsExact: ok=%v err=%v", ok, err)
	}
}

func TestCommandRepoSaveResponse(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())
	now := time.Now().UTC()
	id := cmdID("c1", "node-1")

	err := repo.SaveResponse(dbc, id, []byte("resp"), now)
	if !types.IsCode(err, types.CodeNotFound) {
		t.Fatalf("SaveResponse without request: expected not_found, got %v", err)
	}

	if _, err := repo.SaveRequest(dbc, id, []byte("req"), now); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	if err := repo.SaveResponse(dbc, id, []byte("resp"), now.Add(time.Second)); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	// Same bytes again is a no-op.
	if err := repo.SaveResponse(dbc, id, []byte("resp"), now.Add(2*time.Second)); err != nil {
		t.Fatalf("SaveResponse (same bytes): %v", err)
	}
	err = repo.SaveResponse(dbc, id, []byte("different"), now.Add(3*time.Second))
	if !types.IsCode(err, types.CodeDuplicateWork) {
		t.Fatalf("SaveResponse (different bytes): expected duplicate_work, got %v", err)
	}

	row, err := repo.FindExact(dbc, id)
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if !row.SameResponse([]byte("resp")) {
		t.Fatalf("FindExact: response overwritten: %q", row.ResponsePayload)
	}
	if row.Version != 1 {
		t.Fatalf("FindExact: expected version 1, got %d", row.Version)
	}
}

func TestCommandRepoSemanticLookupPrefersAnswered(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())
	now := time.Now().UTC()

	if _, err := repo.SaveRequest(dbc, cmdID("c1", "node-1"), []byte("req"), now); err != nil {
		t.Fatalf("SaveRequest c1: %v", err)
	}
	if _, err := repo.SaveRequest(dbc, cmdID("c2", "node-1"), []byte("req"), now.Add(time.Second)); err != nil {
		t.Fatalf("SaveRequest c2: %v", err)
	}
	if err := repo.SaveResponse(dbc, cmdID("c2", "node-1"), []byte("resp"), now.Add(2*time.Second)); err != nil {
		t.Fatalf("SaveResponse c2: %v", err)
	}
	// Different node, same operation.
	if _, err := repo.SaveRequest(dbc, cmdID("c1", "node-2"), []byte("req"), now); err != nil {
		t.Fatalf("SaveRequest node-2: %v", err)
	}

	rows, err := repo.FindSemantic(dbc, cmdID("", "node-1").Semantic())
	if err != nil {
		t.Fatalf("FindSemantic: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("FindSemantic: expected 2 rows, got %d", len(rows))
	}
	if rows[0].CorrelationID != "c2" || !rows[0].Answered() {
		t.Fatalf("FindSemantic: expected answered c2 first, got %+v", rows[0])
	}

	started, err := repo.IsOperationStarted(dbc, "ee-1", "GEN_KEYS")
	if err != nil || !started {
		t.Fatalf("IsOperationStarted: started=%v err=%v", started, err)
	}
	started, err = repo.IsOperationStarted(dbc, "ee-2", "GEN_KEYS")
	if err != nil || started {
		t.Fatalf("IsOperationStarted (other): started=%v err=%v", started, err)
	}
}

func TestCommandRepoCorrelationCounts(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())
	now := time.Now().UTC()

	for _, node := range []string{"node-3", "node-1", "node-2"} {
		if _, err := repo.SaveRequest(dbc, cmdID("c1", node), []byte("req"), now); err != nil {
			t.Fatalf("SaveRequest %s: %v", node, err)
		}
	}
	for _, node := range []string{"node-3", "node-1"} {
		if err := repo.SaveResponse(dbc, cmdID("c1", node), []byte("resp-"+node), now); err != nil {
			t.Fatalf("SaveResponse %s: %v", node, err)
		}
	}

	reqs, err := repo.CountRequests(dbc, "c1")
	if err != nil || reqs != 3 {
		t.Fatalf("CountRequests: n=%d err=%v", reqs, err)
	}
	resps, err := repo.CountResponses(dbc, "c1")
	if err != nil || resps != 2 {
		t.Fatalf("CountResponses: n=%d err=%v", resps, err)
	}

	rows, err := repo.ListResponses(dbc, "c1")
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(rows) != 2 || rows[0].NodeID != "node-1" || rows[1].NodeID != "node-3" {
		t.Fatalf("ListResponses: unexpected order %+v", rows)
	}

	all, err := repo.ListByCorrelation(dbc, "c1")
	if err != nil || len(all) != 3 {
		t.Fatalf("ListByCorrelation: n=%d err=%v", len(all), err)
	}

	// Inside a caller transaction the repo reuses it.
	tx := testutil.Tx(t, db)
	reqs, err = repo.CountRequests(tx, "c1")
	if err != nil || reqs != 3 {
		t.Fatalf("CountRequests (tx): n=%d err=%v", reqs, err)
	}
}

func TestCommandRepoRejectsIncompleteIdentity(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())

	_, err := repo.SaveRequest(dbc, types.CommandID{ContextID: "ee-1", Context: "GEN_KEYS"}, []byte("x"), time.Now())
	if !types.IsCode(err, types.CodePreconditionViolation) {
		t.Fatalf("SaveRequest: expected precondition_violation, got %v", err)
	}
	if _, err := repo.CountResponses(dbc, " "); !types.IsCode(err, types.CodePreconditionViolation) {
		t.Fatalf("CountResponses: expected precondition_violation, got %v", err)
	}
}

func TestCommandRepoMarkEmitted(t *testing.T) {
	db := testutil.DB(t)
	repo := NewCommandRepo(db, testutil.Logger(t))
	dbc := dbctx.Background(context.Background())
	now := time.Now().UTC()
	id := cmdID("c1", "node-1")

	if _, err := repo.SaveRequest(dbc, id, []byte("req"), now); err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	// Nothing to send yet.
	if err := repo.MarkEmitted(dbc, id, now); err != nil {
		t.Fatalf("MarkEmitted (unanswered): %v", err)
	}
	row, _ := repo.FindExact(dbc, id)
	if row.Emitted() {
		t.Fatalf("unanswered row must not be stamped")
	}

	if err := repo.SaveResponse(dbc, id, []byte("resp"), now); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	first := now.Add(time.Second)
	if err := repo.MarkEmitted(dbc, id, first); err != nil {
		t.Fatalf("MarkEmitted: %v", err)
	}
	if err := repo.MarkEmitted(dbc, id, first.Add(time.Minute)); err != nil {
		t.Fatalf("MarkEmitted (again): %v", err)
	}
	row, err := repo.FindExact(dbc, id)
	if err != nil {
		t.Fatalf("FindExact: %v", err)
	}
	if !row.Emitted() || row.EmittedAt.Sub(first).Abs() > time.Millisecond {
		t.Fatalf("expected first stamp kept, got %v", row.EmittedAt)
	}
	if string(row.ResponsePayload) != "resp" {
		t.Fatalf("response changed: %q", row.ResponsePayload)
	}
}
