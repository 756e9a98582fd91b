package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/jsontime"
	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/queue"
)

// memID mirrors the deterministic id scheme used by the ingestion
// pipeline so tests can address memories they seeded over HTTP.
func memID(ns, sessionID, content string) string {
	return ns + "::mem_" + encoding.StableHashHex(sessionID+":"+content)[:16]
}

type queueOutcomeWire struct {
	OK        bool   `json:"ok"`
	Cancelled int    `json:"cancelled"`
	Error     string `json:"error"`
}

type forgetResultsWire struct {
	Vector memory.StoreDeletes `json:"qdrant"`
	Graph  memory.StoreDeletes `json:"neo4j"`
	Queue  queueOutcomeWire    `json:"queue"`
}

type forgetWire struct {
	Status        string             `json:"status"`
	Namespace     string             `json:"namespace"`
	RequestID     string             `json:"request_id"`
	Deleted       *int               `json:"deleted"`
	DeleteIDs     int                `json:"delete_ids"`
	DeleteSession string             `json:"delete_session"`
	Results       *forgetResultsWire `json:"results"`
}

// seedSession ingests one transcript synchronously and fails the test
// unless every draft committed.
func seedSession(t *testing.T, ts *testServer, ns, sid string, contents ...string) {
	t.Helper()
	out, rec := postUpdate(t, ts, "", map[string]any{
		"namespace":  ns,
		"session_id": sid,
		"messages":   userMessages(contents...),
		"async":      false,
	})
	if rec.Code != http.StatusOK || out.Status != "processed" || out.MemoriesAdded != len(contents) {
		t.Fatalf("seed %s/%s = %d %+v, want processed/%d", ns, sid, rec.Code, out, len(contents))
	}
}

func postForget(t *testing.T, ts *testServer, key string, body map[string]any) (forgetWire, int) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/forget", key, body)
	var out forgetWire
	if rec.Code == http.StatusOK {
		decodeInto(t, rec, &out)
	}
	return out, rec.Code
}

// readAuditEntries parses the JSONL audit trail written so far.
func readAuditEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	var entries []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e map[string]any
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("audit line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return entries
}

func TestForgetSyncBySession(t *testing.T) {
	c1, c2 := "User prefers oat milk", "User works at Initech"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{draftAnalysis(c1, c2)}}
	emb := fixedEmbedder{c1: {1, 0, 0}, c2: {0, 1, 0}}
	ts := newTestServer(t, an, emb, nil)
	seedSession(t, ts, "toy1", "s1", c1, c2)

	out, code := postForget(t, ts, "", map[string]any{
		"namespace":  "toy1",
		"session_id": "s1",
	})
	if code != http.StatusOK || out.Status != "ok" {
		t.Fatalf("forget = %d %+v, want 200 ok", code, out)
	}
	if out.Deleted == nil || *out.Deleted != 2 {
		t.Fatalf("deleted = %v, want 2", out.Deleted)
	}
	if out.Results == nil {
		t.Fatal("sync forget carried no per-store results")
	}
	if got := out.Results.Vector.BySession; got == nil || *got != 2 {
		t.Errorf("qdrant.bySession = %v, want 2", got)
	}
	if !out.Results.Queue.OK {
		t.Errorf("queue outcome not ok: %+v", out.Results.Queue)
	}
	if out.RequestID == "" {
		t.Error("response missing request_id")
	}

	if n, _ := ts.vec.Count(context.Background()); n != 0 {
		t.Fatalf("Count = %d after forget, want 0", n)
	}
}

func TestForgetSyncByIDs(t *testing.T) {
	c1, c2 := "User prefers oat milk", "User works at Initech"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{draftAnalysis(c1, c2)}}
	emb := fixedEmbedder{c1: {1, 0, 0}, c2: {0, 1, 0}}
	ts := newTestServer(t, an, emb, nil)
	seedSession(t, ts, "toy1", "s1", c1, c2)

	out, code := postForget(t, ts, "", map[string]any{
		"namespace":  "toy1",
		"memory_ids": []string{memID("toy1", "s1", c1), " ", memID("toy1", "s1", c1)},
	})
	if code != http.StatusOK || out.Status != "ok" {
		t.Fatalf("forget = %d %+v, want 200 ok", code, out)
	}
	// Blank and duplicate ids are normalized away before deletion.
	if out.DeleteIDs != 1 {
		t.Errorf("delete_ids = %d, want 1", out.DeleteIDs)
	}
	if out.Deleted == nil || *out.Deleted != 1 {
		t.Fatalf("deleted = %v, want 1", out.Deleted)
	}
	if got := out.Results.Vector.ByIDs; got == nil || *got != 1 {
		t.Errorf("qdrant.byIds = %v, want 1", got)
	}

	if n, _ := ts.vec.Count(context.Background()); n != 1 {
		t.Fatalf("Count = %d, want 1 survivor", n)
	}
}

func TestForgetDryRunAudits(t *testing.T) {
	const content = "User prefers oat milk"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{draftAnalysis(content)}}
	ts := newTestServer(t, an, fixedEmbedder{content: {1, 0, 0}}, nil)
	seedSession(t, ts, "toy1", "s1", content)

	out, code := postForget(t, ts, "", map[string]any{
		"namespace":  "toy1",
		"session_id": "s1",
		"memory_ids": []string{memID("toy1", "s1", content)},
		"dry_run":    true,
	})
	if code != http.StatusOK || out.Status != "dry_run" {
		t.Fatalf("dry run = %d %+v, want 200 dry_run", code, out)
	}
	if out.DeleteIDs != 1 || out.DeleteSession != "s1" {
		t.Errorf("scope = ids:%d session:%q, want 1/s1", out.DeleteIDs, out.DeleteSession)
	}
	if out.Deleted != nil || out.Results != nil {
		t.Errorf("dry run reported deletions: deleted=%v results=%v", out.Deleted, out.Results)
	}
	if n, _ := ts.vec.Count(context.Background()); n != 1 {
		t.Fatalf("Count = %d, dry run must not delete", n)
	}

	entries := readAuditEntries(t, ts.auditPath)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e["action"] != "forget" {
		t.Errorf("action = %v, want forget", e["action"])
	}
	if e["dry_run"] != true {
		t.Errorf("dry_run = %v, want true", e["dry_run"])
	}
	if e["namespace"] != "toy1" {
		t.Errorf("namespace = %v, want toy1", e["namespace"])
	}
	if e["request_id"] != out.RequestID {
		t.Errorf("audit request_id = %v, response carried %q", e["request_id"], out.RequestID)
	}
}

func TestForgetAsyncCancelsPendingUpdates(t *testing.T) {
	const content = "User prefers oat milk"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{draftAnalysis(content)}}
	emb := fixedEmbedder{content: {1, 0, 0}}
	ts := newTestServer(t, an, emb, nil)
	seedSession(t, ts, "toy1", "s1", content)

	// Park a pending re-ingestion of the same session; the forget must
	// cancel it so the queue cannot resurrect the memories.
	task, err := queue.NewUpdateTask("toy1", "s1", "", userMessages("stale snapshot"))
	if err != nil {
		t.Fatalf("NewUpdateTask: %v", err)
	}
	task.NextRunAt = jsontime.Milli(time.Now().Add(time.Hour))
	if _, err := ts.updateQ.Enqueue(context.Background(), task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	out, code := postForget(t, ts, "", map[string]any{
		"namespace":  "toy1",
		"session_id": "s1",
		"async":      true,
	})
	if code != http.StatusOK || out.Status != "queued" {
		t.Fatalf("async forget = %d %+v, want 200 queued", code, out)
	}

	if !ts.forgetQ.OnIdle(5 * time.Second) {
		t.Fatal("forget queue never went idle")
	}
	if n, _ := ts.vec.Count(context.Background()); n != 0 {
		t.Fatalf("Count = %d after queued forget, want 0", n)
	}
	if got := ts.updateQ.Stats().PendingApprox; got != 0 {
		t.Fatalf("pending updates = %d, want 0 after cancellation", got)
	}
}

func TestForgetValidation(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, nil)

	rec := ts.do(t, http.MethodPost, "/forget", "", map[string]any{"namespace": "toy1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var e errorWire
	decodeInto(t, rec, &e)
	if e.Error != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", e.Error)
	}

	// Ids that normalize to nothing are an empty scope too.
	rec = ts.do(t, http.MethodPost, "/forget", "", map[string]any{"memory_ids": []string{"", "  "}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank ids = %d, want 400", rec.Code)
	}
}
