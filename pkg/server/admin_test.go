package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/config"
	"github.com/deepmem/deepmem/pkg/queue"
)

func withAuth(cfg *config.Config) {
	cfg.Auth.APIKeysJSON = testKeysJSON
}

func TestRouteRoleRequirements(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, withAuth)

	retrieveBody := map[string]any{"user_input": "anything"}
	updateBody := map[string]any{"session_id": "s1", "messages": userMessages("hi")}
	forgetBody := map[string]any{"session_id": "s1"}

	cases := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"no key rejected", http.MethodPost, "/retrieve_context", "", retrieveBody, http.StatusUnauthorized},
		{"bogus key rejected", http.MethodPost, "/retrieve_context", "wrong", retrieveBody, http.StatusUnauthorized},
		{"read may retrieve", http.MethodPost, "/retrieve_context", keyRead, retrieveBody, http.StatusOK},
		{"read may not update", http.MethodPost, "/update_memory_index", keyRead, updateBody, http.StatusForbidden},
		{"write may update", http.MethodPost, "/update_memory_index", keyWrite, updateBody, http.StatusOK},
		{"write may not forget", http.MethodPost, "/forget", keyWrite, forgetBody, http.StatusForbidden},
		{"admin may forget", http.MethodPost, "/forget", keyAdmin, forgetBody, http.StatusOK},
		{"write may not read queue", http.MethodGet, "/queue/stats", keyWrite, nil, http.StatusForbidden},
		{"admin may read queue", http.MethodGet, "/queue/stats", keyAdmin, nil, http.StatusOK},
		{"admin may read forget queue", http.MethodGet, "/queue/forget/stats", keyAdmin, nil, http.StatusOK},
		{"health needs no key", http.MethodGet, "/health", "", nil, http.StatusOK},
		{"readyz needs no key", http.MethodGet, "/readyz", "", nil, http.StatusOK},
		{"details need admin", http.MethodGet, "/health/details", keyRead, nil, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, tc.method, tc.path, tc.key, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
			if tc.want == http.StatusUnauthorized || tc.want == http.StatusForbidden {
				var e errorWire
				decodeInto(t, rec, &e)
				want := "unauthorized"
				if tc.want == http.StatusForbidden {
					want = "forbidden"
				}
				if e.Error != want {
					t.Errorf("error = %q, want %q", e.Error, want)
				}
			}
		})
	}
}

func TestNamespaceAllowlist(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, func(cfg *config.Config) {
		cfg.Auth.APIKeysJSON = `[{"key": "scoped-key", "role": "admin", "namespaces": ["acme"]}]`
	})

	rec := ts.do(t, http.MethodPost, "/update_memory_index", "scoped-key", map[string]any{
		"namespace": "other", "session_id": "s1", "messages": userMessages("hi"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var e errorWire
	decodeInto(t, rec, &e)
	if e.Error != "forbidden_namespace" {
		t.Errorf("error = %q, want forbidden_namespace", e.Error)
	}

	rec = ts.do(t, http.MethodPost, "/update_memory_index", "scoped-key", map[string]any{
		"namespace": "acme", "session_id": "s1", "messages": userMessages("hi"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed namespace = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	// The default namespace is outside the allowlist too.
	rec = ts.do(t, http.MethodPost, "/retrieve_context", "scoped-key", map[string]any{"user_input": "x"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("default namespace = %d, want 403", rec.Code)
	}
}

func TestRateLimitPerKeyAndRoute(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RetrievePerWindow = 1
	})

	body := map[string]any{"user_input": "anything"}
	if rec := ts.do(t, http.MethodPost, "/retrieve_context", "", body); rec.Code != http.StatusOK {
		t.Fatalf("first retrieve = %d, want 200", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, "/retrieve_context", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second retrieve = %d, want 429", rec.Code)
	}
	var e errorWire
	decodeInto(t, rec, &e)
	if e.Error != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", e.Error)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 missing Retry-After")
	}

	// Update has no configured limit, so it is untouched by the
	// exhausted retrieve window.
	rec = ts.do(t, http.MethodPost, "/update_memory_index", "", map[string]any{
		"session_id": "s1", "messages": userMessages("hi"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update after retrieve limit = %d, want 200", rec.Code)
	}
}

// failOneUpdate enqueues an async update that fails permanently and
// waits for it to land in the failed archive.
func failOneUpdate(t *testing.T, ts *testServer) string {
	t.Helper()
	_, rec := postUpdate(t, ts, keyWrite, map[string]any{
		"namespace":  "toy1",
		"session_id": "doomed",
		"messages":   userMessages("this transcript cannot be analyzed"),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body.String())
	}
	if !ts.updateQ.OnIdle(5 * time.Second) {
		t.Fatal("update queue never went idle")
	}
	list, err := ts.updateQ.ListFailed(context.Background(), queue.ListFailedOptions{})
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("failed archive holds %d tasks, want 1", len(list))
	}
	return list[0].File
}

func brokenAnalyzerServer(t *testing.T) *testServer {
	t.Helper()
	an := &scriptedAnalyzer{err: errors.New("analyzer unavailable")}
	return newTestServer(t, an, fixedEmbedder{}, func(cfg *config.Config) {
		cfg.Auth.APIKeysJSON = testKeysJSON
		cfg.Queue.MaxAttempts = 1 // first failure is permanent
	})
}

func TestQueueAdminSurface(t *testing.T) {
	ts := brokenAnalyzerServer(t)
	file := failOneUpdate(t, ts)

	t.Run("stats", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/queue/stats", keyAdmin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Queue string      `json:"queue"`
			Depth queue.Depth `json:"depth"`
		}
		decodeInto(t, rec, &out)
		if out.Queue != "update" || out.Depth.Failed != 1 {
			t.Errorf("stats = %+v, want update queue with 1 failed", out)
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/queue/failed", keyAdmin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var out struct {
			Count int                `json:"count"`
			Tasks []queue.FailedTask `json:"tasks"`
		}
		decodeInto(t, rec, &out)
		if out.Count != 1 || len(out.Tasks) != 1 {
			t.Fatalf("list = %+v, want one task", out)
		}
		got := out.Tasks[0]
		if got.File != file {
			t.Errorf("file = %q, want %q", got.File, file)
		}
		if got.Task.LastError == "" {
			t.Error("archived task carries no last error")
		}
		if len(got.Task.MessagesGzip) != 0 {
			t.Error("admin listing leaked the transcript payload")
		}
	})

	t.Run("export", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/queue/failed/export?file="+file, keyAdmin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var exp queue.Export
		decodeInto(t, rec, &exp)
		if exp.Mode != queue.ExportModeFile || exp.Task == nil {
			t.Errorf("export = %+v, want single-file mode", exp)
		}

		rec = ts.do(t, http.MethodGet, "/queue/failed/export?file=absent.json", keyAdmin, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("absent file = %d, want 404", rec.Code)
		}
	})

	t.Run("retry dry run", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/queue/failed/retry", keyAdmin, map[string]any{"dry_run": true})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var rep queue.RetryReport
		decodeInto(t, rec, &rep)
		if rep.Scanned != 1 || rep.Retried != 0 || len(rep.Files) != 1 {
			t.Errorf("report = %+v, want scanned 1 / retried 0", rep)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := ts.do(t, http.MethodDelete, "/queue/failed/"+file, keyAdmin, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		rec = ts.do(t, http.MethodDelete, "/queue/failed/"+file, keyAdmin, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("second delete = %d, want 404", rec.Code)
		}
	})

	t.Run("audit trail", func(t *testing.T) {
		var actions []string
		for _, e := range readAuditEntries(t, ts.auditPath) {
			actions = append(actions, e["action"].(string))
		}
		want := []string{"queue_retry", "queue_delete"}
		for _, a := range want {
			found := false
			for _, got := range actions {
				if got == a {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("audit trail %v missing %q", actions, a)
			}
		}
	})
}

func TestQueueRetryRequeues(t *testing.T) {
	ts := brokenAnalyzerServer(t)
	file := failOneUpdate(t, ts)

	rec := ts.do(t, http.MethodPost, "/queue/failed/retry", keyAdmin, map[string]any{"file": file})
	if rec.Code != http.StatusOK {
		t.Fatalf("retry = %d: %s", rec.Code, rec.Body.String())
	}
	var rep queue.RetryReport
	decodeInto(t, rec, &rep)
	if rep.Retried != 1 {
		t.Fatalf("report = %+v, want retried 1", rep)
	}

	// The analyzer is still broken, so the retried task fails again.
	if !ts.updateQ.OnIdle(5 * time.Second) {
		t.Fatal("queue never went idle after retry")
	}
	depth, err := ts.updateQ.Depth(context.Background())
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.Failed != 1 || depth.Pending != 0 {
		t.Fatalf("depth = %+v, want the task back in failed", depth)
	}
}

func TestQueueArchiveExport(t *testing.T) {
	ts := brokenAnalyzerServer(t)
	failOneUpdate(t, ts)

	rec := ts.do(t, http.MethodPost, "/queue/failed/archive", keyAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("archive = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Status string `json:"status"`
		Path   string `json:"path"`
		Count  int    `json:"count"`
	}
	decodeInto(t, rec, &out)
	if out.Status != "ok" || out.Count != 1 {
		t.Fatalf("archive = %+v, want ok/1", out)
	}
	if !strings.HasPrefix(out.Path, "queue/update/failed-") || !strings.HasSuffix(out.Path, ".jsonl") {
		t.Fatalf("path = %q, want queue/update/failed-*.jsonl", out.Path)
	}

	raw, err := os.ReadFile(filepath.Join(ts.exportsDir, filepath.FromSlash(out.Path)))
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 || !strings.Contains(lines[0], `"file"`) {
		t.Fatalf("export body = %q, want one JSONL task line", raw)
	}

	// The snapshot is read-only: the task is still retryable.
	rec = ts.do(t, http.MethodGet, "/queue/failed", keyAdmin, nil)
	var list struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &list)
	if list.Count != 1 {
		t.Errorf("failed count after archive = %d, want 1", list.Count)
	}
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, nil)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	var out map[string]any
	decodeInto(t, rec, &out)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, out)
	}

	rec = ts.do(t, http.MethodGet, "/readyz", "", nil)
	out = map[string]any{}
	decodeInto(t, rec, &out)
	if rec.Code != http.StatusOK || out["status"] != "ready" {
		t.Fatalf("readyz = %d %v", rec.Code, out)
	}

	rec = ts.do(t, http.MethodGet, "/health/details", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("details = %d", rec.Code)
	}
	var details struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
		Schema map[string]any            `json:"schema"`
		Queues map[string]map[string]any `json:"queues"`
	}
	decodeInto(t, rec, &details)
	if details.Status != "ok" {
		t.Errorf("status = %q, want ok", details.Status)
	}
	for _, check := range []string{"qdrant", "neo4j", "queue"} {
		c, ok := details.Checks[check]
		if !ok || c["ok"] != true {
			t.Errorf("check %s = %v, want ok", check, c)
		}
	}
	if details.Schema["ready"] != true {
		t.Errorf("schema = %v, want ready", details.Schema)
	}
	if _, ok := details.Queues["update"]; !ok {
		t.Error("details missing update queue stats")
	}
	if _, ok := details.Queues["forget"]; !ok {
		t.Error("details missing forget queue stats")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, withAuth)

	if rec := ts.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("metrics without key = %d, want 401", rec.Code)
	}

	// Generate some traffic, then scrape.
	ts.do(t, http.MethodGet, "/health", "", nil)
	rec := ts.do(t, http.MethodGet, "/metrics", keyAdmin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, metric := range []string{
		"deepmem_http_requests_total",
		"deepmem_queue_pending",
		"deepmem_queue_inflight",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("scrape missing %s", metric)
		}
	}

	public := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, func(cfg *config.Config) {
		cfg.Auth.APIKeysJSON = testKeysJSON
		cfg.Server.MetricsPublic = true
	})
	if rec := public.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("public metrics without key = %d, want 200", rec.Code)
	}
}

func TestRequestIDEcho(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-request-id", "trace-me-42")
	rec := httptest.NewRecorder()
	ts.app.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("x-request-id"); got != "trace-me-42" {
		t.Errorf("request id = %q, want echo of trace-me-42", got)
	}

	rec2 := ts.do(t, http.MethodGet, "/health", "", nil)
	if rec2.Header().Get("x-request-id") == "" {
		t.Error("server did not generate a request id")
	}
}

func TestRoutingErrors(t *testing.T) {
	ts := newTestServer(t, &scriptedAnalyzer{}, fixedEmbedder{}, nil)

	rec := ts.do(t, http.MethodGet, "/no/such/route", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var e errorWire
	decodeInto(t, rec, &e)
	if e.Error != "not_found" {
		t.Errorf("error = %q, want not_found", e.Error)
	}

	rec = ts.do(t, http.MethodGet, "/retrieve_context", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on POST route = %d, want 405", rec.Code)
	}
}

func TestQueueEventsStream(t *testing.T) {
	const content = "User collects vinyl"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{draftAnalysis(content)}}
	ts := newTestServer(t, an, fixedEmbedder{content: {1, 0, 0}}, nil)

	srv := httptest.NewServer(ts.app.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queue/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp %v)", wsURL, err, resp)
	}
	defer conn.Close()

	out, rec := postUpdate(t, ts, "", map[string]any{
		"namespace":  "toy1",
		"session_id": "s1",
		"messages":   userMessages("I collect vinyl"),
	})
	if rec.Code != http.StatusOK || out.Status != "queued" {
		t.Fatalf("update = %d %+v", rec.Code, out)
	}

	// The worker-phase events arrive well after the subscription, so
	// they are safe to require; the enqueued event may race the
	// handshake and is not asserted.
	seen := map[string]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for !(seen["started"] && seen["done"]) {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("SetReadDeadline: %v", err)
		}
		var ev struct {
			Queue string `json:"queue"`
			Type  string `json:"type"`
			Key   string `json:"key"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON after %v: %v", seen, err)
		}
		if ev.Queue != "update" {
			t.Fatalf("event queue = %q, want update", ev.Queue)
		}
		if ev.Key != "toy1::s1" {
			t.Fatalf("event key = %q, want toy1::s1", ev.Key)
		}
		seen[ev.Type] = true
	}
}
