package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/queue"
)

// probeTimeout bounds each dependency check so a wedged store cannot
// hang the orchestrator's probe.
const probeTimeout = 1500 * time.Millisecond

type probeResult struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// handleHealth is the liveness probe: the process is up and serving.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz is the readiness probe: both stores answer within the
// probe timeout. Schema state is deliberately not part of readiness —
// a version mismatch is visible in /health/details and at startup, and
// flapping the whole instance out of rotation for it would turn a
// config mistake into an outage.
func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	vec := a.probeVec(r.Context())
	grph := a.probeGraph(r.Context())
	if !vec.OK || !grph.OK {
		a.writeJSON(w, r, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"checks": map[string]probeResult{"qdrant": vec, "neo4j": grph},
		})
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

type healthDetails struct {
	Status string                 `json:"status"`
	Checks map[string]probeResult `json:"checks"`
	Schema *SchemaReport          `json:"schema"`
	Queues map[string]queue.Stats `json:"queues"`
}

// handleHealthDetails reports per-dependency latency, schema state, and
// queue depth for operators. Admin-only: latencies and backlog sizes
// profile the deployment.
func (a *App) handleHealthDetails(w http.ResponseWriter, r *http.Request) {
	d := healthDetails{
		Status: "ok",
		Checks: map[string]probeResult{
			"qdrant": a.probeVec(r.Context()),
			"neo4j":  a.probeGraph(r.Context()),
			"queue":  a.probeQueue(r.Context()),
		},
		Schema: a.schema,
		Queues: map[string]queue.Stats{
			"update": a.updateQ.Stats(),
			"forget": a.forgetQ.Stats(),
		},
	}
	for _, c := range d.Checks {
		if !c.OK {
			d.Status = "degraded"
			break
		}
	}
	if !a.schema.Ready {
		d.Status = "degraded"
	}
	a.writeJSON(w, r, http.StatusOK, d)
}

func (a *App) probeVec(ctx context.Context) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	_, err := a.vec.Count(ctx)
	return probeOutcome(start, err)
}

// probeGraph reads a key that never exists; ErrNotFound proves the
// store round-tripped.
func (a *App) probeGraph(ctx context.Context) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	_, err := a.graph.GetNode(ctx, "health::session::probe")
	if errors.Is(err, graph.ErrNotFound) {
		err = nil
	}
	return probeOutcome(start, err)
}

func (a *App) probeQueue(ctx context.Context) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	_, err := a.updateQ.Depth(ctx)
	return probeOutcome(start, err)
}

func probeOutcome(start time.Time, err error) probeResult {
	res := probeResult{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
