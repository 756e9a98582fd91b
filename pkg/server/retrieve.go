package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/recall"
)

// handleRetrieve serves POST /retrieve_context.
//
// The read path degrades instead of failing: when the update backlog
// crosses the configured threshold the graph relation signal is dropped
// for this request, keeping latency flat while the queue drains. The
// response echoes empty entities/topics so callers can tell.
func (a *App) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req recall.Request
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.UserInput == "" {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "user_input is required")
		return
	}
	ns, ok := a.resolveNamespace(w, r, req.Namespace)
	if !ok {
		return
	}
	req.Namespace = ns

	release, ok := a.nsGate.Acquire(ns)
	if !ok {
		a.writeError(w, r, http.StatusServiceUnavailable, kindNamespaceOverload,
			"namespace "+ns+" is at its retrieval concurrency limit")
		return
	}
	defer release()

	if limit := a.cfg.Retrieval.DegradeRelatedPending; limit > 0 {
		if pending := a.updateQ.Stats().PendingApprox; pending >= limit {
			a.metrics.degradedRetrievals.Inc()
			a.log.Warn("degraded retrieval, relation signal dropped",
				zap.String("namespace", ns),
				zap.Int("pending", pending),
				zap.Int("limit", limit),
			)
			req.Entities, req.Topics = nil, nil
		}
	}

	resp, err := a.retriever.Retrieve(r.Context(), req)
	if err != nil {
		// Retrieve only fails on context cancellation; the client is
		// gone, but finish the exchange in case it is still listening.
		a.writeError(w, r, http.StatusInternalServerError, kindInternal, "retrieval aborted")
		return
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}
