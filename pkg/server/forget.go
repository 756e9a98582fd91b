package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/audit"
	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/queue"
)

// forgetRequest is the wire shape of POST /forget.
type forgetRequest struct {
	Namespace string   `json:"namespace,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	MemoryIDs []string `json:"memory_ids,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Async     bool     `json:"async,omitempty"`
}

type forgetResponse struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
	RequestID string `json:"request_id"`

	// Deleted is set for synchronous deletes; a pointer so "deleted": 0
	// still appears on the wire.
	Deleted *int `json:"deleted,omitempty"`

	// DeleteIDs and DeleteSession echo the normalized scope of the
	// request, for dry runs and queued deletes.
	DeleteIDs     int    `json:"delete_ids,omitempty"`
	DeleteSession string `json:"delete_session,omitempty"`

	Results *forgetResults `json:"results,omitempty"`
}

// forgetResults carries the per-backend outcomes of a synchronous
// delete, keyed by the store names clients know from retrieval sources.
type forgetResults struct {
	Vector memory.StoreDeletes `json:"qdrant"`
	Graph  memory.StoreDeletes `json:"neo4j"`
	Queue  queueOutcome        `json:"queue"`
}

type queueOutcome struct {
	OK        bool   `json:"ok"`
	Cancelled int    `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleForget serves POST /forget. Every call is audited, dry runs
// included: the point of the log is knowing who asked for deletions,
// not only which ones ran.
func (a *App) handleForget(w http.ResponseWriter, r *http.Request) {
	var req forgetRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ids := memory.NormalizeIDs(req.MemoryIDs)
	if req.SessionID == "" && len(ids) == 0 {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "session_id or memory_ids is required")
		return
	}
	ns, ok := a.resolveNamespace(w, r, req.Namespace)
	if !ok {
		return
	}
	reqID := requestIDFrom(r.Context())

	a.audit.Append(audit.Entry{
		Action:    "forget",
		Namespace: ns,
		KeyID:     keyIDFrom(r.Context()),
		RequestID: reqID,
		DryRun:    req.DryRun,
		Extra: map[string]any{
			"session_id": req.SessionID,
			"memory_ids": len(ids),
			"async":      req.Async,
		},
	})

	resp := forgetResponse{
		Namespace:     ns,
		RequestID:     reqID,
		DeleteIDs:     len(ids),
		DeleteSession: req.SessionID,
	}

	switch {
	case req.DryRun:
		resp.Status = "dry_run"

	case req.Async:
		// Cancel any pending re-ingestion first so the queue cannot
		// resurrect the session after the delete lands.
		cancelled := 0
		if req.SessionID != "" {
			cancelled = a.updateQ.CancelBySession(ns, req.SessionID)
		}
		t := queue.NewForgetTask(ns, req.SessionID, ids)
		if _, err := a.forgetQ.Enqueue(r.Context(), t); err != nil {
			a.log.Error("enqueue forget", zap.String("key", t.Key), zap.Error(err))
			a.writeError(w, r, http.StatusServiceUnavailable, kindQueueOverloaded, "could not enqueue forget")
			return
		}
		a.log.Debug("forget queued",
			zap.String("namespace", ns),
			zap.String("session_id", req.SessionID),
			zap.Int("memory_ids", len(ids)),
			zap.Int("cancelled_updates", cancelled),
		)
		resp.Status = "queued"

	default:
		cancelled := 0
		if req.SessionID != "" {
			cancelled = a.updateQ.CancelBySession(ns, req.SessionID)
		}
		res := a.forgetter.Forget(r.Context(), ns, req.SessionID, ids)
		// Drop cached retrievals so the deleted memories stop being
		// served immediately. Queued deletes stay bounded by the TTL.
		a.retriever.InvalidateNamespace(ns)
		resp.Status = "ok"
		resp.Deleted = &res.Deleted
		resp.Results = &forgetResults{
			Vector: res.Vector,
			Graph:  res.Graph,
			Queue:  queueOutcome{OK: true, Cancelled: cancelled},
		}
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}
