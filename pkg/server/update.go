package server

import (
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/guard"
	"github.com/deepmem/deepmem/pkg/jsontime"
	"github.com/deepmem/deepmem/pkg/queue"
)

// updateRequest is the wire shape of POST /update_memory_index.
type updateRequest struct {
	Namespace string            `json:"namespace,omitempty"`
	SessionID string            `json:"session_id"`
	Messages  []analyze.Message `json:"messages"`

	// Async defaults to true: the transcript is queued and processed by
	// the workers. Explicit false runs the pipeline inline.
	Async *bool `json:"async,omitempty"`
}

type updateResponse struct {
	Status           string        `json:"status"`
	MemoriesAdded    int           `json:"memories_added"`
	MemoriesFiltered int           `json:"memories_filtered"`
	Error            string        `json:"error,omitempty"`
	Degraded         *degradedInfo `json:"degraded,omitempty"`
}

// degradedInfo reports backlog-driven degradation alongside a 200.
type degradedInfo struct {
	Mode         string `json:"mode"`
	NotBeforeMs  int64  `json:"notBeforeMs,omitempty"`
	DelaySeconds int    `json:"delaySeconds,omitempty"`
}

// handleUpdate serves POST /update_memory_index.
//
// Guardrails run in a fixed order: backlog shedding (queued updates
// only), disabled namespaces, sampling, per-session throttle. Shed
// updates answer 200 with status "skipped" and the reason in the error
// field — losing one transcript snapshot is not a client error, and the
// next snapshot carries the same session history anyway.
func (a *App) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "session_id is required")
		return
	}
	if len(req.Messages) == 0 {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "messages must not be empty")
		return
	}
	ns, ok := a.resolveNamespace(w, r, req.Namespace)
	if !ok {
		return
	}
	async := req.Async == nil || *req.Async

	// Backlog shedding protects the queue, so it applies only to queued
	// updates; a synchronous call consumes no queue capacity.
	var delay time.Duration
	if async {
		dec := a.backlog.Evaluate(a.updateQ.Stats().PendingApprox)
		switch dec.Action {
		case guard.BacklogReadOnly:
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
			a.writeJSON(w, r, http.StatusOK, updateResponse{
				Status:   "skipped",
				Error:    kindDegradedReadOnly,
				Degraded: &degradedInfo{Mode: "read_only", DelaySeconds: dec.RetryAfterSeconds},
			})
			return
		case guard.BacklogReject:
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
			a.writeError(w, r, http.StatusServiceUnavailable, kindQueueOverloaded, "update backlog is full")
			return
		case guard.BacklogDelay:
			delay = dec.Delay
		}
	}

	if slices.Contains(a.disabledNS, ns) {
		a.writeJSON(w, r, http.StatusOK, updateResponse{Status: "skipped", Error: kindNamespaceDisabled})
		return
	}
	if guard.SampledOut(ns, req.SessionID, len(req.Messages), a.cfg.Update.SampleRate) {
		a.writeJSON(w, r, http.StatusOK, updateResponse{Status: "skipped", Error: kindSampledOut})
		return
	}
	if ok, wait := a.throttle.Allow(queue.UpdateKey(ns, req.SessionID)); !ok {
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		a.writeJSON(w, r, http.StatusOK, updateResponse{Status: "skipped", Error: kindThrottled})
		return
	}

	hash, err := encoding.HashJSONHex(req.Messages)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "unencodable messages")
		return
	}
	t, err := queue.NewUpdateTask(ns, req.SessionID, hash, req.Messages)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, "unencodable messages")
		return
	}

	if !async {
		a.runUpdateNow(w, r, t)
		return
	}

	if delay > 0 {
		t.NextRunAt = jsontime.Milli(time.Now().Add(delay))
	}
	res, err := a.updateQ.Enqueue(r.Context(), t)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrTaskTooLarge):
			a.writeError(w, r, http.StatusRequestEntityTooLarge, kindPayloadTooLarge, err.Error())
		case errors.Is(err, queue.ErrClosed):
			a.writeError(w, r, http.StatusServiceUnavailable, kindQueueOverloaded, "queue is shutting down")
		default:
			a.log.Error("enqueue update", zap.String("key", t.Key), zap.Error(err))
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not enqueue update")
		}
		return
	}
	a.log.Debug("update queued",
		zap.String("namespace", ns),
		zap.String("session_id", req.SessionID),
		zap.String("task_id", res.TaskID),
		zap.Bool("coalesced", res.Coalesced),
	)
	resp := updateResponse{Status: "queued"}
	if delay > 0 {
		resp.Degraded = &degradedInfo{
			Mode:         "delayed",
			NotBeforeMs:  t.NextRunAt.Time().UnixMilli(),
			DelaySeconds: int(delay / time.Second),
		}
	}
	a.writeJSON(w, r, http.StatusOK, resp)
}

// runUpdateNow executes the update inline, still through the queue's
// per-key exclusion so a synchronous call and a worker never race on
// the same session. Pipeline errors come back as status "error" in a
// 200: the request was well-formed, the ingestion was not.
func (a *App) runUpdateNow(w http.ResponseWriter, r *http.Request, t *queue.Task) {
	if err := a.updateQ.RunNow(r.Context(), t); err != nil {
		a.writeJSON(w, r, http.StatusOK, updateResponse{Status: "error", Error: err.Error()})
		return
	}
	a.writeJSON(w, r, http.StatusOK, updateResponseFromResult(t.Result))
}
