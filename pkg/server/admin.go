package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/audit"
	"github.com/deepmem/deepmem/pkg/queue"
)

// The queue admin surface is mounted twice: under /queue for the update
// queue and under /queue/forget for the forget queue. Handlers are
// parameterized over the queue so both mounts share one implementation.

type queueStatsResponse struct {
	Queue string      `json:"queue"`
	Stats queue.Stats `json:"stats"`
	Depth queue.Depth `json:"depth"`
}

// handleQueueStats merges the fast in-memory snapshot with the on-disk
// depth counts.
func (a *App) handleQueueStats(name string, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		depth, err := q.Depth(r.Context())
		if err != nil {
			a.log.Error("queue depth scan", zap.String("queue", name), zap.Error(err))
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not scan queue directories")
			return
		}
		a.writeJSON(w, r, http.StatusOK, queueStatsResponse{Queue: name, Stats: q.Stats(), Depth: depth})
	}
}

type failedListResponse struct {
	Count int                `json:"count"`
	Tasks []queue.FailedTask `json:"tasks"`
}

func (a *App) handleFailedList(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := a.queryInt(w, r, "limit")
		if !ok {
			return
		}
		list, err := q.ListFailed(r.Context(), queue.ListFailedOptions{
			Key:   r.URL.Query().Get("key"),
			Limit: limit,
		})
		if err != nil {
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not list failed tasks")
			return
		}
		a.writeJSON(w, r, http.StatusOK, failedListResponse{Count: len(list), Tasks: list})
	}
}

func (a *App) handleFailedExport(q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := a.queryInt(w, r, "limit")
		if !ok {
			return
		}
		exp, err := q.ExportFailed(r.Context(), queue.ExportOptions{
			File:  r.URL.Query().Get("file"),
			Key:   r.URL.Query().Get("key"),
			Limit: limit,
		})
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				a.writeError(w, r, http.StatusNotFound, kindNotFound, err.Error())
				return
			}
			a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
			return
		}
		a.writeJSON(w, r, http.StatusOK, exp)
	}
}

// retryRequest selects what to requeue: one file by name, or everything
// matching a key. An empty body retries the whole archive.
type retryRequest struct {
	File   string `json:"file,omitempty"`
	Key    string `json:"key,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

func (a *App) handleFailedRetry(name string, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, r, http.StatusBadRequest, kindInvalidJSON, "malformed JSON body")
			return
		}

		if req.File != "" {
			if err := q.RetryFailed(r.Context(), req.File); err != nil {
				if errors.Is(err, queue.ErrNotFound) {
					a.writeError(w, r, http.StatusNotFound, kindNotFound, err.Error())
					return
				}
				a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
				return
			}
			a.auditQueueAction(r, name, "queue_retry", false, map[string]any{"file": req.File})
			a.writeJSON(w, r, http.StatusOK, queue.RetryReport{
				Scanned: 1, Retried: 1, Files: []string{req.File},
			})
			return
		}

		rep, err := q.RetryAllFailed(r.Context(), queue.RetryFailedOptions{
			Key:    req.Key,
			Limit:  req.Limit,
			DryRun: req.DryRun,
		})
		if err != nil {
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "retry sweep failed")
			return
		}
		a.auditQueueAction(r, name, "queue_retry", req.DryRun, map[string]any{
			"key":     req.Key,
			"scanned": rep.Scanned,
			"retried": rep.Retried,
		})
		a.writeJSON(w, r, http.StatusOK, rep)
	}
}

func (a *App) handleFailedDelete(name string, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file := chi.URLParam(r, "file")
		if err := q.DeleteFailed(file); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				a.writeError(w, r, http.StatusNotFound, kindNotFound, err.Error())
				return
			}
			a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
			return
		}
		a.auditQueueAction(r, name, "queue_delete", false, map[string]any{"file": file})
		a.writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "deleted": file})
	}
}

// handleFailedArchive snapshots the failed archive as JSON Lines into
// the configured export store, one FailedTask per line. The snapshot is
// read-only; entries stay in failed/ for retry or deletion.
func (a *App) handleFailedArchive(name string, q *queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.exports == nil {
			a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest,
				"no export store is configured (set EXPORT_URI)")
			return
		}
		var req retryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.writeError(w, r, http.StatusBadRequest, kindInvalidJSON, "malformed JSON body")
			return
		}
		list, err := q.ListFailed(r.Context(), queue.ListFailedOptions{Key: req.Key, Limit: req.Limit})
		if err != nil {
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not list failed tasks")
			return
		}

		path := "queue/" + name + "/failed-" + time.Now().UTC().Format("20060102T150405Z") + ".jsonl"
		wc, err := a.exports.Write(r.Context(), path)
		if err != nil {
			a.log.Error("archive open", zap.String("path", path), zap.Error(err))
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not open export")
			return
		}
		enc := json.NewEncoder(wc)
		for _, ft := range list {
			if err := enc.Encode(ft); err != nil {
				wc.Close()
				a.log.Error("archive write", zap.String("path", path), zap.Error(err))
				a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not write export")
				return
			}
		}
		if err := wc.Close(); err != nil {
			a.log.Error("archive flush", zap.String("path", path), zap.Error(err))
			a.writeError(w, r, http.StatusInternalServerError, kindInternal, "could not finish export")
			return
		}
		a.auditQueueAction(r, name, "queue_archive", false, map[string]any{"path": path, "count": len(list)})
		a.writeJSON(w, r, http.StatusOK, map[string]any{"status": "ok", "path": path, "count": len(list)})
	}
}

// auditQueueAction records one queue-admin mutation. Reads (stats,
// listings, exports) are not audited.
func (a *App) auditQueueAction(r *http.Request, queueName, action string, dryRun bool, extra map[string]any) {
	if extra == nil {
		extra = map[string]any{}
	}
	extra["queue"] = queueName
	a.audit.Append(audit.Entry{
		Action:    action,
		KeyID:     keyIDFrom(r.Context()),
		RequestID: requestIDFrom(r.Context()),
		DryRun:    dryRun,
		Extra:     extra,
	})
}

// queryInt parses an optional integer query parameter; a false return
// means a 400 was already written.
func (a *App) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		a.writeError(w, r, http.StatusBadRequest, kindInvalidRequest,
			"query parameter "+name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
