package server

import (
	"context"
	"fmt"

	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/queue"
)

// UpdateTaskHandler adapts the ingestion pipeline to the queue. The
// outcome lands in Task.Result so failed-task files and synchronous
// calls can read it back; a pipeline error is returned for retry.
func UpdateTaskHandler(up *memory.Updater) queue.Handler {
	return func(ctx context.Context, t *queue.Task) error {
		msgs, err := t.DecodeMessages()
		if err != nil {
			return err
		}
		res, err := up.Update(ctx, memory.UpdateRequest{
			Namespace: t.Namespace,
			SessionID: t.SessionID,
			Messages:  msgs,
		})
		if err != nil {
			return err
		}
		t.Result = map[string]any{
			"status":            res.Status,
			"memories_added":    res.MemoriesAdded,
			"memories_filtered": res.MemoriesFiltered,
		}
		return nil
	}
}

// ForgetTaskHandler adapts the dual delete to the queue. Deletes are
// idempotent, so a backend failure returns an error and the whole task
// retries; the already-clean side just deletes nothing next time.
func ForgetTaskHandler(f *memory.Forgetter) queue.Handler {
	return func(ctx context.Context, t *queue.Task) error {
		res := f.Forget(ctx, t.Namespace, t.SessionID, t.MemoryIDs)
		t.Result = map[string]any{
			"deleted": res.Deleted,
			"qdrant":  res.Vector,
			"neo4j":   res.Graph,
		}
		if res.Vector.Error != "" {
			return fmt.Errorf("forget %s: vector: %s", t.Key, res.Vector.Error)
		}
		if res.Graph.Error != "" {
			return fmt.Errorf("forget %s: graph: %s", t.Key, res.Graph.Error)
		}
		return nil
	}
}

// updateResponseFromResult rebuilds the wire response from a task
// result. Results read straight after RunNow carry Go ints; results
// reloaded from a task file carry JSON float64s. Both appear here.
func updateResponseFromResult(result map[string]any) updateResponse {
	resp := updateResponse{Status: memory.StatusProcessed}
	if s, ok := result["status"].(string); ok && s != "" {
		resp.Status = s
	}
	resp.MemoriesAdded = resultInt(result["memories_added"])
	resp.MemoriesFiltered = resultInt(result["memories_filtered"])
	if e, ok := result["error"].(string); ok {
		resp.Error = e
	}
	return resp
}

func resultInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
