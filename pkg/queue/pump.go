package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/jsontime"
)

// EnqueueResult reports the outcome of an Enqueue.
type EnqueueResult struct {
	// TaskID identifies the task that will serve the request: the new
	// task's id, or the already-pending one when coalesced.
	TaskID string `json:"taskId"`

	// Coalesced is true when an identical pending task absorbed this
	// enqueue without touching disk.
	Coalesced bool `json:"coalesced"`
}

// Enqueue persists a task to pending/ and registers it as the key's
// newest snapshot, superseding any older pending task for the same key.
// An update whose transcript hash matches the pending task is dropped as
// a no-op and the pending task's id is returned.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (EnqueueResult, error) {
	if err := ctx.Err(); err != nil {
		return EnqueueResult{}, err
	}
	if t.Kind == KindUpdate {
		n, err := compressedSize(t)
		if err != nil {
			return EnqueueResult{}, err
		}
		if n > q.cfg.MaxTaskBytes {
			return EnqueueResult{}, fmt.Errorf("%w: %d bytes compressed, limit %d",
				ErrTaskTooLarge, n, q.cfg.MaxTaskBytes)
		}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return EnqueueResult{}, ErrClosed
	}
	if ref, ok := q.pending[t.Key]; ok && t.TranscriptHash != "" && ref.hash == t.TranscriptHash {
		q.mu.Unlock()
		q.emit(Event{Type: EventCoalesced, Key: t.Key, TaskID: ref.id})
		return EnqueueResult{TaskID: ref.id, Coalesced: true}, nil
	}
	q.mu.Unlock()

	path := filepath.Join(q.dir(dirPending), fileName(t))
	if err := writeTaskFile(path, t); err != nil {
		return EnqueueResult{}, err
	}
	ref := pendingRef{
		path:      path,
		id:        t.ID,
		hash:      t.TranscriptHash,
		createdAt: t.CreatedAt.Time(),
		nextRunAt: t.NextRunAt.Time(),
		namespace: t.Namespace,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		removeQuiet(path)
		return EnqueueResult{}, ErrClosed
	}
	prev, had := q.pending[t.Key]
	q.pending[t.Key] = ref
	q.mu.Unlock()

	if had && prev.path != path {
		removeQuiet(prev.path)
		q.emit(Event{Type: EventSuperseded, Key: t.Key, TaskID: prev.id})
	}
	q.emit(Event{Type: EventEnqueued, Key: t.Key, TaskID: t.ID})
	q.notifyPump()
	return EnqueueResult{TaskID: t.ID}, nil
}

// RunNow executes a task synchronously on the caller's goroutine. It
// honors per-key exclusion (waiting for an inflight task on the same key
// up to ctx) but not the worker concurrency caps: the caller already
// holds a request slot. Any pending task for the key is superseded,
// since the synchronous snapshot is newer. The handler's error is
// returned directly; nothing is retried or archived.
func (q *Queue) RunNow(ctx context.Context, t *Task) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if _, busy := q.inflight[t.Key]; !busy {
			q.inflight[t.Key] = struct{}{}
			stale, had := q.pending[t.Key]
			if had {
				delete(q.pending, t.Key)
			}
			q.mu.Unlock()
			if had {
				removeQuiet(stale.path)
				q.emit(Event{Type: EventSuperseded, Key: t.Key, TaskID: stale.id})
			}
			break
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue: wait for key %q: %w", t.Key, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer func() {
		q.mu.Lock()
		delete(q.inflight, t.Key)
		q.mu.Unlock()
		q.notifyPump()
	}()

	q.emit(Event{Type: EventStarted, Key: t.Key, TaskID: t.ID})
	if err := q.cfg.Handler(ctx, t); err != nil {
		q.emit(Event{Type: EventFailed, Key: t.Key, TaskID: t.ID, Error: err.Error()})
		return err
	}
	q.emit(Event{Type: EventDone, Key: t.Key, TaskID: t.ID})
	return nil
}

// CancelBySession removes the pending task keyed to the session, if any.
// Inflight work is not interrupted. Reports the number cancelled, 0 or 1
// since pending tasks are coalesced per key.
func (q *Queue) CancelBySession(ns, sessionID string) int {
	key := UpdateKey(ns, sessionID)
	q.mu.Lock()
	ref, ok := q.pending[key]
	if ok {
		delete(q.pending, key)
	}
	q.mu.Unlock()
	if !ok {
		return 0
	}
	removeQuiet(ref.path)
	q.emit(Event{Type: EventCancelled, Key: key, TaskID: ref.id})
	return 1
}

// pump is the scheduler loop: dispatch whatever is eligible, then sleep
// until woken by an enqueue, a worker slot freeing up, or the tick that
// catches tasks whose backoff just elapsed.
func (q *Queue) pump() {
	defer q.loops.Done()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		q.dispatchReady()
		select {
		case <-q.stop:
			return
		case <-q.wake:
		case <-tick.C:
		}
	}
}

// dispatchReady claims eligible pending tasks in nextRunAt order until a
// concurrency cap is hit or nothing is runnable. A task is eligible when
// its backoff has elapsed, its key has no inflight task, and its
// namespace is under the per-namespace cap.
func (q *Queue) dispatchReady() {
	for {
		now := time.Now()
		q.mu.Lock()
		if q.closed || q.active >= q.cfg.Concurrency {
			q.mu.Unlock()
			return
		}
		var (
			bestKey string
			best    pendingRef
			found   bool
		)
		for key, ref := range q.pending {
			if ref.nextRunAt.After(now) {
				continue
			}
			if _, busy := q.inflight[key]; busy {
				continue
			}
			if lim := q.cfg.NamespaceConcurrency; lim > 0 && q.nsInflight[ref.namespace] >= lim {
				continue
			}
			if !found || ref.nextRunAt.Before(best.nextRunAt) {
				bestKey, best, found = key, ref, true
			}
		}
		if !found {
			q.mu.Unlock()
			return
		}
		delete(q.pending, bestKey)
		q.inflight[bestKey] = struct{}{}
		q.nsInflight[best.namespace]++
		q.active++
		q.mu.Unlock()

		dst := filepath.Join(q.dir(dirInflight), filepath.Base(best.path))
		if err := os.Rename(best.path, dst); err != nil {
			q.log.Warn("task claim failed",
				zap.String("file", filepath.Base(best.path)), zap.Error(err))
			q.release(bestKey, best.namespace)
			continue
		}
		q.loops.Add(1)
		go q.runTask(dst, bestKey, best.namespace)
	}
}

// release frees a worker claim and nudges the pump at the freed slot.
func (q *Queue) release(key, ns string) {
	q.mu.Lock()
	delete(q.inflight, key)
	if q.nsInflight[ns]--; q.nsInflight[ns] <= 0 {
		delete(q.nsInflight, ns)
	}
	q.active--
	q.mu.Unlock()
	q.notifyPump()
}

// runTask executes one claimed inflight file and moves it to its next
// state: done/ (or deletion) on success, pending/ with backoff on a
// retryable failure, failed/ once attempts are exhausted.
func (q *Queue) runTask(path, key, ns string) {
	defer q.loops.Done()
	defer q.release(key, ns)

	t, err := readTaskFile(path)
	if err != nil {
		q.log.Warn("inflight task unreadable, archiving",
			zap.String("file", filepath.Base(path)), zap.Error(err))
		q.archiveCorrupt(path, filepath.Base(path), err)
		return
	}
	q.emit(Event{Type: EventStarted, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt})

	if err := q.cfg.Handler(q.runCtx, t); err != nil {
		q.retryOrFail(path, t, err)
		return
	}
	q.finish(path, t)
}

// finish records a successful task. The file is rewritten rather than
// renamed so a Result set by the handler is persisted.
func (q *Queue) finish(path string, t *Task) {
	if q.cfg.KeepDone {
		t.LastError = ""
		dst := filepath.Join(q.dir(dirDone), filepath.Base(path))
		if err := writeTaskFile(dst, t); err != nil {
			q.log.Warn("record done task", zap.String("task", t.ID), zap.Error(err))
		}
	}
	removeQuiet(path)
	q.emit(Event{Type: EventDone, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt})
}

// retryOrFail consumes one attempt and routes the task. A failed attempt
// whose key already has a newer pending snapshot is dropped in the
// newer one's favor: update transcripts are cumulative, so rerunning the
// stale one buys nothing.
func (q *Queue) retryOrFail(path string, t *Task, cause error) {
	t.Attempt++
	t.LastError = cause.Error()
	name := filepath.Base(path)

	q.mu.Lock()
	_, superseded := q.pending[t.Key]
	q.mu.Unlock()
	if superseded {
		removeQuiet(path)
		q.log.Info("failed task superseded by newer enqueue",
			zap.String("key", t.Key), zap.String("task", t.ID))
		q.emit(Event{Type: EventSuperseded, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt, Error: t.LastError})
		return
	}

	if t.Attempt >= q.cfg.MaxAttempts {
		dst := filepath.Join(q.dir(dirFailed), name)
		if err := writeTaskFile(dst, t); err != nil {
			// Leave it in inflight/; the next Init recovers it.
			q.log.Error("archive failed task", zap.String("task", t.ID), zap.Error(err))
			return
		}
		removeQuiet(path)
		q.log.Warn("task failed permanently",
			zap.String("key", t.Key), zap.Int("attempts", t.Attempt), zap.String("error", t.LastError))
		q.emit(Event{Type: EventFailed, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt, Error: t.LastError})
		return
	}

	delay := Backoff(t.Attempt, q.cfg.RetryBase, q.cfg.RetryMax)
	t.NextRunAt = jsontime.Milli(time.Now().Add(delay))
	dst := filepath.Join(q.dir(dirPending), name)
	if err := writeTaskFile(dst, t); err != nil {
		q.log.Error("requeue task", zap.String("task", t.ID), zap.Error(err))
		return
	}
	removeQuiet(path)

	ref := pendingRef{
		path:      dst,
		id:        t.ID,
		hash:      t.TranscriptHash,
		createdAt: t.CreatedAt.Time(),
		nextRunAt: t.NextRunAt.Time(),
		namespace: t.Namespace,
	}
	q.mu.Lock()
	if _, raced := q.pending[t.Key]; raced {
		// An enqueue slipped in after the check above; its snapshot wins.
		q.mu.Unlock()
		removeQuiet(dst)
		q.emit(Event{Type: EventSuperseded, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt, Error: t.LastError})
		return
	}
	q.pending[t.Key] = ref
	q.mu.Unlock()

	q.log.Warn("task failed, will retry",
		zap.String("key", t.Key), zap.Int("attempt", t.Attempt),
		zap.Duration("delay", delay), zap.String("error", t.LastError))
	q.emit(Event{Type: EventRetry, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt, Error: t.LastError})
}

// cleanupLoop sweeps expired done/ files on a jittered cadence.
func (q *Queue) cleanupLoop() {
	defer q.loops.Done()
	for {
		period := cleanupMinInterval +
			time.Duration(rand.Int64N(int64(cleanupMaxInterval-cleanupMinInterval)))
		select {
		case <-q.stop:
			return
		case <-time.After(period):
		}
		q.cleanupDone()
	}
}

// cleanupDone removes done/ files whose mtime is past RetentionDays.
func (q *Queue) cleanupDone() {
	cutoff := time.Now().AddDate(0, 0, -q.cfg.RetentionDays)
	names, err := listTaskFiles(q.dir(dirDone))
	if err != nil {
		q.log.Warn("scan done", zap.Error(err))
		return
	}
	removed := 0
	for _, name := range names {
		path := filepath.Join(q.dir(dirDone), name)
		fi, err := os.Stat(path)
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			removeQuiet(path)
			removed++
		}
	}
	if removed > 0 {
		q.log.Info("expired done tasks", zap.Int("removed", removed))
	}
}
