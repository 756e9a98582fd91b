// Package queue implements the durable per-key task queue behind
// asynchronous memory updates and forgets.
//
// Every task is one JSON file that lives in exactly one of four state
// directories under the queue root:
//
//	pending/   waiting for its nextRunAt
//	inflight/  claimed by a worker
//	done/      completed (kept only when KeepDone is set)
//	failed/    exhausted its attempts; the admin archive
//
// State transitions are directory renames, atomic on one filesystem, and
// file writes go through write-to-temp + fsync + rename, so a crash at
// any instant leaves every task in a well-defined state. On Init, files
// found in inflight/ are returned to pending/ with their attempt count
// bumped.
//
// The queue guarantees two things and nothing more:
//
//  1. Per-key exclusion: at most one worker runs tasks for a given key
//     at any instant. Keys are "{ns}::{sessionId}" for updates, so a
//     session's transcripts are ingested serially.
//  2. Coalescing: at most one pending task per key. A newer enqueue
//     supersedes the waiting one (update transcripts are cumulative
//     snapshots, so only the latest matters); an enqueue with the same
//     transcript hash is dropped without touching disk.
//
// # Dependency Direction
//
//	queue → analyze, encoding, jsontime
//
// queue never imports the updater or HTTP layers; the worker body is an
// injected Handler.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/jsontime"
)

// Sentinel errors.
var (
	// ErrTaskTooLarge is returned by Enqueue when the compressed message
	// payload exceeds Config.MaxTaskBytes.
	ErrTaskTooLarge = errors.New("queue: task too large")

	// ErrNotFound is returned by the failed-archive operations when the
	// named file does not exist.
	ErrNotFound = errors.New("queue: task file not found")

	// ErrClosed is returned by Enqueue and RunNow after Shutdown.
	ErrClosed = errors.New("queue: closed")
)

// State directories under the queue root.
const (
	dirPending  = "pending"
	dirInflight = "inflight"
	dirDone     = "done"
	dirFailed   = "failed"
)

// Tunable defaults, applied by New when the config leaves them zero.
const (
	DefaultConcurrency  = 2
	DefaultMaxAttempts  = 5
	DefaultRetryBase    = 3 * time.Second
	DefaultRetryMax     = 10 * time.Minute
	DefaultMaxTaskBytes = 2 << 20 // 2 MiB of gzip'd messages
)

// cleanup loop cadence bounds; the actual period is jittered between
// them so many queues on one host do not stat done/ in lockstep.
const (
	cleanupMinInterval = 30 * time.Second
	cleanupMaxInterval = 60 * time.Second
)

// Handler executes one task. A nil return moves the task to done; an
// error schedules a retry until Config.MaxAttempts, then moves it to
// failed/ with the last error recorded. Handlers may set Task.Result to
// persist per-backend outcomes alongside the task.
type Handler func(ctx context.Context, t *Task) error

// Config configures a Queue.
type Config struct {
	// Dir is the queue root. Required; created on Init.
	Dir string

	// Handler is the worker body. Required.
	Handler Handler

	// Concurrency caps simultaneously running workers. Default
	// DefaultConcurrency.
	Concurrency int

	// NamespaceConcurrency caps inflight tasks per namespace. Zero
	// disables the per-namespace limit.
	NamespaceConcurrency int

	// MaxAttempts moves a task to failed/ when reached. Default
	// DefaultMaxAttempts.
	MaxAttempts int

	// RetryBase and RetryMax bound the exponential backoff. Defaults
	// DefaultRetryBase and DefaultRetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration

	// KeepDone retains completed task files in done/ instead of deleting
	// them on success.
	KeepDone bool

	// RetentionDays garbage-collects done/ files older than this many
	// days. Zero keeps them forever.
	RetentionDays int

	// MaxTaskBytes rejects enqueues whose compressed messages exceed it.
	// Default DefaultMaxTaskBytes.
	MaxTaskBytes int

	// Logger receives worker failures and recovery reports. Nil means no
	// logging.
	Logger *zap.Logger

	// OnEvent, when set, observes every task transition. Called outside
	// the queue's critical sections; the callback must not block.
	OnEvent func(Event)
}

// Stats is the queue's cheap self-report, read from in-memory state.
// PendingApprox counts coalesced pending keys, which can briefly lag the
// pending/ directory during enqueue races.
type Stats struct {
	PendingApprox int `json:"pending_approx"`
	Inflight      int `json:"inflight"`
	Active        int `json:"active"`

	// OldestPendingAt is the enqueue time of the oldest waiting task,
	// zero when nothing is pending.
	OldestPendingAt jsontime.Unix `json:"oldest_pending_at,omitzero"`
}

// Depth counts the task files in every state directory. Unlike Stats it
// scans the filesystem, so it is for admin surfaces, not hot paths.
type Depth struct {
	Pending  int `json:"pending"`
	Inflight int `json:"inflight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}

// pendingRef is the in-memory index entry for one coalesced pending task.
type pendingRef struct {
	path      string
	id        string
	hash      string // transcript hash; empty for forget tasks
	createdAt time.Time
	nextRunAt time.Time
	namespace string
}

// Queue is a durable on-disk task queue with per-key exclusion and
// coalescing. Construct with New, recover with Init, then Start.
//
// It is safe for concurrent use.
type Queue struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	pending    map[string]pendingRef // key → newest pending task
	inflight   map[string]struct{}   // keys claimed by workers or RunNow
	nsInflight map[string]int        // namespace → inflight count
	active     int                   // running workers
	closed     bool

	loops sync.WaitGroup // pump + cleanup + workers

	wake chan struct{} // pump wakeup, capacity 1
	stop chan struct{} // closed by Shutdown

	// runCtx is handed to worker handlers; runCancel fires only when a
	// Shutdown grace period expires, so handlers that honor their context
	// abort instead of outliving the process.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a Queue. Dir and Handler are required; tunables default
// per the package constants.
func New(cfg Config) (*Queue, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue: Config.Dir is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("queue: Config.Handler is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.MaxTaskBytes <= 0 {
		cfg.MaxTaskBytes = DefaultMaxTaskBytes
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		log:        log,
		pending:    make(map[string]pendingRef),
		inflight:   make(map[string]struct{}),
		nsInflight: make(map[string]int),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		runCtx:     runCtx,
		runCancel:  runCancel,
	}, nil
}

// Init prepares the queue for Start: it creates the state directories,
// returns crashed inflight tasks to pending/ with attempt+1 and a
// backoff delay, and rebuilds the pending index from pending/, keeping
// the entry with the latest nextRunAt per key.
func (q *Queue) Init(ctx context.Context) error {
	for _, d := range []string{dirPending, dirInflight, dirDone, dirFailed} {
		if err := os.MkdirAll(q.dir(d), 0o755); err != nil {
			return fmt.Errorf("queue: create %s: %w", d, err)
		}
	}
	if err := q.recoverInflight(ctx); err != nil {
		return err
	}
	return q.rebuildPending(ctx)
}

// recoverInflight moves every inflight/ file back to pending/ under its
// original name, bumping attempt and pushing nextRunAt out by backoff.
func (q *Queue) recoverInflight(ctx context.Context) error {
	names, err := listTaskFiles(q.dir(dirInflight))
	if err != nil {
		return fmt.Errorf("queue: scan inflight: %w", err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(q.dir(dirInflight), name)
		t, err := readTaskFile(src)
		if err != nil {
			q.log.Warn("inflight task unreadable, archiving",
				zap.String("file", name), zap.Error(err))
			q.archiveCorrupt(src, name, err)
			continue
		}
		t.Attempt++
		t.NextRunAt = jsontime.Milli(time.Now().Add(Backoff(t.Attempt, q.cfg.RetryBase, q.cfg.RetryMax)))
		dst := filepath.Join(q.dir(dirPending), name)
		if err := writeTaskFile(dst, t); err != nil {
			return fmt.Errorf("queue: recover %s: %w", name, err)
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			q.log.Warn("inflight cleanup failed", zap.String("file", name), zap.Error(err))
		}
		q.emit(Event{Type: EventRecovered, Key: t.Key, TaskID: t.ID, Attempt: t.Attempt})
	}
	if len(names) > 0 {
		q.log.Info("recovered inflight tasks", zap.Int("count", len(names)))
	}
	return nil
}

// rebuildPending indexes pending/ by key. When several files share a key
// (possible after a crash between write and unlink), the newest snapshot
// wins: latest createdAt, ties broken toward the later nextRunAt so a
// recovered retry does not shadow its own rewrite.
func (q *Queue) rebuildPending(ctx context.Context) error {
	names, err := listTaskFiles(q.dir(dirPending))
	if err != nil {
		return fmt.Errorf("queue: scan pending: %w", err)
	}
	refs := make(map[string]pendingRef, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(q.dir(dirPending), name)
		t, err := readTaskFile(path)
		if err != nil {
			q.log.Warn("pending task unreadable, archiving",
				zap.String("file", name), zap.Error(err))
			q.archiveCorrupt(path, name, err)
			continue
		}
		ref := pendingRef{
			path:      path,
			id:        t.ID,
			hash:      t.TranscriptHash,
			createdAt: t.CreatedAt.Time(),
			nextRunAt: t.NextRunAt.Time(),
			namespace: t.Namespace,
		}
		prev, ok := refs[t.Key]
		newer := !ok || ref.createdAt.After(prev.createdAt) ||
			(ref.createdAt.Equal(prev.createdAt) && ref.nextRunAt.After(prev.nextRunAt))
		if newer {
			if ok {
				removeQuiet(prev.path)
			}
			refs[t.Key] = ref
		} else {
			removeQuiet(path)
		}
	}

	q.mu.Lock()
	q.pending = refs
	q.mu.Unlock()
	return nil
}

// archiveCorrupt moves an undecodable task file into failed/ so it is
// visible to the admin surface instead of wedging the pump.
func (q *Queue) archiveCorrupt(src, name string, cause error) {
	dst := filepath.Join(q.dir(dirFailed), name)
	if err := os.Rename(src, dst); err != nil {
		q.log.Warn("corrupt task archive failed",
			zap.String("file", name), zap.NamedError("cause", cause), zap.Error(err))
	}
}

// Start launches the scheduler and the done/ cleanup loop. Call after
// Init.
func (q *Queue) Start() {
	q.loops.Add(1)
	go q.pump()
	if q.cfg.KeepDone && q.cfg.RetentionDays > 0 {
		q.loops.Add(1)
		go q.cleanupLoop()
	}
}

// Shutdown stops intake and the scheduler, then waits for inflight
// workers to finish or ctx to expire. Pending tasks stay on disk for the
// next Init.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.stop)

	done := make(chan struct{})
	go func() {
		q.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.runCancel()
		return nil
	case <-ctx.Done():
		q.runCancel()
		return fmt.Errorf("queue: shutdown: %w", ctx.Err())
	}
}

// Stats reports the in-memory queue state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		PendingApprox: len(q.pending),
		Inflight:      len(q.inflight),
		Active:        q.active,
	}
	var oldest time.Time
	for _, ref := range q.pending {
		if oldest.IsZero() || ref.createdAt.Before(oldest) {
			oldest = ref.createdAt
		}
	}
	if !oldest.IsZero() {
		s.OldestPendingAt = jsontime.Unix(oldest)
	}
	return s
}

// Depth counts task files per state directory.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var d Depth
	for _, c := range []struct {
		dir string
		n   *int
	}{
		{dirPending, &d.Pending},
		{dirInflight, &d.Inflight},
		{dirDone, &d.Done},
		{dirFailed, &d.Failed},
	} {
		if err := ctx.Err(); err != nil {
			return d, err
		}
		names, err := listTaskFiles(q.dir(c.dir))
		if err != nil {
			return d, fmt.Errorf("queue: scan %s: %w", c.dir, err)
		}
		*c.n = len(names)
	}
	return d, nil
}

// OnIdle blocks until the queue has no active workers and no pending
// tasks, or the timeout elapses. It reports whether idle was reached.
func (q *Queue) OnIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		idle := q.active == 0 && len(q.pending) == 0
		q.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// dir returns the absolute path of a state directory.
func (q *Queue) dir(state string) string {
	return filepath.Join(q.cfg.Dir, state)
}

// notifyPump nudges the scheduler without blocking.
func (q *Queue) notifyPump() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// emit delivers a transition event to the observer, if any.
func (q *Queue) emit(e Event) {
	if q.cfg.OnEvent == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	q.cfg.OnEvent(e)
}

// removeQuiet unlinks a superseded task file, ignoring races with other
// removers.
func removeQuiet(path string) {
	_ = os.Remove(path)
}
