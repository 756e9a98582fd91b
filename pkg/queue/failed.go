package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/jsontime"
)

// FailedTask pairs an archived task with its file name, the handle the
// retry and delete operations take. The task is stripped of its message
// payload; admin surfaces never carry transcript bodies.
type FailedTask struct {
	File string `json:"file"`
	Task *Task  `json:"task"`
}

// ListFailedOptions filters a failed-archive listing.
type ListFailedOptions struct {
	// Key restricts the listing to one queue key.
	Key string

	// Limit caps the number of entries; zero means all.
	Limit int
}

// ListFailed scans failed/ in file order (key-hash grouped, oldest
// first within a key). Unreadable files are skipped with a warning so
// one corrupt entry cannot hide the rest of the archive.
func (q *Queue) ListFailed(ctx context.Context, opt ListFailedOptions) ([]FailedTask, error) {
	names, err := listTaskFiles(q.dir(dirFailed))
	if err != nil {
		return nil, fmt.Errorf("queue: scan failed: %w", err)
	}
	var keyPrefix string
	if opt.Key != "" {
		keyPrefix = encoding.StableHashHex(opt.Key)[:16] + "-"
	}

	out := make([]FailedTask, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if keyPrefix != "" && !strings.HasPrefix(name, keyPrefix) {
			continue
		}
		t, err := readTaskFile(filepath.Join(q.dir(dirFailed), name))
		if err != nil {
			q.log.Warn("failed task unreadable", zap.String("file", name), zap.Error(err))
			continue
		}
		if opt.Key != "" && t.Key != opt.Key {
			continue
		}
		out = append(out, FailedTask{File: name, Task: t.Stripped()})
		if opt.Limit > 0 && len(out) >= opt.Limit {
			break
		}
	}
	return out, nil
}

// RetryFailed moves one archived task back to pending/ with its attempt
// count, backoff, and last error reset, so it gets a full fresh cycle.
// It refuses when the key already has a pending task: that one is a
// newer snapshot and re-running the archived one would buy nothing.
func (q *Queue) RetryFailed(ctx context.Context, file string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validTaskFileName(file) {
		return fmt.Errorf("queue: retry: invalid file name %q", file)
	}
	src := filepath.Join(q.dir(dirFailed), file)
	t, err := readTaskFile(src)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if ref, ok := q.pending[t.Key]; ok {
		q.mu.Unlock()
		return fmt.Errorf("queue: retry %s: key %q already has pending task %s", file, t.Key, ref.id)
	}
	q.mu.Unlock()

	t.Attempt = 0
	t.LastError = ""
	t.NextRunAt = jsontime.NowEpochMilli()
	dst := filepath.Join(q.dir(dirPending), file)
	if err := writeTaskFile(dst, t); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		q.log.Warn("failed archive cleanup", zap.String("file", file), zap.Error(err))
	}

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
		q.mu.Unlock()
		removeQuiet(dst)
		return fmt.Errorf("queue: retry %s: key %q gained a pending task meanwhile", file, t.Key)
	}
	q.pending[t.Key] = ref
	q.mu.Unlock()

	q.emit(Event{Type: EventEnqueued, Key: t.Key, TaskID: t.ID})
	q.notifyPump()
	return nil
}

// RetryFailedOptions scopes a bulk retry.
type RetryFailedOptions struct {
	// Key restricts the retry to one queue key.
	Key string

	// Limit caps how many tasks are requeued; zero means all.
	Limit int

	// DryRun lists what would be retried without moving anything.
	DryRun bool
}

// RetryReport summarizes a bulk retry.
type RetryReport struct {
	Scanned int      `json:"scanned"`
	Retried int      `json:"retried"`
	Files   []string `json:"files,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// RetryAllFailed requeues archived tasks matching the options. Per-file
// failures are collected rather than aborting the sweep.
func (q *Queue) RetryAllFailed(ctx context.Context, opt RetryFailedOptions) (RetryReport, error) {
	list, err := q.ListFailed(ctx, ListFailedOptions{Key: opt.Key, Limit: opt.Limit})
	if err != nil {
		return RetryReport{}, err
	}
	rep := RetryReport{Scanned: len(list)}
	for _, ft := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if opt.DryRun {
			rep.Files = append(rep.Files, ft.File)
			continue
		}
		if err := q.RetryFailed(ctx, ft.File); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		rep.Retried++
		rep.Files = append(rep.Files, ft.File)
	}
	return rep, nil
}

// ExportOptions selects what ExportFailed returns: one file by name, or
// a listing (optionally scoped to a key).
type ExportOptions struct {
	File  string
	Key   string
	Limit int
}

// Export modes.
const (
	ExportModeFile  = "file"
	ExportModeList  = "list"
	ExportModeEmpty = "empty"
)

// Export is a failed-archive snapshot suitable for offline triage. Tasks
// are stripped of message payloads in every mode.
type Export struct {
	Mode  string       `json:"mode"`
	Task  *Task        `json:"task,omitempty"`
	Tasks []FailedTask `json:"tasks,omitempty"`
}

// ExportFailed reads the failed archive without mutating it. With File
// set it returns that single task (mode "file"); otherwise it returns a
// listing (mode "list"), or mode "empty" when nothing matches.
func (q *Queue) ExportFailed(ctx context.Context, opt ExportOptions) (*Export, error) {
	if opt.File != "" {
		if !validTaskFileName(opt.File) {
			return nil, fmt.Errorf("queue: export: invalid file name %q", opt.File)
		}
		t, err := readTaskFile(filepath.Join(q.dir(dirFailed), opt.File))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, opt.File)
			}
			return nil, err
		}
		return &Export{Mode: ExportModeFile, Task: t.Stripped()}, nil
	}
	list, err := q.ListFailed(ctx, ListFailedOptions{Key: opt.Key, Limit: opt.Limit})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return &Export{Mode: ExportModeEmpty}, nil
	}
	return &Export{Mode: ExportModeList, Tasks: list}, nil
}

// DeleteFailed removes one archived task permanently.
func (q *Queue) DeleteFailed(file string) error {
	if !validTaskFileName(file) {
		return fmt.Errorf("queue: delete: invalid file name %q", file)
	}
	err := os.Remove(filepath.Join(q.dir(dirFailed), file))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, file)
	}
	return err
}
