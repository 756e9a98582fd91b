// Package audit appends administrative actions to a JSON Lines log.
//
// Forget operations and queue-admin actions are recorded with the
// requester's key id (a short digest, never the raw API key). Writing is
// best-effort: a failed append is logged and dropped rather than failing
// the request it describes.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Entry is one audit record. Extra carries action-specific fields such
// as deleted counts or retried file names.
type Entry struct {
	ID        string         `json:"id"`
	TSMillis  int64          `json:"ts_ms"`
	Action    string         `json:"action"`
	Namespace string         `json:"namespace,omitempty"`
	KeyID     string         `json:"key_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	DryRun    bool           `json:"dry_run,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Logger appends entries to a local JSONL file. A nil Logger discards
// everything, so callers never need to guard their Append calls.
//
// It is safe for concurrent use; appends are serialized.
type Logger struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
}

// New creates a Logger writing to path. An empty path returns nil,
// which disables auditing.
func New(path string, log *zap.Logger) *Logger {
	if path == "" {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{path: path, log: log}
}

// Append writes one entry. Missing ID and TSMillis are filled in. Errors
// are logged and swallowed.
func (l *Logger) Append(e Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TSMillis == 0 {
		e.TSMillis = time.Now().UnixMilli()
	}
	line, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("audit entry encode failed", zap.String("action", e.Action), zap.Error(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.log.Warn("audit dir create failed", zap.String("path", l.path), zap.Error(err))
			return
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		l.log.Warn("audit open failed", zap.String("path", l.path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		l.log.Warn("audit append failed", zap.String("path", l.path), zap.Error(err))
	}
}
