package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/jsontime"
)

// Task kinds.
const (
	KindUpdate = "update"
	KindForget = "forget"
)

// Task is one persisted queue entry. The JSON form below is the on-disk
// file format; messages travel gzip'd and base64'd so a task file stays
// a single self-contained line of text.
type Task struct {
	// Kind is KindUpdate or KindForget.
	Kind string `json:"kind"`

	// ID is the task's UUID, also embedded in its filename.
	ID string `json:"id"`

	// Key is the coalescing and exclusion key: "{ns}::{sessionId}" for
	// updates and session forgets, "{ns}::ids::{hash16}" for id forgets.
	Key string `json:"key"`

	// Namespace scopes the task's writes and the per-namespace limit.
	Namespace string `json:"namespace"`

	// SessionID is set for updates and session-scoped forgets.
	SessionID string `json:"sessionId,omitempty"`

	// MemoryIDs is set for id-scoped forgets.
	MemoryIDs []string `json:"memoryIds,omitempty"`

	// TranscriptHash fingerprints the update's messages; identical
	// hashes coalesce to one pending task.
	TranscriptHash string `json:"transcriptHash,omitempty"`

	// MessageCount is the transcript length at enqueue time.
	MessageCount int `json:"messageCount,omitempty"`

	// MessagesGzip holds the transcript JSON; compressed on the wire,
	// plain bytes in memory.
	MessagesGzip encoding.GzipData `json:"messages_gzip_base64,omitempty"`

	CreatedAt jsontime.Milli `json:"createdAt"`

	// Attempt counts executions so far; 0 until a worker first claims
	// the task.
	Attempt int `json:"attempt"`

	// NextRunAt gates scheduling; the pump skips tasks still in the
	// future.
	NextRunAt jsontime.Milli `json:"nextRunAt"`

	// LastError records the most recent worker failure.
	LastError string `json:"lastError,omitempty"`

	// Result carries per-backend outcomes written by the handler
	// (forget tasks record deletion counts here).
	Result map[string]any `json:"result,omitempty"`
}

// NewUpdateTask builds an update task for one transcript snapshot.
func NewUpdateTask(ns, sessionID, transcriptHash string, messages []analyze.Message) (*Task, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("queue: encode messages: %w", err)
	}
	return &Task{
		Kind:           KindUpdate,
		ID:             uuid.NewString(),
		Key:            UpdateKey(ns, sessionID),
		Namespace:      ns,
		SessionID:      sessionID,
		TranscriptHash: transcriptHash,
		MessageCount:   len(messages),
		MessagesGzip:   raw,
		CreatedAt:      jsontime.NowEpochMilli(),
		NextRunAt:      jsontime.NowEpochMilli(),
	}, nil
}

// NewForgetTask builds a forget task. Either sessionID or memoryIDs must
// be set; when both are, the ids win for the key so distinct deletions
// never coalesce with each other.
func NewForgetTask(ns, sessionID string, memoryIDs []string) *Task {
	t := &Task{
		Kind:      KindForget,
		ID:        uuid.NewString(),
		Namespace: ns,
		SessionID: sessionID,
		MemoryIDs: memoryIDs,
		CreatedAt: jsontime.NowEpochMilli(),
		NextRunAt: jsontime.NowEpochMilli(),
	}
	if len(memoryIDs) > 0 {
		t.Key = ForgetIDsKey(ns, memoryIDs)
	} else {
		t.Key = UpdateKey(ns, sessionID)
	}
	return t
}

// UpdateKey is the per-session queue key.
func UpdateKey(ns, sessionID string) string {
	return ns + "::" + sessionID
}

// ForgetIDsKey derives a stable key for an id-scoped forget: the same id
// set (in any order) maps to the same key.
func ForgetIDsKey(ns string, ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	h := encoding.StableHashHex(strings.Join(sorted, "\n"))
	return ns + "::ids::" + h[:16]
}

// DecodeMessages unmarshals the transcript carried by an update task.
func (t *Task) DecodeMessages() ([]analyze.Message, error) {
	if len(t.MessagesGzip) == 0 {
		return nil, nil
	}
	var msgs []analyze.Message
	if err := json.Unmarshal(t.MessagesGzip, &msgs); err != nil {
		return nil, fmt.Errorf("queue: decode messages: %w", err)
	}
	return msgs, nil
}

// Stripped returns a copy without the message payload, for admin
// listings and exports where transcript bodies must not leak.
func (t *Task) Stripped() *Task {
	c := *t
	c.MessagesGzip = nil
	return &c
}

// fileName renders the task's on-disk name: {keyHash16}-{epochMs}-{id}.json.
// The key hash groups a key's files together and the timestamp orders
// them, so directory sorts are key-grouped and time-ordered.
func fileName(t *Task) string {
	keyHash := encoding.StableHashHex(t.Key)[:16]
	return fmt.Sprintf("%s-%d-%s.json", keyHash, t.CreatedAt.Time().UnixMilli(), t.ID)
}

// compressedSize reports the gzip'd size of the task's messages, the
// quantity MaxTaskBytes bounds.
func compressedSize(t *Task) (int, error) {
	if len(t.MessagesGzip) == 0 {
		return 0, nil
	}
	gz, err := encoding.Gzip(t.MessagesGzip)
	if err != nil {
		return 0, fmt.Errorf("queue: compress messages: %w", err)
	}
	return len(gz), nil
}
