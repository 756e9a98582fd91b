package queue

import "time"

// Event types, in rough lifecycle order.
const (
	EventEnqueued   = "enqueued"
	EventCoalesced  = "coalesced"  // identical hash already pending; nothing written
	EventSuperseded = "superseded" // older pending or retry replaced by a newer task
	EventCancelled  = "cancelled"
	EventRecovered  = "recovered" // inflight→pending at Init
	EventStarted    = "started"
	EventDone       = "done"
	EventRetry      = "retry"
	EventFailed     = "failed"
)

// Event describes one task transition. Delivered to Config.OnEvent for
// metrics and the admin live tail.
type Event struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	TaskID  string    `json:"task_id,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
