// Package guard implements the request guardrails that protect the
// memory engines from overload: a fixed-window rate limiter, backlog
// shedding policies, deterministic update sampling, per-session
// min-interval throttling, and per-namespace concurrency limits.
//
// Everything here is transport-agnostic; pkg/server composes these into
// HTTP middleware and maps decisions to status codes.
package guard

import (
	"strconv"
	"time"

	"github.com/deepmem/deepmem/pkg/encoding"
)

// BacklogAction is the outcome of evaluating the backlog policies.
type BacklogAction int

const (
	// BacklogNone admits the update unchanged.
	BacklogNone BacklogAction = iota

	// BacklogReadOnly sheds the update: the backlog is so deep that the
	// server stops accepting writes entirely.
	BacklogReadOnly

	// BacklogReject refuses the update with an overload error.
	BacklogReject

	// BacklogDelay admits the update but postpones its execution.
	BacklogDelay
)

// String returns the action name for logs.
func (a BacklogAction) String() string {
	switch a {
	case BacklogReadOnly:
		return "read_only"
	case BacklogReject:
		return "reject"
	case BacklogDelay:
		return "delay"
	default:
		return "none"
	}
}

// BacklogPolicy holds the three layered shedding thresholds, evaluated
// against the update queue's approximate pending count. A zero threshold
// disables its layer.
type BacklogPolicy struct {
	// ReadOnlyPending sheds all updates at or above this backlog.
	ReadOnlyPending int

	// RejectPending refuses updates at or above this backlog.
	RejectPending int

	// DelayPending postpones updates at or above this backlog.
	DelayPending int

	// DelaySeconds is both the execution delay for BacklogDelay and the
	// Retry-After hint for the shedding layers.
	DelaySeconds int
}

// BacklogDecision is one evaluated outcome.
type BacklogDecision struct {
	Action BacklogAction

	// RetryAfterSeconds is the client hint for ReadOnly and Reject.
	RetryAfterSeconds int

	// Delay is the enqueue postponement for BacklogDelay.
	Delay time.Duration
}

// Evaluate applies the policies in severity order: read-only, then
// reject, then delay. The first matching layer wins.
func (p BacklogPolicy) Evaluate(pending int) BacklogDecision {
	retryAfter := p.DelaySeconds
	if retryAfter <= 0 {
		retryAfter = 30
	}
	switch {
	case p.ReadOnlyPending > 0 && pending >= p.ReadOnlyPending:
		return BacklogDecision{Action: BacklogReadOnly, RetryAfterSeconds: retryAfter}
	case p.RejectPending > 0 && pending >= p.RejectPending:
		return BacklogDecision{Action: BacklogReject, RetryAfterSeconds: retryAfter}
	case p.DelayPending > 0 && pending >= p.DelayPending:
		return BacklogDecision{Action: BacklogDelay, Delay: time.Duration(retryAfter) * time.Second}
	default:
		return BacklogDecision{Action: BacklogNone}
	}
}

// sampleBuckets is the resolution of the deterministic sampler.
const sampleBuckets = 10000

// SampledOut reports whether an update should be dropped by sampling.
// The bucket is a pure function of (namespace, sessionID, messageCount),
// so a retried request lands in the same bucket and the decision is
// stable: bucket = hash[0:8] mod 10000 / 10000, dropped when ≥ rate.
func SampledOut(ns, sessionID string, messageCount int, rate float64) bool {
	if rate >= 1 {
		return false
	}
	h := encoding.StableHashHex(ns + "::" + sessionID + "::" + strconv.Itoa(messageCount))
	n, err := strconv.ParseUint(h[:8], 16, 64)
	if err != nil {
		return false // cannot happen: hex digest
	}
	bucket := float64(n%sampleBuckets) / sampleBuckets
	return bucket >= rate
}
