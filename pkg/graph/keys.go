package graph

import (
	"strings"
	"unicode/utf8"
)

// Node key grammar ("::"-separated composite strings):
//
//	session:  {ns}::session::{sessionId}
//	topic:    {ns}::topic::{name}
//	entity:   {ns}::entity::{type}::{name}
//	event:    {ns}::event::{type}::{ts}::{summary}   (capped at 240 chars)
//	memory:   {ns}::{localId}
//
// The namespace never contains "::". Memory keys are the memory ids
// themselves; any key whose second segment is not a reserved kind word
// is a memory key.

// MaxKeyLen caps composite node keys. Event summaries are free text and
// would otherwise produce unbounded keys.
const MaxKeyLen = 240

// SessionKey returns the node key for a session.
func SessionKey(ns, sessionID string) string {
	return ns + "::session::" + sessionID
}

// TopicKey returns the node key for a topic.
func TopicKey(ns, name string) string {
	return ns + "::topic::" + name
}

// EntityKey returns the node key for a typed entity.
func EntityKey(ns, typ, name string) string {
	return ns + "::entity::" + typ + "::" + name
}

// EventKey returns the node key for an event, truncated to MaxKeyLen.
func EventKey(ns, typ, ts, summary string) string {
	return truncateKey(ns+"::event::"+typ+"::"+ts+"::"+summary, MaxKeyLen)
}

// Namespace returns the namespace prefix of a node key or memory id,
// i.e. everything before the first "::". Returns "" when the key has no
// namespace separator.
func Namespace(key string) string {
	if i := strings.Index(key, "::"); i >= 0 {
		return key[:i]
	}
	return ""
}

// SessionID returns the session id of a session node key, or "" when
// the key is not a session key.
func SessionID(key string) string {
	_, kind, rest := splitKey(key)
	if kind != KindSession {
		return ""
	}
	return rest
}

// Kind classifies a node key into one of the Kind* constants. Memory is
// the fallback for any namespaced key without a reserved kind word.
func Kind(key string) string {
	_, kind, _ := splitKey(key)
	return kind
}

// splitKey breaks a node key into (namespace, kind, rest). rest is the
// key remainder after "{ns}::{kindword}::" for reserved kinds, or after
// "{ns}::" for memory keys. kind is "" for keys without a namespace.
func splitKey(key string) (ns, kind, rest string) {
	i := strings.Index(key, "::")
	if i < 0 {
		return "", "", ""
	}
	ns, rest = key[:i], key[i+2:]
	head := rest
	if j := strings.Index(rest, "::"); j >= 0 {
		head = rest[:j]
	}
	switch head {
	case KindSession, KindTopic, KindEntity, KindEvent:
		if len(head) == len(rest) {
			// Bare "{ns}::topic" without a name is malformed; treat as
			// a memory key so it round-trips rather than vanishing.
			return ns, KindMemory, rest
		}
		return ns, head, rest[len(head)+2:]
	default:
		return ns, KindMemory, rest
	}
}

// truncateKey caps s at n bytes without splitting a rune.
func truncateKey(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
