// Package analyze turns chat transcripts into memory candidates.
//
// An Analyzer extracts topics, entities, events, and memory drafts from a
// session transcript. Two implementations are provided: Heuristic, a
// dependency-free tokenizer with rule-based typing, and Gemini, which asks
// a Gemini model for structured JSON.
package analyze

import (
	"context"
	"strings"
)

// Memory kinds carried on drafts.
const (
	KindFact       = "fact"
	KindPreference = "preference"
	KindRule       = "rule"
	KindTask       = "task"
	KindEphemeral  = "ephemeral"
)

// Entity types. Anything unrecognized is TypeOther.
const (
	TypePerson = "person"
	TypePlace  = "place"
	TypeOrg    = "org"
	TypeOther  = "other"
)

const (
	defaultMaxMemories = 10
	maxListLen         = 10
)

// Message is a single transcript turn.
type Message struct {
	Role    string `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`
}

// Request carries one session transcript into an Analyzer.
type Request struct {
	SessionID           string
	Messages            []Message
	MaxMemories         int
	ImportanceThreshold float64
}

// Signals are the raw importance inputs observed for a draft.
type Signals struct {
	Frequency  float64 `json:"frequency"`
	UserIntent float64 `json:"user_intent"`
	Length     int     `json:"length"`
}

// Draft is a candidate memory before importance gating and persistence.
type Draft struct {
	Content    string   `json:"content"`
	Kind       string   `json:"kind,omitempty"`
	MemoryKey  string   `json:"memory_key,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Entities   []string `json:"entities"`
	Topics     []string `json:"topics"`
	CreatedAt  string   `json:"created_at,omitempty"`
	Signals    Signals  `json:"signals"`
}

// Entity is a named thing mentioned in the transcript.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Event is a dated happening mentioned in the transcript.
type Event struct {
	Type      string   `json:"type"`
	Summary   string   `json:"summary"`
	Timestamp string   `json:"timestamp"`
	Entities  []string `json:"entities,omitempty"`
	Topics    []string `json:"topics,omitempty"`
}

// Analysis is the analyzer output for one transcript.
type Analysis struct {
	Topics   []string `json:"topics"`
	Entities []Entity `json:"entities"`
	Events   []Event  `json:"events"`
	Drafts   []Draft  `json:"memories"`
	Filtered int      `json:"filtered,omitempty"`
}

// Analyzer extracts memory candidates from a transcript.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// sanitize enforces the output invariants both implementations share: list
// caps, entity dedupe, kind defaults, clamped scores, and the draft budget.
// Drafts dropped by the budget are added to Filtered.
func sanitize(a *Analysis, maxMemories int) {
	if maxMemories <= 0 {
		maxMemories = defaultMaxMemories
	}

	a.Topics = dedupeStrings(a.Topics, maxListLen)

	seen := make(map[string]bool, len(a.Entities))
	ents := a.Entities[:0]
	for _, e := range a.Entities {
		k := strings.ToLower(e.Name)
		if e.Name == "" || seen[k] {
			continue
		}
		seen[k] = true
		if e.Type == "" {
			e.Type = TypeOther
		}
		ents = append(ents, e)
	}
	a.Entities = ents

	if len(a.Events) > maxListLen {
		a.Events = a.Events[:maxListLen]
	}
	for i := range a.Events {
		if a.Events[i].Type == "" {
			a.Events[i].Type = "note"
		}
	}

	drafts := a.Drafts[:0]
	for _, d := range a.Drafts {
		if strings.TrimSpace(d.Content) == "" {
			continue
		}
		drafts = append(drafts, d)
	}
	a.Drafts = drafts
	if len(a.Drafts) > maxMemories {
		a.Filtered += len(a.Drafts) - maxMemories
		a.Drafts = a.Drafts[:maxMemories]
	}
	for i := range a.Drafts {
		d := &a.Drafts[i]
		if d.Kind == "" {
			d.Kind = KindFact
		}
		d.Confidence = clamp01(d.Confidence)
		d.Entities = dedupeStrings(d.Entities, maxListLen)
		d.Topics = dedupeStrings(d.Topics, maxListLen)
		d.Signals.UserIntent = clamp01(d.Signals.UserIntent)
		if d.Signals.Frequency < 0 {
			d.Signals.Frequency = 0
		}
		if d.Signals.Length <= 0 {
			d.Signals.Length = len(d.Content)
		}
	}
}

func dedupeStrings(in []string, limit int) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// slug compacts a free-form subject into a memory-key segment.
func slug(s string) string {
	return strings.Join(tokenize(s), "-")
}
