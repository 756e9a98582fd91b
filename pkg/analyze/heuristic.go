package analyze

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Heuristic implements [Analyzer] with a rule-based pass over the transcript.
// It needs no model or network: topics come from token frequency, entities
// from capitalized phrases, events from temporal markers, and drafts from
// user sentences scored by intent cues. Recall quality is deliberately
// modest; it is the fallback when no LLM analyzer is configured.
type Heuristic struct{}

var _ Analyzer = (*Heuristic)(nil)

// NewHeuristic creates a heuristic analyzer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

const (
	minDraftChars  = 12
	minDraftTokens = 2
	maxEventChars  = 80
)

// Analyze extracts topics, entities, events, and drafts from the transcript.
func (h *Heuristic) Analyze(_ context.Context, req Request) (*Analysis, error) {
	a := &Analysis{}
	if len(req.Messages) == 0 {
		return a, nil
	}
	now := time.Now().UTC()

	// First pass: transcript-wide token counts and entity mentions.
	counts := make(map[string]int)
	var order []string
	seenEnt := make(map[string]bool)
	for _, m := range req.Messages {
		for _, tok := range contentTokens(m.Content) {
			if counts[tok] == 0 {
				order = append(order, tok)
			}
			counts[tok]++
		}
		for _, sent := range splitSentences(m.Content) {
			for _, e := range extractEntities(sent) {
				k := strings.ToLower(e.Name)
				if seenEnt[k] {
					continue
				}
				seenEnt[k] = true
				a.Entities = append(a.Entities, e)
			}
		}
	}
	a.Topics = rankTopics(counts, order)

	// Second pass: events from every turn, drafts from user turns only.
	var candidates []Draft
	for _, m := range req.Messages {
		for _, sent := range splitSentences(m.Content) {
			if ev, ok := detectEvent(sent, now); ok {
				ev.Entities = entitiesIn(sent, a.Entities)
				ev.Topics = topicsIn(sent, a.Topics)
				a.Events = append(a.Events, ev)
			}
			if !isUserRole(m.Role) {
				continue
			}
			if d, ok := draftFrom(sent, counts, a.Topics, a.Entities, now); ok {
				candidates = append(candidates, d)
			}
		}
	}

	// Strongest candidates first; sanitize applies the budget.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Signals.UserIntent != candidates[j].Signals.UserIntent {
			return candidates[i].Signals.UserIntent > candidates[j].Signals.UserIntent
		}
		return candidates[i].Signals.Frequency > candidates[j].Signals.Frequency
	})
	a.Drafts = candidates

	sanitize(a, req.MaxMemories)
	return a, nil
}

func draftFrom(sent string, counts map[string]int, topics []string, entities []Entity, now time.Time) (Draft, bool) {
	toks := contentTokens(sent)
	if len(sent) < minDraftChars || len(toks) < minDraftTokens {
		return Draft{}, false
	}
	ls := strings.ToLower(sent)

	freq := 0
	for _, t := range toks {
		if counts[t] > freq {
			freq = counts[t]
		}
	}
	intent := userIntentScore(ls)
	kind := inferKind(ls)

	subject := extractSubject(sent)
	var memoryKey string
	if subject != "" {
		switch kind {
		case KindPreference, KindRule, KindTask:
			memoryKey = kind + ":" + subject
		}
	}

	var expiresAt string
	if kind == KindEphemeral {
		expiresAt = now.Add(ephemeralTTL(ls)).Format(time.RFC3339)
	}

	confidence := 0.5
	switch {
	case intent >= 1.0:
		confidence = 0.9
	case intent >= 0.7:
		confidence = 0.7
	}

	return Draft{
		Content:    sent,
		Kind:       kind,
		MemoryKey:  memoryKey,
		Subject:    subject,
		ExpiresAt:  expiresAt,
		Confidence: confidence,
		Entities:   entitiesIn(sent, entities),
		Topics:     topicsIn(sent, topics),
		CreatedAt:  now.Format(time.RFC3339),
		Signals: Signals{
			Frequency:  float64(freq),
			UserIntent: intent,
			Length:     len(sent),
		},
	}, true
}

// ---- intent, kind, subject ----

var explicitCues = []string{
	"remember", "don't forget", "dont forget", "note that", "keep in mind",
	"make sure", "for future reference",
}

var personalCues = []string{
	"my name is", "call me", "i am ", "i'm ", "i prefer", "i like", "i love",
	"i hate", "i live", "i work", "i have ", "my ",
}

var requestCues = []string{
	"remind me", "schedule", "book ", "set up", "plan ",
}

func userIntentScore(ls string) float64 {
	switch {
	case containsAny(ls, explicitCues):
		return 1.0
	case containsAny(ls, personalCues):
		return 0.7
	case containsAny(ls, requestCues):
		return 0.5
	}
	return 0.2
}

var (
	preferenceCues = []string{"prefer", "favorite", "favourite", "i like", "i love", "i hate", "rather have"}
	ruleCues       = []string{"always", "never", "must not", "allergic", "do not ever"}
	taskCues       = []string{"remind me", "todo", "need to", "deadline", "due ", "don't forget to"}
	ephemeralCues  = []string{"today", "tonight", "tomorrow", "this week", "right now", "at the moment"}
)

func inferKind(ls string) string {
	switch {
	case containsAny(ls, preferenceCues):
		return KindPreference
	case containsAny(ls, ruleCues):
		return KindRule
	case containsAny(ls, taskCues):
		return KindTask
	case containsAny(ls, ephemeralCues):
		return KindEphemeral
	}
	return KindFact
}

var subjectCues = map[string]bool{
	"prefer": true, "prefers": true, "preferred": true,
	"like": true, "likes": true, "love": true, "loves": true,
	"hate": true, "hates": true, "favorite": true, "favourite": true,
	"always": true, "never": true, "allergic": true,
}

// extractSubject returns up to two content tokens following the first
// preference/rule cue, joined with "-". Empty when no cue is present.
func extractSubject(sent string) string {
	toks := tokenize(sent)
	cue := -1
	for i, t := range toks {
		if subjectCues[t] {
			cue = i
			break
		}
	}
	if cue < 0 {
		return ""
	}
	var parts []string
	for _, t := range toks[cue+1:] {
		if subjectCues[t] {
			break
		}
		if stopwords[t] || len(t) < 3 {
			if len(parts) > 0 {
				break
			}
			continue
		}
		parts = append(parts, t)
		if len(parts) == 2 {
			break
		}
	}
	return strings.Join(parts, "-")
}

func ephemeralTTL(ls string) time.Duration {
	const day = 24 * time.Hour
	switch {
	case strings.Contains(ls, "this week"):
		return 7 * day
	case strings.Contains(ls, "tomorrow"):
		return 2 * day
	}
	return day
}

// ---- events ----

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday,
	"friday": time.Friday, "saturday": time.Saturday,
}

func detectEvent(sent string, now time.Time) (Event, bool) {
	ls := strings.ToLower(sent)
	typ, ok := eventType(ls)
	if !ok {
		return Event{}, false
	}
	ts, ok := eventDate(ls, now)
	if !ok {
		return Event{}, false
	}
	summary := strings.TrimSpace(sent)
	if len(summary) > maxEventChars {
		cut := maxEventChars
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}
	return Event{Type: typ, Summary: summary, Timestamp: ts}, true
}

func eventType(ls string) (string, bool) {
	switch {
	case containsAny(ls, []string{"meet", "appointment", "interview", "call with", "standup"}):
		return "meeting", true
	case containsAny(ls, []string{"deadline", "due "}):
		return "deadline", true
	case containsAny(ls, []string{"flight", "trip", "travel", "visiting"}):
		return "travel", true
	case containsAny(ls, []string{"birthday", "anniversary", "launch", "release"}):
		return "occasion", true
	}
	return "", false
}

func eventDate(ls string, now time.Time) (string, bool) {
	const day = 24 * time.Hour
	switch {
	case strings.Contains(ls, "tomorrow"):
		return now.Add(day).Format(time.DateOnly), true
	case strings.Contains(ls, "yesterday"):
		return now.Add(-day).Format(time.DateOnly), true
	case strings.Contains(ls, "today"), strings.Contains(ls, "tonight"):
		return now.Format(time.DateOnly), true
	case strings.Contains(ls, "next week"):
		return now.Add(7 * day).Format(time.DateOnly), true
	}
	for _, tok := range tokenize(ls) {
		if wd, ok := weekdayNames[tok]; ok {
			delta := (int(wd) - int(now.Weekday()) + 7) % 7
			if delta == 0 {
				delta = 7
			}
			return now.Add(time.Duration(delta) * day).Format(time.DateOnly), true
		}
	}
	return "", false
}

// ---- entities ----

var orgSuffixes = []string{"Inc", "LLC", "Corp", "Ltd", "Labs", "Co"}

func extractEntities(sent string) []Entity {
	words := strings.Fields(sent)
	var out []Entity
	i := 0
	for i < len(words) {
		w := cleanWord(words[i])
		if !isEntityWord(w) {
			i++
			continue
		}
		j := i
		var parts []string
		for j < len(words) {
			cw := cleanWord(words[j])
			if !isEntityWord(cw) {
				break
			}
			parts = append(parts, cw)
			j++
			if endsSentenceUnit(words[j-1]) {
				break
			}
		}
		// A lone capitalized word at sentence start is usually just the
		// sentence case, not a name.
		if i > 0 || len(parts) > 1 {
			name := strings.Join(parts, " ")
			prev := ""
			if i > 0 {
				prev = strings.ToLower(cleanWord(words[i-1]))
			}
			out = append(out, Entity{Name: name, Type: entityType(name, prev)})
		}
		i = j
	}
	return out
}

func entityType(name, prev string) string {
	for _, suf := range orgSuffixes {
		if strings.HasSuffix(name, suf) {
			return TypeOrg
		}
	}
	switch prev {
	case "in", "at", "from", "near":
		return TypePlace
	case "with", "met", "meet", "meeting", "call", "called", "ask", "asked", "tell", "told":
		return TypePerson
	}
	return TypeOther
}

func isEntityWord(w string) bool {
	if utf8.RuneCountInString(w) < 2 {
		return false
	}
	r, _ := utf8.DecodeRuneInString(w)
	if !unicode.IsUpper(r) {
		return false
	}
	lw := strings.ToLower(w)
	if stopwords[lw] {
		return false
	}
	switch lw {
	case "i'm", "i'll", "i've", "i'd":
		return false
	}
	return true
}

func endsSentenceUnit(raw string) bool {
	return strings.ContainsAny(raw[len(raw)-1:], ",.!?;:")
}

func cleanWord(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ---- topics, tokens, sentences ----

func rankTopics(counts map[string]int, order []string) []string {
	ranked := make([]string, len(order))
	copy(ranked, order)
	sort.SliceStable(ranked, func(i, j int) bool {
		return counts[ranked[i]] > counts[ranked[j]]
	})
	var out []string
	for _, t := range ranked {
		if counts[t] < 2 {
			break
		}
		out = append(out, t)
		if len(out) == maxListLen {
			return out
		}
	}
	if len(out) == 0 && len(ranked) > 0 {
		n := min(5, len(ranked))
		out = ranked[:n]
	}
	return out
}

func topicsIn(sent string, topics []string) []string {
	present := make(map[string]bool)
	for _, t := range tokenize(sent) {
		present[t] = true
	}
	var out []string
	for _, t := range topics {
		if present[t] {
			out = append(out, t)
		}
	}
	return out
}

func entitiesIn(sent string, entities []Entity) []string {
	ls := strings.ToLower(sent)
	var out []string
	for _, e := range entities {
		if strings.Contains(ls, strings.ToLower(e.Name)) {
			out = append(out, e.Name)
		}
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func contentTokens(s string) []string {
	var out []string
	for _, t := range tokenize(s) {
		if len(t) < 3 || stopwords[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

func splitSentences(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	}) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(s string, cues []string) bool {
	for _, c := range cues {
		if strings.Contains(s, c) {
			return true
		}
	}
	return false
}

func isUserRole(role string) bool {
	return role == "" || strings.EqualFold(role, "user")
}

var stopwords = map[string]bool{
	"a": true, "about": true, "after": true, "again": true, "all": true,
	"also": true, "am": true, "an": true, "and": true, "any": true,
	"are": true, "as": true, "at": true, "be": true, "because": true,
	"been": true, "before": true, "being": true, "but": true, "by": true,
	"can": true, "could": true, "did": true, "do": true, "does": true,
	"doing": true, "down": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "having": true, "he": true, "her": true,
	"here": true, "hers": true, "him": true, "his": true, "how": true,
	"i": true, "if": true, "in": true, "into": true, "is": true,
	"it": true, "its": true, "just": true, "me": true, "more": true,
	"most": true, "my": true, "no": true, "nor": true, "not": true,
	"now": true, "of": true, "off": true, "on": true, "once": true,
	"only": true, "or": true, "other": true, "our": true, "out": true,
	"over": true, "own": true, "she": true, "should": true, "so": true,
	"some": true, "such": true, "than": true, "that": true, "the": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "those": true, "through": true, "to": true,
	"too": true, "under": true, "until": true, "up": true, "very": true,
	"was": true, "we": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "while": true, "who": true, "why": true,
	"will": true, "with": true, "would": true, "you": true, "your": true,
}
