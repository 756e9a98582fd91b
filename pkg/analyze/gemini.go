package analyze

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/kaptinlin/jsonrepair"
	"google.golang.org/genai"
)

// DefaultGeminiModel is used when Gemini.Model is empty.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini implements [Analyzer] by asking a Gemini model for structured JSON.
// The response is constrained by a schema and repaired with jsonrepair when
// the model still manages to emit malformed JSON.
type Gemini struct {
	Client *genai.Client `json:"-"`

	// Model should not start with "models/".
	Model string `json:"model"`
}

var _ Analyzer = (*Gemini)(nil)

const analyzeInstruction = `You extract long-term memories from a chat transcript between a user and an assistant.

Return JSON with:
- topics: up to 10 lowercase keywords naming what the conversation is about.
- entities: named people, places, organizations, or things. type is one of "person", "place", "org", "other".
- events: dated happenings such as meetings, deadlines, or trips. date is YYYY-MM-DD when the transcript implies one.
- memories: up to %d durable statements worth recalling in later sessions. Each is a single self-contained sentence. kind is one of "fact", "preference", "rule", "task", "ephemeral". subject is a short noun phrase naming what the memory is about. expires_at is an RFC 3339 timestamp, set only for ephemeral memories. confidence in [0,1] is your certainty. user_intent in [0,1] is how strongly the user signalled this should be remembered (1 means they said so explicitly). frequency is how many times the transcript restates the statement.

Only include memories with lasting value; the downstream importance cutoff is %.2f. Never invent facts that are not in the transcript.`

// Wire types for the model response. Kept separate from the domain types so
// the schema stays under our control.
type geminiAnalysis struct {
	Topics   []string       `json:"topics"`
	Entities []geminiEntity `json:"entities"`
	Events   []geminiEvent  `json:"events"`
	Memories []geminiDraft  `json:"memories"`
}

type geminiEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type geminiEvent struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Date    string `json:"date"`
}

type geminiDraft struct {
	Content    string   `json:"content"`
	Kind       string   `json:"kind"`
	Subject    string   `json:"subject"`
	ExpiresAt  string   `json:"expires_at"`
	Confidence float64  `json:"confidence"`
	Entities   []string `json:"entities"`
	Topics     []string `json:"topics"`
	UserIntent float64  `json:"user_intent"`
	Frequency  float64  `json:"frequency"`
}

var analysisSchema = sync.OnceValues(func() (*genai.Schema, error) {
	s, err := jsonschema.For[geminiAnalysis](&jsonschema.ForOptions{})
	if err != nil {
		return nil, err
	}
	return toGenaiSchema(s), nil
})

// Analyze sends the transcript to the model and maps the structured response
// into an Analysis.
func (g *Gemini) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	if len(req.Messages) == 0 {
		return &Analysis{}, nil
	}
	model := g.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	maxMem := req.MaxMemories
	if maxMem <= 0 {
		maxMem = defaultMaxMemories
	}

	schema, err := analysisSchema()
	if err != nil {
		return nil, fmt.Errorf("analyze: build response schema: %w", err)
	}

	var transcript strings.Builder
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&transcript, "%s: %s\n", role, m.Content)
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(fmt.Sprintf(analyzeInstruction, maxMem, req.ImportanceThreshold))},
		},
		ResponseMIMEType: "application/json",
		ResponseSchema:   schema,
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(transcript.String())},
	}}

	resp, err := g.Client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if e, ok := err.(*apierror.APIError); ok {
			err = e.Unwrap()
		}
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("analyze: no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonStop {
		return nil, fmt.Errorf("analyze: unexpected finish reason: %s", cand.FinishReason)
	}
	var text strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				text.WriteString(p.Text)
			}
		}
	}

	var wire geminiAnalysis
	if err := repairUnmarshal([]byte(text.String()), &wire); err != nil {
		return nil, fmt.Errorf("analyze: decode response: %w", err)
	}
	a := wire.toAnalysis(time.Now().UTC())
	sanitize(a, req.MaxMemories)
	return a, nil
}

func (w *geminiAnalysis) toAnalysis(now time.Time) *Analysis {
	createdAt := now.Format(time.RFC3339)
	a := &Analysis{Topics: w.Topics}
	for _, e := range w.Entities {
		a.Entities = append(a.Entities, Entity{Name: e.Name, Type: e.Type})
	}
	for _, ev := range w.Events {
		a.Events = append(a.Events, Event{Type: ev.Type, Summary: ev.Summary, Timestamp: ev.Date})
	}
	for _, d := range w.Memories {
		var memoryKey string
		if d.Subject != "" {
			switch d.Kind {
			case KindPreference, KindRule, KindTask:
				memoryKey = d.Kind + ":" + slug(d.Subject)
			}
		}
		a.Drafts = append(a.Drafts, Draft{
			Content:    strings.TrimSpace(d.Content),
			Kind:       d.Kind,
			MemoryKey:  memoryKey,
			Subject:    d.Subject,
			ExpiresAt:  d.ExpiresAt,
			Confidence: d.Confidence,
			Entities:   d.Entities,
			Topics:     d.Topics,
			CreatedAt:  createdAt,
			Signals: Signals{
				Frequency:  d.Frequency,
				UserIntent: d.UserIntent,
				Length:     len(d.Content),
			},
		})
	}
	return a
}

func toGenaiSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	enums := make([]string, 0, len(schema.Enum))
	for _, v := range schema.Enum {
		enums = append(enums, fmt.Sprintf("%v", v))
	}

	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Enum:        enums,
		Items:       toGenaiSchema(schema.Items),
		Required:    schema.Required,
	}

	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = toGenaiSchema(prop)
		}
	}
	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}

// repairUnmarshal unmarshals JSON, attempting a jsonrepair pass when the
// payload has a syntax error.
func repairUnmarshal(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	if _, ok := err.(*json.SyntaxError); ok {
		fixed, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return rerr
		}
		return json.Unmarshal([]byte(fixed), v)
	}
	return err
}
