package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/Vortrix5/echogarden/pkg/graph"
	"github.com/Vortrix5/echogarden/pkg/llm"
)

// Extraction caps.
const (
	maxEntities   = 30
	maxTags       = 12
	maxActions    = 10
	minConfidence = 0.55
)

// ExtractorInput is the text to mine.
type ExtractorInput struct {
	Text string `json:"text" jsonschema:"required"`
}

// ExtractedEntity is one mention with a canonical name and type.
type ExtractedEntity struct {
	Canonical  string  `json:"canonical"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// ExtractorOutput lists entities, topic tags, and action items.
type ExtractorOutput struct {
	Entities []ExtractedEntity `json:"entities"`
	Tags     []string          `json:"tags"`
	Actions  []string          `json:"actions"`
}

// NewExtractorTool mines entities, tags, and actions from text. The LLM
// path asks for JSON and retries once on malformed output; without an LLM
// a heuristic pass over capitalized phrases keeps the graph populated.
func NewExtractorTool(client *llm.Client) Tool {
	return NewTool("extractor", "Extract entities, tags, and action items from text",
		func(ctx context.Context, in ExtractorInput) (ExtractorOutput, error) {
			text := strings.TrimSpace(in.Text)
			if text == "" {
				return ExtractorOutput{Entities: []ExtractedEntity{}, Tags: []string{}, Actions: []string{}}, nil
			}

			if client != nil {
				if out, ok := extractWithLLM(ctx, client, text); ok {
					return out, nil
				}
				// Model unavailable or persistently malformed; use heuristics.
			}
			return extractHeuristic(text), nil
		})
}

func extractWithLLM(ctx context.Context, client *llm.Client, text string) (ExtractorOutput, bool) {
	prompt := fmt.Sprintf(`Extract from the text below:
- "entities": up to %d notable people, organizations, places, or concepts, each as {"canonical": name, "type": one of person|organization|location|topic|concept, "confidence": 0..1}
- "tags": up to %d short topic tags
- "actions": up to %d action items or follow-ups

Reply with a single JSON object with exactly those three keys.

Text:
%s`, maxEntities, maxTags, maxActions, clipRunes(text, 8000))

	for attempt := 0; attempt < 2; attempt++ {
		raw, err := client.GenerateJSON(ctx, prompt)
		if err != nil {
			return ExtractorOutput{}, false
		}
		var out ExtractorOutput
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			continue
		}
		return sanitize(out), true
	}
	return ExtractorOutput{}, false
}

// sanitize enforces caps, the confidence floor, and type canonicalization.
func sanitize(out ExtractorOutput) ExtractorOutput {
	clean := ExtractorOutput{Entities: []ExtractedEntity{}, Tags: []string{}, Actions: []string{}}

	seen := map[string]bool{}
	for _, e := range out.Entities {
		name := strings.TrimSpace(e.Canonical)
		if name == "" || e.Confidence < minConfidence {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		clean.Entities = append(clean.Entities, ExtractedEntity{
			Canonical:  name,
			Type:       graph.CanonicalType(e.Type),
			Confidence: e.Confidence,
		})
		if len(clean.Entities) == maxEntities {
			break
		}
	}

	seenTag := map[string]bool{}
	for _, t := range out.Tags {
		tag := strings.ToLower(strings.TrimSpace(t))
		if tag == "" || seenTag[tag] {
			continue
		}
		seenTag[tag] = true
		clean.Tags = append(clean.Tags, tag)
		if len(clean.Tags) == maxTags {
			break
		}
	}

	for _, a := range out.Actions {
		action := strings.TrimSpace(a)
		if action == "" {
			continue
		}
		clean.Actions = append(clean.Actions, action)
		if len(clean.Actions) == maxActions {
			break
		}
	}
	return clean
}

// extractHeuristic pulls capitalized phrases as entity candidates and
// TODO-style lines as actions.
func extractHeuristic(text string) ExtractorOutput {
	out := ExtractorOutput{Entities: []ExtractedEntity{}, Tags: []string{}, Actions: []string{}}

	seen := map[string]bool{}
	words := strings.Fields(text)
	var phrase []string
	flush := func() {
		if len(phrase) == 0 {
			return
		}
		name := strings.Join(phrase, " ")
		phrase = nil
		key := strings.ToLower(name)
		if seen[key] || len(name) < 3 || len(out.Entities) >= maxEntities {
			return
		}
		seen[key] = true
		out.Entities = append(out.Entities, ExtractedEntity{
			Canonical:  name,
			Type:       graph.TypeEntity,
			Confidence: 0.6,
		})
	}
	for _, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" && unicode.IsUpper([]rune(trimmed)[0]) {
			phrase = append(phrase, trimmed)
			continue
		}
		flush()
	}
	flush()

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "todo") || strings.HasPrefix(lower, "- [ ]") ||
			strings.HasPrefix(lower, "action:") {
			out.Actions = append(out.Actions, trimmed)
			if len(out.Actions) == maxActions {
				break
			}
		}
	}
	return out
}
