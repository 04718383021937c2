package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Vortrix5/echogarden/pkg/llm"
)

// evidenceTokenBudget bounds how much evidence text goes into the prompt.
const evidenceTokenBudget = 3000

// EvidenceItem is one retrieved memory offered to the weaver.
type EvidenceItem struct {
	MemoryID string  `json:"memory_id"`
	Title    string  `json:"title,omitempty"`
	Summary  string  `json:"summary"`
	Snippet  string  `json:"snippet,omitempty"`
	Score    float64 `json:"score"`
}

// WeaverInput is the question plus its supporting evidence.
type WeaverInput struct {
	Query    string         `json:"query" jsonschema:"required"`
	Evidence []EvidenceItem `json:"evidence"`
}

// WeaverOutput is the grounded answer.
type WeaverOutput struct {
	Answer         string   `json:"answer"`
	CitedMemoryIDs []string `json:"cited_memory_ids"`
}

// NewWeaverTool composes an answer from evidence, citing sources with
// [title] tokens. Without an LLM, the fallback is a bulleted digest of the
// top summaries with synthetic citations.
func NewWeaverTool(client *llm.Client) Tool {
	var encoder *tiktoken.Tiktoken
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		encoder = enc
	}
	return NewTool("weaver", "Compose a cited answer from retrieved evidence",
		func(ctx context.Context, in WeaverInput) (WeaverOutput, error) {
			if len(in.Evidence) == 0 {
				return WeaverOutput{Answer: "", CitedMemoryIDs: []string{}}, nil
			}
			evidence := trimEvidence(in.Evidence, encoder)

			if client != nil {
				if out, ok := weaveWithLLM(ctx, client, in.Query, evidence); ok {
					return out, nil
				}
			}
			return weaveDigest(evidence), nil
		})
}

func weaveWithLLM(ctx context.Context, client *llm.Client, query string, evidence []EvidenceItem) (WeaverOutput, bool) {
	var b strings.Builder
	for i, ev := range evidence {
		b.WriteString(fmt.Sprintf("[%s] (id %s, #%d)\n%s\n%s\n\n",
			citationLabel(ev), ev.MemoryID, i+1, ev.Summary, ev.Snippet))
	}

	prompt := fmt.Sprintf(`Answer the question using ONLY the evidence below.
Cite every claim with the bracketed label of its source, e.g. [%s].
If the evidence does not answer the question, say so.

Reply with a JSON object: {"answer": "...", "cited_memory_ids": ["..."]}
where cited_memory_ids lists the id values of the sources you cited.

Question: %s

Evidence:
%s`, citationLabel(evidence[0]), query, b.String())

	raw, err := client.GenerateJSON(ctx, prompt)
	if err != nil {
		return WeaverOutput{}, false
	}
	var out WeaverOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out.Answer == "" {
		return WeaverOutput{}, false
	}
	out.CitedMemoryIDs = intersectIDs(out.CitedMemoryIDs, evidence)
	return out, true
}

// weaveDigest is the deterministic fallback: one bullet per evidence item
// with its citation token.
func weaveDigest(evidence []EvidenceItem) WeaverOutput {
	const maxBullets = 5
	var b strings.Builder
	b.WriteString("Based on what I have captured:\n")
	var cited []string
	for i, ev := range evidence {
		if i == maxBullets {
			break
		}
		b.WriteString(fmt.Sprintf("- %s [%s]\n", ev.Summary, citationLabel(ev)))
		cited = append(cited, ev.MemoryID)
	}
	return WeaverOutput{Answer: strings.TrimRight(b.String(), "\n"), CitedMemoryIDs: cited}
}

// citationLabel picks the token used in [citation] markers: the source
// title when known, otherwise the memory id.
func citationLabel(ev EvidenceItem) string {
	if ev.Title != "" {
		return ev.Title
	}
	return ev.MemoryID
}

// trimEvidence drops tail items once the token budget is spent.
func trimEvidence(evidence []EvidenceItem, encoder *tiktoken.Tiktoken) []EvidenceItem {
	countTokens := func(s string) int {
		if encoder != nil {
			return len(encoder.Encode(s, nil, nil))
		}
		// rough fallback: one token per 4 bytes
		return len(s) / 4
	}

	total := 0
	out := make([]EvidenceItem, 0, len(evidence))
	for _, ev := range evidence {
		total += countTokens(ev.Summary) + countTokens(ev.Snippet)
		if total > evidenceTokenBudget && len(out) > 0 {
			break
		}
		out = append(out, ev)
	}
	return out
}

// intersectIDs keeps only cited ids that actually appear in the evidence.
func intersectIDs(ids []string, evidence []EvidenceItem) []string {
	valid := make(map[string]bool, len(evidence))
	for _, ev := range evidence {
		valid[ev.MemoryID] = true
	}
	var out []string
	seen := map[string]bool{}
	for _, id := range ids {
		if valid[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
