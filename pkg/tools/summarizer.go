package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Vortrix5/echogarden/pkg/llm"
)

// Summary length ceiling, enforced regardless of what the model returns.
const maxSummaryLen = 400

// SummarizerInput is the text to condense.
type SummarizerInput struct {
	Text string `json:"text" jsonschema:"required"`
}

// SummarizerOutput is the condensed summary, at most 400 characters.
type SummarizerOutput struct {
	Summary string `json:"summary"`
}

// NewSummarizerTool produces a 1-3 sentence summary. With no LLM client,
// or when the LLM is unreachable, it falls back to the leading sentences
// of the input.
func NewSummarizerTool(client *llm.Client) Tool {
	return NewTool("summarizer", "Condense text into a short summary",
		func(ctx context.Context, in SummarizerInput) (SummarizerOutput, error) {
			text := strings.TrimSpace(in.Text)
			if text == "" {
				return SummarizerOutput{Summary: ""}, nil
			}

			if client != nil {
				prompt := fmt.Sprintf(
					"Summarize the following text in 1-3 sentences, at most 400 characters. "+
						"Reply with the summary only.\n\n%s", clipRunes(text, 8000))
				if out, err := client.Generate(ctx, prompt); err == nil {
					if s := clampSummary(out); s != "" {
						return SummarizerOutput{Summary: s}, nil
					}
				}
				// Model unavailable or empty reply; use the extractive fallback.
			}
			return SummarizerOutput{Summary: leadingSentences(text)}, nil
		})
}

// clampSummary trims a model reply to the length ceiling, cutting at a
// sentence boundary when one exists.
func clampSummary(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxSummaryLen {
		return s
	}
	cut := clipRunes(s, maxSummaryLen)
	if i := strings.LastIndexAny(cut, ".!?"); i > maxSummaryLen/2 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}

// leadingSentences takes up to three sentences from the start of text,
// within the length ceiling.
func leadingSentences(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	var b strings.Builder
	sentences := 0
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			sentence := strings.TrimSpace(text[start : i+1])
			if b.Len()+len(sentence)+1 > maxSummaryLen {
				break
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(sentence)
			sentences++
			start = i + 1
			if sentences == 3 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return clampSummary(text)
	}
	return b.String()
}

// clipRunes bounds prompt size without splitting a rune. The cut backs
// up until it lands on a rune boundary, dropping any partial rune at the
// edge.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
