package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Vortrix5/echogarden/pkg/llm"
)

// Verifier verdicts.
const (
	VerdictPass    = "pass"
	VerdictRevise  = "revise"
	VerdictAbstain = "abstain"
)

// VerifierInput is the drafted answer plus the evidence it must rest on.
type VerifierInput struct {
	Query    string         `json:"query" jsonschema:"required"`
	Answer   string         `json:"answer"`
	Evidence []EvidenceItem `json:"evidence"`
}

// VerifierOutput is the verification verdict.
type VerifierOutput struct {
	Verdict       string   `json:"verdict"`
	RevisedAnswer string   `json:"revised_answer,omitempty"`
	FlaggedClaims []string `json:"flagged_claims,omitempty"`
}

// NewVerifierTool checks a drafted answer against its evidence. Without an
// LLM the checks are structural: no evidence means abstain, an answer
// without citation tokens is revised into the digest form.
func NewVerifierTool(client *llm.Client) Tool {
	return NewTool("verifier", "Verify that an answer is grounded in its evidence",
		func(ctx context.Context, in VerifierInput) (VerifierOutput, error) {
			if len(in.Evidence) == 0 || strings.TrimSpace(in.Answer) == "" {
				return VerifierOutput{Verdict: VerdictAbstain}, nil
			}

			if client != nil {
				if out, ok := verifyWithLLM(ctx, client, in); ok {
					return out, nil
				}
			}
			return verifyStructural(in), nil
		})
}

func verifyWithLLM(ctx context.Context, client *llm.Client, in VerifierInput) (VerifierOutput, bool) {
	var b strings.Builder
	for _, ev := range in.Evidence {
		b.WriteString(fmt.Sprintf("[%s]\n%s\n\n", citationLabel(ev), ev.Summary))
	}

	prompt := fmt.Sprintf(`You are verifying an answer against its evidence.
Verdict rules:
- "pass" when every claim in the answer is supported by the evidence.
- "revise" when the answer is partly supported; provide a corrected "revised_answer" using only supported claims, keeping [citation] tokens.
- "abstain" when the evidence does not address the question.

Reply with a JSON object: {"verdict": "...", "revised_answer": "...", "flagged_claims": ["..."]}.

Question: %s

Answer:
%s

Evidence:
%s`, in.Query, in.Answer, b.String())

	raw, err := client.GenerateJSON(ctx, prompt)
	if err != nil {
		return VerifierOutput{}, false
	}
	var out VerifierOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return VerifierOutput{}, false
	}
	switch out.Verdict {
	case VerdictPass, VerdictAbstain:
		return out, true
	case VerdictRevise:
		if strings.TrimSpace(out.RevisedAnswer) == "" {
			return VerifierOutput{}, false
		}
		return out, true
	default:
		return VerifierOutput{}, false
	}
}

// verifyStructural passes answers that carry citation tokens and rewrites
// uncited ones into the digest fallback.
func verifyStructural(in VerifierInput) VerifierOutput {
	if strings.Contains(in.Answer, "[") && strings.Contains(in.Answer, "]") {
		return VerifierOutput{Verdict: VerdictPass}
	}
	digest := weaveDigest(in.Evidence)
	return VerifierOutput{
		Verdict:       VerdictRevise,
		RevisedAnswer: digest.Answer,
		FlaggedClaims: []string{"answer carried no citations"},
	}
}
