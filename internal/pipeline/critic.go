package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/state"
)

// Critic verdicts.
const (
	VerdictPass      = "PASS"
	VerdictNeedsWork = "NEEDS_WORK"
	VerdictReject    = "REJECT"
)

// Critique is the critic's judgment of one draft.
type Critique struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

// Critic reviews drafts with a model call. The critic always runs on the
// local tier: a cheap judge catching cheap mistakes is the whole economy
// of the pipeline.
type Critic struct {
	router   *provider.TierRouter
	personas *persona.Registry
	logger   *zap.Logger
}

// NewCritic creates a Critic.
func NewCritic(router *provider.TierRouter, personas *persona.Registry, logger *zap.Logger) *Critic {
	return &Critic{router: router, personas: personas, logger: logger}
}

// Review judges a draft against the user's request.
func (c *Critic) Review(ctx context.Context, request, draft string) (*Critique, error) {
	p, err := c.personas.Get(persona.Critic)
	if err != nil {
		return nil, err
	}

	resp, err := c.router.Invoke(ctx, state.TierLocal, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: p.SystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Request:\n%s\n\nDraft answer:\n%s", request, draft)},
		},
		Temperature: p.Temperature,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, fmt.Errorf("critic call: %w", err)
	}

	crit := parseCritique(resp.Content)
	c.logger.Debug("Critique",
		zap.String("verdict", crit.Verdict),
		zap.String("feedback", truncate(crit.Feedback, 120)))
	return crit, nil
}

// parseCritique extracts a verdict from model output. JSON is preferred;
// a bare verdict keyword in prose is accepted; anything else counts as
// PASS, because an unreliable critic must not block answers.
func parseCritique(content string) *Critique {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		var crit Critique
		if err := json.Unmarshal([]byte(content[start:end+1]), &crit); err == nil {
			crit.Verdict = strings.ToUpper(strings.TrimSpace(crit.Verdict))
			switch crit.Verdict {
			case VerdictPass, VerdictNeedsWork, VerdictReject:
				return &crit
			}
		}
	}

	upper := strings.ToUpper(content)
	for _, v := range []string{VerdictReject, VerdictNeedsWork, VerdictPass} {
		if strings.Contains(upper, v) {
			return &Critique{Verdict: v, Feedback: strings.TrimSpace(content)}
		}
	}
	return &Critique{Verdict: VerdictPass, Feedback: "critic output unparseable, accepting draft"}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
