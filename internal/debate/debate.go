// Package debate runs adversarial verification: a devil's advocate
// attacks an answer, a moderator weighs the exchange, and the loop ends
// in convergence, escalation, or a hard round clamp.
package debate

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/persona"
	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/state"
)

// Moderator verdicts.
const (
	VerdictConverged = "CONVERGED"
	VerdictContinue  = "CONTINUE"
	VerdictEscalate  = "ESCALATE"
)

// Round is one thesis/antithesis/synthesis exchange.
type Round struct {
	Round      int    `json:"round"`
	Thesis     string `json:"thesis"`
	Antithesis string `json:"antithesis"`
	Synthesis  string `json:"synthesis"`
	Verdict    string `json:"verdict"`
}

// Result is a completed debate.
type Result struct {
	Final      string  `json:"final"`
	Rounds     []Round `json:"rounds"`
	Unresolved bool    `json:"unresolved"`
	Usage      provider.Usage
}

// Coordinator drives the debate loop. The devil and moderator both run
// on the cloud tier; a debate only starts after cheaper verification has
// already failed.
type Coordinator struct {
	router    *provider.TierRouter
	personas  *persona.Registry
	maxRounds int
	logger    *zap.Logger
}

// New creates a Coordinator. maxRounds is a hard clamp, never exceeded
// regardless of verdicts.
func New(router *provider.TierRouter, personas *persona.Registry, maxRounds int, logger *zap.Logger) *Coordinator {
	if maxRounds <= 0 {
		maxRounds = 3
	}
	return &Coordinator{
		router:    router,
		personas:  personas,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

// Run debates an answer. The returned Result always carries a usable
// Final text; Unresolved marks answers the loop could not settle.
func (c *Coordinator) Run(ctx context.Context, request, answer string) (*Result, error) {
	devil, err := c.personas.Get(persona.Devil)
	if err != nil {
		return nil, err
	}
	moderator, err := c.personas.Get(persona.Moderator)
	if err != nil {
		return nil, err
	}

	result := &Result{Final: answer}
	thesis := answer

	for round := 1; round <= c.maxRounds; round++ {
		antithesis, usage, err := c.invoke(ctx, devil, fmt.Sprintf(
			"Request:\n%s\n\nProposed answer:\n%s", request, thesis))
		if err != nil {
			return nil, fmt.Errorf("devil round %d: %w", round, err)
		}
		result.Usage.Add(usage)

		synthesis, usage, err := c.invoke(ctx, moderator, fmt.Sprintf(
			"Request:\n%s\n\nAnswer:\n%s\n\nCritique:\n%s", request, thesis, antithesis))
		if err != nil {
			return nil, fmt.Errorf("moderator round %d: %w", round, err)
		}
		result.Usage.Add(usage)

		verdict, body := splitVerdict(synthesis)
		result.Rounds = append(result.Rounds, Round{
			Round:      round,
			Thesis:     thesis,
			Antithesis: antithesis,
			Synthesis:  body,
			Verdict:    verdict,
		})
		result.Final = body

		c.logger.Debug("Debate round",
			zap.Int("round", round),
			zap.String("verdict", verdict))

		switch verdict {
		case VerdictConverged:
			return result, nil
		case VerdictEscalate:
			result.Unresolved = true
			return result, nil
		}
		thesis = body
	}

	// Round clamp hit without convergence.
	result.Unresolved = true
	return result, nil
}

func (c *Coordinator) invoke(ctx context.Context, p *persona.Persona, content string) (string, provider.Usage, error) {
	resp, err := c.router.Invoke(ctx, state.TierCloud, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: p.SystemPrompt},
			{Role: "user", Content: content},
		},
		Temperature: p.Temperature,
	})
	if err != nil {
		return "", provider.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// splitVerdict pulls the trailing "VERDICT: X" line out of moderator
// output. Missing or malformed verdicts count as CONTINUE.
func splitVerdict(synthesis string) (verdict, body string) {
	lines := strings.Split(strings.TrimSpace(synthesis), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "VERDICT:"); ok {
			v := strings.ToUpper(strings.TrimSpace(rest))
			switch v {
			case VerdictConverged, VerdictContinue, VerdictEscalate:
				body = strings.TrimSpace(strings.Join(lines[:i], "\n"))
				return v, body
			}
		}
		break
	}
	return VerdictContinue, strings.TrimSpace(synthesis)
}
