// Package classify decides which tier handles a turn: a cheap regex
// prefilter first, then a model-based classifier for everything the rules
// cannot settle.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/provider"
	"github.com/nidhogg/tierflow/internal/state"
)

// Routing methods recorded on decisions.
const (
	MethodRule     = "rule"
	MethodModel    = "model"
	MethodFallback = "fallback"
)

// Rule patterns. Safety-sensitive requests always go to the cloud tier
// regardless of apparent difficulty; the stronger model is the one with
// the better refusal behavior.
var (
	easyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(hi|hello|hey|thanks|thank you|ok|okay|yes|no)\b`),
		regexp.MustCompile(`(?i)^what (is|are) [\w\s]{1,40}\??$`),
		regexp.MustCompile(`(?i)^(define|translate|spell) `),
		regexp.MustCompile(`(?i)(what time|what day|what date)`),
	}
	hardPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(architect|design a system|distributed|concurren(t|cy)|race condition)`),
		regexp.MustCompile(`(?i)(prove|theorem|formal verification)`),
		regexp.MustCompile(`(?i)(refactor|debug|optimi[sz]e) .{40,}`),
		regexp.MustCompile(`(?i)(security audit|threat model|vulnerabilit)`),
	}
	safetyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(medical|diagnos|prescription|dosage)`),
		regexp.MustCompile(`(?i)(legal advice|lawsuit|liabilit)`),
		regexp.MustCompile(`(?i)(suicide|self.harm)`),
		regexp.MustCompile(`(?i)(production (deploy|database)|rm -rf|drop table)`),
	}
)

const classifierPrompt = `You route user requests to one of two model tiers.
LOCAL: a small fast model for simple factual questions, chitchat, short rewrites.
CLOUD: a large model for multi-step reasoning, code, analysis, ambiguity, and high-stakes topics.
Respond with JSON only: {"destination": "LOCAL" | "CLOUD", "reason": "...", "confidence": 0.0-1.0}`

// Classifier produces a RouteDecision for one turn.
type Classifier struct {
	router              *provider.TierRouter
	confidenceThreshold float64
	logger              *zap.Logger
}

// New creates a Classifier. The model classifier itself always runs on
// the local tier; routing must stay cheap.
func New(router *provider.TierRouter, confidenceThreshold float64, logger *zap.Logger) *Classifier {
	return &Classifier{
		router:              router,
		confidenceThreshold: confidenceThreshold,
		logger:              logger,
	}
}

// RuleRoute applies the regex prefilter. The bool reports whether a rule
// matched; when none does, the model classifier decides.
func RuleRoute(query string) (state.RouteDecision, bool) {
	now := time.Now().UTC()
	for _, re := range safetyPatterns {
		if re.MatchString(query) {
			return state.RouteDecision{
				Destination: state.TierCloud,
				Method:      MethodRule,
				Reason:      "safety-sensitive request",
				Confidence:  1.0,
				DecidedAt:   now,
			}, true
		}
	}
	for _, re := range hardPatterns {
		if re.MatchString(query) {
			return state.RouteDecision{
				Destination: state.TierCloud,
				Method:      MethodRule,
				Reason:      "matched hard-task pattern",
				Confidence:  1.0,
				DecidedAt:   now,
			}, true
		}
	}
	for _, re := range easyPatterns {
		if re.MatchString(query) {
			return state.RouteDecision{
				Destination: state.TierLocal,
				Method:      MethodRule,
				Reason:      "matched easy-task pattern",
				Confidence:  1.0,
				DecidedAt:   now,
			}, true
		}
	}
	return state.RouteDecision{}, false
}

type classifierVerdict struct {
	Destination string  `json:"destination"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

// Classify routes a query. Rules win when they match; otherwise the model
// decides. Any model failure, unparseable output, or low confidence falls
// back to the local tier, never the expensive one.
func (c *Classifier) Classify(ctx context.Context, query string) state.RouteDecision {
	if dec, ok := RuleRoute(query); ok {
		c.logger.Debug("Rule route",
			zap.String("destination", string(dec.Destination)),
			zap.String("reason", dec.Reason))
		return dec
	}

	resp, err := c.router.Invoke(ctx, state.TierLocal, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		c.logger.Warn("Classifier model unavailable, defaulting to local", zap.Error(err))
		return fallbackDecision("classifier call failed: " + err.Error())
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		c.logger.Warn("Classifier output unparseable, defaulting to local",
			zap.Error(err), zap.String("output", truncate(resp.Content, 200)))
		return fallbackDecision("unparseable classifier output")
	}

	dest := state.Tier(strings.ToUpper(verdict.Destination))
	if dest != state.TierLocal && dest != state.TierCloud {
		return fallbackDecision(fmt.Sprintf("unknown destination %q", verdict.Destination))
	}
	if verdict.Confidence < c.confidenceThreshold {
		c.logger.Debug("Classifier confidence below threshold",
			zap.Float64("confidence", verdict.Confidence),
			zap.Float64("threshold", c.confidenceThreshold))
		return state.RouteDecision{
			Destination: state.TierLocal,
			Method:      MethodFallback,
			Reason:      fmt.Sprintf("low confidence %.2f for %s", verdict.Confidence, dest),
			Confidence:  verdict.Confidence,
			DecidedAt:   time.Now().UTC(),
		}
	}

	return state.RouteDecision{
		Destination: dest,
		Method:      MethodModel,
		Reason:      verdict.Reason,
		Confidence:  verdict.Confidence,
		DecidedAt:   time.Now().UTC(),
	}
}

func fallbackDecision(reason string) state.RouteDecision {
	return state.RouteDecision{
		Destination: state.TierLocal,
		Method:      MethodFallback,
		Reason:      reason,
		DecidedAt:   time.Now().UTC(),
	}
}

// parseVerdict extracts the first JSON object from model output, which
// may be wrapped in prose or a code fence.
func parseVerdict(content string) (*classifierVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}
	var v classifierVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Destination == "" {
		return nil, fmt.Errorf("verdict missing destination")
	}
	return &v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
