package pipeline

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationIssue names one structural defect in a draft.
type ValidationIssue string

// Validator runs cheap structural checks on a draft before the critic
// spends model tokens on it. It holds no state and never calls a model.
type Validator struct {
	bannedPatterns []*regexp.Regexp
}

// Leaked scaffolding that must never reach the user.
var defaultBanned = []*regexp.Regexp{
	regexp.MustCompile(`(?i)as an ai (language )?model`),
	regexp.MustCompile(`(?i)\[your (answer|response) here\]`),
	regexp.MustCompile(`(?i)^(system|assistant):`),
	regexp.MustCompile(`<\|[a-z_]+\|>`),
}

// NewValidator creates a Validator with the default banned patterns plus
// any extras from configuration.
func NewValidator(extraBanned []string) (*Validator, error) {
	v := &Validator{bannedPatterns: append([]*regexp.Regexp(nil), defaultBanned...)}
	for _, pat := range extraBanned {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("banned pattern %q: %w", pat, err)
		}
		v.bannedPatterns = append(v.bannedPatterns, re)
	}
	return v, nil
}

// Check returns the structural issues in a draft. An empty slice means
// the draft may proceed to critique.
func (v *Validator) Check(draft string) []ValidationIssue {
	var issues []ValidationIssue

	trimmed := strings.TrimSpace(draft)
	if trimmed == "" {
		return []ValidationIssue{"draft is empty"}
	}

	if strings.Count(draft, "```")%2 != 0 {
		issues = append(issues, "unbalanced code fence")
	}
	for _, re := range v.bannedPatterns {
		if loc := re.FindString(draft); loc != "" {
			issues = append(issues, ValidationIssue(fmt.Sprintf("banned pattern %q", loc)))
		}
	}
	if truncatedMidSentence(trimmed) {
		issues = append(issues, "appears truncated mid-sentence")
	}
	return issues
}

// truncatedMidSentence flags drafts that stop on a dangling connective.
func truncatedMidSentence(s string) bool {
	for _, suffix := range []string{" and", " or", " but", " the", " a", " to", ","} {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

// RetryPrompt renders validation issues as an instruction for the next
// attempt.
func RetryPrompt(issues []ValidationIssue) string {
	var sb strings.Builder
	sb.WriteString("Your previous draft had structural problems:\n")
	for _, iss := range issues {
		sb.WriteString("- ")
		sb.WriteString(string(iss))
		sb.WriteByte('\n')
	}
	sb.WriteString("Produce the answer again without these defects.")
	return sb.String()
}
