// Package notify posts pending approvals to chat platforms and turns
// replies from humans into gate resolutions.
package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nidhogg/tierflow/internal/approval"
)

// Command is a parsed human reply.
type Command struct {
	Decision   approval.Decision
	ApprovalID string
	Args       map[string]any // modify only
}

// ParseCommand recognizes "approve <id>", "reject <id>", and
// "modify <id> <json-args>". Anything else is not a command.
func ParseCommand(text string) (*Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return nil, false
	}

	var decision approval.Decision
	switch strings.ToLower(fields[0]) {
	case "approve":
		decision = approval.DecisionApprove
	case "reject":
		decision = approval.DecisionReject
	case "modify":
		decision = approval.DecisionModify
	default:
		return nil, false
	}

	cmd := &Command{Decision: decision, ApprovalID: fields[1]}
	if decision == approval.DecisionModify {
		if len(fields) < 3 {
			return nil, false
		}
		raw := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))
		raw = strings.TrimSpace(strings.TrimPrefix(raw, fields[1]))
		if err := json.Unmarshal([]byte(raw), &cmd.Args); err != nil {
			return nil, false
		}
	}
	return cmd, true
}

// FormatPending renders a pending approval for a chat channel.
func FormatPending(p *approval.Pending) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Approval needed: session %s wants to run `%s`\n", p.SessionID, p.Tool)
	if p.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", p.Reason)
	}
	if len(p.Args) > 0 {
		keys := make([]string, 0, len(p.Args))
		for k := range p.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Arguments:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %v\n", k, p.Args[k])
		}
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, "Auto-rejects at %s\n", p.ExpiresAt.Format("15:04:05 MST"))
	}
	fmt.Fprintf(&sb, "Reply: approve %s | reject %s | modify %s {...}", p.ID, p.ID, p.ID)
	return sb.String()
}
