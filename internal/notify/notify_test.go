package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/tierflow/internal/approval"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		decision approval.Decision
		id       string
	}{
		{"approve", "approve abc-123", true, approval.DecisionApprove, "abc-123"},
		{"reject", "reject abc-123", true, approval.DecisionReject, "abc-123"},
		{"case insensitive", "APPROVE abc-123", true, approval.DecisionApprove, "abc-123"},
		{"leading whitespace", "  approve abc-123", true, approval.DecisionApprove, "abc-123"},
		{"modify with args", `modify abc-123 {"command": "ls /tmp"}`, true, approval.DecisionModify, "abc-123"},
		{"plain chat", "how is everyone doing", false, "", ""},
		{"approve without id", "approve", false, "", ""},
		{"modify without args", "modify abc-123", false, "", ""},
		{"modify bad json", "modify abc-123 not-json", false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ParseCommand(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if cmd.Decision != tt.decision || cmd.ApprovalID != tt.id {
				t.Errorf("cmd = %+v", cmd)
			}
		})
	}
}

func TestParseCommandModifyArgs(t *testing.T) {
	cmd, ok := ParseCommand(`modify xyz {"command": "echo safe", "timeout": 5}`)
	if !ok {
		t.Fatal("expected command")
	}
	if cmd.Args["command"] != "echo safe" {
		t.Errorf("args = %+v", cmd.Args)
	}
}

func TestFormatPending(t *testing.T) {
	p := &approval.Pending{
		ID:        "ap-1",
		SessionID: "sess-9",
		Tool:      "run_command",
		Args:      map[string]any{"command": "rm -rf /tmp/x"},
		Reason:    "sensitive tool",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
	out := FormatPending(p)
	for _, want := range []string{"sess-9", "run_command", "rm -rf /tmp/x", "approve ap-1", "reject ap-1", "Auto-rejects"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
