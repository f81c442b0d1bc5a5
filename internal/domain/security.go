package domain

import (
	"fmt"
	"strings"
)

// ShellKind identifies which shell a command is written for.
type ShellKind string

const (
	ShellBash       ShellKind = "bash"
	ShellPowerShell ShellKind = "powershell"
)

// ParseShellKind accepts the canonical names plus the common aliases "sh" and "pwsh".
func ParseShellKind(s string) (ShellKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bash", "sh", "":
		return ShellBash, nil
	case "powershell", "pwsh", "ps":
		return ShellPowerShell, nil
	default:
		return "", fmt.Errorf("unknown shell kind %q (want bash or powershell)", s)
	}
}

// Decision is the Policy Engine's classification of a command.
type Decision int

const (
	// DecisionAllow lets the command run without asking a human.
	DecisionAllow Decision = iota
	// DecisionNeedsApproval requires the Approval Gate before execution.
	DecisionNeedsApproval
	// DecisionDeny blocks the command. It is never handed to the executor.
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionNeedsApproval:
		return "needs_approval"
	case DecisionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// MoreRestrictive returns whichever of d and other blocks more (deny > needs_approval > allow).
func (d Decision) MoreRestrictive(other Decision) Decision {
	if other > d {
		return other
	}
	return d
}

// EnforceMode controls what happens to commands that are on neither list.
type EnforceMode string

const (
	EnforceStrict   EnforceMode = "strict"
	EnforceAdvisory EnforceMode = "advisory"
)

// CommandRequest is one proposed execution produced by the agent layer.
type CommandRequest struct {
	RawText    string    `json:"raw_text"`
	Shell      ShellKind `json:"shell_kind"`
	WorkingDir string    `json:"working_dir,omitempty"` // empty = session cwd
}

// PolicyVerdict is the immutable result of evaluating a CommandRequest.
type PolicyVerdict struct {
	Decision    Decision `json:"decision"`
	Reason      string   `json:"reason"`
	MatchedRule string   `json:"matched_rule,omitempty"`
	// Segment is the sub-command of a chain that produced this verdict.
	Segment string `json:"segment,omitempty"`
}

func (v PolicyVerdict) String() string {
	if v.MatchedRule != "" {
		return fmt.Sprintf("%s: %s (rule %s)", v.Decision, v.Reason, v.MatchedRule)
	}
	return fmt.Sprintf("%s: %s", v.Decision, v.Reason)
}
