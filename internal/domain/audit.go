package domain

import (
	"context"
	"time"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry AuditEntry) error
}

type AuditEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"` // verdict | approval | exec
	Shell     string    `json:"shell"`
	Command   string    `json:"command"`
	Decision  string    `json:"decision"` // allow | needs_approval | deny | approve | reject | ...
	Result    string    `json:"result"`   // allowed | blocked | confirmed | denied | ok | failed | timeout
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	AuditVerdict  = "verdict"
	AuditApproval = "approval"
	AuditExec     = "exec"
)
