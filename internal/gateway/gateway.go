// Package gateway is the agent-facing entry point: every command is
// evaluated by the policy engine, approved by a human when required, and
// only then executed in its session.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"shellgate/internal/domain"
	"shellgate/internal/metrics"
	"shellgate/internal/security"
	"shellgate/internal/session"
)

const defaultMaxEditRounds = 3

// Config wires a Gateway. Audit and Metrics are optional.
type Config struct {
	Engine   *security.Engine
	Sessions *session.Manager
	Gate     domain.ApprovalGate
	Audit    domain.AuditLogger
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	DefaultShell    domain.ShellKind
	MaxEditRounds   int
	ContinueOnError bool
}

type Gateway struct {
	engine   *security.Engine
	sessions *session.Manager
	gate     domain.ApprovalGate
	audit    domain.AuditLogger
	metrics  *metrics.Collector
	logger   *slog.Logger

	defaultShell    domain.ShellKind
	maxEditRounds   int
	continueOnError bool
}

// BatchOptions override the gateway defaults for one batch.
type BatchOptions struct {
	WorkingDir      string
	ContinueOnError *bool
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Engine == nil || cfg.Sessions == nil {
		return nil, fmt.Errorf("gateway needs a policy engine and a session manager")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("gateway needs an approval gate")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = domain.ShellBash
	}
	if cfg.MaxEditRounds <= 0 {
		cfg.MaxEditRounds = defaultMaxEditRounds
	}
	return &Gateway{
		engine:          cfg.Engine,
		sessions:        cfg.Sessions,
		gate:            cfg.Gate,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With("component", "gateway"),
		defaultShell:    cfg.DefaultShell,
		maxEditRounds:   cfg.MaxEditRounds,
		continueOnError: cfg.ContinueOnError,
	}, nil
}

// Sessions returns the session manager commands run in.
func (g *Gateway) Sessions() *session.Manager { return g.sessions }

// Check evaluates req without approval or execution.
func (g *Gateway) Check(ctx context.Context, req domain.CommandRequest) domain.PolicyVerdict {
	if req.Shell == "" {
		req.Shell = g.defaultShell
	}
	v, _ := g.evaluate(ctx, "", req)
	return v
}

// Run evaluates, approves and executes one command in session sessionID,
// creating the session on first use. A denied or rejected command is never
// handed to the executor.
func (g *Gateway) Run(ctx context.Context, sessionID string, req domain.CommandRequest) (*domain.ExecutionResult, error) {
	sess, err := g.session(ctx, sessionID, &req)
	if err != nil {
		return nil, err
	}
	if req.WorkingDir == "" {
		req.WorkingDir = sess.Cwd()
	}

	approved, _, err := g.authorize(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}

	res, err := sess.Execute(ctx, approved)
	g.recordExecution(ctx, sessionID, approved, res, err)
	return res, err
}

// RunBatch evaluates and approves every command before any of them runs,
// then executes them in order in one session. Each command is checked in the
// directory the commands before it are expected to leave behind, and the
// executor re-validates every directory change while the batch runs.
func (g *Gateway) RunBatch(ctx context.Context, sessionID string, kind domain.ShellKind, commands []string, opts BatchOptions) (*domain.BatchResult, error) {
	if len(commands) == 0 {
		return &domain.BatchResult{Success: true}, nil
	}
	req := domain.CommandRequest{Shell: kind, WorkingDir: opts.WorkingDir}
	sess, err := g.session(ctx, sessionID, &req)
	if err != nil {
		return nil, err
	}
	dir := req.WorkingDir
	if dir == "" {
		dir = sess.Cwd()
	}

	approved := make([]string, 0, len(commands))
	for _, command := range commands {
		a, next, err := g.authorize(ctx, sessionID, domain.CommandRequest{RawText: command, Shell: req.Shell, WorkingDir: dir})
		if err != nil {
			return nil, err
		}
		approved = append(approved, a.RawText)
		dir = next
	}

	continueOnError := g.continueOnError
	if opts.ContinueOnError != nil {
		continueOnError = *opts.ContinueOnError
	}
	batch, err := sess.ExecuteBatch(ctx, approved, session.BatchOptions{
		ContinueOnError: continueOnError,
		WorkingDir:      opts.WorkingDir,
	})
	if batch != nil {
		for i := range batch.Results {
			res := &batch.Results[i]
			g.recordExecution(ctx, sessionID, domain.CommandRequest{RawText: res.Command, Shell: req.Shell}, res, resultError(res))
		}
	}
	if err != nil && (batch == nil || len(batch.Results) == 0) {
		g.recordExecution(ctx, sessionID, req, nil, err)
	}
	return batch, err
}

func (g *Gateway) session(ctx context.Context, id string, req *domain.CommandRequest) (*session.Session, error) {
	if req.Shell == "" {
		if s, ok := g.sessions.Get(id); ok {
			req.Shell = s.Kind()
		} else {
			req.Shell = g.defaultShell
		}
	}
	return g.sessions.GetOrCreate(ctx, id, req.Shell)
}

// authorize returns the request that may run, which differs from req when
// the approver edited it, and the directory it is expected to finish in.
// Edited text is evaluated again from scratch.
func (g *Gateway) authorize(ctx context.Context, sessionID string, req domain.CommandRequest) (domain.CommandRequest, string, error) {
	for edits := 0; ; edits++ {
		verdict, dir := g.evaluate(ctx, sessionID, req)

		switch verdict.Decision {
		case domain.DecisionAllow:
			return req, dir, nil
		case domain.DecisionDeny:
			return req, "", &domain.Failure{
				Kind:    domain.FailurePolicyDenied,
				Command: req.RawText,
				Reason:  verdict.Reason,
				Rule:    verdict.MatchedRule,
			}
		}

		decision, err := g.gate.RequestApproval(ctx, verdict, req)
		if err != nil {
			decision = domain.ApprovalDecision{Action: domain.ApprovalReject}
		}
		g.recordApproval(ctx, sessionID, req, decision, err)

		switch decision.Action {
		case domain.ApprovalApprove:
			return req, dir, nil
		case domain.ApprovalApproveWithEdit:
			if edits >= g.maxEditRounds {
				return req, "", &domain.Failure{
					Kind:    domain.FailureRejected,
					Command: req.RawText,
					Reason:  fmt.Sprintf("more than %d edits", g.maxEditRounds),
				}
			}
			g.logger.Info("command edited by approver", "session", sessionID, "from", req.RawText, "to", decision.EditedText)
			req.RawText = decision.EditedText
		default:
			return req, "", &domain.Failure{Kind: domain.FailureRejected, Command: req.RawText, Err: err}
		}
	}
}

func (g *Gateway) evaluate(ctx context.Context, sessionID string, req domain.CommandRequest) (domain.PolicyVerdict, string) {
	v, dir := g.engine.EvaluateDir(req)
	g.metrics.RecordVerdict(req.Shell, v)

	result := "allowed"
	switch v.Decision {
	case domain.DecisionNeedsApproval:
		result = "pending"
	case domain.DecisionDeny:
		result = "blocked"
	}
	details := v.Reason
	if v.MatchedRule != "" {
		details += " [" + v.MatchedRule + "]"
	}
	g.logAudit(ctx, domain.AuditEntry{
		SessionID: sessionID,
		Action:    domain.AuditVerdict,
		Shell:     string(req.Shell),
		Command:   req.RawText,
		Decision:  v.Decision.String(),
		Result:    result,
		Details:   details,
	})
	return v, dir
}

func (g *Gateway) recordApproval(ctx context.Context, sessionID string, req domain.CommandRequest, d domain.ApprovalDecision, err error) {
	g.metrics.RecordApproval(d.Action)

	result := "confirmed"
	if d.Action == domain.ApprovalReject {
		result = "denied"
	}
	var details string
	switch {
	case err != nil:
		details = err.Error()
	case d.Action == domain.ApprovalApproveWithEdit:
		details = "edited to: " + d.EditedText
	}
	g.logAudit(ctx, domain.AuditEntry{
		SessionID: sessionID,
		Action:    domain.AuditApproval,
		Shell:     string(req.Shell),
		Command:   req.RawText,
		Decision:  d.Action.String(),
		Result:    result,
		Details:   details,
	})
}

func (g *Gateway) recordExecution(ctx context.Context, sessionID string, req domain.CommandRequest, res *domain.ExecutionResult, err error) {
	g.metrics.RecordExecution(req.Shell, res, err)

	var details string
	if res != nil {
		details = fmt.Sprintf("exit=%d duration_ms=%d cwd=%s", res.ExitCode, res.DurationMS, res.FinalCwd)
	} else if err != nil {
		details = err.Error()
	}
	g.logAudit(ctx, domain.AuditEntry{
		SessionID: sessionID,
		Action:    domain.AuditExec,
		Shell:     string(req.Shell),
		Command:   req.RawText,
		Result:    metrics.Outcome(err),
		Details:   details,
	})
}

// logAudit never fails the command; a broken audit store is logged.
func (g *Gateway) logAudit(ctx context.Context, entry domain.AuditEntry) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogAudit(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Warn("audit write failed", "action", entry.Action, "err", err)
	}
}

// resultError reconstructs the failure kind of a batch entry.
func resultError(res *domain.ExecutionResult) error {
	switch {
	case res.TimedOut:
		return &domain.Failure{Kind: domain.FailureTimeout, Command: res.Command, Result: res}
	case res.ExitCode != 0:
		return &domain.Failure{Kind: domain.FailureExecution, Command: res.Command, Result: res}
	}
	return nil
}
