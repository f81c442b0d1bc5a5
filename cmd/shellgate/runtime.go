package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"shellgate/internal/approval"
	"shellgate/internal/audit"
	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/gateway"
	"shellgate/internal/jail"
	"shellgate/internal/metrics"
	"shellgate/internal/security"
	"shellgate/internal/session"
)

// runtime is everything a command needs to evaluate and execute.
type runtime struct {
	cfg      *config.Config
	jail     *jail.Jail
	engine   *security.Engine
	sessions *session.Manager
	store    *audit.Store // nil when audit is disabled
	metrics  *metrics.Collector
	gateway  *gateway.Gateway
}

func newJail(cfg *config.Config) (*jail.Jail, error) {
	if err := os.MkdirAll(cfg.General.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create sandbox root: %w", err)
	}
	if cfg.Policy.EnforceRootJail {
		return jail.New(cfg.General.RootDir)
	}
	logger.Warn("root jail disabled, paths are not confined", "root", cfg.General.RootDir)
	return jail.Unrestricted(cfg.General.RootDir)
}

func newRuntime(ctx context.Context, cfg *config.Config, gate domain.ApprovalGate) (*runtime, error) {
	j, err := newJail(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := security.NewEngine(cfg.Policy, j, logger)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}
	kind, err := domain.ParseShellKind(cfg.Session.DefaultShell)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		jail:     j,
		engine:   engine,
		sessions: session.NewManager(cfg.Session, j, logger),
		metrics:  metrics.New(),
	}
	rt.sessions.SetObserver(rt.metrics.SetActiveSessions)

	var auditLog domain.AuditLogger
	if cfg.Audit.Enabled {
		rt.store, err = audit.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			rt.sessions.CloseAll(ctx)
			return nil, fmt.Errorf("audit store: %w", err)
		}
		if _, err := rt.store.PruneRetention(ctx, cfg.Audit.RetentionDays); err != nil {
			logger.Warn("audit retention prune failed", "err", err)
		}
		auditLog = rt.store
	}

	rt.gateway, err = gateway.New(gateway.Config{
		Engine:          engine,
		Sessions:        rt.sessions,
		Gate:            gate,
		Audit:           auditLog,
		Metrics:         rt.metrics,
		Logger:          logger,
		DefaultShell:    kind,
		MaxEditRounds:   cfg.Approval.MaxEditRounds,
		ContinueOnError: cfg.Session.ContinueOnError,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close kills every session and closes the audit store.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.sessions.CloseAll(ctx); err != nil {
		logger.Warn("session shutdown incomplete", "err", err)
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// sessionDir is the directory the next command of session id starts in. A
// session closed by the idle sweeper is recreated at the root.
func (rt *runtime) sessionDir(id string) string {
	if s, ok := rt.sessions.Get(id); ok {
		return s.Cwd()
	}
	return rt.jail.Root()
}

// approvalGate builds the gate for a command: --yes approves everything,
// otherwise the operator is asked on the terminal.
func approvalGate(cfg *config.Config, yes bool) (domain.ApprovalGate, *approval.Terminal) {
	if yes {
		return approval.ApproveAll(), nil
	}
	term := approval.NewTerminal(approval.TerminalConfig{
		Logger:  logger,
		Timeout: time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
	})
	return term, term
}
