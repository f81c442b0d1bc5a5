// Package session runs approved commands in per-conversation shell sessions
// that remember their working directory between commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shellgate/internal/domain"
	"shellgate/internal/jail"
	"shellgate/internal/shell"
)

// Options tune command execution inside a session.
type Options struct {
	Timeout        time.Duration // per command, 0 = no limit
	MaxOutputBytes int           // per stream, 0 = unlimited
	Env            []string      // nil inherits the gateway's environment
}

// BatchOptions control ExecuteBatch.
type BatchOptions struct {
	ContinueOnError bool
	// WorkingDir overrides where the batch starts. Empty means the session cwd.
	WorkingDir string
}

// Session is one conversation's shell context. Every command starts a fresh
// shell in the session's current directory; the directory the shell finished
// in is validated through the jail and becomes the next starting point.
// Commands within a session never overlap.
type Session struct {
	id        string
	adapter   shell.Adapter
	jail      *jail.Jail
	opts      Options
	logger    *slog.Logger
	createdAt time.Time

	// exec is a one-slot semaphore held while a command (or batch) runs.
	exec chan struct{}
	// ctx is cancelled by Close and aborts any in-flight command.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cwd      string
	lastUsed time.Time
	busy     bool
	closed   bool
}

// New returns a session rooted at the jail root.
func New(id string, a shell.Adapter, j *jail.Jail, opts Options, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Session{
		id:        id,
		adapter:   a,
		jail:      j,
		opts:      opts,
		logger:    logger.With("session", id, "shell", a.Kind()),
		createdAt: now,
		exec:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		cwd:       j.Root(),
		lastUsed:  now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Kind() domain.ShellKind { return s.adapter.Kind() }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Cwd returns the directory the next command starts in.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// LastUsed returns when the last command finished.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// idleSince reports whether the session has no running command and has not
// been used since cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.busy && s.lastUsed.Before(cutoff)
}

// Execute runs one command. The caller must already hold an approving
// verdict for req. A non-zero exit returns the result together with a
// Failure of kind FailureExecution; a timeout returns the partial result
// with FailureTimeout.
func (s *Session) Execute(ctx context.Context, req domain.CommandRequest) (*domain.ExecutionResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.execute(ctx, req)
}

// ExecuteBatch runs commands in order while holding the session, so no other
// caller can interleave. It stops at the first non-zero exit unless
// opts.ContinueOnError is set; timeouts, path escapes and session failures
// always stop it. The returned error is the failure that stopped the batch.
func (s *Session) ExecuteBatch(ctx context.Context, commands []string, opts BatchOptions) (*domain.BatchResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	batch := &domain.BatchResult{Results: make([]domain.ExecutionResult, 0, len(commands)), Success: true}
	dir := opts.WorkingDir
	if dir == "" {
		dir = s.Cwd()
	}
	batch.FinalCwd = dir

	for i, command := range commands {
		res, err := s.execute(ctx, domain.CommandRequest{RawText: command, Shell: s.Kind(), WorkingDir: dir})
		if res != nil {
			batch.Results = append(batch.Results, *res)
			dir = res.FinalCwd
			batch.FinalCwd = dir
		}
		if err == nil {
			continue
		}
		batch.Success = false
		if f, ok := domain.AsFailure(err); ok && f.Kind == domain.FailureExecution && f.Result != nil && opts.ContinueOnError {
			continue
		}
		s.logger.Debug("batch stopped", "index", i, "of", len(commands), "err", err)
		return batch, err
	}
	return batch, nil
}

// RunStartup runs configured startup commands. Only a spawn failure is
// fatal; other failures are logged.
func (s *Session) RunStartup(ctx context.Context, commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	for _, command := range commands {
		_, err := s.execute(ctx, domain.CommandRequest{RawText: command, Shell: s.Kind()})
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrSpawnFailed) || errors.Is(err, domain.ErrSessionClosed) {
			return err
		}
		s.logger.Warn("startup command failed", "command", command, "err", err)
	}
	return nil
}

// Close cancels any in-flight command, waits for its process group to be
// reaped and marks the session closed. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	// wait for the running command, if any, to be reaped
	select {
	case s.exec <- struct{}{}:
		s.release()
	case <-ctx.Done():
		return fmt.Errorf("close session %s: %w", s.id, ctx.Err())
	}

	if !already {
		s.logger.Debug("session closed", "cwd", s.Cwd())
	}
	return nil
}

// acquire takes the execution slot, waiting for the previous command.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.exec <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.Closed() {
		s.release()
		return s.closedFailure()
	}
	return nil
}

func (s *Session) release() { <-s.exec }

func (s *Session) closedFailure() error {
	return &domain.Failure{Kind: domain.FailureSessionClosed, Reason: "session " + s.id}
}

// execute runs req with the execution slot held.
func (s *Session) execute(ctx context.Context, req domain.CommandRequest) (*domain.ExecutionResult, error) {
	if s.Closed() {
		return nil, s.closedFailure()
	}
	if req.Shell != "" && req.Shell != s.Kind() {
		return nil, &domain.Failure{
			Kind:    domain.FailureExecution,
			Command: req.RawText,
			Reason:  fmt.Sprintf("session %s runs %s, not %s", s.id, s.Kind(), req.Shell),
		}
	}

	start := s.Cwd()
	if req.WorkingDir != "" {
		dir, err := s.jail.Resolve(s.adapter.NormalizePath(req.WorkingDir), start)
		if err != nil {
			return nil, &domain.Failure{Kind: domain.FailurePathEscape, Command: req.RawText, Reason: "working directory", Err: err}
		}
		start = dir
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.setBusy(true)
	out, err := shell.Run(runCtx, s.adapter, shell.RunSpec{
		Command:   req.RawText,
		Cwd:       start,
		Timeout:   s.opts.Timeout,
		MaxOutput: s.opts.MaxOutputBytes,
		Env:       s.opts.Env,
	})
	s.setBusy(false)
	if err != nil {
		// a shell that cannot be launched will not launch next time either
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.logger.Error("cannot spawn shell, session closed", "err", err)
		return nil, &domain.Failure{Kind: domain.FailureSpawn, Command: req.RawText, Err: err}
	}

	res := &domain.ExecutionResult{
		Command:    req.RawText,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ExitCode:   out.ExitCode,
		Duration:   out.Duration,
		DurationMS: out.Duration.Milliseconds(),
		FinalCwd:   start,
		TimedOut:   out.TimedOut,
		Truncated:  out.Truncated,
	}

	s.logger.Debug("command finished",
		"command", req.RawText,
		"exit", out.ExitCode,
		"duration_ms", res.DurationMS,
		"timed_out", out.TimedOut,
	)

	switch {
	case out.Canceled && s.ctx.Err() != nil:
		return res, &domain.Failure{Kind: domain.FailureSessionClosed, Command: req.RawText, Reason: "session closed during command", Result: res}
	case out.Canceled:
		return res, &domain.Failure{Kind: domain.FailureExecution, Command: req.RawText, Reason: "canceled", Result: res, Err: ctx.Err()}
	case out.TimedOut:
		return res, &domain.Failure{
			Kind:    domain.FailureTimeout,
			Command: req.RawText,
			Reason:  fmt.Sprintf("exceeded %s", s.opts.Timeout),
			Result:  res,
		}
	}

	if out.DirReported && out.FinalDir != start {
		dir, err := s.jail.Resolve(out.FinalDir, start)
		if err != nil {
			s.logger.Warn("command left the sandbox root, directory not committed",
				"command", req.RawText,
				"dir", out.FinalDir,
			)
			s.touch("")
			return nil, &domain.Failure{Kind: domain.FailurePathEscape, Command: req.RawText, Reason: "final directory", Err: err}
		}
		res.FinalCwd = dir
		s.touch(dir)
	} else {
		s.touch("")
	}

	if res.ExitCode != 0 {
		return res, &domain.Failure{
			Kind:    domain.FailureExecution,
			Command: req.RawText,
			Reason:  fmt.Sprintf("exit code %d", res.ExitCode),
			Result:  res,
		}
	}
	return res, nil
}

// touch records a finished command and, if dir is set, commits it as the cwd.
func (s *Session) touch(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	if dir != "" && !s.closed {
		s.cwd = dir
	}
}

func (s *Session) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}
