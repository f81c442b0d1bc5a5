package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/jail"
	"shellgate/internal/shell"
)

// Sweep interval bounds for the idle reaper.
const (
	minSweepInterval = time.Second
	maxSweepInterval = time.Minute
)

// Manager owns the live sessions, keyed by id. Sessions share nothing but the
// read-only jail.
type Manager struct {
	cfg    config.SessionConfig
	jail   *jail.Jail
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	observer func(active int)

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

func NewManager(cfg config.SessionConfig, j *jail.Jail, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		jail:     j,
		logger:   logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
	if cfg.IdleTimeout() > 0 {
		m.startSweeper(cfg.IdleTimeout())
	}
	return m
}

// SetObserver registers fn to be called with the session count after every
// change. Used to drive the active-sessions gauge.
func (m *Manager) SetObserver(fn func(active int)) {
	m.mu.Lock()
	m.observer = fn
	n := len(m.sessions)
	m.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

// Options returns the per-command options sessions are created with.
func (m *Manager) Options() Options {
	return Options{
		Timeout:        m.cfg.Timeout(),
		MaxOutputBytes: m.cfg.MaxOutputBytes,
	}
}

// Create starts a new session with a random id.
func (m *Manager) Create(ctx context.Context, kind domain.ShellKind) (*Session, error) {
	return m.GetOrCreate(ctx, uuid.NewString(), kind)
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with id, creating it (and running the
// startup commands) when it does not exist. An existing session keeps its
// own shell kind.
func (m *Manager) GetOrCreate(ctx context.Context, id string, kind domain.ShellKind) (*Session, error) {
	// Fast path: read lock
	m.mu.RLock()
	s, ok := m.sessions[id]
	closed := m.closed
	full := m.full()
	m.mu.RUnlock()
	if ok {
		return s, nil
	}
	if closed {
		return nil, fmt.Errorf("%w: manager is shut down", domain.ErrSessionClosed)
	}
	if full {
		return nil, fmt.Errorf("%w (%d)", domain.ErrSessionLimit, m.cfg.MaxSessions)
	}

	s, err := m.newSession(ctx, id, kind)
	if err != nil {
		return nil, err
	}

	// Slow path: write lock, double-check
	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		_ = s.Close(ctx)
		return existing, nil
	}
	if m.closed || m.full() {
		shutDown := m.closed
		m.mu.Unlock()
		_ = s.Close(ctx)
		if shutDown {
			return nil, fmt.Errorf("%w: manager is shut down", domain.ErrSessionClosed)
		}
		return nil, fmt.Errorf("%w (%d)", domain.ErrSessionLimit, m.cfg.MaxSessions)
	}
	m.sessions[id] = s
	n, observer := len(m.sessions), m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(n)
	}
	m.logger.Info("session created", "session", id, "shell", kind, "cwd", s.Cwd())
	return s, nil
}

// full reports whether the session cap is reached. Callers hold mu.
func (m *Manager) full() bool {
	return m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions
}

func (m *Manager) newSession(ctx context.Context, id string, kind domain.ShellKind) (*Session, error) {
	binary := m.cfg.BashPath
	if kind == domain.ShellPowerShell {
		binary = m.cfg.PowerShellPath
	}
	a, err := shell.New(kind, binary)
	if err != nil {
		return nil, err
	}
	if _, err := shell.Available(a); err != nil {
		return nil, &domain.Failure{Kind: domain.FailureSpawn, Err: err}
	}

	s := New(id, a, m.jail, m.Options(), m.logger)
	if err := s.RunStartup(ctx, m.cfg.StartupCommands); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("start session %s: %w", id, err)
	}
	return s, nil
}

// Close tears down the session with id.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n, observer := len(m.sessions), m.observer
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no session %q", domain.ErrSessionClosed, id)
	}
	if observer != nil {
		observer(n)
	}
	m.logger.Info("session closed", "session", id)
	return s.Close(ctx)
}

// CloseAll stops the idle sweeper and closes every session concurrently.
// The manager accepts no new sessions afterwards.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.stopSweeper()

	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	observer := m.observer
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return s.Close(gctx)
		})
	}
	err := g.Wait()
	if observer != nil {
		observer(0)
	}
	if len(sessions) > 0 {
		m.logger.Info("all sessions closed", "count", len(sessions))
	}
	return err
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// IDs returns the ids of the live sessions.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SweepIdle closes sessions that have been idle longer than the configured
// idle timeout as of now. It returns how many were closed.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) int {
	idle := m.cfg.IdleTimeout()
	if idle <= 0 {
		return 0
	}
	cutoff := now.Add(-idle)

	m.mu.Lock()
	var stale []*Session
	for id, s := range m.sessions {
		if s.idleSince(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	n, observer := len(m.sessions), m.observer
	m.mu.Unlock()

	if len(stale) == 0 {
		return 0
	}
	if observer != nil {
		observer(n)
	}
	for _, s := range stale {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("failed to close idle session", "session", s.ID(), "err", err)
			continue
		}
		m.logger.Info("closed idle session", "session", s.ID(), "idle", now.Sub(s.LastUsed()).Round(time.Second))
	}
	return len(stale)
}

func (m *Manager) startSweeper(idle time.Duration) {
	m.mu.Lock()
	if m.sweeperStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweeperStop = stop
	m.sweeperDone = done
	m.mu.Unlock()

	interval := min(max(idle/6, minSweepInterval), maxSweepInterval)
	go m.sweepLoop(interval, stop, done)
}

func (m *Manager) stopSweeper() {
	m.mu.Lock()
	if m.sweeperStop == nil {
		m.mu.Unlock()
		return
	}
	stop, done := m.sweeperStop, m.sweeperDone
	m.sweeperStop = nil
	m.sweeperDone = nil
	m.mu.Unlock()

	close(stop)
	<-done
}

func (m *Manager) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.SweepIdle(context.Background(), now)
		}
	}
}
