// Package audit records verdicts, approvals and executions in SQLite.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"shellgate/internal/domain"
)

const defaultListLimit = 50

// Store implements domain.AuditLogger on a SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	SessionID string
	Action    string
	Limit     int // default 50
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create audit directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open audit database: %w", err)
	}
	// single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session_id, action, shell, command, decision, result, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Action, entry.Shell, entry.Command, entry.Decision,
		entry.Result, entry.Details, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	query := `SELECT id, session_id, action, shell, COALESCE(command, ''), COALESCE(decision, ''),
		COALESCE(result, ''), COALESCE(details, ''), created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Action, &e.Shell, &e.Command, &e.Decision, &e.Result, &e.Details, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned audit log", "deleted", n, "before", before.Format(time.RFC3339))
	}
	return n, nil
}

// PruneRetention deletes entries older than days; days <= 0 keeps everything.
func (s *Store) PruneRetention(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	return s.Prune(ctx, time.Now().AddDate(0, 0, -days))
}

func (s *Store) Close() error {
	return s.db.Close()
}
