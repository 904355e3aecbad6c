// Package memory stores conversation turns and serves the context
// assembly for language-model prompts: recent turns plus a
// bag-of-terms similarity retrieval over the session's history.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smartflowcrm/voicecore/internal/config"
	_ "modernc.org/sqlite"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one utterance or response in a conversation.
type Turn struct {
	ID        int64
	SessionID string
	TenantID  string
	Role      string
	Content   string
	CreatedAt time.Time
}

// ephemeralCap bounds per-session history when nothing is persisted.
const ephemeralCap = 50

// Store keeps conversation history. Retention mode "ephemeral" holds a
// bounded in-memory history per session; "session" and "persistent"
// write to SQLite with day- and session-count-based pruning.
type Store struct {
	db    *sql.DB
	cfg   config.MemoryConfig
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	mem map[string][]Turn
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.MemoryConfig, log *slog.Logger) (*Store, error) {
	s := &Store{
		cfg:   cfg,
		log:   log.With(slog.String("component", "memory")),
		clock: time.Now,
		mem:   make(map[string][]Turn),
	}
	if cfg.RetentionMode == "ephemeral" {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("memory vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("memory prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS conversations (
    session_id TEXT PRIMARY KEY,
    tenant_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    tenant_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES conversations(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// DB exposes the underlying handle for sibling stores sharing the same
// database file; nil in ephemeral mode.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSession makes sure a conversation row exists.
func (s *Store) EnsureSession(ctx context.Context, sessionID, tenantID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(session_id, tenant_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET tenant_id=excluded.tenant_id`,
		sessionID, tenantID, s.clock().UTC())
	return err
}

// AppendTurn records one turn.
func (s *Store) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.clock().UTC()
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		turns := append(s.mem[turn.SessionID], turn)
		if len(turns) > ephemeralCap {
			turns = turns[len(turns)-ephemeralCap:]
		}
		s.mem[turn.SessionID] = turns
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(session_id, tenant_id, role, content, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		turn.SessionID, turn.TenantID, turn.Role, turn.Content, turn.CreatedAt)
	return err
}

// Turns returns up to limit most recent turns in chronological order.
func (s *Store) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		turns := s.mem[sessionID]
		if len(turns) > limit {
			turns = turns[len(turns)-limit:]
		}
		return append([]Turn(nil), turns...), nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tenant_id, role, content, created_at FROM (
		    SELECT id, session_id, tenant_id, role, content, created_at
		    FROM turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.TenantID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM conversations WHERE session_id IN (
			SELECT session_id FROM conversations ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
