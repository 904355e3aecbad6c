package handoff

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusAssigned = "assigned"
	StatusActive   = "active"
	StatusResolved = "resolved"
)

// Request is one recorded agent-takeover request.
type Request struct {
	ID              string
	CallID          string
	TenantID        string
	SessionID       string
	Reason          string
	Priority        string
	Status          string
	AssignedAgentID string
	CreatedAt       time.Time
}

// Queue stores handoff requests. With a database it persists rows,
// without one it keeps an in-memory list, so evaluation never depends
// on storage configuration.
type Queue struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	mem map[string]Request
}

func NewQueue(ctx context.Context, db *sql.DB, log *slog.Logger) (*Queue, error) {
	q := &Queue{
		db:    db,
		log:   log.With(slog.String("component", "handoff-queue")),
		clock: time.Now,
		mem:   make(map[string]Request),
	}
	if db != nil {
		ddl := `
CREATE TABLE IF NOT EXISTS handoffs (
    id TEXT PRIMARY KEY,
    call_id TEXT,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    assigned_agent_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handoffs_status ON handoffs(status, created_at);
`
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("init handoff schema: %w", err)
		}
	}
	return q, nil
}

// Create records a new pending request and returns it with its id.
func (q *Queue) Create(ctx context.Context, callID, tenantID, sessionID, reason, priority string) (Request, error) {
	req := Request{
		ID:        uuid.NewString(),
		CallID:    callID,
		TenantID:  tenantID,
		SessionID: sessionID,
		Reason:    reason,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: q.clock().UTC(),
	}
	if q.db == nil {
		q.mu.Lock()
		q.mem[req.ID] = req
		q.mu.Unlock()
		return req, nil
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO handoffs(id, call_id, tenant_id, session_id, reason, priority, status, assigned_agent_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, '', ?)`,
		req.ID, req.CallID, req.TenantID, req.SessionID, req.Reason, req.Priority, req.Status, req.CreatedAt)
	if err != nil {
		return Request{}, fmt.Errorf("insert handoff: %w", err)
	}
	return req, nil
}

// Get returns one request by id.
func (q *Queue) Get(ctx context.Context, id string) (Request, error) {
	if q.db == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		req, ok := q.mem[id]
		if !ok {
			return Request{}, sql.ErrNoRows
		}
		return req, nil
	}
	row := q.db.QueryRowContext(ctx,
		`SELECT id, call_id, tenant_id, session_id, reason, priority, status, assigned_agent_id, created_at
		 FROM handoffs WHERE id = ?`, id)
	return scanRequest(row)
}

// Assign moves a pending request to assigned with the agent recorded.
func (q *Queue) Assign(ctx context.Context, id, agentID string) error {
	return q.setStatus(ctx, id, StatusAssigned, agentID)
}

// Resolve marks a request resolved.
func (q *Queue) Resolve(ctx context.Context, id string) error {
	return q.setStatus(ctx, id, StatusResolved, "")
}

func (q *Queue) setStatus(ctx context.Context, id, status, agentID string) error {
	if q.db == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		req, ok := q.mem[id]
		if !ok {
			return sql.ErrNoRows
		}
		req.Status = status
		if agentID != "" {
			req.AssignedAgentID = agentID
		}
		q.mem[id] = req
		return nil
	}
	if agentID != "" {
		_, err := q.db.ExecContext(ctx,
			`UPDATE handoffs SET status = ?, assigned_agent_id = ? WHERE id = ?`, status, agentID, id)
		return err
	}
	_, err := q.db.ExecContext(ctx, `UPDATE handoffs SET status = ? WHERE id = ?`, status, id)
	return err
}

// Pending lists outstanding requests, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	if q.db == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		var pending []Request
		for _, req := range q.mem {
			if req.Status == StatusPending {
				pending = append(pending, req)
			}
		}
		return pending, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, call_id, tenant_id, session_id, reason, priority, status, assigned_agent_id, created_at
		 FROM handoffs WHERE status = ? ORDER BY created_at ASC LIMIT ?`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []Request
	for rows.Next() {
		req, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (Request, error) {
	var req Request
	if err := row.Scan(&req.ID, &req.CallID, &req.TenantID, &req.SessionID, &req.Reason,
		&req.Priority, &req.Status, &req.AssignedAgentID, &req.CreatedAt); err != nil {
		return Request{}, err
	}
	return req, nil
}

func scanRows(rows *sql.Rows) (Request, error) {
	return scanRequest(rows)
}
