package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Event is one row of the append-only audit_logs table.
type Event struct {
	ID         int64     `db:"id"`
	UserID     int64     `db:"user_id"`
	Username   string    `db:"username"`
	Kind       string    `db:"kind"`
	RequestID  string    `db:"request_id"`
	OccurredAt time.Time `db:"occurred_at"`
}

type AuditRepo struct {
	db *sqlx.DB
}

func NewAuditRepo(db *sqlx.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) EnsureTable(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_logs (
  id BIGINT PRIMARY KEY,
  user_id BIGINT NOT NULL,
  username TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  request_id TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id);
`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

func (r *AuditRepo) Insert(ctx context.Context, e Event) error {
	const q = `INSERT INTO audit_logs (id, user_id, username, kind, request_id, occurred_at)
		VALUES (:id, :user_id, :username, :kind, :request_id, :occurred_at)`
	_, err := r.db.NamedExecContext(ctx, q, e)
	return err
}
