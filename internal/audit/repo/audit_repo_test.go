package repo

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestInsertBindsNamedColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Event{ID: 1001, UserID: 7, Username: "ada", Kind: "login", RequestID: "req-1", OccurredAt: at}
	mock.ExpectExec("INSERT INTO audit_logs").
		WithArgs(int64(1001), int64(7), "ada", "login", "req-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := NewAuditRepo(sqlx.NewDb(db, "postgres")).Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
