package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*RefreshRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRefreshRepo(sqlx.NewDb(db, "postgres")), mock
}

func TestSaveAndGetByHash(t *testing.T) {
	r, mock := newMock(t)
	exp := time.Now().Add(7 * 24 * time.Hour).UTC()
	mock.ExpectQuery("INSERT INTO refresh_tokens").
		WithArgs(int64(4), "abc123", exp).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT id, user_id, token_hash, expires_at, revoked, created_at FROM refresh_tokens").
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "revoked", "created_at"}).
			AddRow(int64(1), int64(4), "abc123", exp, false, time.Now()))

	ctx := context.Background()
	id, err := r.Save(ctx, 4, "abc123", exp)
	if err != nil || id != 1 {
		t.Fatalf("Save: %d %v", id, err)
	}
	tok, err := r.GetByHash(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if tok.UserID != 4 || tok.Revoked || !tok.Usable(time.Now()) {
		t.Fatalf("unexpected token %+v", tok)
	}
	if tok.Usable(exp) {
		t.Fatalf("token must not be usable at its expiry")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetByHashMissing(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectQuery("FROM refresh_tokens").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "revoked", "created_at"}))
	if _, err := r.GetByHash(context.Background(), "nope"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRevokeStatements(t *testing.T) {
	r, mock := newMock(t)
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE token_hash = \\$1").
		WithArgs("abc").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE refresh_tokens SET revoked = true WHERE user_id = \\$1 AND revoked = false").
		WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 3))

	ctx := context.Background()
	if err := r.Revoke(ctx, "abc"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := r.RevokeAllForUser(ctx, 4); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteExpiredReturnsCount(t *testing.T) {
	r, mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("DELETE FROM refresh_tokens WHERE expires_at < \\$1").
		WithArgs(now).WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := r.DeleteExpired(context.Background(), now)
	if err != nil || n != 5 {
		t.Fatalf("DeleteExpired: %d %v", n, err)
	}
}
