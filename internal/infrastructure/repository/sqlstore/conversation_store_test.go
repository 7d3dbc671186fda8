package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func newStoreWithMock(t *testing.T) (*ConversationStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return NewConversationStore(db, DialectPostgres), mock, func() { _ = db.Close() }
}

func TestEnsureSchemaTakesAdvisoryLockOnPostgres(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(schemaLockID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS conversation_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestAppendMessagesRollsBackOnFailure(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs("m1", "conv", domain.RoleUser, "question", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO conversation_messages").
		WithArgs("m2", "conv", domain.RoleAssistant, "answer", now).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	err := store.AppendMessages(context.Background(),
		domain.ConversationMessage{ID: "m1", ConversationID: "conv", Role: domain.RoleUser, Content: "question", CreatedAt: now},
		domain.ConversationMessage{ID: "m2", ConversationID: "conv", Role: domain.RoleAssistant, Content: "answer", CreatedAt: now},
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRecentMessagesReturnsChronologicalOrder(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "role", "content", "created_at"}).
		AddRow("m2", "conv", domain.RoleAssistant, "answer", now).
		AddRow("m1", "conv", domain.RoleUser, "question", now.Add(-time.Second))
	mock.ExpectQuery("SELECT id, conversation_id, role, content, created_at").
		WithArgs("conv", 4).
		WillReturnRows(rows)

	msgs, err := store.ListRecentMessages(context.Background(), "conv", 4)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteConversationReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock, done := newStoreWithMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM conversation_messages").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteConversation(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRebindOnlyTouchesSQLite(t *testing.T) {
	query := "SELECT 1 WHERE a = $1 AND b = $2"
	if got := DialectPostgres.rebind(query); got != query {
		t.Fatalf("postgres rebind changed query: %s", got)
	}
	if got := DialectSQLite.rebind(query); got != "SELECT 1 WHERE a = ? AND b = ?" {
		t.Fatalf("sqlite rebind = %s", got)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := OpenDB(DialectSQLite, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenDB() error = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	store := NewConversationStore(db, DialectSQLite)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}

	now := time.Now().UTC()
	err = store.AppendMessages(ctx,
		domain.ConversationMessage{ID: "m1", ConversationID: "conv", Role: domain.RoleUser, Content: "q1", CreatedAt: now},
		domain.ConversationMessage{ID: "m2", ConversationID: "conv", Role: domain.RoleAssistant, Content: "a1", CreatedAt: now},
		domain.ConversationMessage{ID: "m3", ConversationID: "conv", Role: domain.RoleUser, Content: "q2", CreatedAt: now},
	)
	if err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}

	msgs, err := store.ListRecentMessages(ctx, "conv", 2)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "a1" || msgs[1].Content != "q2" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := store.DeleteConversation(ctx, "conv"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	msgs, err = store.ListRecentMessages(ctx, "conv", 2)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty history, got %v, %v", msgs, err)
	}
}
