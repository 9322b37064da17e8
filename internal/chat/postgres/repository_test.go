package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/duckmesh/sqlchat/internal/chat"
)

var messageRowColumns = []string{"message_id", "conversation_id", "role", "content", "sql_query", "results_count", "results_data", "suggested_questions", "created_at"}

func TestCreateConversation(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO conversation (user_id, title)
VALUES ($1, NULLIF($2, ''))
RETURNING conversation_id, created_at, updated_at`)).
		WithArgs("alice", "").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "created_at", "updated_at"}).AddRow(int64(5), now, now))

	conversation, err := repo.CreateConversation(context.Background(), chat.CreateConversationInput{UserID: "alice"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if conversation.ID != 5 || conversation.UserID != "alice" || conversation.Title != "" {
		t.Fatalf("conversation = %+v", conversation)
	}
	if !conversation.CreatedAt.Equal(now) {
		t.Fatalf("CreatedAt = %v, want %v", conversation.CreatedAt, now)
	}
	assertSQLMock(t, mock)
}

func TestFindConversationForUserNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT conversation_id, user_id, COALESCE(title, ''), created_at, updated_at
FROM conversation
WHERE conversation_id = $1 AND user_id = $2 AND deleted_at IS NULL`)).
		WithArgs(int64(5), "bob").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindConversationForUser(context.Background(), 5, "bob")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, chat.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestFindConversationForUser(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM conversation
WHERE conversation_id = $1 AND user_id = $2 AND deleted_at IS NULL`)).
		WithArgs(int64(5), "alice").
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "user_id", "title", "created_at", "updated_at"}).
			AddRow(int64(5), "alice", "Conversation 01/05/2024 12:00", now, now))

	conversation, err := repo.FindConversationForUser(context.Background(), 5, "alice")
	if err != nil {
		t.Fatalf("FindConversationForUser() error = %v", err)
	}
	if conversation.Title != "Conversation 01/05/2024 12:00" {
		t.Fatalf("Title = %q", conversation.Title)
	}
	assertSQLMock(t, mock)
}

func TestListRecentConversations(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY c.updated_at DESC, c.conversation_id DESC
LIMIT $2`)).
		WithArgs("alice", 50).
		WillReturnRows(sqlmock.NewRows([]string{"conversation_id", "title", "updated_at", "count"}).
			AddRow(int64(9), "latest", now, 4).
			AddRow(int64(3), "older", now.Add(-time.Hour), 2))

	summaries, err := repo.ListRecentConversations(context.Background(), "alice", 50)
	if err != nil {
		t.Fatalf("ListRecentConversations() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("summaries = %d", len(summaries))
	}
	if summaries[0].ID != 9 || summaries[0].MessageCount != 4 {
		t.Fatalf("first summary = %+v", summaries[0])
	}
	assertSQLMock(t, mock)
}

func TestUpdateConversationTitleNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE conversation
SET title = $2
WHERE conversation_id = $1 AND deleted_at IS NULL`)).
		WithArgs(int64(77), "renamed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateConversationTitle(context.Background(), 77, "renamed")
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, chat.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestSoftDeleteConversationCascadesInTx(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE conversation
SET deleted_at = NOW()
WHERE conversation_id = $1 AND deleted_at IS NULL`)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE message
SET deleted_at = NOW()
WHERE conversation_id = $1 AND deleted_at IS NULL`)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	if err := repo.SoftDeleteConversation(context.Background(), 5); err != nil {
		t.Fatalf("SoftDeleteConversation() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestSoftDeleteConversationMissingRollsBack(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET deleted_at = NOW()`)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.SoftDeleteConversation(context.Background(), 5)
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, chat.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestAppendAssistantMessageTouchesConversation(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	touchedAt := time.Now().UTC()

	rows := chat.NormalizeRows([]string{"cnt"}, [][]any{{int64(42)}})
	sqlText := "SELECT COUNT(*) AS cnt FROM orders"
	count := 1

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE conversation
SET updated_at = GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')
WHERE conversation_id = $1 AND deleted_at IS NULL
RETURNING updated_at`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(touchedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO message (conversation_id, role, content, sql_query, results_count, results_data, suggested_questions, created_at)
VALUES ($1, $2, $3, $4, $5, $6::json, $7::json, $8)
RETURNING message_id, created_at`)).
		WithArgs(int64(5), "assistant", "1 results found", sqlText, int64(1), `[{"cnt":42}]`, `["And this month?"]`, touchedAt).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "created_at"}).AddRow(int64(11), touchedAt))
	mock.ExpectCommit()

	message, err := repo.AppendMessage(context.Background(), chat.AppendMessageInput{
		ConversationID:     5,
		Role:               chat.RoleAssistant,
		Content:            "1 results found",
		SQLQuery:           &sqlText,
		ResultsCount:       &count,
		ResultsData:        rows,
		SuggestedQuestions: []string{"And this month?"},
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if message.ID != 11 || !message.CreatedAt.Equal(touchedAt) {
		t.Fatalf("message = %+v", message)
	}
	assertSQLMock(t, mock)
}

func TestAppendUserMessageStoresNullResults(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	touchedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`RETURNING updated_at`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(touchedAt))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO message`)).
		WithArgs(int64(5), "user", "How many orders?", nil, nil, nil, nil, touchedAt).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "created_at"}).AddRow(int64(10), touchedAt))
	mock.ExpectCommit()

	if _, err := repo.AppendMessage(context.Background(), chat.AppendMessageInput{
		ConversationID: 5,
		Role:           chat.RoleUser,
		Content:        "How many orders?",
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendMessageToDeletedConversation(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`RETURNING updated_at`)).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.AppendMessage(context.Background(), chat.AppendMessageInput{
		ConversationID: 5,
		Role:           chat.RoleUser,
		Content:        "late question",
	})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, chat.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestAppendMessageValidatesBeforeQuerying(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	if _, err := repo.AppendMessage(context.Background(), chat.AppendMessageInput{ConversationID: 5, Role: "robot", Content: "x"}); err == nil {
		t.Fatal("expected validation error")
	}
	assertSQLMock(t, mock)
}

func TestListRecentMessagesDecodesResults(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`) recent
ORDER BY created_at ASC, message_id ASC`)).
		WithArgs(int64(5), 10).
		WillReturnRows(sqlmock.NewRows(messageRowColumns).
			AddRow(int64(10), int64(5), "user", "How many orders?", nil, nil, nil, nil, now).
			AddRow(int64(11), int64(5), "assistant", "1 results found", "SELECT 1 AS cnt", int64(1), []byte(`[{"zeta":1,"alpha":"x"}]`), []byte(`["next?"]`), now))

	messages, err := repo.ListRecentMessages(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("messages = %d", len(messages))
	}
	user := messages[0]
	if user.Role != chat.RoleUser || user.SQLQuery != nil || user.ResultsCount != nil || user.ResultsData != nil || user.SuggestedQuestions != nil {
		t.Fatalf("user message = %+v", user)
	}
	assistant := messages[1]
	if assistant.SQLQuery == nil || *assistant.SQLQuery != "SELECT 1 AS cnt" {
		t.Fatalf("SQLQuery = %v", assistant.SQLQuery)
	}
	if assistant.ResultsCount == nil || *assistant.ResultsCount != 1 {
		t.Fatalf("ResultsCount = %v", assistant.ResultsCount)
	}
	if got := strings.Join(chat.ColumnsOf(assistant.ResultsData), ","); got != "zeta,alpha" {
		t.Fatalf("columns = %q", got)
	}
	if len(assistant.SuggestedQuestions) != 1 || assistant.SuggestedQuestions[0] != "next?" {
		t.Fatalf("SuggestedQuestions = %#v", assistant.SuggestedQuestions)
	}
	assertSQLMock(t, mock)
}

func TestListMessagesDescending(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY created_at DESC, message_id DESC`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(messageRowColumns))

	messages, err := repo.ListMessages(context.Background(), 5, chat.SortDescending)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages = %d", len(messages))
	}
	assertSQLMock(t, mock)
}

func TestCountUserMessages(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE conversation_id = $1 AND role = 'user' AND deleted_at IS NULL`)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := repo.CountUserMessages(context.Background(), 5)
	if err != nil {
		t.Fatalf("CountUserMessages() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d", count)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
