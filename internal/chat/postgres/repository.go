package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/sqlchat/internal/chat"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements chat.ConversationStore and chat.MessageStore.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (r *Repository) CreateConversation(ctx context.Context, in chat.CreateConversationInput) (chat.Conversation, error) {
	if in.UserID == "" {
		return chat.Conversation{}, fmt.Errorf("user id is required")
	}
	query := `
INSERT INTO conversation (user_id, title)
VALUES ($1, NULLIF($2, ''))
RETURNING conversation_id, created_at, updated_at`

	conversation := chat.Conversation{UserID: in.UserID, Title: in.Title}
	if err := r.db.QueryRowContext(ctx, query, in.UserID, in.Title).Scan(
		&conversation.ID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	); err != nil {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (r *Repository) FindConversationForUser(ctx context.Context, id int64, userID string) (chat.Conversation, error) {
	query := `
SELECT conversation_id, user_id, COALESCE(title, ''), created_at, updated_at
FROM conversation
WHERE conversation_id = $1 AND user_id = $2 AND deleted_at IS NULL`

	var conversation chat.Conversation
	if err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&conversation.ID,
		&conversation.UserID,
		&conversation.Title,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Conversation{}, chat.ErrNotFound
		}
		return chat.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conversation, nil
}

func (r *Repository) ListRecentConversations(ctx context.Context, userID string, limit int) ([]chat.ConversationSummary, error) {
	query := `
SELECT c.conversation_id, COALESCE(c.title, ''), c.updated_at, COUNT(m.message_id)
FROM conversation c
LEFT JOIN message m ON m.conversation_id = c.conversation_id AND m.deleted_at IS NULL
WHERE c.user_id = $1 AND c.deleted_at IS NULL
GROUP BY c.conversation_id
ORDER BY c.updated_at DESC, c.conversation_id DESC
LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := make([]chat.ConversationSummary, 0)
	for rows.Next() {
		var summary chat.ConversationSummary
		if err := rows.Scan(&summary.ID, &summary.Title, &summary.UpdatedAt, &summary.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return summaries, nil
}

func (r *Repository) UpdateConversationTitle(ctx context.Context, id int64, title string) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE conversation
SET title = $2
WHERE conversation_id = $1 AND deleted_at IS NULL`, id, title)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	return requireAffected(result, "update conversation title")
}

// SoftDeleteConversation marks the conversation and all of its messages
// deleted in one transaction.
func (r *Repository) SoftDeleteConversation(ctx context.Context, id int64) error {
	return r.withTx(ctx, func(q dbTX) error {
		result, err := q.ExecContext(ctx, `
UPDATE conversation
SET deleted_at = NOW()
WHERE conversation_id = $1 AND deleted_at IS NULL`, id)
		if err != nil {
			return fmt.Errorf("soft delete conversation: %w", err)
		}
		if err := requireAffected(result, "soft delete conversation"); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
UPDATE message
SET deleted_at = NOW()
WHERE conversation_id = $1 AND deleted_at IS NULL`, id); err != nil {
			return fmt.Errorf("soft delete messages: %w", err)
		}
		return nil
	})
}

// AppendMessage touches the conversation and inserts the message in one
// transaction. The message is stamped with the new updated_at.
func (r *Repository) AppendMessage(ctx context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	if err := in.Validate(); err != nil {
		return chat.Message{}, err
	}
	resultsData, err := encodeJSON(in.ResultsData, in.ResultsData == nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode results data: %w", err)
	}
	suggested, err := encodeJSON(in.SuggestedQuestions, in.SuggestedQuestions == nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("encode suggested questions: %w", err)
	}

	message := chat.Message{
		ConversationID:     in.ConversationID,
		Role:               in.Role,
		Content:            in.Content,
		SQLQuery:           in.SQLQuery,
		ResultsCount:       in.ResultsCount,
		ResultsData:        in.ResultsData,
		SuggestedQuestions: in.SuggestedQuestions,
	}
	err = r.withTx(ctx, func(q dbTX) error {
		var touchedAt time.Time
		if err := q.QueryRowContext(ctx, `
UPDATE conversation
SET updated_at = GREATEST(clock_timestamp(), updated_at + INTERVAL '1 microsecond')
WHERE conversation_id = $1 AND deleted_at IS NULL
RETURNING updated_at`, in.ConversationID).Scan(&touchedAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return chat.ErrNotFound
			}
			return fmt.Errorf("touch conversation: %w", err)
		}

		if err := q.QueryRowContext(ctx, `
INSERT INTO message (conversation_id, role, content, sql_query, results_count, results_data, suggested_questions, created_at)
VALUES ($1, $2, $3, $4, $5, $6::json, $7::json, $8)
RETURNING message_id, created_at`,
			in.ConversationID,
			string(in.Role),
			in.Content,
			nullableString(in.SQLQuery),
			nullableInt(in.ResultsCount),
			resultsData,
			suggested,
			touchedAt,
		).Scan(&message.ID, &message.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return message, nil
}

const messageColumns = `message_id, conversation_id, role, content, sql_query, results_count, results_data, suggested_questions, created_at`

func (r *Repository) ListMessages(ctx context.Context, conversationID int64, order chat.SortOrder) ([]chat.Message, error) {
	query := `
SELECT ` + messageColumns + `
FROM message
WHERE conversation_id = $1 AND deleted_at IS NULL
ORDER BY created_at ASC, message_id ASC`
	if order == chat.SortDescending {
		query = `
SELECT ` + messageColumns + `
FROM message
WHERE conversation_id = $1 AND deleted_at IS NULL
ORDER BY created_at DESC, message_id DESC`
	}
	return r.queryMessages(ctx, "list messages", query, conversationID)
}

func (r *Repository) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]chat.Message, error) {
	query := `
SELECT ` + messageColumns + `
FROM (
    SELECT ` + messageColumns + `
    FROM message
    WHERE conversation_id = $1 AND deleted_at IS NULL
    ORDER BY created_at DESC, message_id DESC
    LIMIT $2
) recent
ORDER BY created_at ASC, message_id ASC`
	return r.queryMessages(ctx, "list recent messages", query, conversationID, limit)
}

func (r *Repository) CountMessages(ctx context.Context, conversationID int64) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM message
WHERE conversation_id = $1 AND deleted_at IS NULL`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (r *Repository) CountUserMessages(ctx context.Context, conversationID int64) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM message
WHERE conversation_id = $1 AND role = 'user' AND deleted_at IS NULL`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user messages: %w", err)
	}
	return count, nil
}

func (r *Repository) queryMessages(ctx context.Context, op, query string, args ...any) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(rows *sql.Rows) (chat.Message, error) {
	var (
		message      chat.Message
		role         string
		sqlQuery     sql.NullString
		resultsCount sql.NullInt64
		resultsData  []byte
		suggested    []byte
	)
	if err := rows.Scan(
		&message.ID,
		&message.ConversationID,
		&role,
		&message.Content,
		&sqlQuery,
		&resultsCount,
		&resultsData,
		&suggested,
		&message.CreatedAt,
	); err != nil {
		return chat.Message{}, fmt.Errorf("scan message row: %w", err)
	}
	message.Role = chat.Role(role)
	if sqlQuery.Valid {
		value := sqlQuery.String
		message.SQLQuery = &value
	}
	if resultsCount.Valid {
		value := int(resultsCount.Int64)
		message.ResultsCount = &value
	}
	if len(resultsData) > 0 {
		if err := json.Unmarshal(resultsData, &message.ResultsData); err != nil {
			return chat.Message{}, fmt.Errorf("decode results data for message %d: %w", message.ID, err)
		}
	}
	if len(suggested) > 0 {
		if err := json.Unmarshal(suggested, &message.SuggestedQuestions); err != nil {
			return chat.Message{}, fmt.Errorf("decode suggested questions for message %d: %w", message.ID, err)
		}
	}
	return message, nil
}

func (r *Repository) withTx(ctx context.Context, fn func(q dbTX) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func requireAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return chat.ErrNotFound
	}
	return nil
}

func encodeJSON(value any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}
