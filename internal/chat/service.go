package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/sqlchat/internal/nl2sql"
	"github.com/duckmesh/sqlchat/internal/observability"
	"github.com/duckmesh/sqlchat/internal/query"
	"github.com/duckmesh/sqlchat/internal/turnlock"
)

const maxListLimit = 200

type Service struct {
	Conversations ConversationStore
	Messages      MessageStore
	Generator     nl2sql.Generator
	Engine        query.Engine
	Locker        turnlock.Locker
	Config        Config
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Config struct {
	ContextWindow     int
	ListLimit         int
	GenerationTimeout time.Duration
	ExecutionTimeout  time.Duration
	RowLimit          int
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Locker == nil {
		s.Locker = turnlock.NewLocal()
	}
	if s.Config.ContextWindow <= 0 {
		s.Config.ContextWindow = 10
	}
	if s.Config.ListLimit <= 0 {
		s.Config.ListLimit = 50
	}
	if s.Config.GenerationTimeout <= 0 {
		s.Config.GenerationTimeout = 30 * time.Second
	}
	if s.Config.ExecutionTimeout <= 0 {
		s.Config.ExecutionTimeout = 30 * time.Second
	}
}

// HandleQuery runs one turn. A zero conversationID starts a new conversation.
// The user message is written before generation, so generation and execution
// failures leave it in place without an answer.
func (s *Service) HandleQuery(ctx context.Context, userID, question string, conversationID int64) (TurnResult, error) {
	s.ensureDefaults()
	start := s.Clock()

	if strings.TrimSpace(userID) == "" {
		return TurnResult{}, invalidInput("user id is required")
	}
	if strings.TrimSpace(question) == "" {
		s.observeTurn(ctx, CodeInvalidInput, 0, start)
		return TurnResult{}, invalidInput("question is required")
	}

	conversation, err := s.resolveConversation(ctx, userID, conversationID)
	if err != nil {
		s.observeTurn(ctx, CodeOf(err), 0, start)
		return TurnResult{}, err
	}

	result, err := s.runTurn(ctx, conversation, question)
	s.observeTurn(ctx, CodeOf(err), conversation.ID, start)
	if err != nil {
		return TurnResult{}, err
	}
	return result, nil
}

func (s *Service) runTurn(ctx context.Context, conversation Conversation, question string) (TurnResult, error) {
	conversationID := conversation.ID

	release, err := s.Locker.Acquire(ctx, turnlock.ConversationKey(conversationID))
	if err != nil {
		return TurnResult{}, storageFailure(conversationID, "acquire turn lock", err)
	}
	defer release()

	if _, err := s.Messages.AppendMessage(ctx, AppendMessageInput{
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        question,
	}); err != nil {
		return TurnResult{}, storageFailure(conversationID, "append user message", err)
	}

	history, err := s.buildHistory(ctx, conversationID)
	if err != nil {
		return TurnResult{}, storageFailure(conversationID, "load conversation context", err)
	}

	generated, err := s.generate(ctx, question, history)
	if err != nil {
		return TurnResult{}, &Error{Code: CodeGenerationFailure, ConversationID: conversationID, Message: "sql generation failed", Err: err}
	}

	executed, err := s.execute(ctx, generated.SQL)
	if err != nil {
		return TurnResult{}, &Error{Code: CodeExecutionFailure, ConversationID: conversationID, Message: "query execution failed", Err: err}
	}

	rows := NormalizeRows(executed.Columns, executed.Rows)
	count := len(rows)
	suggested := generated.SuggestedQuestions
	if suggested == nil {
		suggested = []string{}
	}
	sqlQuery := generated.SQL
	if _, err := s.Messages.AppendMessage(ctx, AppendMessageInput{
		ConversationID:     conversationID,
		Role:               RoleAssistant,
		Content:            fmt.Sprintf("%d results found", count),
		SQLQuery:           &sqlQuery,
		ResultsCount:       &count,
		ResultsData:        rows,
		SuggestedQuestions: suggested,
	}); err != nil {
		return TurnResult{}, storageFailure(conversationID, "append assistant message", err)
	}

	if err := s.maintainTitle(ctx, conversation); err != nil {
		return TurnResult{}, storageFailure(conversationID, "maintain conversation title", err)
	}

	return TurnResult{
		ConversationID:     conversationID,
		Question:           question,
		SQL:                generated.SQL,
		Results:            rows,
		Columns:            ColumnsOf(rows),
		Count:              count,
		SuggestedQuestions: suggested,
	}, nil
}

func (s *Service) resolveConversation(ctx context.Context, userID string, conversationID int64) (Conversation, error) {
	if conversationID > 0 {
		conversation, err := s.Conversations.FindConversationForUser(ctx, conversationID, userID)
		if err == nil {
			return conversation, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, storageFailure(0, "find conversation", err)
		}
	}
	return s.createConversation(ctx, userID)
}

func (s *Service) createConversation(ctx context.Context, userID string) (Conversation, error) {
	conversation, err := s.Conversations.CreateConversation(ctx, CreateConversationInput{UserID: userID})
	if err != nil {
		return Conversation{}, storageFailure(0, "create conversation", err)
	}
	if strings.TrimSpace(conversation.Title) == "" {
		title := DefaultTitle(conversation.CreatedAt)
		if err := s.Conversations.UpdateConversationTitle(ctx, conversation.ID, title); err != nil {
			return Conversation{}, storageFailure(conversation.ID, "apply default title", err)
		}
		conversation.Title = title
	}
	return conversation, nil
}

func (s *Service) buildHistory(ctx context.Context, conversationID int64) ([]nl2sql.HistoryEntry, error) {
	recent, err := s.Messages.ListRecentMessages(ctx, conversationID, s.Config.ContextWindow)
	if err != nil {
		return nil, err
	}
	history := make([]nl2sql.HistoryEntry, 0, len(recent))
	for _, message := range recent {
		entry := nl2sql.HistoryEntry{Role: string(message.Role), Content: message.Content}
		if message.SQLQuery != nil {
			entry.SQLQuery = *message.SQLQuery
		}
		history = append(history, entry)
	}
	return history, nil
}

func (s *Service) generate(ctx context.Context, question string, history []nl2sql.HistoryEntry) (nl2sql.Result, error) {
	if s.Generator == nil {
		return nl2sql.Result{}, errors.New("sql generator is not configured")
	}
	genCtx, cancel := context.WithTimeout(ctx, s.Config.GenerationTimeout)
	defer cancel()

	started := s.Clock()
	result, err := s.Generator.Generate(genCtx, nl2sql.Request{Question: question, History: history})
	observability.ObserveGeneration(s.Clock().Sub(started))
	if err != nil {
		return nl2sql.Result{}, err
	}
	if strings.TrimSpace(result.SQL) == "" {
		return nl2sql.Result{}, errors.New("generator returned empty sql")
	}
	return result, nil
}

func (s *Service) execute(ctx context.Context, sqlText string) (query.Result, error) {
	if s.Engine == nil {
		return query.Result{}, errors.New("query engine is not configured")
	}
	execCtx, cancel := context.WithTimeout(ctx, s.Config.ExecutionTimeout)
	defer cancel()

	started := s.Clock()
	result, err := s.Engine.Execute(execCtx, query.Request{SQL: sqlText, RowLimit: s.Config.RowLimit})
	elapsed := s.Clock().Sub(started)
	if err != nil {
		observability.ObserveExecution(elapsed, -1)
		return query.Result{}, err
	}
	observability.ObserveExecution(elapsed, len(result.Rows))
	return result, nil
}

// maintainTitle replaces the title once the first exchange is complete.
func (s *Service) maintainTitle(ctx context.Context, conversation Conversation) error {
	total, err := s.Messages.CountMessages(ctx, conversation.ID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	if total != 2 {
		return nil
	}

	current, err := s.Conversations.FindConversationForUser(ctx, conversation.ID, conversation.UserID)
	if err != nil {
		return fmt.Errorf("reload conversation: %w", err)
	}
	userMessages, err := s.Messages.CountUserMessages(ctx, conversation.ID)
	if err != nil {
		return fmt.Errorf("count user messages: %w", err)
	}
	messages, err := s.Messages.ListMessages(ctx, conversation.ID, SortAscending)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	firstUserContent := ""
	for _, message := range messages {
		if message.Role == RoleUser {
			firstUserContent = message.Content
			break
		}
	}

	title, ok := DeriveTitle(current.Title, firstUserContent, userMessages)
	if !ok {
		return nil
	}
	if err := s.Conversations.UpdateConversationTitle(ctx, conversation.ID, title); err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	observability.IncrementTitleDerivation()
	return nil
}

func (s *Service) ListConversations(ctx context.Context, userID string, limit int) ([]ConversationSummary, error) {
	s.ensureDefaults()
	if strings.TrimSpace(userID) == "" {
		return nil, invalidInput("user id is required")
	}
	if limit <= 0 {
		limit = s.Config.ListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	summaries, err := s.Conversations.ListRecentConversations(ctx, userID, limit)
	if err != nil {
		return nil, storageFailure(0, "list conversations", err)
	}
	return summaries, nil
}

// LoadConversation returns the conversation with its messages in order. The
// caller should make the returned id its current conversation.
func (s *Service) LoadConversation(ctx context.Context, userID string, id int64) (ConversationView, error) {
	s.ensureDefaults()
	conversation, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return ConversationView{}, err
	}
	messages, err := s.Messages.ListMessages(ctx, conversation.ID, SortAscending)
	if err != nil {
		return ConversationView{}, storageFailure(conversation.ID, "list messages", err)
	}
	records := make([]TurnRecord, 0, len(messages))
	for _, message := range messages {
		records = append(records, RecordFromMessage(message))
	}
	return ConversationView{ID: conversation.ID, Title: conversation.Title, Messages: records}, nil
}

func (s *Service) StartNewConversation() Pointer {
	return Pointer{}
}

// DeleteConversation soft-deletes the conversation and its messages and
// returns the pointer the caller should keep.
func (s *Service) DeleteConversation(ctx context.Context, userID string, id int64, current Pointer) (Pointer, error) {
	s.ensureDefaults()
	conversation, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return current, err
	}
	if err := s.Conversations.SoftDeleteConversation(ctx, conversation.ID); err != nil {
		return current, storageFailure(conversation.ID, "delete conversation", err)
	}
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, "conversation deleted",
			slog.Int64("conversation_id", conversation.ID),
			slog.String("user_id", userID),
		)
	}
	if current.ConversationID == conversation.ID {
		return Pointer{}, nil
	}
	return current, nil
}

func (s *Service) RenameConversation(ctx context.Context, userID string, id int64, title string) (Conversation, error) {
	s.ensureDefaults()
	title = strings.TrimSpace(title)
	if title == "" {
		return Conversation{}, invalidInput("title is required")
	}
	conversation, err := s.findOwned(ctx, userID, id)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.Conversations.UpdateConversationTitle(ctx, conversation.ID, title); err != nil {
		return Conversation{}, storageFailure(conversation.ID, "rename conversation", err)
	}
	conversation.Title = title
	return conversation, nil
}

func (s *Service) findOwned(ctx context.Context, userID string, id int64) (Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return Conversation{}, invalidInput("user id is required")
	}
	if id <= 0 {
		return Conversation{}, notFound()
	}
	conversation, err := s.Conversations.FindConversationForUser(ctx, id, userID)
	if errors.Is(err, ErrNotFound) {
		return Conversation{}, notFound()
	}
	if err != nil {
		return Conversation{}, storageFailure(id, "find conversation", err)
	}
	return conversation, nil
}

func (s *Service) observeTurn(ctx context.Context, code Code, conversationID int64, start time.Time) {
	outcome := "success"
	if code != "" {
		outcome = strings.ToLower(string(code))
	}
	observability.ObserveTurn(outcome)
	if s.Logger == nil {
		return
	}
	attrs := []any{
		slog.String("outcome", outcome),
		slog.Int64("conversation_id", conversationID),
		slog.Duration("duration", s.Clock().Sub(start)),
	}
	if code == "" {
		s.Logger.InfoContext(ctx, "turn completed", attrs...)
		return
	}
	s.Logger.WarnContext(ctx, "turn failed", attrs...)
}
