package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type SortOrder string

const (
	SortAscending  SortOrder = "asc"
	SortDescending SortOrder = "desc"
)

type Conversation struct {
	ID        int64
	UserID    string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

type ConversationSummary struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"messages_count"`
}

// Message is one half of a turn. The result fields are only set on the
// assistant message of a turn whose generation and execution both succeeded.
type Message struct {
	ID                 int64
	ConversationID     int64
	Role               Role
	Content            string
	SQLQuery           *string
	ResultsCount       *int
	ResultsData        []Row
	SuggestedQuestions []string
	CreatedAt          time.Time
	DeletedAt          *time.Time
}

type CreateConversationInput struct {
	UserID string
	Title  string
}

type AppendMessageInput struct {
	ConversationID     int64
	Role               Role
	Content            string
	SQLQuery           *string
	ResultsCount       *int
	ResultsData        []Row
	SuggestedQuestions []string
}

func (in AppendMessageInput) Validate() error {
	if in.ConversationID <= 0 {
		return fmt.Errorf("conversation id is required")
	}
	if !in.Role.Valid() {
		return fmt.Errorf("invalid role %q", in.Role)
	}
	if strings.TrimSpace(in.Content) == "" {
		return fmt.Errorf("content is required")
	}
	hasResults := in.SQLQuery != nil || in.ResultsCount != nil || in.ResultsData != nil || in.SuggestedQuestions != nil
	if hasResults && in.Role != RoleAssistant {
		return fmt.Errorf("result fields are only allowed on assistant messages")
	}
	return nil
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	FindConversationForUser(ctx context.Context, id int64, userID string) (Conversation, error)
	ListRecentConversations(ctx context.Context, userID string, limit int) ([]ConversationSummary, error)
	UpdateConversationTitle(ctx context.Context, id int64, title string) error
	SoftDeleteConversation(ctx context.Context, id int64) error
}

type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, conversationID int64, order SortOrder) ([]Message, error)
	// ListRecentMessages returns at most limit of the newest messages, oldest first.
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID int64) (int, error)
	CountUserMessages(ctx context.Context, conversationID int64) (int, error)
}

// Pointer is the caller-held "current conversation" slot. A zero
// ConversationID means no conversation is current.
type Pointer struct {
	ConversationID int64
}

func (p Pointer) IsSet() bool {
	return p.ConversationID > 0
}
