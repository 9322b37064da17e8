package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/duckmesh/sqlchat/internal/chat"
)

// Store keeps conversations and messages in process memory. Timestamps handed
// out are strictly increasing so ordering by time never ties.
type Store struct {
	Clock func() time.Time

	mu                 sync.Mutex
	nextConversationID int64
	nextMessageID      int64
	conversations      map[int64]*chat.Conversation
	messages           map[int64][]*chat.Message
	last               time.Time
}

func New() *Store {
	return &Store{
		conversations: map[int64]*chat.Conversation{},
		messages:      map[int64][]*chat.Message{},
	}
}

func (s *Store) now() time.Time {
	clock := s.Clock
	if clock == nil {
		clock = time.Now
	}
	now := clock().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

func (s *Store) init() {
	if s.conversations == nil {
		s.conversations = map[int64]*chat.Conversation{}
	}
	if s.messages == nil {
		s.messages = map[int64][]*chat.Message{}
	}
}

func (s *Store) CreateConversation(_ context.Context, in chat.CreateConversationInput) (chat.Conversation, error) {
	if in.UserID == "" {
		return chat.Conversation{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.nextConversationID++
	now := s.now()
	conversation := &chat.Conversation{
		ID:        s.nextConversationID,
		UserID:    in.UserID,
		Title:     in.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conversation.ID] = conversation
	return *conversation, nil
}

func (s *Store) FindConversationForUser(_ context.Context, id int64, userID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.live(id)
	if !ok || conversation.UserID != userID {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return *conversation, nil
}

func (s *Store) ListRecentConversations(_ context.Context, userID string, limit int) ([]chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]chat.ConversationSummary, 0)
	for _, conversation := range s.conversations {
		if conversation.DeletedAt != nil || conversation.UserID != userID {
			continue
		}
		summaries = append(summaries, chat.ConversationSummary{
			ID:           conversation.ID,
			Title:        conversation.Title,
			UpdatedAt:    conversation.UpdatedAt,
			MessageCount: len(s.liveMessages(conversation.ID)),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (s *Store) UpdateConversationTitle(_ context.Context, id int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.live(id)
	if !ok {
		return chat.ErrNotFound
	}
	conversation.Title = title
	return nil
}

func (s *Store) SoftDeleteConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.live(id)
	if !ok {
		return chat.ErrNotFound
	}
	now := s.now()
	conversation.DeletedAt = &now
	for _, message := range s.messages[id] {
		if message.DeletedAt == nil {
			deletedAt := now
			message.DeletedAt = &deletedAt
		}
	}
	return nil
}

func (s *Store) AppendMessage(_ context.Context, in chat.AppendMessageInput) (chat.Message, error) {
	if err := in.Validate(); err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation, ok := s.live(in.ConversationID)
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}

	s.nextMessageID++
	now := s.now()
	message := &chat.Message{
		ID:                 s.nextMessageID,
		ConversationID:     in.ConversationID,
		Role:               in.Role,
		Content:            in.Content,
		SQLQuery:           in.SQLQuery,
		ResultsCount:       in.ResultsCount,
		ResultsData:        in.ResultsData,
		SuggestedQuestions: in.SuggestedQuestions,
		CreatedAt:          now,
	}
	s.messages[in.ConversationID] = append(s.messages[in.ConversationID], message)
	conversation.UpdatedAt = now
	return *message, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID int64, order chat.SortOrder) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.liveMessages(conversationID)
	if order == chat.SortDescending {
		reverse(messages)
	}
	return messages, nil
}

func (s *Store) ListRecentMessages(_ context.Context, conversationID int64, limit int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.liveMessages(conversationID)
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *Store) CountMessages(_ context.Context, conversationID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.liveMessages(conversationID)), nil
}

func (s *Store) CountUserMessages(_ context.Context, conversationID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, message := range s.liveMessages(conversationID) {
		if message.Role == chat.RoleUser {
			count++
		}
	}
	return count, nil
}

// Ping satisfies readiness checks.
func (s *Store) Ping(context.Context) error {
	return nil
}

func (s *Store) live(id int64) (*chat.Conversation, bool) {
	conversation, ok := s.conversations[id]
	if !ok || conversation.DeletedAt != nil {
		return nil, false
	}
	return conversation, true
}

func (s *Store) liveMessages(conversationID int64) []chat.Message {
	if _, ok := s.live(conversationID); !ok {
		return []chat.Message{}
	}
	messages := make([]chat.Message, 0, len(s.messages[conversationID]))
	for _, message := range s.messages[conversationID] {
		if message.DeletedAt == nil {
			messages = append(messages, *message)
		}
	}
	return messages
}

func reverse(messages []chat.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}
