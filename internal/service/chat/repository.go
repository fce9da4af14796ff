package chat

import (
	"context"
	"errors"

	"github.com/zhouzirui/veda/backend/internal/model/chat"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrAccessDenied         = errors.New("access denied")
	ErrTitleRequired        = errors.New("conversation title is required")
)

// Repository persists conversations and their messages.
type Repository interface {
	// GetConversation returns ErrConversationNotFound or ErrAccessDenied when
	// the conversation is missing or owned by someone else.
	GetConversation(ctx context.Context, id, userID string) (chat.Conversation, error)
	CreateConversation(ctx context.Context, userID, title string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	// SaveMessage stores msg, assigning an ID and timestamp when missing.
	SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (chat.Message, bool, error)
	// FindReply returns the assistant message answering userMessageID.
	FindReply(ctx context.Context, conversationID, userMessageID string) (chat.Message, bool, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	// UpdateMessageCount recomputes the conversation's messages_count aggregate.
	UpdateMessageCount(ctx context.Context, conversationID string) error
	Kind() string
}
