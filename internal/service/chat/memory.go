package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/veda/backend/internal/model/chat"
)

// MemoryRepository keeps conversations in process memory, suitable for
// development and tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string][]chat.Message
}

// NewMemoryRepository bootstraps an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		conversations: make(map[string]chat.Conversation),
		messages:      make(map[string][]chat.Message),
	}
}

func (r *MemoryRepository) Kind() string { return "memory" }

func (r *MemoryRepository) CreateConversation(_ context.Context, userID, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Conversation{}, ErrTitleRequired
	}

	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.conversations[conv.ID] = conv
	r.messages[conv.ID] = make([]chat.Message, 0, 16)
	r.mu.Unlock()

	return conv, nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id, userID string) (chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if conv.UserID != userID {
		return chat.Conversation{}, ErrAccessDenied
	}
	return conv, nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]chat.Conversation, 0)
	for _, conv := range r.conversations {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (r *MemoryRepository) SaveMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[msg.ConversationID]; !ok {
		return chat.Message{}, ErrConversationNotFound
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg)
	return msg, nil
}

func (r *MemoryRepository) FindByClientMessageID(_ context.Context, conversationID, clientMessageID string) (chat.Message, bool, error) {
	if clientMessageID == "" {
		return chat.Message{}, false, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, msg := range r.messages[conversationID] {
		if msg.Sender == chat.SenderUser && msg.ClientMessageID() == clientMessageID {
			return msg, true, nil
		}
	}
	return chat.Message{}, false, nil
}

func (r *MemoryRepository) FindReply(_ context.Context, conversationID, userMessageID string) (chat.Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, msg := range r.messages[conversationID] {
		if msg.Sender != chat.SenderAssistant || msg.Metadata == nil {
			continue
		}
		if id, _ := msg.Metadata[chat.MetaReplyTo].(string); id == userMessageID {
			return msg, true, nil
		}
	}
	return chat.Message{}, false, nil
}

// ListMessages returns stored messages in insertion order.
func (r *MemoryRepository) ListMessages(_ context.Context, conversationID string) ([]chat.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	messages, ok := r.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

func (r *MemoryRepository) UpdateMessageCount(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.MessagesCount = len(r.messages[conversationID])
	conv.UpdatedAt = time.Now().UTC()
	r.conversations[conversationID] = conv
	return nil
}
