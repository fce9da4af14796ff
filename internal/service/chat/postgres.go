package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhouzirui/veda/backend/internal/model/chat"
)

// PostgresRepository 基于 conversations / messages 两张表实现 Repository，表结构由外部迁移维护。
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens and pings a connection pool.
func NewPostgresPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Kind() string { return "postgres" }

const conversationColumns = "id, user_id, title, messages_count, created_at, updated_at"

func (r *PostgresRepository) GetConversation(ctx context.Context, id, userID string) (chat.Conversation, error) {
	// ids are uuid columns; anything else can never exist
	if _, err := uuid.Parse(id); err != nil {
		return chat.Conversation{}, ErrConversationNotFound
	}

	row := r.pool.QueryRow(ctx, "SELECT "+conversationColumns+" FROM conversations WHERE id = $1", id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.UserID != userID {
		return chat.Conversation{}, ErrAccessDenied
	}
	return conv, nil
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, userID, title string) (chat.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return chat.Conversation{}, ErrTitleRequired
	}

	now := time.Now().UTC()
	conv := chat.Conversation{ID: uuid.NewString(), UserID: userID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, messages_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (r *PostgresRepository) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender, content, status, message_metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ConversationID, string(msg.Sender), msg.Content, string(msg.Status), msg.Metadata, msg.CreatedAt,
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

const messageColumns = "id, conversation_id, sender, content, status, message_metadata, created_at"

func (r *PostgresRepository) FindByClientMessageID(ctx context.Context, conversationID, clientMessageID string) (chat.Message, bool, error) {
	if clientMessageID == "" {
		return chat.Message{}, false, nil
	}

	row := r.pool.QueryRow(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND sender = 'user' AND message_metadata->>'client_message_id' = $2
		 ORDER BY created_at LIMIT 1`,
		conversationID, clientMessageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("find message by client id: %w", err)
	}
	return msg, true, nil
}

func (r *PostgresRepository) FindReply(ctx context.Context, conversationID, userMessageID string) (chat.Message, bool, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT "+messageColumns+` FROM messages
		 WHERE conversation_id = $1 AND sender = 'assistant' AND message_metadata->>'reply_to' = $2
		 ORDER BY created_at LIMIT 1`,
		conversationID, userMessageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("find reply: %w", err)
	}
	return msg, true, nil
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE conversation_id = $1 ORDER BY created_at", conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpdateMessageCount(ctx context.Context, conversationID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET messages_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = $1), updated_at = NOW()
		 WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("update message count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (chat.Conversation, error) {
	var conv chat.Conversation
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.MessagesCount, &conv.CreatedAt, &conv.UpdatedAt)
	return conv, err
}

func scanMessage(row pgx.Row) (chat.Message, error) {
	var (
		msg            chat.Message
		sender, status string
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Content, &status, &msg.Metadata, &msg.CreatedAt)
	msg.Sender = chat.Sender(sender)
	msg.Status = chat.Status(status)
	return msg, err
}
