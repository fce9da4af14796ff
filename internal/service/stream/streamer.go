package stream

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	frames "github.com/zhouzirui/veda/backend/internal/model/stream"
)

var (
	// ErrNoConnection is returned when no client is attached to the session.
	ErrNoConnection = errors.New("no active connection")
	// ErrAwaitingResume is returned while a reconnected client has not resumed the message yet.
	ErrAwaitingResume = errors.New("connection has not resumed this message")
)

const lockStripes = 64

// Streamer delivers one turn's assistant output to the client.
type Streamer interface {
	SendChunk(messageID, data string) error
	SendDone(messageID, content string) error
	SendError(messageID, message string) error
}

// Hub 组合连接注册表和回放缓存。
type Hub struct {
	Registry *Registry
	Cache    *Cache
	now      func() time.Time

	// 同一会话的缓存更新与写出在同一把锁下完成，保证帧顺序。
	locks [lockStripes]sync.Mutex
}

func NewHub(registry *Registry, cache *Cache) *Hub {
	return &Hub{Registry: registry, Cache: cache, now: time.Now}
}

func (h *Hub) lock(conversationID string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(conversationID))
	return &h.locks[f.Sum32()%lockStripes]
}

// Session returns a streamer bound to key.
func (h *Hub) Session(key Key) *SessionStreamer {
	return &SessionStreamer{hub: h, key: key}
}

// Resume replays cached output for lastMessageID on conn as a single chunk.
// A completed entry is followed by its done frame. An unfinished entry is
// handed over to conn, which then receives the rest of the turn. With nothing
// cached the client gets a resume_ack.
func (h *Hub) Resume(conn Conn, conversationID, lastMessageID string) error {
	if lastMessageID == "" {
		return conn.WriteJSON(frames.NewResumeAck(conversationID, lastMessageID))
	}

	mu := h.lock(conversationID)
	mu.Lock()
	defer mu.Unlock()

	entry, ok := h.Cache.Get(conversationID, lastMessageID)
	if !ok {
		return conn.WriteJSON(frames.NewResumeAck(conversationID, lastMessageID))
	}

	if entry.Done {
		if entry.Text != "" {
			if err := conn.WriteJSON(frames.NewChunk(conversationID, lastMessageID, entry.Text)); err != nil {
				return err
			}
		}
		return conn.WriteJSON(frames.NewDone(conversationID, lastMessageID, entry.Text, h.now()))
	}

	var err error
	if entry.Text != "" {
		err = conn.WriteJSON(frames.NewChunk(conversationID, lastMessageID, entry.Text))
	} else {
		err = conn.WriteJSON(frames.NewResumeAck(conversationID, lastMessageID))
	}
	if err != nil {
		return err
	}
	h.Cache.attach(conversationID, lastMessageID, conn)
	log.Debug().
		Str("component", "stream").
		Str("conversation_id", conversationID).
		Str("message_id", lastMessageID).
		Msg("resumed in-progress turn")
	return nil
}

// SessionStreamer records frames in the cache and writes them to the
// connection that owns the message: the one registered when the message
// started, or the one that resumed it later.
type SessionStreamer struct {
	hub *Hub
	key Key
}

func (s *SessionStreamer) SendChunk(messageID, data string) error {
	mu := s.hub.lock(s.key.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conn, ok := s.hub.Registry.Get(s.key)
	target := s.hub.Cache.appendChunk(s.key.ConversationID, messageID, data, conn)
	if err := deliverable(conn, ok, target); err != nil {
		return err
	}
	return conn.WriteJSON(frames.NewChunk(s.key.ConversationID, messageID, data))
}

func (s *SessionStreamer) SendDone(messageID, content string) error {
	mu := s.hub.lock(s.key.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conn, ok := s.hub.Registry.Get(s.key)
	target := s.hub.Cache.complete(s.key.ConversationID, messageID, content, conn)
	if err := deliverable(conn, ok, target); err != nil {
		return err
	}
	return conn.WriteJSON(frames.NewDone(s.key.ConversationID, messageID, content, s.hub.now()))
}

func (s *SessionStreamer) SendError(messageID, message string) error {
	conn, ok := s.hub.Registry.Get(s.key)
	if !ok {
		return ErrNoConnection
	}
	frame := frames.NewError(s.key.ConversationID, message)
	frame.MessageID = messageID
	return conn.WriteJSON(frame)
}

func deliverable(conn Conn, ok bool, target Conn) error {
	if !ok {
		return ErrNoConnection
	}
	if target != conn {
		return ErrAwaitingResume
	}
	return nil
}
