package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/model/chat"
	"github.com/zhouzirui/veda/backend/internal/service/ai"
	"github.com/zhouzirui/veda/backend/internal/service/pipeline"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

var rules = moderation.StaticStore{
	"high":      {"kill myself"},
	"emergency": {"chest pain"},
	"medium":    {"assault"},
	"low":       {"damn"},
}

func newTestCoordinator(t *testing.T, repo Repository, gen pipeline.Generator) (*Coordinator, chat.Conversation) {
	t.Helper()
	if gen == nil {
		gen = ai.OfflineGenerator{}
	}
	orch := pipeline.New(pipeline.Deps{
		Transcriber: ai.OfflineTranscriber{},
		Describer:   ai.OfflineDescriber{},
		Retriever:   retrieval.NewMemoryRetriever(nil),
		Generator:   gen,
		Screener:    moderation.NewScreener(rules, true),
	}, pipeline.Options{EnableRAG: true})

	conv, err := repo.CreateConversation(context.Background(), "alice", "Checkup")
	require.NoError(t, err)
	return NewCoordinator(repo, orch, 0), conv
}

func input(t *testing.T, text string) chat.TurnInput {
	t.Helper()
	in, err := chat.NewTurnInput(text, nil, nil, "en", chat.TurnOptions{})
	require.NoError(t, err)
	return in
}

type recordingStreamer struct {
	mu     sync.Mutex
	chunks []string
	done   string
	doneID string
}

func (s *recordingStreamer) SendChunk(_, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, data)
	return nil
}

func (s *recordingStreamer) SendDone(messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done, s.doneID = content, messageID
	return nil
}

func (s *recordingStreamer) SendError(string, string) error { return nil }

func TestHandleMessageBatch(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)

	res, err := c.HandleMessage(context.Background(), Request{
		ConversationID: conv.ID,
		UserID:         "alice",
		Input:          input(t, "I have a headache"),
	})
	require.NoError(t, err)
	assert.Equal(t, chat.StatusSent, res.UserStatus)
	assert.True(t, strings.HasSuffix(res.Response, pipeline.Disclaimer))

	msgs, err := repo.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.SenderUser, msgs[0].Sender)
	assert.Equal(t, res.UserMessageID, msgs[0].ID)
	assert.Equal(t, chat.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, res.AssistantMessageID, msgs[1].ID)
	assert.Equal(t, res.Response, msgs[1].Content)
	assert.Equal(t, true, msgs[1].Metadata[chat.MetaDisclaimer])

	updated, err := repo.GetConversation(context.Background(), conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MessagesCount)
}

func TestHandleMessageStatuses(t *testing.T) {
	cases := []struct {
		text   string
		status chat.Status
	}{
		{"I want to kill myself", chat.StatusBlocked},
		{"I'm having severe chest pain", chat.StatusFlagged},
		{"damn this cold", chat.StatusSent},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			repo := NewMemoryRepository()
			c, conv := newTestCoordinator(t, repo, nil)

			res, err := c.HandleMessage(context.Background(), Request{
				ConversationID: conv.ID, UserID: "alice", Input: input(t, tc.text),
			})
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.UserStatus)

			msgs, _ := repo.ListMessages(context.Background(), conv.ID)
			require.Len(t, msgs, 2)
			assert.Equal(t, tc.status, msgs[0].Status)
			verdict := msgs[0].Metadata[chat.MetaModeration].(map[string]any)
			assert.NotEmpty(t, verdict["severity"])
		})
	}
}

func TestHandleMessageIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)
	req := Request{ConversationID: conv.ID, UserID: "alice", Input: input(t, "fever"), ClientMessageID: "abc"}

	first, err := c.HandleMessage(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := c.HandleMessage(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.UserMessageID, second.UserMessageID)
	assert.Equal(t, first.AssistantMessageID, second.AssistantMessageID)
	assert.Equal(t, first.Response, second.Response)
	assert.NotEmpty(t, second.Response)

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	assert.Len(t, msgs, 2)
}

func TestHandleMessageConcurrentDuplicates(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)
	req := Request{ConversationID: conv.ID, UserID: "alice", Input: input(t, "fever"), ClientMessageID: "same"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.HandleMessage(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	assert.Len(t, msgs, 2)
}

func TestHandleMessageOwnership(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)

	_, err := c.HandleMessage(context.Background(), Request{ConversationID: conv.ID, UserID: "mallory", Input: input(t, "hi")})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = c.HandleMessage(context.Background(), Request{ConversationID: "nope", UserID: "alice", Input: input(t, "hi")})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	assert.Empty(t, msgs)
}

func TestHandleMessageStreaming(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)
	streamer := &recordingStreamer{}

	res, err := c.HandleMessage(context.Background(), Request{
		ConversationID: conv.ID, UserID: "alice", Input: input(t, "I have a headache"), Streamer: streamer,
	})
	require.NoError(t, err)
	assert.Equal(t, res.Response, streamer.done)
	assert.Equal(t, res.AssistantMessageID, streamer.doneID)
	assert.Equal(t, res.Response, strings.Join(streamer.chunks, ""))
}

func TestHandleMessageSurvivesCancelledContext(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)
	streamer := &recordingStreamer{}

	ctx, cancel := context.WithCancel(context.Background())
	res, err := c.HandleMessage(ctx, Request{
		ConversationID: conv.ID, UserID: "alice", Input: input(t, "I have a headache"),
		Streamer: &cancellingStreamer{recordingStreamer: streamer, cancel: cancel},
	})
	require.NoError(t, err)
	assert.False(t, res.Incomplete)

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StatusSent, msgs[1].Status)
}

type cancellingStreamer struct {
	*recordingStreamer
	cancel context.CancelFunc
}

func (s *cancellingStreamer) SendChunk(id, data string) error {
	s.cancel()
	return s.recordingStreamer.SendChunk(id, data)
}

type brokenGenerator struct{ ai.OfflineGenerator }

func (brokenGenerator) Generate(context.Context, ai.GenerateRequest) (string, error) {
	return "", errors.New("model unavailable")
}

func TestHandleMessageGenerationFailureIsIncomplete(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, brokenGenerator{})

	res, err := c.HandleMessage(context.Background(), Request{ConversationID: conv.ID, UserID: "alice", Input: input(t, "hi")})
	require.NoError(t, err)
	assert.True(t, res.Incomplete)
	assert.Equal(t, pipeline.Apology+pipeline.Disclaimer, res.Response)

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.StatusIncomplete, msgs[1].Status)
	assert.Equal(t, pipeline.ReasonGenerationFailed, msgs[1].Metadata[chat.MetaIncompleteReason])
}

type failingAssistantRepo struct{ *MemoryRepository }

func (r failingAssistantRepo) SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if msg.Sender == chat.SenderAssistant {
		return chat.Message{}, errors.New("disk full")
	}
	return r.MemoryRepository.SaveMessage(ctx, msg)
}

func TestHandleMessageReportsAssistantSaveFailure(t *testing.T) {
	repo := failingAssistantRepo{NewMemoryRepository()}
	c, conv := newTestCoordinator(t, repo, nil)

	_, err := c.HandleMessage(context.Background(), Request{ConversationID: conv.ID, UserID: "alice", Input: input(t, "hi")})
	assert.ErrorContains(t, err, "disk full")
}

func TestUserMessageMetadata(t *testing.T) {
	repo := NewMemoryRepository()
	c, conv := newTestCoordinator(t, repo, nil)
	in, err := chat.NewTurnInput("", []byte("voice"), []byte("pixels"), "en", chat.TurnOptions{})
	require.NoError(t, err)

	_, err = c.HandleMessage(context.Background(), Request{ConversationID: conv.ID, UserID: "alice", Input: in, ClientMessageID: "m-1"})
	require.NoError(t, err)

	msgs, _ := repo.ListMessages(context.Background(), conv.ID)
	user := msgs[0]
	assert.Equal(t, "[Voice message]", user.Content)
	assert.Equal(t, true, user.Metadata[chat.MetaHasAudio])
	assert.Equal(t, 5, user.Metadata[chat.MetaAudioSize])
	assert.Equal(t, 6, user.Metadata[chat.MetaImageSize])
	assert.Equal(t, "Hello, I have a health question.", user.Metadata[chat.MetaTranscript])
	assert.Equal(t, "m-1", user.ClientMessageID())
}
