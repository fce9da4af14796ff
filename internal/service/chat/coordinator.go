package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/veda/backend/internal/analysis/moderation"
	"github.com/zhouzirui/veda/backend/internal/model/chat"
	"github.com/zhouzirui/veda/backend/internal/service/pipeline"
	"github.com/zhouzirui/veda/backend/internal/service/stream"
)

var turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "veda_turns_total",
	Help: "Conversation turns by outcome.",
}, []string{"outcome"})

// Request is one user turn addressed to a conversation.
type Request struct {
	ConversationID  string
	UserID          string
	Input           chat.TurnInput
	ClientMessageID string
	// Streamer receives chunks and the final done frame; nil runs the turn in batch.
	Streamer stream.Streamer
}

// Result summarizes a handled turn.
type Result struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string
	Response           string
	UserStatus         chat.Status
	Incomplete         bool
	Duplicate          bool
}

// Coordinator ties ownership checks, idempotency, the answer pipeline and
// persistence together for a single turn.
type Coordinator struct {
	repo    Repository
	orch    *pipeline.Orchestrator
	maxTurn time.Duration

	mu     sync.Mutex
	claims map[string]struct{}
}

func NewCoordinator(repo Repository, orch *pipeline.Orchestrator, maxTurn time.Duration) *Coordinator {
	if maxTurn <= 0 {
		maxTurn = 180 * time.Second
	}
	return &Coordinator{repo: repo, orch: orch, maxTurn: maxTurn, claims: make(map[string]struct{})}
}

// Repository exposes the store backing the coordinator.
func (c *Coordinator) Repository() Repository { return c.repo }

// HandleMessage runs one turn end to end. Once the user message is stored the
// turn is finished and persisted even if ctx is cancelled, bounded by maxTurn.
func (c *Coordinator) HandleMessage(ctx context.Context, req Request) (Result, error) {
	if _, err := c.repo.GetConversation(ctx, req.ConversationID, req.UserID); err != nil {
		return Result{}, err
	}

	if req.ClientMessageID != "" {
		dup, ok, err := c.claim(ctx, req.ConversationID, req.ClientMessageID)
		if err != nil {
			turnsTotal.WithLabelValues("error").Inc()
			return Result{}, err
		}
		if !ok {
			turnsTotal.WithLabelValues("duplicate").Inc()
			log.Info().
				Str("component", "coordinator").
				Str("conversation_id", req.ConversationID).
				Str("client_message_id", req.ClientMessageID).
				Msg("duplicate message ignored")
			return dup, nil
		}
		defer c.release(req.ConversationID, req.ClientMessageID)
	}

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.maxTurn)
	defer cancel()

	caller := moderation.Context{UserID: req.UserID, ConversationID: req.ConversationID}
	turn := c.orch.Prepare(turnCtx, req.Input, caller)

	userMsg, err := c.repo.SaveMessage(turnCtx, c.userMessage(req, turn))
	if err != nil {
		turnsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("save user message: %w", err)
	}

	assistantID := uuid.NewString()
	var res pipeline.Result
	if req.Streamer != nil {
		res = c.orch.Stream(turnCtx, turn, func(chunk string) {
			if err := req.Streamer.SendChunk(assistantID, chunk); err != nil {
				log.Debug().Err(err).Str("component", "coordinator").Msg("chunk not delivered")
			}
		})
	} else {
		res = c.orch.Run(turnCtx, turn)
	}

	status := chat.StatusSent
	meta := map[string]any{
		chat.MetaDisclaimer:       true,
		chat.MetaOutputModeration: res.OutputVerdict.AsMap(),
		chat.MetaReplyTo:          userMsg.ID,
	}
	if res.Incomplete {
		status = chat.StatusIncomplete
		meta[chat.MetaIncompleteReason] = res.IncompleteReason
	}

	_, err = c.repo.SaveMessage(turnCtx, chat.Message{
		ID:             assistantID,
		ConversationID: req.ConversationID,
		Sender:         chat.SenderAssistant,
		Content:        res.Text,
		Status:         status,
		Metadata:       meta,
	})
	if err != nil {
		turnsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).
			Str("component", "coordinator").
			Str("conversation_id", req.ConversationID).
			Str("user_message_id", userMsg.ID).
			Msg("assistant message not persisted")
		return Result{}, fmt.Errorf("save assistant message: %w", err)
	}

	if err := c.repo.UpdateMessageCount(turnCtx, req.ConversationID); err != nil {
		log.Warn().Err(err).Str("component", "coordinator").Str("conversation_id", req.ConversationID).
			Msg("failed to update message count")
	}

	if req.Streamer != nil {
		if err := req.Streamer.SendDone(assistantID, res.Text); err != nil {
			log.Debug().Err(err).Str("component", "coordinator").Msg("done frame not delivered")
		}
	}

	outcome := string(userMsg.Status)
	if res.Incomplete {
		outcome = string(chat.StatusIncomplete)
	}
	turnsTotal.WithLabelValues(outcome).Inc()

	return Result{
		ConversationID:     req.ConversationID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantID,
		Response:           res.Text,
		UserStatus:         userMsg.Status,
		Incomplete:         res.Incomplete,
	}, nil
}

func (c *Coordinator) userMessage(req Request, turn *pipeline.Turn) chat.Message {
	verdict := turn.Verdict()
	status := chat.StatusSent
	switch {
	case verdict.Blocked():
		status = chat.StatusBlocked
	case verdict.Flagged():
		status = chat.StatusFlagged
	}

	meta := map[string]any{
		chat.MetaModeration: verdict.AsMap(),
		chat.MetaStages:     turn.Stages.AsMap(),
	}
	if req.Input.HasAudio() {
		meta[chat.MetaHasAudio] = true
		meta[chat.MetaAudioSize] = len(req.Input.Audio())
	}
	if req.Input.HasImage() {
		meta[chat.MetaHasImage] = true
		meta[chat.MetaImageSize] = len(req.Input.Image())
	}
	if turn.Transcript != "" {
		meta[chat.MetaTranscript] = turn.Transcript
	}
	if req.ClientMessageID != "" {
		meta[chat.MetaClientMessageID] = req.ClientMessageID
	}

	return chat.Message{
		ConversationID: req.ConversationID,
		Sender:         chat.SenderUser,
		Content:        req.Input.DisplayContent(),
		Status:         status,
		Metadata:       meta,
	}
}

// claim reserves a client message id. When the id is already in flight or
// stored, it returns the duplicate result and false.
func (c *Coordinator) claim(ctx context.Context, conversationID, clientMessageID string) (Result, bool, error) {
	key := conversationID + ":" + clientMessageID
	dup := Result{ConversationID: conversationID, Duplicate: true}

	c.mu.Lock()
	if _, busy := c.claims[key]; busy {
		c.mu.Unlock()
		return dup, false, nil
	}
	c.claims[key] = struct{}{}
	c.mu.Unlock()

	existing, found, err := c.repo.FindByClientMessageID(ctx, conversationID, clientMessageID)
	if err != nil || found {
		c.release(conversationID, clientMessageID)
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("check duplicate: %w", err)
	}
	if found {
		dup.UserMessageID = existing.ID
		reply, ok, err := c.repo.FindReply(ctx, conversationID, existing.ID)
		if err != nil {
			return Result{}, false, fmt.Errorf("find reply: %w", err)
		}
		// 原回合仍在生成时没有 reply，只返回用户消息
		if ok {
			dup.AssistantMessageID = reply.ID
			dup.Response = reply.Content
			dup.Incomplete = reply.Status == chat.StatusIncomplete
		}
		return dup, false, nil
	}
	return Result{}, true, nil
}

func (c *Coordinator) release(conversationID, clientMessageID string) {
	c.mu.Lock()
	delete(c.claims, conversationID+":"+clientMessageID)
	c.mu.Unlock()
}
