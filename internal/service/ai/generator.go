package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/veda/backend/internal/config"
	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

// GenerateRequest is what the generation stage sees of a turn.
type GenerateRequest struct {
	// Query is the (possibly summarized) text the model answers.
	Query string
	// UserText is the text the user typed, before any stage rewrote it.
	UserText string
	Passages []retrieval.Passage
	HasAudio bool
	HasImage bool
}

// Service encapsulates AI-powered answer generation over an eino chain.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the live generator backed by Ark.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel)
}

// NewServiceWithModel compiles the generation chain around an existing model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{chatModel: chatModel, chain: runnable}, nil
}

// Generate runs the chain to completion.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	response, err := s.chain.Invoke(ctx, s.chainInput(req))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	log.Debug().
		Str("component", "ai").
		Int("passages", len(req.Passages)).
		Int("length", len(response.Content)).
		Msg("generated response")
	return response.Content, nil
}

// Stream streams the chain output.
func (s *Service) Stream(ctx context.Context, req GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	stream, err := s.chain.Stream(ctx, s.chainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// GetChatModel 返回底层的聊天模型
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

func (s *Service) chainInput(req GenerateRequest) map[string]any {
	return map[string]any{
		"system": SystemPrompt,
		"query":  BuildPrompt(req.Query, req.Passages),
	}
}
