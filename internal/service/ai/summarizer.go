package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/zhouzirui/veda/backend/internal/config"
)

// Summarizer condenses long queries with a local Ollama model.
type Summarizer struct {
	llm llms.Model
}

func NewSummarizer(cfg config.OllamaConfig) (*Summarizer, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.URL),
		ollama.WithModel(cfg.SummaryModel),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return &Summarizer{llm: llm}, nil
}

func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, s.llm, fmt.Sprintf(summaryPrompt, text))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("summarize: empty output")
	}
	return out, nil
}
