package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const visionInstruction = "Describe the medically relevant content of this image in two or three sentences. " +
	"Do not diagnose."

type chatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ImageDescriber 使用视觉模型生成图片描述。
type ImageDescriber struct {
	client chatCompletionClient
	model  string
}

func NewImageDescriber(client *openai.Client, model string) *ImageDescriber {
	return &ImageDescriber{client: client, model: model}
}

func (d *ImageDescriber) Describe(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image payload")
	}

	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: visionInstruction},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailLow,
				}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("vision model returned no choices")
	}

	desc := strings.TrimSpace(resp.Choices[0].Message.Content)
	if desc == "" {
		return "", errors.New("vision model returned empty description")
	}
	return desc, nil
}
