package ai

import (
	"context"
	"crypto/md5"
	"strings"

	"github.com/cloudwego/eino/schema"
)

var cannedResponses = []string{
	"Thank you for your health question. Based on your symptoms, I recommend consulting with a healthcare professional for proper evaluation.",
	"I understand your concern. While I can provide general information, it's important to speak with a doctor who can examine you properly.",
	"Your symptoms could have various causes. A healthcare provider would be the best person to give you an accurate diagnosis and treatment plan.",
	"I appreciate you sharing your health concerns with me. For the most accurate advice, please consider scheduling an appointment with your doctor.",
	"Based on what you've described, there are several possibilities. A medical professional can help determine the best course of action for your situation.",
}

const (
	offlineTranscript  = "Hello, I have a health question."
	offlineDescription = "Image shows medical-related content."
	wordsPerChunk      = 4
)

// OfflineGenerator returns deterministic canned answers.
type OfflineGenerator struct{}

// Generate picks a canned answer by hashing the user's own text.
func (OfflineGenerator) Generate(_ context.Context, req GenerateRequest) (string, error) {
	seed := req.UserText
	if seed == "" {
		seed = "default"
	}
	sum := md5.Sum([]byte(seed))
	answer := cannedResponses[int(sum[0])%len(cannedResponses)]

	if req.HasAudio {
		answer = "I've processed your voice message. " + answer
	}
	if req.HasImage {
		answer = "I've analyzed your image. " + answer
	}
	return answer, nil
}

// Stream emits the canned answer a few words at a time.
func (g OfflineGenerator) Stream(ctx context.Context, req GenerateRequest) (*schema.StreamReader[*schema.Message], error) {
	answer, err := g.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := chunkWords(answer, wordsPerChunk)
	msgs := make([]*schema.Message, 0, len(chunks))
	for _, c := range chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

// chunkWords groups words so that the concatenated chunks equal the
// whitespace-normalized input.
func chunkWords(text string, n int) []string {
	words := strings.Fields(text)
	var chunks []string
	for i := 0; i < len(words); i += n {
		end := i + n
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// OfflineTranscriber stands in for speech-to-text.
type OfflineTranscriber struct{}

func (OfflineTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return offlineTranscript, nil
}

// OfflineDescriber stands in for the vision model.
type OfflineDescriber struct{}

func (OfflineDescriber) Describe(context.Context, []byte) (string, error) {
	return offlineDescription, nil
}
