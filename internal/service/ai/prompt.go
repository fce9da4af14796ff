package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/veda/backend/internal/service/retrieval"
)

// SystemPrompt frames every generation call.
const SystemPrompt = "You are a helpful medical assistant. Provide accurate, helpful information while " +
	"emphasizing the importance of professional medical consultation."

const summaryPrompt = "Summarize this medical query concisely: %s"

// BuildPrompt wraps the query with retrieved context when there is any.
func BuildPrompt(query string, passages []retrieval.Passage) string {
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) == 0 {
		return query
	}

	return fmt.Sprintf("Context:\n%s\n\nPatient Query: %s\n\nProvide a helpful medical response:",
		strings.Join(texts, "\n\n"), query)
}
