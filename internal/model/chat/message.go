package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Status 描述消息在审核与流式输出之后的最终状态。
type Status string

const (
	StatusSent       Status = "sent"
	StatusFlagged    Status = "flagged"
	StatusBlocked    Status = "blocked"
	StatusIncomplete Status = "incomplete"
	StatusDelivered  Status = "delivered"
)

// Message persists individual turns of a conversation.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Sender         Sender         `json:"sender"`
	Content        string         `json:"content"`
	Status         Status         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ClientMessageID returns the idempotency key recorded on a user message, if any.
func (m Message) ClientMessageID() string {
	if m.Metadata == nil {
		return ""
	}
	id, _ := m.Metadata[MetaClientMessageID].(string)
	return id
}

// Metadata keys written by the coordinator.
const (
	MetaClientMessageID  = "client_message_id"
	MetaHasAudio         = "has_audio"
	MetaAudioSize        = "audio_size"
	MetaHasImage         = "has_image"
	MetaImageSize        = "image_size"
	MetaModeration       = "moderation"
	MetaOutputModeration = "output_moderation"
	MetaTranscript       = "transcript"
	MetaStages           = "stages"
	MetaDisclaimer       = "disclaimer"
	MetaIncompleteReason = "incomplete_reason"
	MetaReplyTo          = "reply_to"
)
