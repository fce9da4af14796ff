package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// FrameType is the "type" discriminator on every WebSocket frame.
type FrameType string

const (
	TypeMessage   FrameType = "message"
	TypeResume    FrameType = "resume"
	TypePing      FrameType = "ping"
	TypeChunk     FrameType = "chunk"
	TypeDone      FrameType = "done"
	TypeError     FrameType = "error"
	TypePong      FrameType = "pong"
	TypeResumeAck FrameType = "resume_ack"
)

var (
	ErrUnknownFrame = errors.New("unknown message type")
	ErrInvalidFrame = errors.New("invalid frame")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound is implemented by every client → server frame.
type Inbound interface {
	Type() FrameType
}

// MessageFrame 用户发起的新一轮对话。
type MessageFrame struct {
	Text            string `json:"text" validate:"required,max=8000"`
	ClientMessageID string `json:"client_message_id" validate:"omitempty,max=128"`
}

func (MessageFrame) Type() FrameType { return TypeMessage }

// ResumeFrame asks for the cached output of a previous assistant message.
type ResumeFrame struct {
	ConversationID string `json:"conversationId"`
	LastMessageID  string `json:"lastMessageId" validate:"omitempty,max=128"`
}

func (ResumeFrame) Type() FrameType { return TypeResume }

// PingFrame is an application-level keepalive.
type PingFrame struct{}

func (PingFrame) Type() FrameType { return TypePing }

// ParseInbound decodes a raw frame into its concrete variant.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON format", ErrInvalidFrame)
	}

	switch envelope.Type {
	case TypeMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: malformed message frame", ErrInvalidFrame)
		}
		f.Text = strings.TrimSpace(f.Text)
		f.ClientMessageID = strings.TrimSpace(f.ClientMessageID)
		if err := validate.Struct(f); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFrame, describe(err))
		}
		return f, nil
	case TypeResume:
		var f ResumeFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: malformed resume frame", ErrInvalidFrame)
		}
		if err := validate.Struct(f); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidFrame, describe(err))
		}
		return f, nil
	case TypePing:
		return PingFrame{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, envelope.Type)
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", strings.ToLower(fe.Field()))
	case "max":
		return fmt.Sprintf("%s exceeds %s characters", strings.ToLower(fe.Field()), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
	}
}

// ChunkFrame carries one increment of assistant output.
type ChunkFrame struct {
	Type           FrameType `json:"type"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Data           string    `json:"data"`
}

// DoneMessage is the final assistant message embedded in a done frame.
type DoneMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// DoneFrame ends a turn; its message content is authoritative.
type DoneFrame struct {
	Type           FrameType   `json:"type"`
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	Message        DoneMessage `json:"message"`
}

// ErrorFrame reports a recoverable failure; the connection stays open.
type ErrorFrame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Error          string    `json:"error"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type FrameType `json:"type"`
}

// ResumeAckFrame is sent when there is nothing cached to replay.
type ResumeAckFrame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversationId"`
	LastMessageID  string    `json:"lastMessageId,omitempty"`
	Message        string    `json:"message"`
}

func NewChunk(conversationID, messageID, data string) ChunkFrame {
	return ChunkFrame{Type: TypeChunk, MessageID: messageID, ConversationID: conversationID, Data: data}
}

func NewDone(conversationID, messageID, content string, at time.Time) DoneFrame {
	return DoneFrame{
		Type:           TypeDone,
		MessageID:      messageID,
		ConversationID: conversationID,
		Message: DoneMessage{
			ID:        messageID,
			Content:   content,
			Sender:    "assistant",
			Timestamp: at.UTC().Format(time.RFC3339Nano),
		},
	}
}

func NewError(conversationID, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, ConversationID: conversationID, Error: message}
}

func NewPong() PongFrame {
	return PongFrame{Type: TypePong}
}

func NewResumeAck(conversationID, lastMessageID string) ResumeAckFrame {
	return ResumeAckFrame{
		Type:           TypeResumeAck,
		ConversationID: conversationID,
		LastMessageID:  lastMessageID,
		Message:        "Connection resumed successfully",
	}
}
