package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInboundVariants(t *testing.T) {
	f, err := ParseInbound([]byte(`{"type":"message","text":" hi ","client_message_id":"c-1"}`))
	require.NoError(t, err)
	msg, ok := f.(MessageFrame)
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "c-1", msg.ClientMessageID)

	f, err = ParseInbound([]byte(`{"type":"resume","conversationId":"conv","lastMessageId":"m-1"}`))
	require.NoError(t, err)
	assert.Equal(t, ResumeFrame{ConversationID: "conv", LastMessageID: "m-1"}, f)

	f, err = ParseInbound([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, f.Type())
}

func TestParseInboundRejectsUnknownType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"subscribe"}`))
	require.ErrorIs(t, err, ErrUnknownFrame)
	assert.Contains(t, err.Error(), "subscribe")
}

func TestParseInboundValidation(t *testing.T) {
	_, err := ParseInbound([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidFrame)

	_, err = ParseInbound([]byte(`{"type":"message","text":"   "}`))
	require.ErrorIs(t, err, ErrInvalidFrame)
	assert.Contains(t, err.Error(), "text is required")

	long := strings.Repeat("a", 8001)
	_, err = ParseInbound([]byte(`{"type":"message","text":"` + long + `"}`))
	require.ErrorIs(t, err, ErrInvalidFrame)
}

func TestOutboundWireFormat(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := json.Marshal(NewDone("conv", "m-1", "hello", at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"done","messageId":"m-1","conversationId":"conv",
		"message":{"id":"m-1","content":"hello","sender":"assistant","timestamp":"2025-01-02T03:04:05Z"}}`, string(raw))

	raw, err = json.Marshal(NewError("conv", "boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","conversationId":"conv","error":"boom"}`, string(raw))
}
